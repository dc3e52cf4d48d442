package db

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mr-karan/dnswatch/model"
)

const createQueriesTable = `
CREATE TABLE IF NOT EXISTS dns_queries (
	timestamp      DateTime64(3),
	domain         String,
	base_domain    LowCardinality(String),
	qtype          LowCardinality(String),
	transaction_id UInt16
) ENGINE = MergeTree
ORDER BY (timestamp, base_domain)
TTL toDateTime(timestamp) + INTERVAL 30 DAY`

const insertQueries = `INSERT INTO dns_queries (timestamp, domain, base_domain, qtype, transaction_id)`

// ClickHouse writes query records to a dns_queries table.
type ClickHouse struct {
	db *sql.DB
}

// OpenClickHouse connects to dsn, retrying once a second until attempts run
// out or ctx is done, and creates the table if it is missing.
func OpenClickHouse(ctx context.Context, dsn string, attempts int, log *zap.Logger) (*ClickHouse, error) {
	conn, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open clickhouse")
	}

	for i := 0; ; i++ {
		if err = conn.PingContext(ctx); err == nil {
			break
		}
		if i+1 >= attempts {
			conn.Close()
			return nil, errors.Wrap(err, "ping clickhouse")
		}
		log.Info("waiting for clickhouse", zap.Int("attempt", i+1), zap.Error(err))
		select {
		case <-ctx.Done():
			conn.Close()
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	if _, err := conn.ExecContext(ctx, createQueriesTable); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "create dns_queries table")
	}
	return &ClickHouse{db: conn}, nil
}

// Insert writes recs as one batch.
func (c *ClickHouse) Insert(ctx context.Context, recs []model.QueryRecord) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin batch")
	}
	stmt, err := tx.PrepareContext(ctx, insertQueries)
	if err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "prepare batch")
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx, r.Timestamp, r.Domain, r.BaseDomain(), r.QueryType.String(), r.TransactionID); err != nil {
			_ = tx.Rollback()
			return errors.Wrap(err, "append to batch")
		}
	}
	return errors.Wrap(tx.Commit(), "send batch")
}

func (c *ClickHouse) Close() error {
	return c.db.Close()
}
