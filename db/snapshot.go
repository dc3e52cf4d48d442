package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/mr-karan/dnswatch/model"
)

// SnapshotStore keeps the aggregator's retained queries in SQLite so they
// survive restarts. Each Save replaces the previous snapshot.
type SnapshotStore struct {
	db *sql.DB
}

// OpenSnapshotStore opens or creates the snapshot database at path.
func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrap(err, "open snapshot db")
	}
	// A single connection keeps ":memory:" databases shared between calls.
	conn.SetMaxOpenConns(1)

	s := &SnapshotStore{db: conn}
	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

func (s *SnapshotStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshot_queries (
		seq            INTEGER PRIMARY KEY,
		timestamp      INTEGER NOT NULL, -- unix nanoseconds
		domain         TEXT NOT NULL,
		qtype          INTEGER NOT NULL,
		is_response    BOOLEAN NOT NULL DEFAULT 0,
		rcode          INTEGER,
		transaction_id INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return errors.Wrap(err, "create snapshot schema")
}

// Load returns the saved records in their original order. An empty store
// yields no records and no error.
func (s *SnapshotStore) Load(ctx context.Context) ([]model.QueryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, domain, qtype, is_response, rcode, transaction_id
		FROM snapshot_queries
		ORDER BY seq
	`)
	if err != nil {
		return nil, errors.Wrap(err, "query snapshot")
	}
	defer rows.Close()

	var recs []model.QueryRecord
	for rows.Next() {
		var (
			ts    int64
			qtype uint16
			rcode sql.NullInt16
			r     model.QueryRecord
		)
		if err := rows.Scan(&ts, &r.Domain, &qtype, &r.IsResponse, &rcode, &r.TransactionID); err != nil {
			return nil, errors.Wrap(err, "scan snapshot row")
		}
		r.Timestamp = time.Unix(0, ts)
		r.QueryType = model.QueryType(qtype)
		if rcode.Valid {
			c := model.RCode(rcode.Int16)
			r.ResponseCode = &c
		}
		recs = append(recs, r)
	}
	return recs, errors.Wrap(rows.Err(), "read snapshot")
}

// Save replaces the stored snapshot with recs in one transaction.
func (s *SnapshotStore) Save(ctx context.Context, recs []model.QueryRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin snapshot")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_queries`); err != nil {
		return errors.Wrap(err, "clear snapshot")
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO snapshot_queries (seq, timestamp, domain, qtype, is_response, rcode, transaction_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return errors.Wrap(err, "prepare snapshot insert")
	}
	defer stmt.Close()

	for i, r := range recs {
		var rcode sql.NullInt16
		if r.ResponseCode != nil {
			rcode = sql.NullInt16{Int16: int16(*r.ResponseCode), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, i, r.Timestamp.UnixNano(), r.Domain, r.QueryType.Code(), r.IsResponse, rcode, r.TransactionID); err != nil {
			return errors.Wrap(err, "insert snapshot row")
		}
	}
	return errors.Wrap(tx.Commit(), "commit snapshot")
}
