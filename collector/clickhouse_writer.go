package collector

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mr-karan/dnswatch/metrics"
	"github.com/mr-karan/dnswatch/model"
)

// InsertFunc writes one batch of records to the export store.
type InsertFunc func(ctx context.Context, recs []model.QueryRecord) error

// ClickHouseWriter buffers submitted queries and writes them in batches.
type ClickHouseWriter struct {
	insert        InsertFunc
	queue         chan model.QueryRecord
	batchSize     int
	flushInterval time.Duration
	log           *zap.Logger
	metrics       *metrics.Metrics

	Dropped atomic.Uint64
}

// NewClickHouseWriter creates a writer with a queue of queueSize records.
func NewClickHouseWriter(insert InsertFunc, queueSize, batchSize int, flushInterval time.Duration, log *zap.Logger, m *metrics.Metrics) *ClickHouseWriter {
	return &ClickHouseWriter{
		insert:        insert,
		queue:         make(chan model.QueryRecord, queueSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		log:           log,
		metrics:       m,
	}
}

// Submit queues rec without blocking, dropping it when the queue is full.
func (w *ClickHouseWriter) Submit(rec model.QueryRecord) bool {
	select {
	case w.queue <- rec:
		return true
	default:
		w.Dropped.Add(1)
		w.metrics.RecordsDropped.WithLabelValues("clickhouse").Inc()
		return false
	}
}

// Run batches queued records until ctx is done, then flushes what is left.
func (w *ClickHouseWriter) Run(ctx context.Context) {
	batch := make([]model.QueryRecord, 0, w.batchSize)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}

		// The final flush runs after ctx is done, so it gets its own deadline.
		fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// 1 quick retry (short jitter) then drop to avoid long blocking
		if err := w.insert(fctx, batch); err != nil {
			time.Sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)

			if err2 := w.insert(fctx, batch); err2 != nil {
				w.log.Error("clickhouse insert failed, dropping batch", zap.Int("rows", len(batch)), zap.Error(err2))
				batch = batch[:0]
				return
			}
		}
		w.metrics.RecordsExported.Add(float64(len(batch)))
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-w.queue:
			batch = append(batch, rec)
			if len(batch) >= w.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-ctx.Done():
			// Drain whatever is already queued, then a final flush.
			for {
				select {
				case rec := <-w.queue:
					batch = append(batch, rec)
					if len(batch) >= w.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
