package aggregator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mr-karan/dnswatch/metrics"
	"github.com/mr-karan/dnswatch/model"
)

// ErrStopped is returned by requests made after the service loop exited.
var ErrStopped = errors.New("aggregator stopped")

// SnapshotStore persists the retained record set between runs.
type SnapshotStore interface {
	Load(ctx context.Context) ([]model.QueryRecord, error)
	Save(ctx context.Context, recs []model.QueryRecord) error
}

// ServiceConfig sets the maintenance cadence of a Service.
type ServiceConfig struct {
	SaveInterval  time.Duration
	PruneInterval time.Duration
	RateInterval  time.Duration
	QueueSize     int
}

// DefaultServiceConfig returns the stock cadence.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		SaveInterval:  30 * time.Second,
		PruneInterval: time.Minute,
		RateInterval:  time.Second,
		QueueSize:     4096,
	}
}

// Service is the single consumer that owns an Aggregator. Ingested records,
// timer-driven maintenance and view requests all run on the Run goroutine
// in the order they arrive.
type Service struct {
	agg   *Aggregator
	store SnapshotStore
	cfg   ServiceConfig
	log   *zap.Logger
	m     *metrics.Metrics
	clock func() time.Time

	records chan model.QueryRecord
	cmds    chan func(*Aggregator)
	done    chan struct{}

	Dropped atomic.Uint64
}

// NewService wraps agg. store may be nil to run without persistence.
func NewService(agg *Aggregator, store SnapshotStore, cfg ServiceConfig, log *zap.Logger, m *metrics.Metrics) *Service {
	return &Service{
		agg:     agg,
		store:   store,
		cfg:     cfg,
		log:     log,
		m:       m,
		clock:   time.Now,
		records: make(chan model.QueryRecord, cfg.QueueSize),
		cmds:    make(chan func(*Aggregator)),
		done:    make(chan struct{}),
	}
}

// Submit queues rec without blocking and reports false if the queue is full.
func (s *Service) Submit(rec model.QueryRecord) bool {
	select {
	case s.records <- rec:
		return true
	default:
		s.Dropped.Add(1)
		s.m.RecordsDropped.WithLabelValues("aggregator").Inc()
		return false
	}
}

// Ingest queues rec, waiting for room.
func (s *Service) Ingest(ctx context.Context, rec model.QueryRecord) error {
	select {
	case s.records <- rec:
		return nil
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run loads the snapshot, then serves until ctx is done. Records already
// queued are ingested before any command or maintenance task runs, so a
// request observes every record submitted before it. On shutdown the queue
// is drained and a final snapshot is saved.
func (s *Service) Run(ctx context.Context) error {
	defer close(s.done)

	s.load(ctx)

	rate := time.NewTicker(s.cfg.RateInterval)
	defer rate.Stop()
	prune := time.NewTicker(s.cfg.PruneInterval)
	defer prune.Stop()
	save := time.NewTicker(s.cfg.SaveInterval)
	defer save.Stop()

	lastRate := s.clock()
	for {
		select {
		case rec := <-s.records:
			s.ingest(rec)

		case fn := <-s.cmds:
			s.drain()
			fn(s.agg)

		case <-rate.C:
			now := s.clock()
			s.agg.UpdateRate(now.Sub(lastRate))
			lastRate = now
			s.m.QueriesPerSec.Set(s.agg.QPS())

		case <-prune.C:
			s.drain()
			if n := s.agg.Prune(s.clock()); n > 0 {
				s.m.RecordsPruned.Add(float64(n))
				s.log.Debug("pruned retained queries", zap.Int("removed", n))
			}
			s.m.RetainedQueries.Set(float64(s.agg.Retained()))

		case <-save.C:
			s.drain()
			s.save(ctx)

		case <-ctx.Done():
			s.drain()
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			s.save(sctx)
			cancel()
			return nil
		}
	}
}

func (s *Service) ingest(rec model.QueryRecord) {
	s.agg.Ingest(rec)
	s.m.QueriesIngested.Inc()
	s.m.RetainedQueries.Set(float64(s.agg.Retained()))
}

func (s *Service) drain() {
	for {
		select {
		case rec := <-s.records:
			s.ingest(rec)
		default:
			return
		}
	}
}

func (s *Service) load(ctx context.Context) {
	if s.store == nil {
		return
	}
	recs, err := s.store.Load(ctx)
	if err != nil {
		s.log.Error("load snapshot, starting empty", zap.Error(err))
		return
	}
	s.agg.Rehydrate(recs, s.clock())
	s.m.RetainedQueries.Set(float64(s.agg.Retained()))
	s.log.Info("restored snapshot", zap.Int("records", s.agg.Retained()))
}

func (s *Service) save(ctx context.Context) {
	if s.store == nil {
		return
	}
	recs := s.agg.SnapshotRecords(s.clock())
	if err := s.store.Save(ctx, recs); err != nil {
		s.m.SnapshotSaves.WithLabelValues("error").Inc()
		s.log.Error("save snapshot", zap.Int("records", len(recs)), zap.Error(err))
		return
	}
	s.m.SnapshotSaves.WithLabelValues("ok").Inc()
}

// do runs fn on the service goroutine and waits for it to finish.
func (s *Service) do(ctx context.Context, fn func(*Aggregator)) error {
	finished := make(chan struct{})
	cmd := func(a *Aggregator) {
		fn(a)
		close(finished)
	}

	select {
	case s.cmds <- cmd:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	// Run executes an accepted command before it selects again, so this
	// never outlives the service.
	<-finished
	return nil
}

// Stats returns every view at once.
func (s *Service) Stats(ctx context.Context) (model.Stats, error) {
	var out model.Stats
	err := s.do(ctx, func(a *Aggregator) { out = a.Stats(s.clock()) })
	return out, err
}

// TopDomains returns up to n base domains by count.
func (s *Service) TopDomains(ctx context.Context, n int) ([]model.DomainStat, error) {
	var out []model.DomainStat
	err := s.do(ctx, func(a *Aggregator) { out = a.TopDomains(n) })
	return out, err
}

// QueryTypes returns the query type distribution.
func (s *Service) QueryTypes(ctx context.Context) ([]model.TypeStat, error) {
	var out []model.TypeStat
	err := s.do(ctx, func(a *Aggregator) { out = a.QueryTypes() })
	return out, err
}

// Timeline returns the recent per-bucket counts.
func (s *Service) Timeline(ctx context.Context) ([]model.TimelinePoint, error) {
	var out []model.TimelinePoint
	err := s.do(ctx, func(a *Aggregator) { out = a.Timeline(s.clock()) })
	return out, err
}

// Recent returns up to n of the newest queries.
func (s *Service) Recent(ctx context.Context, n int) ([]model.QueryRecord, error) {
	var out []model.QueryRecord
	err := s.do(ctx, func(a *Aggregator) { out = a.Recent(n) })
	return out, err
}

// Reset clears all aggregate state.
func (s *Service) Reset(ctx context.Context) error {
	err := s.do(ctx, func(a *Aggregator) {
		a.Reset()
		s.m.RetainedQueries.Set(0)
		s.m.QueriesPerSec.Set(0)
	})
	if err == nil {
		s.log.Info("statistics reset")
	}
	return err
}

// Logs returns a filtered page of retained records and the match count.
func (s *Service) Logs(ctx context.Context, f LogFilter) ([]model.QueryRecord, int, error) {
	var (
		out   []model.QueryRecord
		total int
	)
	err := s.do(ctx, func(a *Aggregator) { out, total = a.Logs(f) })
	return out, total, err
}
