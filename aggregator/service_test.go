package aggregator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mr-karan/dnswatch/metrics"
	"github.com/mr-karan/dnswatch/model"
)

type memStore struct {
	mu       sync.Mutex
	loaded   []model.QueryRecord
	loadErr  error
	saveErr  error
	saves    int
	lastSave []model.QueryRecord
}

func (m *memStore) Load(context.Context) ([]model.QueryRecord, error) {
	return m.loaded, m.loadErr
}

func (m *memStore) Save(_ context.Context, recs []model.QueryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.lastSave = recs
	return nil
}

func (m *memStore) snapshot() (int, []model.QueryRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves, m.lastSave
}

func slowCadence() ServiceConfig {
	cfg := DefaultServiceConfig()
	cfg.SaveInterval = time.Hour
	cfg.PruneInterval = time.Hour
	cfg.RateInterval = time.Hour
	cfg.QueueSize = 8
	return cfg
}

func startService(t *testing.T, store SnapshotStore, cfg ServiceConfig) (*Service, *metrics.Metrics, func()) {
	t.Helper()
	m := metrics.New()
	svc := NewService(New(DefaultConfig()), store, cfg, zap.NewNop(), m)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()

	stop := func() {
		cancel()
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("service did not stop")
		}
	}
	return svc, m, stop
}

func TestServiceIngestThenRead(t *testing.T) {
	svc, m, stop := startService(t, nil, slowCadence())
	defer stop()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Ingest(ctx, rec("www.a.com", model.QueryTypeA, time.Now())))
	}
	for i := 0; i < 5; i++ {
		require.True(t, svc.Submit(rec("b.com", model.QueryTypeAAAA, time.Now())))
	}

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), stats.TotalQueries)
	require.Len(t, stats.TopDomains, 2)
	assert.Equal(t, "b.com", stats.TopDomains[0].Domain)
	assert.InDelta(t, 62.5, stats.TopDomains[0].Percentage, 1e-9)
	assert.Len(t, stats.Recent, 8)
	assert.Equal(t, 8.0, testutil.ToFloat64(m.QueriesIngested))

	top, err := svc.TopDomains(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, top, 1)

	types, err := svc.QueryTypes(ctx)
	require.NoError(t, err)
	assert.Len(t, types, 2)

	recent, err := svc.Recent(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	timeline, err := svc.Timeline(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, timeline)

	require.NoError(t, svc.Reset(ctx))
	stats, err = svc.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalQueries)
}

func TestServiceSubmitDropsWhenQueueFull(t *testing.T) {
	m := metrics.New()
	cfg := slowCadence()
	cfg.QueueSize = 2
	svc := NewService(New(DefaultConfig()), nil, cfg, zap.NewNop(), m)

	// Not running, so nothing drains the queue.
	assert.True(t, svc.Submit(rec("a.com", model.QueryTypeA, time.Now())))
	assert.True(t, svc.Submit(rec("a.com", model.QueryTypeA, time.Now())))
	assert.False(t, svc.Submit(rec("a.com", model.QueryTypeA, time.Now())))
	assert.Equal(t, uint64(1), svc.Dropped.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecordsDropped.WithLabelValues("aggregator")))
}

func TestServiceLoadsSnapshotOnceAndSavesOnShutdown(t *testing.T) {
	now := time.Now()
	store := &memStore{loaded: []model.QueryRecord{
		rec("a.com", model.QueryTypeA, now.Add(-time.Minute)),
		rec("b.com", model.QueryTypeMX, now.Add(-time.Second)),
	}}
	svc, _, stop := startService(t, store, slowCadence())

	ctx := context.Background()
	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalQueries)
	assert.Equal(t, 2, stats.Retained)

	require.NoError(t, svc.Ingest(ctx, rec("c.com", model.QueryTypeA, now)))
	stop()

	saves, last := store.snapshot()
	assert.Equal(t, 1, saves)
	require.Len(t, last, 3)
	assert.Equal(t, "c.com", last[2].Domain)
}

func TestServiceStartsEmptyWhenLoadFails(t *testing.T) {
	store := &memStore{loadErr: errors.New("database is locked")}
	svc, _, stop := startService(t, store, slowCadence())
	defer stop()

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TotalQueries)
}

func TestServiceSavesOnInterval(t *testing.T) {
	store := &memStore{}
	cfg := slowCadence()
	cfg.SaveInterval = 10 * time.Millisecond
	svc, m, stop := startService(t, store, cfg)
	defer stop()

	require.NoError(t, svc.Ingest(context.Background(), rec("a.com", model.QueryTypeA, time.Now())))
	assert.Eventually(t, func() bool {
		saves, last := store.snapshot()
		return saves >= 2 && len(last) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.SnapshotSaves.WithLabelValues("ok")), 2.0)
}

func TestServiceSaveFailureIsRetriedNextTick(t *testing.T) {
	store := &memStore{saveErr: errors.New("disk full")}
	cfg := slowCadence()
	cfg.SaveInterval = 10 * time.Millisecond
	_, m, stop := startService(t, store, cfg)
	defer stop()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.SnapshotSaves.WithLabelValues("error")) >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServicePrunesOnInterval(t *testing.T) {
	cfg := slowCadence()
	cfg.PruneInterval = 10 * time.Millisecond
	svc, m, stop := startService(t, nil, cfg)
	defer stop()

	ctx := context.Background()
	require.NoError(t, svc.Ingest(ctx, rec("old.com", model.QueryTypeA, time.Now().Add(-31*24*time.Hour))))
	require.NoError(t, svc.Ingest(ctx, rec("new.com", model.QueryTypeA, time.Now())))

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.RecordsPruned) == 1
	}, 2*time.Second, 5*time.Millisecond)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retained)
	assert.Equal(t, int64(2), stats.TotalQueries)
}

func TestServiceRequestsAfterStop(t *testing.T) {
	svc, _, stop := startService(t, nil, slowCadence())
	stop()

	_, err := svc.Stats(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, svc.Reset(context.Background()), ErrStopped)
}

func TestServiceRequestHonoursContext(t *testing.T) {
	svc := NewService(New(DefaultConfig()), nil, slowCadence(), zap.NewNop(), metrics.New())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.Stats(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServiceRetainedGaugeFollowsIngest(t *testing.T) {
	svc, m, stop := startService(t, nil, slowCadence())
	defer stop()

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, svc.Ingest(ctx, rec("a.com", model.QueryTypeA, time.Now())))
	}
	// A read runs after every queued record, long before the hourly prune.
	_, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.RetainedQueries))

	require.NoError(t, svc.Reset(ctx))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RetainedQueries))
}
