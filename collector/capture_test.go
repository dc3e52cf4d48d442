package collector

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mr-karan/dnswatch/metrics"
	"github.com/mr-karan/dnswatch/model"
)

// fakeSource replays frames and then either reports EOF or idles with
// ErrTimeout until interrupted.
type fakeSource struct {
	name        string
	frames      [][]byte
	eof         bool
	pos         int
	interrupted atomic.Bool
	closed      atomic.Bool
	readAfter   atomic.Bool
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) NextFrame() (Frame, error) {
	if f.closed.Load() {
		f.readAfter.Store(true)
	}
	if f.interrupted.Load() {
		return Frame{}, ErrInterrupted
	}
	if f.pos < len(f.frames) {
		fr := f.frames[f.pos]
		f.pos++
		return Frame{Data: fr, Timestamp: time.Unix(1700000000, 0)}, nil
	}
	if f.eof {
		return Frame{}, io.EOF
	}
	time.Sleep(5 * time.Millisecond)
	return Frame{}, ErrTimeout
}

func (f *fakeSource) Interrupt() { f.interrupted.Store(true) }

func (f *fakeSource) Close() error {
	f.closed.Store(true)
	return nil
}

type recordingSink struct {
	mu   sync.Mutex
	recs []model.QueryRecord
}

func (s *recordingSink) Submit(rec model.QueryRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return true
}

func (s *recordingSink) records() []model.QueryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.QueryRecord(nil), s.recs...)
}

func openerFor(sources map[string]*fakeSource) Opener {
	return func(name string) (Source, error) {
		s, ok := sources[name]
		if !ok {
			return nil, errors.Errorf("no such device %s", name)
		}
		return s, nil
	}
}

func TestCaptureForwardsQueriesOnly(t *testing.T) {
	query := ethernetIPv4Frame(t, packQuery(t, 1, "example.com", dns.TypeA))
	resp := append([]byte(nil), query...)
	resp[14+20+8+2] |= 0x80 // QR bit
	junk := make([]byte, 10)

	src := &fakeSource{name: "eth0", frames: [][]byte{query, resp, junk, query}, eof: true}
	sink := &recordingSink{}
	m := metrics.New()

	c := NewCapture(openerFor(map[string]*fakeSource{"eth0": src}), 3, zap.NewNop(), m, sink)
	require.NoError(t, c.Run(context.Background(), []Candidate{{Name: "eth0"}}))

	recs := sink.records()
	require.Len(t, recs, 2)
	assert.Equal(t, "example.com", recs[0].Domain)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.FramesCaptured.WithLabelValues("eth0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResponsesSkipped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecodeFailures.WithLabelValues("too_short")))
	assert.True(t, src.closed.Load())
}

func TestCaptureOpensAtMostMaxSources(t *testing.T) {
	sources := map[string]*fakeSource{
		"eth0": {name: "eth0", eof: true},
		"eth1": {name: "eth1", eof: true},
		"eth2": {name: "eth2", eof: true},
	}
	c := NewCapture(openerFor(sources), 2, zap.NewNop(), metrics.New())

	err := c.Run(context.Background(), []Candidate{{Name: "missing"}, {Name: "eth0"}, {Name: "eth1"}, {Name: "eth2"}})
	require.NoError(t, err)

	assert.True(t, sources["eth0"].closed.Load())
	assert.True(t, sources["eth1"].closed.Load())
	assert.False(t, sources["eth2"].closed.Load())
}

func TestCaptureNoSources(t *testing.T) {
	c := NewCapture(openerFor(nil), 3, zap.NewNop(), metrics.New())
	err := c.Run(context.Background(), []Candidate{{Name: "eth0"}})
	assert.ErrorIs(t, err, ErrNoSources)

	err = c.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoSources)
}

func TestCaptureInterruptsBeforeClose(t *testing.T) {
	src := &fakeSource{name: "eth0"}
	c := NewCapture(openerFor(map[string]*fakeSource{"eth0": src}), 1, zap.NewNop(), metrics.New())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx, []Candidate{{Name: "eth0"}}) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("capture did not stop after cancel")
	}
	assert.True(t, src.interrupted.Load())
	assert.True(t, src.closed.Load())
	assert.False(t, src.readAfter.Load(), "source was read after close")
}
