package collector

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mr-karan/dnswatch/metrics"
	"github.com/mr-karan/dnswatch/model"
)

// Sink receives decoded queries. Submit must not block; it reports false
// when the record was dropped.
type Sink interface {
	Submit(rec model.QueryRecord) bool
}

// Capture drives a set of capture sources, decodes their frames and fans
// the resulting queries out to the sinks.
type Capture struct {
	open       Opener
	maxSources int
	sinks      []Sink
	log        *zap.Logger
	metrics    *metrics.Metrics
}

// NewCapture creates a capture that opens at most maxSources sources.
func NewCapture(open Opener, maxSources int, log *zap.Logger, m *metrics.Metrics, sinks ...Sink) *Capture {
	return &Capture{
		open:       open,
		maxSources: maxSources,
		sinks:      sinks,
		log:        log,
		metrics:    m,
	}
}

// Run opens the candidates in order until maxSources are open, then reads
// from all of them until ctx is done or every source has stopped on its
// own. Sources are interrupted, drained and closed before Run returns.
func (c *Capture) Run(ctx context.Context, candidates []Candidate) error {
	sources := c.openSources(candidates)
	if len(sources) == 0 {
		return ErrNoSources
	}

	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			c.readLoop(src)
		}(src)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		c.log.Info("stopping capture", zap.Int("sources", len(sources)))
		for _, src := range sources {
			src.Interrupt()
		}
		<-done
	case <-done:
	}

	for _, src := range sources {
		if err := src.Close(); err != nil {
			c.log.Warn("close capture source", zap.String("source", src.Name()), zap.Error(err))
		}
	}
	return nil
}

func (c *Capture) openSources(candidates []Candidate) []Source {
	var sources []Source
	for _, cand := range candidates {
		if len(sources) >= c.maxSources {
			break
		}
		src, err := c.open(cand.Name)
		if err != nil {
			c.log.Warn("skipping capture source", zap.String("source", cand.Name), zap.Error(err))
			continue
		}
		c.log.Info("capturing", zap.String("source", cand.Name), zap.String("reason", cand.Reason))
		sources = append(sources, src)
	}
	return sources
}

func (c *Capture) readLoop(src Source) {
	for {
		frame, err := src.NextFrame()
		switch {
		case err == nil:
		case errors.Is(err, ErrTimeout):
			continue
		case errors.Is(err, ErrInterrupted), errors.Is(err, io.EOF):
			c.log.Debug("capture source stopped", zap.String("source", src.Name()), zap.Error(err))
			return
		default:
			c.log.Error("capture source failed", zap.String("source", src.Name()), zap.Error(err))
			return
		}

		c.metrics.FramesCaptured.WithLabelValues(src.Name()).Inc()
		rec, err := DecodeFrame(frame.Data, frame.Timestamp)
		if err != nil {
			c.metrics.DecodeFailures.WithLabelValues(KindOf(err).String()).Inc()
			continue
		}
		if rec.IsResponse {
			c.metrics.ResponsesSkipped.Inc()
			continue
		}
		dispatch(c.sinks, rec)
	}
}

func dispatch(sinks []Sink, rec model.QueryRecord) {
	for _, s := range sinks {
		s.Submit(rec)
	}
}
