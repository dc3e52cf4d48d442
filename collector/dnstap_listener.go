package collector

import (
	"io"
	"net"
	"os"
	"sync"
	"time"

	dnstap "github.com/dnstap/golang-dnstap"
	framestream "github.com/farsightsec/golang-framestream"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/mr-karan/dnswatch/metrics"
)

// DnstapListener accepts dnstap frame streams on a Unix socket and feeds the
// client queries they carry through the DNS decoder to the sinks.
type DnstapListener struct {
	socketPath string
	sinks      []Sink
	log        *zap.Logger
	metrics    *metrics.Metrics

	listener net.Listener
	wg       sync.WaitGroup

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	stopped bool
}

// NewDnstapListener creates a listener for socketPath.
func NewDnstapListener(socketPath string, log *zap.Logger, m *metrics.Metrics, sinks ...Sink) *DnstapListener {
	return &DnstapListener{
		socketPath: socketPath,
		sinks:      sinks,
		log:        log,
		metrics:    m,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start begins listening on the socket.
func (l *DnstapListener) Start() error {
	// Clean up old socket if exists
	_ = os.Remove(l.socketPath)

	var err error
	l.listener, err = net.Listen("unix", l.socketPath)
	if err != nil {
		return errors.Wrapf(err, "listen on socket %s", l.socketPath)
	}

	// Group-writable so the resolver can connect when run under a shared group.
	if err := os.Chmod(l.socketPath, 0o660); err != nil {
		_ = l.listener.Close()
		return errors.Wrap(err, "chmod socket")
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		for {
			conn, err := l.listener.Accept()
			if err != nil {
				// Stop closes the listener, which ends Accept.
				if errors.Is(err, net.ErrClosed) {
					return
				}
				l.log.Warn("dnstap accept", zap.Error(err))
				time.Sleep(50 * time.Millisecond)
				continue
			}

			if !l.track(conn) {
				_ = conn.Close()
				return
			}
			l.wg.Add(1)
			go l.handleConn(conn)
		}
	}()

	l.log.Info("listening for dnstap streams", zap.String("socket", l.socketPath))
	return nil
}

// Stop closes the listener and every open stream, then waits for all
// handlers to finish. Resolvers keep their stream open for their whole
// lifetime, so handlers only return once their connection is closed.
func (l *DnstapListener) Stop() {
	if l.listener != nil {
		_ = l.listener.Close()
	}

	l.mu.Lock()
	l.stopped = true
	for conn := range l.conns {
		_ = conn.Close()
	}
	l.mu.Unlock()

	l.wg.Wait()
}

// track registers conn for Stop and reports false once Stop has run.
func (l *DnstapListener) track(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	l.conns[conn] = struct{}{}
	return true
}

func (l *DnstapListener) untrack(conn net.Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
}

func (l *DnstapListener) handleConn(conn net.Conn) {
	defer l.wg.Done()
	defer l.untrack(conn)
	defer conn.Close()

	decoder, err := framestream.NewDecoder(conn, &framestream.DecoderOptions{
		ContentType:   []byte("protobuf:dnstap.Dnstap"),
		Bidirectional: true,
	})
	if err != nil {
		l.log.Warn("dnstap handshake", zap.Error(err))
		return
	}

	for {
		buf, err := decoder.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				l.log.Debug("dnstap stream ended", zap.Error(err))
			}
			return
		}
		l.handleFrame(buf)
	}
}

func (l *DnstapListener) handleFrame(buf []byte) {
	var dt dnstap.Dnstap
	if err := proto.Unmarshal(buf, &dt); err != nil {
		l.metrics.DecodeFailures.WithLabelValues("dnstap_protobuf").Inc()
		return
	}
	msg := dt.Message
	if msg == nil || msg.GetType() != dnstap.Message_CLIENT_QUERY || len(msg.QueryMessage) == 0 {
		return
	}

	ts := time.Now()
	if msg.QueryTimeSec != nil {
		ts = time.Unix(int64(msg.GetQueryTimeSec()), int64(msg.GetQueryTimeNsec()))
	}

	rec, err := DecodeMessage(msg.QueryMessage, ts)
	if err != nil {
		l.metrics.DecodeFailures.WithLabelValues(KindOf(err).String()).Inc()
		return
	}
	if rec.IsResponse {
		l.metrics.ResponsesSkipped.Inc()
		return
	}
	dispatch(l.sinks, rec)
}
