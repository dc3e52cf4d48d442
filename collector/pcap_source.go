package collector

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/gopacket/gopacket/pcap"
	"github.com/pkg/errors"
)

// Frame is one captured packet as delivered by a Source.
type Frame struct {
	Data      []byte
	Timestamp time.Time
}

// Source yields raw frames from one capture point.
//
// NextFrame returns ErrTimeout when nothing arrived within the read timeout,
// ErrInterrupted once Interrupt has been called and io.EOF when an offline
// source is exhausted. Interrupt may be called from any goroutine; Close must
// only be called after the reading goroutine has returned.
//
// libpcap's breakloop is not reachable through gopacket's ReadPacketData, so
// PcapSource observes Interrupt when the in-flight read returns. Stop latency
// for a live source is therefore bounded by capture.read_timeout.
type Source interface {
	Name() string
	NextFrame() (Frame, error)
	Interrupt()
	Close() error
}

// Opener opens a capture source by interface name.
type Opener func(name string) (Source, error)

// PcapOptions configures live capture handles.
type PcapOptions struct {
	Snaplen     int32
	Promiscuous bool
	ReadTimeout time.Duration
	Filter      string
}

// PcapSource reads frames from a libpcap handle, live or from a file.
type PcapSource struct {
	name        string
	handle      *pcap.Handle
	interrupted atomic.Bool
}

// OpenLive opens iface for live capture and installs the BPF filter.
func OpenLive(iface string, opts PcapOptions) (*PcapSource, error) {
	h, err := pcap.OpenLive(iface, opts.Snaplen, opts.Promiscuous, opts.ReadTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", iface)
	}
	if opts.Filter != "" {
		if err := h.SetBPFFilter(opts.Filter); err != nil {
			h.Close()
			return nil, errors.Wrapf(err, "install filter %q on %s", opts.Filter, iface)
		}
	}
	return &PcapSource{name: iface, handle: h}, nil
}

// OpenFile replays a pcap/pcapng file.
func OpenFile(path, filter string) (*PcapSource, error) {
	h, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open capture file %s", path)
	}
	if filter != "" {
		if err := h.SetBPFFilter(filter); err != nil {
			h.Close()
			return nil, errors.Wrapf(err, "install filter %q on %s", filter, path)
		}
	}
	return &PcapSource{name: path, handle: h}, nil
}

// LiveOpener returns an Opener that calls OpenLive with opts.
func LiveOpener(opts PcapOptions) Opener {
	return func(name string) (Source, error) {
		return OpenLive(name, opts)
	}
}

// FileOpener returns an Opener that treats names as capture file paths.
func FileOpener(filter string) Opener {
	return func(name string) (Source, error) {
		return OpenFile(name, filter)
	}
}

func (s *PcapSource) Name() string {
	return s.name
}

func (s *PcapSource) NextFrame() (Frame, error) {
	if s.interrupted.Load() {
		return Frame{}, ErrInterrupted
	}

	data, ci, err := s.handle.ReadPacketData()
	switch {
	case err == nil:
		return Frame{Data: data, Timestamp: ci.Timestamp}, nil
	case errors.Is(err, pcap.NextErrorTimeoutExpired):
		if s.interrupted.Load() {
			return Frame{}, ErrInterrupted
		}
		return Frame{}, ErrTimeout
	case errors.Is(err, io.EOF), errors.Is(err, pcap.NextErrorNoMorePackets):
		return Frame{}, io.EOF
	default:
		return Frame{}, errors.Wrapf(err, "read %s", s.name)
	}
}

// Interrupt makes the next (or in-flight, once its read timeout lapses)
// NextFrame call return ErrInterrupted.
func (s *PcapSource) Interrupt() {
	s.interrupted.Store(true)
}

func (s *PcapSource) Close() error {
	s.handle.Close()
	return nil
}
