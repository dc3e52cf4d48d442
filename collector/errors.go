package collector

import (
	"errors"
	"fmt"
)

// DecodeErrorKind classifies why a frame or message was rejected.
type DecodeErrorKind int

const (
	KindTooShort DecodeErrorKind = iota + 1
	KindNotUDP
	KindUnsupportedIPVersion
	KindMalformedIP
	KindMalformedUDP
	KindNoQuestion
	KindTooManyIterations
	KindCompressionCycle
	KindInvalidLabelType
	KindInvalidLabelEncoding
	KindUnterminatedName
	KindPointerOutOfBounds
	KindTruncated
)

func (k DecodeErrorKind) String() string {
	switch k {
	case KindTooShort:
		return "too_short"
	case KindNotUDP:
		return "not_udp"
	case KindUnsupportedIPVersion:
		return "unsupported_ip_version"
	case KindMalformedIP:
		return "malformed_ip"
	case KindMalformedUDP:
		return "malformed_udp"
	case KindNoQuestion:
		return "no_question"
	case KindTooManyIterations:
		return "too_many_iterations"
	case KindCompressionCycle:
		return "compression_cycle"
	case KindInvalidLabelType:
		return "invalid_label_type"
	case KindInvalidLabelEncoding:
		return "invalid_label_encoding"
	case KindUnterminatedName:
		return "unterminated_name"
	case KindPointerOutOfBounds:
		return "pointer_out_of_bounds"
	case KindTruncated:
		return "truncated"
	default:
		return "unknown"
	}
}

// Error lets a kind be used directly as an errors.Is target.
func (k DecodeErrorKind) Error() string {
	return k.String()
}

// DecodeError is returned for every frame the pipeline refuses. Offset is the
// byte position (within the buffer being parsed) where the problem was found.
type DecodeError struct {
	Kind   DecodeErrorKind
	Offset int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode: %s at offset %d", e.Kind, e.Offset)
}

// Is matches a bare DecodeErrorKind so callers can write errors.Is(err, KindNotUDP).
func (e *DecodeError) Is(target error) bool {
	k, ok := target.(DecodeErrorKind)
	return ok && k == e.Kind
}

func decodeErr(kind DecodeErrorKind, offset int) error {
	return &DecodeError{Kind: kind, Offset: offset}
}

// KindOf returns the kind of a decode error, or 0 if err is not one.
func KindOf(err error) DecodeErrorKind {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Kind
	}
	return 0
}

var (
	// ErrTimeout is returned by Source.NextFrame when no frame arrived in time.
	ErrTimeout = errors.New("capture: read timeout")
	// ErrInterrupted is returned by Source.NextFrame after Interrupt was called.
	ErrInterrupted = errors.New("capture: interrupted")
	// ErrNoSources is returned when no capture source could be opened.
	ErrNoSources = errors.New("capture: no capture source could be opened")
)
