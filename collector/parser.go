package collector

import (
	"encoding/binary"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mr-karan/dnswatch/model"
)

const (
	dnsHeaderLen = 12

	flagQR = 0x8000

	// maxNameIterations bounds the label/pointer steps taken for one name.
	// A 253-byte name has at most 127 labels.
	maxNameIterations = 128
)

// DecodeFrame runs the full pipeline on a captured frame: locate the IP
// header, strip IP and UDP, then decode the DNS message.
func DecodeFrame(frame []byte, ts time.Time) (model.QueryRecord, error) {
	offset, err := LocateNetworkLayer(frame)
	if err != nil {
		return model.QueryRecord{}, err
	}
	payload, err := ExtractUDPPayload(frame, offset)
	if err != nil {
		return model.QueryRecord{}, err
	}
	return DecodeMessage(payload, ts)
}

// DecodeMessage parses the DNS header and the first question of payload.
// Only the first question is decoded; answer, authority and additional
// sections are ignored.
func DecodeMessage(payload []byte, ts time.Time) (model.QueryRecord, error) {
	if len(payload) < dnsHeaderLen {
		return model.QueryRecord{}, decodeErr(KindTooShort, len(payload))
	}

	// ID (2), Flags (2), QDCOUNT (2), ANCOUNT (2), NSCOUNT (2), ARCOUNT (2)
	id := binary.BigEndian.Uint16(payload[0:2])
	flags := binary.BigEndian.Uint16(payload[2:4])
	qdcount := binary.BigEndian.Uint16(payload[4:6])
	if qdcount == 0 {
		return model.QueryRecord{}, decodeErr(KindNoQuestion, 4)
	}

	name, pos, err := decodeName(payload, dnsHeaderLen)
	if err != nil {
		return model.QueryRecord{}, err
	}

	// QTYPE (2) and QCLASS (2) follow the name. The class is not surfaced.
	if pos+4 > len(payload) {
		return model.QueryRecord{}, decodeErr(KindTruncated, pos)
	}
	qtype := binary.BigEndian.Uint16(payload[pos : pos+2])

	rec := model.QueryRecord{
		Timestamp:     ts,
		Domain:        name,
		QueryType:     model.QueryType(qtype),
		IsResponse:    flags&flagQR != 0,
		TransactionID: id,
	}
	if rec.IsResponse {
		rc := model.RCodeFromFlags(flags)
		rec.ResponseCode = &rc
	}
	return rec, nil
}

// decodeName reads a possibly compressed domain name starting at start. It
// returns the dotted name and the offset right after the name as it appears
// at start, i.e. after the terminator or after the first compression
// pointer.
//
// Every visited offset is remembered and the number of steps is capped, so
// self-referencing pointers and long pointer chains fail instead of looping.
func decodeName(msg []byte, start int) (string, int, error) {
	var labels []string
	cursor, resume := start, -1
	jumped := false
	visited := make(map[int]struct{}, 8)
	iterations := 0

	for cursor < len(msg) {
		iterations++
		if iterations > maxNameIterations {
			return "", 0, decodeErr(KindTooManyIterations, cursor)
		}
		if _, seen := visited[cursor]; seen {
			return "", 0, decodeErr(KindCompressionCycle, cursor)
		}
		visited[cursor] = struct{}{}

		b := msg[cursor]
		switch {
		case b == 0:
			if !jumped {
				resume = cursor + 1
			}
			return strings.Join(labels, "."), resume, nil

		case b&0xC0 == 0xC0:
			if cursor+1 >= len(msg) {
				return "", 0, decodeErr(KindPointerOutOfBounds, cursor)
			}
			target := int(binary.BigEndian.Uint16(msg[cursor:cursor+2]) & 0x3FFF)
			if target >= len(msg) {
				return "", 0, decodeErr(KindPointerOutOfBounds, cursor)
			}
			if !jumped {
				resume = cursor + 2
				jumped = true
			}
			cursor = target

		case b&0xC0 != 0:
			// 0x40 and 0x80 are reserved/extended label types.
			return "", 0, decodeErr(KindInvalidLabelType, cursor)

		default:
			n := int(b & 0x3F)
			end := cursor + 1 + n
			if end > len(msg) {
				return "", 0, decodeErr(KindUnterminatedName, cursor)
			}
			label := msg[cursor+1 : end]
			if !utf8.Valid(label) {
				return "", 0, decodeErr(KindInvalidLabelEncoding, cursor)
			}
			labels = append(labels, string(label))
			cursor = end
		}
	}

	return "", 0, decodeErr(KindUnterminatedName, cursor)
}
