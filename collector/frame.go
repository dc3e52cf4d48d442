package collector

import (
	"encoding/binary"
)

const (
	minFrameLen       = 21
	ethernetHeaderLen = 14
	loopbackHeaderLen = 4
	ipv4MinHeaderLen  = 20
	ipv6HeaderLen     = 40
	udpHeaderLen      = 8

	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86DD

	// BSD loopback address family tags (AF_INET, AF_INET6 on Darwin).
	afInet  = 2
	afInet6 = 30

	protoUDP = 17
)

// LocateNetworkLayer returns the offset at which the IP header starts in a
// frame captured without reliable link-type metadata. Ethernet is tried
// first, then a BSD loopback family tag, then raw IP; anything else is
// assumed to carry a 4-byte link header.
func LocateNetworkLayer(frame []byte) (int, error) {
	if len(frame) < minFrameLen {
		return 0, decodeErr(KindTooShort, len(frame))
	}

	if len(frame) >= ethernetHeaderLen {
		switch binary.BigEndian.Uint16(frame[12:14]) {
		case etherTypeIPv4, etherTypeIPv6:
			return ethernetHeaderLen, nil
		}
	}

	if isLoopbackFamily(binary.LittleEndian.Uint32(frame[0:4])) ||
		isLoopbackFamily(binary.BigEndian.Uint32(frame[0:4])) {
		return loopbackHeaderLen, nil
	}

	switch frame[0] >> 4 {
	case 4, 6:
		return 0, nil
	}

	return loopbackHeaderLen, nil
}

func isLoopbackFamily(v uint32) bool {
	return v == afInet || v == afInet6
}

// ExtractUDPPayload walks the IPv4/IPv6 and UDP headers starting at offset
// and returns the UDP payload as a sub-slice of frame.
//
// IPv6 extension headers are not followed: a packet whose first next-header
// is not UDP is rejected as NotUDP.
func ExtractUDPPayload(frame []byte, offset int) ([]byte, error) {
	if offset < 0 || len(frame)-offset < ipv4MinHeaderLen {
		return nil, decodeErr(KindTooShort, offset)
	}
	ip := frame[offset:]

	var ipHeaderLen int
	switch ip[0] >> 4 {
	case 4:
		ihl := int(ip[0] & 0x0F)
		if ihl < 5 {
			return nil, decodeErr(KindMalformedIP, offset)
		}
		ipHeaderLen = ihl * 4
		if ipHeaderLen > len(ip) {
			return nil, decodeErr(KindMalformedIP, offset)
		}
		if ip[9] != protoUDP {
			return nil, decodeErr(KindNotUDP, offset+9)
		}
	case 6:
		if len(ip) < ipv6HeaderLen {
			return nil, decodeErr(KindMalformedIP, offset)
		}
		if ip[6] != protoUDP {
			return nil, decodeErr(KindNotUDP, offset+6)
		}
		ipHeaderLen = ipv6HeaderLen
	default:
		return nil, decodeErr(KindUnsupportedIPVersion, offset)
	}

	udp := ip[ipHeaderLen:]
	udpOffset := offset + ipHeaderLen
	if len(udp) < udpHeaderLen {
		return nil, decodeErr(KindMalformedUDP, udpOffset)
	}
	udpLen := int(binary.BigEndian.Uint16(udp[4:6]))
	if udpLen < udpHeaderLen {
		return nil, decodeErr(KindMalformedUDP, udpOffset+4)
	}
	payloadLen := udpLen - udpHeaderLen
	if payloadLen == 0 || payloadLen > len(udp)-udpHeaderLen {
		return nil, decodeErr(KindMalformedUDP, udpOffset+4)
	}
	return udp[udpHeaderLen : udpHeaderLen+payloadLen], nil
}
