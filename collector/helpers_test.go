package collector

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

var (
	testClientV4 = net.IPv4(192, 168, 1, 20)
	testServerV4 = net.IPv4(192, 168, 1, 1)
	testClientV6 = net.ParseIP("fd00::20")
	testServerV6 = net.ParseIP("fd00::1")
)

// packQuery builds an uncompressed single-question query message.
func packQuery(t *testing.T, id uint16, name string, qtype uint16) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.Id = id
	m.Compress = false
	b, err := m.Pack()
	require.NoError(t, err)
	return b
}

// dnsHeader returns a 12-byte header with the given id, flags and QDCOUNT.
func dnsHeader(id, flags, qdcount uint16) []byte {
	h := make([]byte, dnsHeaderLen)
	binary.BigEndian.PutUint16(h[0:2], id)
	binary.BigEndian.PutUint16(h[2:4], flags)
	binary.BigEndian.PutUint16(h[4:6], qdcount)
	return h
}

// questionTail is QTYPE + QCLASS IN.
func questionTail(qtype uint16) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b[0:2], qtype)
	binary.BigEndian.PutUint16(b[2:4], dns.ClassINET)
	return b
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func ipv4UDP() (*layers.IPv4, *layers.UDP) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    testClientV4,
		DstIP:    testServerV4,
	}
	udp := &layers.UDP{SrcPort: 53124, DstPort: 53}
	_ = udp.SetNetworkLayerForChecksum(ip)
	return ip, udp
}

func ipv6UDP() (*layers.IPv6, *layers.UDP) {
	ip := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolUDP,
		HopLimit:   64,
		SrcIP:      testClientV6,
		DstIP:      testServerV6,
	}
	udp := &layers.UDP{SrcPort: 53124, DstPort: 53}
	_ = udp.SetNetworkLayerForChecksum(ip)
	return ip, udp
}

func ethernet(etherType layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x20},
		DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		EthernetType: etherType,
	}
}

func ethernetIPv4Frame(t *testing.T, payload []byte) []byte {
	ip, udp := ipv4UDP()
	return serialize(t, ethernet(layers.EthernetTypeIPv4), ip, udp, gopacket.Payload(payload))
}

func ethernetIPv6Frame(t *testing.T, payload []byte) []byte {
	ip, udp := ipv6UDP()
	return serialize(t, ethernet(layers.EthernetTypeIPv6), ip, udp, gopacket.Payload(payload))
}

func loopbackIPv4Frame(t *testing.T, payload []byte) []byte {
	ip, udp := ipv4UDP()
	lo := &layers.Loopback{Family: layers.ProtocolFamilyIPv4}
	return serialize(t, lo, ip, udp, gopacket.Payload(payload))
}

func rawIPv4Frame(t *testing.T, payload []byte) []byte {
	ip, udp := ipv4UDP()
	return serialize(t, ip, udp, gopacket.Payload(payload))
}
