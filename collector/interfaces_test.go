package collector

import (
	"net"
	"testing"

	"github.com/gopacket/gopacket/pcap"
	"github.com/stretchr/testify/assert"
)

func addr(ip string) pcap.InterfaceAddress {
	return pcap.InterfaceAddress{IP: net.ParseIP(ip)}
}

func TestRankInterfaces(t *testing.T) {
	devs := []pcap.Interface{
		{Name: "lo", Flags: pcapIfLoopback | pcapIfUp | pcapIfRunning, Addresses: []pcap.InterfaceAddress{addr("127.0.0.1")}},
		{Name: "any", Flags: pcapIfUp | pcapIfRunning},
		{Name: "wg0", Flags: pcapIfUp | pcapIfRunning, Addresses: []pcap.InterfaceAddress{addr("2001:db8::1")}},
		{Name: "eth1", Flags: pcapIfUp, Addresses: []pcap.InterfaceAddress{addr("10.0.0.5")}},
		{Name: "eth0", Flags: pcapIfUp | pcapIfRunning, Addresses: []pcap.InterfaceAddress{addr("fe80::1"), addr("192.168.1.20")}},
		{Name: "eth2", Flags: pcapIfRunning, Addresses: []pcap.InterfaceAddress{addr("10.0.0.6")}},
		{Name: "docker0", Flags: pcapIfUp | pcapIfRunning},
		{Name: "nflog", Flags: pcapIfUp | pcapIfRunning, Addresses: []pcap.InterfaceAddress{addr("10.0.0.7")}},
	}

	got := RankInterfaces(devs)

	assert.Equal(t, []Candidate{
		{Name: "eth0", Reason: "up with IPv4 address 192.168.1.20"},
		{Name: "wg0", Reason: "up with IPv6 address 2001:db8::1"},
		{Name: "eth1", Reason: "up with IPv4 address 10.0.0.5"},
		{Name: "lo", Reason: "loopback"},
	}, got)
}

func TestRankInterfacesWithoutFlags(t *testing.T) {
	// Older libpcap builds report no flags at all.
	devs := []pcap.Interface{
		{Name: "lo0", Addresses: []pcap.InterfaceAddress{addr("::1")}},
		{Name: "en0", Addresses: []pcap.InterfaceAddress{addr("192.168.0.2")}},
	}

	got := RankInterfaces(devs)

	assert.Equal(t, []Candidate{
		{Name: "en0", Reason: "up with IPv4 address 192.168.0.2"},
		{Name: "lo0", Reason: "loopback"},
	}, got)
}

func TestRankInterfacesEmpty(t *testing.T) {
	assert.Empty(t, RankInterfaces(nil))
}
