package collector

import (
	"sort"
	"strings"

	"github.com/gopacket/gopacket/pcap"
	"github.com/pkg/errors"
)

// libpcap PCAP_IF_* flags
const (
	pcapIfLoopback = 0x00000001
	pcapIfUp       = 0x00000002
	pcapIfRunning  = 0x00000004
)

// Pseudo devices that never carry host DNS traffic worth decoding.
var skippedPrefixes = []string{"any", "nflog", "nfqueue", "dbus", "bluetooth", "usbmon", "dummy"}

// Candidate is a capture interface in preference order.
type Candidate struct {
	Name   string
	Reason string
}

// DetectInterfaces asks libpcap for the devices on this host and ranks them.
func DetectInterfaces() ([]Candidate, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, errors.Wrap(err, "list capture devices")
	}
	return RankInterfaces(devs), nil
}

// RankInterfaces orders devices for capture: addressed, running interfaces
// first (IPv4 ahead of IPv6-only), then loopback. Devices with no address
// and pseudo devices are left out.
func RankInterfaces(devs []pcap.Interface) []Candidate {
	type ranked struct {
		Candidate
		rank int
	}

	var out []ranked
	for _, d := range devs {
		if skipDevice(d.Name) {
			continue
		}
		loopback := d.Flags&pcapIfLoopback != 0 || d.Name == "lo" || d.Name == "lo0"
		if d.Flags != 0 && d.Flags&pcapIfUp == 0 {
			continue
		}

		var v4, v6 string
		for _, a := range d.Addresses {
			if a.IP == nil {
				continue
			}
			if a.IP.To4() != nil {
				if v4 == "" {
					v4 = a.IP.String()
				}
			} else if v6 == "" && !a.IP.IsLinkLocalUnicast() {
				v6 = a.IP.String()
			}
		}

		switch {
		case loopback:
			out = append(out, ranked{Candidate{d.Name, "loopback"}, 3})
		case v4 != "":
			out = append(out, ranked{Candidate{d.Name, "up with IPv4 address " + v4}, runningRank(d.Flags, 0)})
		case v6 != "":
			out = append(out, ranked{Candidate{d.Name, "up with IPv6 address " + v6}, runningRank(d.Flags, 1)})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].rank < out[j].rank })

	cands := make([]Candidate, len(out))
	for i, r := range out {
		cands[i] = r.Candidate
	}
	return cands
}

// runningRank pushes interfaces that are up but not running behind their
// running peers without letting them fall below loopback.
func runningRank(flags uint32, base int) int {
	if flags != 0 && flags&pcapIfRunning == 0 {
		return base + 1
	}
	return base
}

func skipDevice(name string) bool {
	for _, p := range skippedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
