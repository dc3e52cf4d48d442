package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// QueryRecord is a single decoded DNS question as observed on the wire.
type QueryRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	Domain        string    `json:"domain"`
	QueryType     QueryType `json:"query_type"`
	IsResponse    bool      `json:"is_response"`
	ResponseCode  *RCode    `json:"response_code,omitempty"` // set only for responses
	TransactionID uint16    `json:"transaction_id"`
}

// BaseDomain returns the last two labels of the record's domain.
func (r QueryRecord) BaseDomain() string {
	return BaseDomain(r.Domain)
}

// BaseDomain returns the last two dot-separated labels of name. The root
// name maps to ".".
func BaseDomain(name string) string {
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return "."
	}
	last := strings.LastIndexByte(name, '.')
	if last < 0 {
		return name
	}
	prev := strings.LastIndexByte(name[:last], '.')
	if prev < 0 {
		return name
	}
	return name[prev+1:]
}

// QueryType is the QTYPE of a question. Values outside the recognised set are
// kept as their raw code and report Known() == false.
type QueryType uint16

const (
	QueryTypeA     = QueryType(dns.TypeA)
	QueryTypeNS    = QueryType(dns.TypeNS)
	QueryTypeCNAME = QueryType(dns.TypeCNAME)
	QueryTypeSOA   = QueryType(dns.TypeSOA)
	QueryTypePTR   = QueryType(dns.TypePTR)
	QueryTypeMX    = QueryType(dns.TypeMX)
	QueryTypeTXT   = QueryType(dns.TypeTXT)
	QueryTypeAAAA  = QueryType(dns.TypeAAAA)
	QueryTypeSRV   = QueryType(dns.TypeSRV)
	QueryTypeHTTPS = QueryType(dns.TypeHTTPS)
	QueryTypeANY   = QueryType(dns.TypeANY)
)

var queryTypeNames = map[QueryType]string{
	QueryTypeA:     "A",
	QueryTypeNS:    "NS",
	QueryTypeCNAME: "CNAME",
	QueryTypeSOA:   "SOA",
	QueryTypePTR:   "PTR",
	QueryTypeMX:    "MX",
	QueryTypeTXT:   "TXT",
	QueryTypeAAAA:  "AAAA",
	QueryTypeSRV:   "SRV",
	QueryTypeHTTPS: "HTTPS",
	QueryTypeANY:   "ANY",
}

// Known reports whether t is one of the recognised query types.
func (t QueryType) Known() bool {
	_, ok := queryTypeNames[t]
	return ok
}

// Code returns the raw numeric QTYPE.
func (t QueryType) Code() uint16 {
	return uint16(t)
}

// String returns the mnemonic, or TYPEn (RFC 3597) for unknown codes.
func (t QueryType) String() string {
	if name, ok := queryTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TYPE%d", uint16(t))
}

// MarshalText renders the query type by name so map keys and JSON stay readable.
func (t QueryType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText accepts the output of MarshalText.
func (t *QueryType) UnmarshalText(b []byte) error {
	s := string(b)
	for qt, name := range queryTypeNames {
		if name == s {
			*t = qt
			return nil
		}
	}
	digits, ok := strings.CutPrefix(s, "TYPE")
	if !ok {
		return fmt.Errorf("unknown query type %q", s)
	}
	code, err := strconv.ParseUint(digits, 10, 16)
	if err != nil {
		return fmt.Errorf("unknown query type %q", s)
	}
	*t = QueryType(code)
	return nil
}

// RCode is the 4-bit response code from the header flags. Codes outside the
// recognised set report Known() == false.
type RCode uint8

const (
	RCodeNoError  = RCode(dns.RcodeSuccess)
	RCodeFormErr  = RCode(dns.RcodeFormatError)
	RCodeServFail = RCode(dns.RcodeServerFailure)
	RCodeNXDomain = RCode(dns.RcodeNameError)
	RCodeNotImp   = RCode(dns.RcodeNotImplemented)
	RCodeRefused  = RCode(dns.RcodeRefused)
	RCodeYXDomain = RCode(dns.RcodeYXDomain)
	RCodeYXRRSet  = RCode(dns.RcodeYXRrset)
	RCodeNXRRSet  = RCode(dns.RcodeNXRrset)
	RCodeNotAuth  = RCode(dns.RcodeNotAuth)
	RCodeNotZone  = RCode(dns.RcodeNotZone)
)

var rcodeNames = map[RCode]string{
	RCodeNoError:  "NOERROR",
	RCodeFormErr:  "FORMERR",
	RCodeServFail: "SERVFAIL",
	RCodeNXDomain: "NXDOMAIN",
	RCodeNotImp:   "NOTIMP",
	RCodeRefused:  "REFUSED",
	RCodeYXDomain: "YXDOMAIN",
	RCodeYXRRSet:  "YXRRSET",
	RCodeNXRRSet:  "NXRRSET",
	RCodeNotAuth:  "NOTAUTH",
	RCodeNotZone:  "NOTZONE",
}

// RCodeFromFlags extracts the response code from the low 4 bits of the flags.
func RCodeFromFlags(flags uint16) RCode {
	return RCode(flags & 0x000F)
}

// Known reports whether c is one of the recognised response codes.
func (c RCode) Known() bool {
	_, ok := rcodeNames[c]
	return ok
}

// Code returns the raw numeric RCODE.
func (c RCode) Code() uint8 {
	return uint8(c)
}

func (c RCode) String() string {
	if name, ok := rcodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("RCODE%d", uint8(c))
}
