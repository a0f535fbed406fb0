package actions

import (
	"strconv"
	"strings"

	"github.com/migadu/mailfilter/helpers"
)

// splitArgs splits a persisted argument string into exactly n tab separated
// fields, padding missing ones with "".
func splitArgs(args string, n int) []string {
	parts := strings.SplitN(args, "\t", n)
	for len(parts) < n {
		parts = append(parts, "")
	}
	return parts
}

func joinArgs(fields ...string) string {
	return strings.Join(fields, "\t")
}

// StringParam is a free-form argument.
type StringParam struct {
	Value string
}

func (p *StringParam) FromString(s string) { p.Value = s }
func (p *StringParam) String() string      { return p.Value }
func (p *StringParam) IsEmpty() bool       { return strings.TrimSpace(p.Value) == "" }

// ListParam is an argument chosen from a list. Values read from storage
// that are not in the list are added to it, so custom header names and
// values written by newer versions survive a round trip.
type ListParam struct {
	Allowed []string
	Value   string
}

func NewListParam(allowed ...string) ListParam {
	return ListParam{Allowed: append([]string(nil), allowed...)}
}

func (p *ListParam) FromString(s string) {
	p.Value = s
	if s != "" && !p.Contains(s) {
		p.Allowed = append(p.Allowed, s)
	}
}

// Contains matches case-insensitively.
func (p *ListParam) Contains(s string) bool {
	for _, a := range p.Allowed {
		if strings.EqualFold(a, s) {
			return true
		}
	}
	return false
}

func (p *ListParam) String() string { return p.Value }
func (p *ListParam) IsEmpty() bool  { return strings.TrimSpace(p.Value) == "" }

// AddressParam holds one or more mail addresses.
type AddressParam struct {
	Value string
}

func (p *AddressParam) FromString(s string) { p.Value = strings.TrimSpace(s) }
func (p *AddressParam) String() string      { return p.Value }

// IsEmpty also rejects values that contain no parseable address.
func (p *AddressParam) IsEmpty() bool {
	return len(helpers.ParseAddressList(p.Value)) == 0
}

// CommandParam is a shell command line with placeholders.
type CommandParam struct {
	Value string
}

func (p *CommandParam) FromString(s string) { p.Value = s }
func (p *CommandParam) String() string      { return p.Value }
func (p *CommandParam) IsEmpty() bool       { return strings.TrimSpace(p.Value) == "" }

// UOIDParam selects an identity.
type UOIDParam struct {
	UOID uint32
}

func (p *UOIDParam) FromString(s string) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		p.UOID = 0
		return
	}
	p.UOID = uint32(n)
}

func (p *UOIDParam) String() string {
	if p.UOID == 0 {
		return ""
	}
	return strconv.FormatUint(uint64(p.UOID), 10)
}

func (p *UOIDParam) IsEmpty() bool { return p.UOID == 0 }

// Crypto protocols understood by CryptoParam.
const (
	ProtocolOpenPGP = "openpgp"
	ProtocolSMIME   = "smime"
)

// CryptoParam selects an encryption key, persisted as
// "PGP|SMIME:fingerprint:0|1" where the last field enables re-encryption.
type CryptoParam struct {
	Protocol    string
	Fingerprint string
	Reencrypt   bool
}

func (p *CryptoParam) FromString(s string) {
	*p = CryptoParam{}
	fields := strings.Split(s, ":")
	if len(fields) < 3 {
		return
	}
	switch strings.ToUpper(fields[0]) {
	case "PGP":
		p.Protocol = ProtocolOpenPGP
	case "SMIME":
		p.Protocol = ProtocolSMIME
	default:
		return
	}
	p.Fingerprint = strings.TrimSpace(fields[1])
	p.Reencrypt = fields[2] == "1"
}

func (p *CryptoParam) String() string {
	if p.Protocol == "" {
		return ""
	}
	proto := "PGP"
	if p.Protocol == ProtocolSMIME {
		proto = "SMIME"
	}
	re := "0"
	if p.Reencrypt {
		re = "1"
	}
	return proto + ":" + p.Fingerprint + ":" + re
}

func (p *CryptoParam) IsEmpty() bool { return p.Protocol == "" || p.Fingerprint == "" }

func sieveString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
