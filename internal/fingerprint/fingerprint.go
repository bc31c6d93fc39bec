// Package fingerprint derives stable device identity tokens from
// client-observable signals. Tokens are abuse signals, not secrets: they only
// need to be deterministic per device and unlikely to collide across real
// devices.
package fingerprint

import (
	"hash/fnv"
	"strconv"
	"strings"
)

const (
	prefix       = "dev_"
	maxUASignal  = 96
	redactedKeep = 8
)

// Signals are the low-entropy inputs combined into a fingerprint. All fields
// are optional; missing signals normalize to "unknown".
type Signals struct {
	IP                  string
	UserAgent           string
	TimezoneOffsetMin   int
	HardwareConcurrency int
	ScreenResolution    string
	StorageAvailable    bool
}

// Mismatch reasons returned by VerifyBinding.
const (
	MismatchNone      = ""
	MismatchUnbound   = "seat_unbound"
	MismatchDifferent = "different_device"
)

// Binding is the result of comparing a stored fingerprint with a presented one.
type Binding struct {
	Match          bool
	MismatchReason string
}

// IPPrefix truncates an IPv4 address to its /24 network prefix. Non-IPv4
// values pass through unchanged.
func IPPrefix(ip string) string {
	if ip == "" {
		return "unknown"
	}
	parts := strings.Split(ip, ".")
	if len(parts) == 4 {
		return strings.Join(parts[:3], ".")
	}
	return ip
}

// Compute returns a deterministic token for the given signals. The IP is
// truncated to its /24 prefix and the user agent to its first 96 bytes so
// minor per-request variation does not split one device into many.
func Compute(s Signals) string {
	ip := IPPrefix(s.IP)
	ua := s.UserAgent
	if ua == "" {
		ua = "unknown"
	}
	if len(ua) > maxUASignal {
		ua = ua[:maxUASignal]
	}

	var b strings.Builder
	b.WriteString(strings.ToLower(ip))
	b.WriteByte('|')
	b.WriteString(ua)
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(s.TimezoneOffsetMin))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(s.HardwareConcurrency))
	b.WriteByte('|')
	b.WriteString(strings.ToLower(s.ScreenResolution))
	b.WriteByte('|')
	b.WriteString(strconv.FormatBool(s.StorageAvailable))

	h := fnv.New64a()
	h.Write([]byte(b.String()))
	return prefix + strconv.FormatUint(h.Sum64(), 36)
}

// VerifyBinding compares the fingerprint stored on a seat with the one
// presented by the current request. A mismatch is surfaced to the abuse
// detector as a device-swap signal; callers must not silently re-bind.
func VerifyBinding(bound, presented string) Binding {
	if bound == "" {
		return Binding{Match: false, MismatchReason: MismatchUnbound}
	}
	if bound != presented {
		return Binding{Match: false, MismatchReason: MismatchDifferent}
	}
	return Binding{Match: true}
}

// Redact shortens a fingerprint or invite code for logging.
func Redact(token string) string {
	if len(token) <= redactedKeep {
		return token + "***"
	}
	return token[:redactedKeep] + "***"
}
