package http

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"unicode"
)

const (
	// DeviceFingerprintHeader carries the client-computed device fingerprint.
	DeviceFingerprintHeader = "X-Device-Fingerprint"

	maxFingerprintLen = 128
	maxUserAgentLen   = 512
)

// IPConfig lists the proxies whose forwarding headers are believed.
// Entries are CIDR ranges or single addresses; unparseable entries are ignored.
type IPConfig struct {
	TrustedProxies []string

	once     sync.Once
	prefixes []netip.Prefix
}

func (c *IPConfig) trusted(addr netip.Addr) bool {
	if c == nil || !addr.IsValid() {
		return false
	}
	c.once.Do(func() { c.prefixes = parsePrefixes(c.TrustedProxies) })
	for _, p := range c.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func parsePrefixes(entries []string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if p, err := netip.ParsePrefix(e); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			out = append(out, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
		}
	}
	return out
}

// ExtractClientIP returns the address recorded in audit events and used for
// rate limiting. Forwarding headers count only when the peer is a trusted
// proxy; X-Forwarded-For is walked right to left past further trusted hops so
// a client cannot prepend its own entries.
func ExtractClientIP(r *http.Request, config *IPConfig) string {
	peer := remoteAddr(r)
	if !config.trusted(peer) {
		if peer.IsValid() {
			return peer.String()
		}
		if r.RemoteAddr == "" {
			return "unknown"
		}
		return r.RemoteAddr
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			a, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			a = a.Unmap()
			if !config.trusted(a) {
				return a.String()
			}
		}
	}

	if a, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return a.Unmap().String()
	}
	return peer.String()
}

func remoteAddr(r *http.Request) netip.Addr {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	a, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	return a.Unmap()
}

// DeviceFingerprint returns the request's device fingerprint, or "" when the
// header is absent or malformed. A fingerprint is opaque printable ASCII
// without spaces, at most 128 bytes.
func DeviceFingerprint(r *http.Request) string {
	fp := strings.TrimSpace(r.Header.Get(DeviceFingerprintHeader))
	if fp == "" || len(fp) > maxFingerprintLen {
		return ""
	}
	for _, c := range fp {
		if c > unicode.MaxASCII || !unicode.IsPrint(c) || c == ' ' {
			return ""
		}
	}
	return fp
}

// UserAgent returns the User-Agent header clipped for storage.
func UserAgent(r *http.Request) string {
	ua := r.Header.Get("User-Agent")
	if len(ua) > maxUserAgentLen {
		return ua[:maxUserAgentLen]
	}
	return ua
}
