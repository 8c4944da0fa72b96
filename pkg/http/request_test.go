package http_test

import (
	"net/http/httptest"
	"strings"
	"testing"

	pkghttp "github.com/BradenHooton/neurolock/pkg/http"
	"github.com/stretchr/testify/assert"
)

func TestExtractClientIP(t *testing.T) {
	internal := &pkghttp.IPConfig{TrustedProxies: []string{"10.0.0.0/8", "127.0.0.1"}}

	tests := []struct {
		name       string
		config     *pkghttp.IPConfig
		remoteAddr string
		xff        []string
		realIP     string
		want       string
	}{
		{
			name:       "untrusted peer ignores forwarding headers",
			config:     internal,
			remoteAddr: "203.0.113.10:54321",
			xff:        []string{"127.0.0.1, 5.6.7.8"},
			realIP:     "192.168.1.1",
			want:       "203.0.113.10",
		},
		{
			name:       "nil config trusts nobody",
			config:     nil,
			remoteAddr: "203.0.113.10:54321",
			xff:        []string{"1.2.3.4"},
			want:       "203.0.113.10",
		},
		{
			name:       "invalid ranges trust nobody",
			config:     &pkghttp.IPConfig{TrustedProxies: []string{"not-a-cidr", "10.0.0.0/99"}},
			remoteAddr: "10.0.0.5:443",
			xff:        []string{"1.2.3.4"},
			want:       "10.0.0.5",
		},
		{
			name:       "trusted proxy forwards ward workstation",
			config:     internal,
			remoteAddr: "10.0.0.5:54321",
			xff:        []string{"203.0.113.42"},
			want:       "203.0.113.42",
		},
		{
			name:       "spoofed leading entry is skipped",
			config:     internal,
			remoteAddr: "10.0.0.5:54321",
			xff:        []string{"198.51.100.7, 203.0.113.42, 10.0.0.9"},
			want:       "203.0.113.42",
		},
		{
			name:       "repeated headers are joined",
			config:     internal,
			remoteAddr: "10.0.0.5:54321",
			xff:        []string{"198.51.100.7", "203.0.113.42"},
			want:       "203.0.113.42",
		},
		{
			name:       "garbage hop stops the walk",
			config:     internal,
			remoteAddr: "10.0.0.5:54321",
			xff:        []string{"junk, 10.0.0.8"},
			realIP:     "203.0.113.50",
			want:       "203.0.113.50",
		},
		{
			name:       "all hops trusted falls back to peer",
			config:     internal,
			remoteAddr: "10.0.0.5:54321",
			xff:        []string{"10.0.0.7"},
			want:       "10.0.0.5",
		},
		{
			name:       "ipv6 proxy",
			config:     &pkghttp.IPConfig{TrustedProxies: []string{"::1/128"}},
			remoteAddr: "[::1]:54321",
			xff:        []string{"2001:db8::1"},
			want:       "2001:db8::1",
		},
		{
			name:       "mapped ipv4 peer matches ipv4 range",
			config:     internal,
			remoteAddr: "[::ffff:10.0.0.5]:80",
			realIP:     "203.0.113.60",
			want:       "203.0.113.60",
		},
		{
			name:       "remote addr without port",
			config:     nil,
			remoteAddr: "203.0.113.10",
			want:       "203.0.113.10",
		},
		{
			name:       "empty remote addr",
			config:     nil,
			remoteAddr: "",
			want:       "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/auth/login", nil)
			req.RemoteAddr = tt.remoteAddr
			for _, v := range tt.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}

			assert.Equal(t, tt.want, pkghttp.ExtractClientIP(req, tt.config))
		})
	}
}

func TestDeviceFingerprint(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"absent", "", ""},
		{"opaque token", "sha256:9f86d081884c7d65", "sha256:9f86d081884c7d65"},
		{"surrounding space trimmed", "  fp-1  ", "fp-1"},
		{"inner space rejected", "fp 1", ""},
		{"control character rejected", "fp\x01", ""},
		{"non ascii rejected", "fp-ü", ""},
		{"too long rejected", strings.Repeat("a", 129), ""},
		{"max length kept", strings.Repeat("a", 128), strings.Repeat("a", 128)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/devices/register", nil)
			if tt.header != "" {
				req.Header.Set(pkghttp.DeviceFingerprintHeader, tt.header)
			}
			assert.Equal(t, tt.want, pkghttp.DeviceFingerprint(req))
		})
	}
}

func TestUserAgent_Clipped(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("User-Agent", strings.Repeat("x", 600))
	assert.Len(t, pkghttp.UserAgent(req), 512)

	req.Header.Set("User-Agent", "ward-tablet/2.1")
	assert.Equal(t, "ward-tablet/2.1", pkghttp.UserAgent(req))
}
