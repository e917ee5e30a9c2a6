package gatekeeper

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientIP(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8", "203.0.113.7"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		proxies TrustedProxies
		want    string
	}{
		{"direct peer", "198.51.100.4:5000", nil, proxies, "198.51.100.4"},
		{"untrusted peer forging forwarded for", "198.51.100.4:5000",
			map[string]string{"X-Forwarded-For": "1.2.3.4"}, proxies, "198.51.100.4"},
		{"untrusted peer forging real ip", "198.51.100.4:5000",
			map[string]string{"X-Real-IP": "1.2.3.4", "CF-Connecting-IP": "5.6.7.8"}, proxies, "198.51.100.4"},
		{"no proxies configured", "10.1.1.1:5000",
			map[string]string{"X-Forwarded-For": "1.2.3.4"}, nil, "10.1.1.1"},
		{"trusted proxy", "10.1.1.1:5000",
			map[string]string{"X-Forwarded-For": "1.2.3.4"}, proxies, "1.2.3.4"},
		{"client prefix is ignored", "10.1.1.1:5000",
			map[string]string{"X-Forwarded-For": "9.9.9.9, 1.2.3.4"}, proxies, "1.2.3.4"},
		{"proxy chain", "10.1.1.1:5000",
			map[string]string{"X-Forwarded-For": "1.2.3.4, 203.0.113.7, 10.2.2.2"}, proxies, "1.2.3.4"},
		{"real ip from trusted proxy", "203.0.113.7:443",
			map[string]string{"X-Real-IP": "1.2.3.4"}, proxies, "1.2.3.4"},
		{"cloudflare header", "10.1.1.1:5000",
			map[string]string{"CF-Connecting-IP": "2001:db8::1"}, proxies, "2001:db8::1"},
		{"garbage header", "10.1.1.1:5000",
			map[string]string{"X-Forwarded-For": "not-an-ip"}, proxies, "10.1.1.1"},
		{"remote without port", "198.51.100.4", nil, proxies, "198.51.100.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/login", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, tt.proxies.ClientIP(r))
		})
	}
}

func TestClientIPIgnoresHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/login", nil)
	r.RemoteAddr = "10.1.1.1:5000"
	r.Header.Set("X-Forwarded-For", "1.2.3.4")
	assert.Equal(t, "10.1.1.1", ClientIP(r))
}

func TestParseTrustedProxies(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{" 192.168.0.0/16 ", "", "::1"})
	require.NoError(t, err)
	assert.Len(t, proxies, 2)
	assert.True(t, proxies.trusts("192.168.4.4"))
	assert.True(t, proxies.trusts("::1"))
	assert.False(t, proxies.trusts("192.169.0.1"))

	_, err = ParseTrustedProxies([]string{"10.0.0.0/33"})
	assert.ErrorIs(t, err, ErrInvalidIP)
	_, err = ParseTrustedProxies([]string{"proxy.internal"})
	assert.ErrorIs(t, err, ErrInvalidIP)
}

func TestForgedForwardingDoesNotChangeDevice(t *testing.T) {
	gen := NewFingerprintGenerator(false, nil)

	plain := newLoginHTTPRequest(ipDelhi, chromeWindowsUA)
	forged := newLoginHTTPRequest(ipDelhi, chromeWindowsUA)
	forged.Header.Set("X-Forwarded-For", ipNewYork)

	a := gen.Generate(plain, windowsClient)
	b := gen.Generate(forged, windowsClient)
	assert.Equal(t, a.DeviceID, b.DeviceID)
	assert.Equal(t, ipDelhi, b.Display.IP)
}
