package gatekeeper

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/mssola/useragent"
)

// DeviceInfo is the human-readable description of a device, parsed from
// the User-Agent. It is shown to users and admins, never hashed.
type DeviceInfo struct {
	IP             string `json:"ip"`
	UserAgent      string `json:"user_agent"`
	Browser        string `json:"browser"`
	BrowserVersion string `json:"browser_version"`
	Engine         string `json:"engine"`
	OS             string `json:"os"`
	OSVersion      string `json:"os_version"`
	Platform       string `json:"platform"`
	DeviceType     string `json:"device_type"` // mobile, desktop, tablet, bot
}

// ExtractDeviceInfo extracts device information from an HTTP request,
// attributing it to the address proxies resolves.
func ExtractDeviceInfo(r *http.Request, proxies TrustedProxies) DeviceInfo {
	ua := r.UserAgent()
	info := parseUserAgent(ua)
	info.IP = proxies.ClientIP(r)
	return info
}

func parseUserAgent(ua string) DeviceInfo {
	parsed := useragent.New(ua)
	browser, browserVersion := parsed.Browser()
	engine, _ := parsed.Engine()
	osInfo := parsed.OSInfo()

	// Determine device type
	deviceType := "desktop"
	if parsed.Bot() {
		deviceType = "bot"
	} else if isTablet(ua) {
		deviceType = "tablet"
	} else if parsed.Mobile() {
		deviceType = "mobile"
	}

	return DeviceInfo{
		UserAgent:      ua,
		Browser:        browser,
		BrowserVersion: browserVersion,
		Engine:         engine,
		OS:             osInfo.Name,
		OSVersion:      osInfo.Version,
		Platform:       parsed.Platform(),
		DeviceType:     deviceType,
	}
}

// TrustedProxies lists the networks allowed to report the client address
// through forwarding headers. A nil list trusts no one.
type TrustedProxies []*net.IPNet

// ParseTrustedProxies parses CIDRs or bare addresses.
func ParseTrustedProxies(entries []string) (TrustedProxies, error) {
	proxies := make(TrustedProxies, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("%w: %s", ErrInvalidIP, e)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			proxies = append(proxies, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, network, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidIP, e)
		}
		proxies = append(proxies, network)
	}
	return proxies, nil
}

func (p TrustedProxies) trusts(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, network := range p {
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}

// ClientIP returns the address a request is attributed to. Forwarding
// headers are read only when the direct peer is a trusted proxy. In
// X-Forwarded-For the rightmost address that is not itself a trusted proxy
// wins, since everything left of it was written by the client.
func (p TrustedProxies) ClientIP(r *http.Request) string {
	peer := remoteHost(r)
	if !p.trusts(peer) {
		return peer
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if net.ParseIP(hop) == nil {
				break
			}
			if !p.trusts(hop) {
				return hop
			}
		}
	}
	for _, h := range []string{"X-Real-IP", "CF-Connecting-IP"} {
		if v := strings.TrimSpace(r.Header.Get(h)); net.ParseIP(v) != nil {
			return v
		}
	}
	return peer
}

// ClientIP returns the direct peer address of r, ignoring forwarding
// headers.
func ClientIP(r *http.Request) string {
	return TrustedProxies(nil).ClientIP(r)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isTablet checks if the user agent indicates a tablet device.
func isTablet(ua string) bool {
	ua = strings.ToLower(ua)
	tabletKeywords := []string{"ipad", "tablet", "playbook", "silk"}
	for _, keyword := range tabletKeywords {
		if strings.Contains(ua, keyword) {
			return true
		}
	}
	return false
}

var privateNetworks = func() []*net.IPNet {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"100.64.0.0/10", // carrier-grade NAT
		"169.254.0.0/16",
		"fc00::/7", // IPv6 unique local
		"fe80::/10",
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		nets = append(nets, network)
	}
	return nets
}()

// IsPrivateIP returns true if the IP is loopback or in a private/reserved range.
// This stands in for a real IP-reputation or VPN lookup and is not a
// guarantee that a public address is a residential one.
func IsPrivateIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}

	if parsed.IsLoopback() {
		return true
	}

	for _, network := range privateNetworks {
		if network.Contains(parsed) {
			return true
		}
	}

	return false
}
