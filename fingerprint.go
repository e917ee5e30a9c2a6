package gatekeeper

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Spoofing thresholds. A login is blocked above SpoofBlockThreshold; the
// Suspicious flag is raised above SpoofSuspiciousThreshold.
const (
	SpoofBlockThreshold      = 70
	SpoofSuspiciousThreshold = 50
)

// Component names.
const (
	CompUserAgent           = "userAgent"
	CompBrowser             = "browser"
	CompBrowserVersion      = "browserVersion"
	CompEngine              = "engine"
	CompOS                  = "os"
	CompOSVersion           = "osVersion"
	CompDeviceType          = "deviceType"
	CompIP                  = "ip"
	CompAcceptLanguage      = "acceptLanguage"
	CompAcceptEncoding      = "acceptEncoding"
	CompAccept              = "accept"
	CompCanvas              = "canvas"
	CompWebGL               = "webgl"
	CompFonts               = "fonts"
	CompAudio               = "audio"
	CompScreenResolution    = "screenResolution"
	CompColorDepth          = "colorDepth"
	CompTimezone            = "timezone"
	CompLanguage            = "language"
	CompPlatform            = "platform"
	CompHardwareConcurrency = "hardwareConcurrency"
	CompDeviceMemory        = "deviceMemory"
	CompTouchPoints         = "maxTouchPoints"
)

// automationTokens mark browsers driven by automation frameworks.
var automationTokens = []string{"headless", "selenium", "webdriver", "puppeteer", "playwright", "phantom"}

// ClientFingerprint holds the signals collected by client-side script.
type ClientFingerprint struct {
	Canvas              string `json:"canvas"`
	WebGL               string `json:"webgl"`
	Fonts               string `json:"fonts"`
	Audio               string `json:"audio"`
	ScreenResolution    string `json:"screenResolution"`
	ColorDepth          int    `json:"colorDepth"`
	Timezone            string `json:"timezone"`
	Language            string `json:"language"`
	Platform            string `json:"platform"`
	HardwareConcurrency int    `json:"hardwareConcurrency"`
	DeviceMemory        int    `json:"deviceMemory"`
	MaxTouchPoints      int    `json:"maxTouchPoints"`
}

// Components maps a signal name to its canonical string value.
type Components map[string]string

// Canonical renders the components as sorted "key:value" pairs joined by "|".
func (c Components) Canonical() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(c[k])
	}
	return b.String()
}

// Hash returns the device id for the components: hex SHA-256 of Canonical.
func (c Components) Hash() string {
	sum := sha256.Sum256([]byte(c.Canonical()))
	return hex.EncodeToString(sum[:])
}

// Fingerprint is the derived identity of the device behind a request.
type Fingerprint struct {
	DeviceID   string     `json:"device_id"`
	Components Components `json:"-"`
	Display    DeviceInfo `json:"display"`
}

// SpoofAssessment is the outcome of AssessSpoofing.
type SpoofAssessment struct {
	Suspicious bool     `json:"is_suspicious"`
	RiskScore  int      `json:"risk_score"`
	Warnings   []string `json:"warnings"`
}

// Blocked reports whether the risk is high enough to reject the login.
func (a SpoofAssessment) Blocked() bool {
	return a.RiskScore > SpoofBlockThreshold
}

// FingerprintGenerator derives device identities from requests.
type FingerprintGenerator struct {
	excludeIP bool
	proxies   TrustedProxies
}

// NewFingerprintGenerator creates a generator. With excludeIP, the client IP
// is left out of the hashed components. Forwarding headers are honoured only
// from proxies.
func NewFingerprintGenerator(excludeIP bool, proxies TrustedProxies) *FingerprintGenerator {
	return &FingerprintGenerator{excludeIP: excludeIP, proxies: proxies}
}

// Generate builds the components from r and client and hashes them.
// Absent values become "" or "0"; this never fails.
func (g *FingerprintGenerator) Generate(r *http.Request, client ClientFingerprint) Fingerprint {
	display := ExtractDeviceInfo(r, g.proxies)

	c := Components{
		CompUserAgent:           display.UserAgent,
		CompBrowser:             display.Browser,
		CompBrowserVersion:      display.BrowserVersion,
		CompEngine:              display.Engine,
		CompOS:                  display.OS,
		CompOSVersion:           display.OSVersion,
		CompDeviceType:          display.DeviceType,
		CompAcceptLanguage:      r.Header.Get("Accept-Language"),
		CompAcceptEncoding:      r.Header.Get("Accept-Encoding"),
		CompAccept:              r.Header.Get("Accept"),
		CompCanvas:              client.Canvas,
		CompWebGL:               client.WebGL,
		CompFonts:               client.Fonts,
		CompAudio:               client.Audio,
		CompScreenResolution:    client.ScreenResolution,
		CompColorDepth:          strconv.Itoa(client.ColorDepth),
		CompTimezone:            client.Timezone,
		CompLanguage:            client.Language,
		CompPlatform:            client.Platform,
		CompHardwareConcurrency: strconv.Itoa(client.HardwareConcurrency),
		CompDeviceMemory:        strconv.Itoa(client.DeviceMemory),
		CompTouchPoints:         strconv.Itoa(client.MaxTouchPoints),
	}
	if !g.excludeIP {
		c[CompIP] = display.IP
	}

	return Fingerprint{
		DeviceID:   c.Hash(),
		Components: c,
		Display:    display,
	}
}

// AssessSpoofing scores how likely the components come from an automated or
// spoofed client. Rules are additive and the total is capped at 100.
func AssessSpoofing(c Components) SpoofAssessment {
	var (
		risk     int
		warnings []string
	)

	ua := c[CompUserAgent]
	if len(strings.TrimSpace(ua)) < 10 {
		risk += 30
		warnings = append(warnings, "missing or truncated user agent")
	}

	lower := strings.ToLower(ua)
	for _, token := range automationTokens {
		if strings.Contains(lower, token) {
			risk += 50
			warnings = append(warnings, "automation tool detected: "+token)
		}
	}

	declared := platformFamily(c[CompPlatform])
	parsed := osFamily(c[CompOS])
	if declared != "" && parsed != "" && declared != parsed {
		risk += 25
		warnings = append(warnings, "platform "+c[CompPlatform]+" does not match OS "+c[CompOS])
	}

	if c[CompCanvas] == "" && c[CompWebGL] == "" && c[CompFonts] == "" {
		risk += 40
		warnings = append(warnings, "no client-side fingerprint signals")
	}

	if risk > 100 {
		risk = 100
	}

	return SpoofAssessment{
		Suspicious: risk > SpoofSuspiciousThreshold,
		RiskScore:  risk,
		Warnings:   warnings,
	}
}

// platformFamily maps navigator.platform values to an OS family.
func platformFamily(platform string) string {
	p := strings.ToLower(platform)
	switch {
	case p == "":
		return ""
	case strings.Contains(p, "win"):
		return "windows"
	case strings.Contains(p, "iphone"), strings.Contains(p, "ipad"), strings.Contains(p, "ipod"):
		return "ios"
	case strings.Contains(p, "mac"):
		return "macos"
	case strings.Contains(p, "android"), strings.Contains(p, "linux"):
		return "linux"
	}
	return ""
}

// osFamily maps a parsed OS name to the same families as platformFamily.
// Android browsers report a Linux platform, so android folds into linux.
func osFamily(os string) string {
	o := strings.ToLower(os)
	switch {
	case o == "":
		return ""
	case strings.Contains(o, "windows"):
		return "windows"
	case strings.Contains(o, "iphone"), strings.Contains(o, "ipad"), strings.Contains(o, "ios"):
		return "ios"
	case strings.Contains(o, "mac"):
		return "macos"
	case strings.Contains(o, "android"), strings.Contains(o, "linux"):
		return "linux"
	}
	return ""
}

// StabilityScore rates how much durable signal the components carry.
// It is informational and plays no part in authorization.
func StabilityScore(c Components) int {
	weights := []struct {
		key    string
		weight int
	}{
		{CompCanvas, 25},
		{CompWebGL, 20},
		{CompFonts, 15},
		{CompAudio, 15},
		{CompBrowserVersion, 10},
		{CompOSVersion, 10},
		{CompScreenResolution, 5},
	}

	score := 0
	for _, w := range weights {
		if c[w.key] != "" {
			score += w.weight
		}
	}
	if score > 100 {
		score = 100
	}
	return score
}
