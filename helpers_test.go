package gatekeeper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/aadithya-v/gatekeeper/notify"
	"github.com/aadithya-v/gatekeeper/store"
)

const (
	ipDelhi   = "203.0.113.10"
	ipNewYork = "198.51.100.20"
	ipNewark  = "198.51.100.30"
	ipLondon  = "192.0.2.40"

	chromeWindowsUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	testPassword    = "correct horse battery"
)

// noon keeps the unusual-hour factor out of the way.
var noon = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

var testLocations = StaticGeolocator{
	ipDelhi:   {City: "New Delhi", Country: "India", CountryCode: "IN", Latitude: 28.70, Longitude: 77.10},
	ipNewYork: {City: "New York", Country: "United States", CountryCode: "US", Latitude: 40.71, Longitude: -74.01},
	ipNewark:  {City: "Newark", Country: "United States", CountryCode: "US", Latitude: 40.7357, Longitude: -74.1724},
	ipLondon:  {City: "London", Country: "United Kingdom", CountryCode: "GB", Latitude: 51.5074, Longitude: -0.1278},
}

var windowsClient = ClientFingerprint{
	Canvas:              "canvas-9f2c",
	WebGL:               "webgl-ANGLE-intel",
	Fonts:               "fonts-41a7",
	Audio:               "audio-124.04",
	ScreenResolution:    "1920x1080",
	ColorDepth:          24,
	Timezone:            "Asia/Kolkata",
	Language:            "en-US",
	Platform:            "Win32",
	HardwareConcurrency: 8,
	DeviceMemory:        8,
}

// testClock is a settable clock shared by every component under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{now: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// outbox records every message handed to the dispatcher.
type outbox struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (o *outbox) Send(_ context.Context, m notify.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, m)
	return nil
}

func (o *outbox) messages() []notify.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]notify.Message(nil), o.msgs...)
}

var otpCode = regexp.MustCompile(`\b\d{6}\b`)

// waitForOTP returns the code of the last OTP email sent to addr.
func (o *outbox) waitForOTP(t *testing.T, addr string) string {
	t.Helper()
	var code string
	require.Eventually(t, func() bool {
		for _, m := range o.messages() {
			if m.Tag == "otp" && m.To == addr {
				code = otpCode.FindString(m.Body)
			}
		}
		return code != ""
	}, 2*time.Second, 5*time.Millisecond)
	return code
}

type testEnv struct {
	g      *Gatekeeper
	clock  *testClock
	store  *store.MemoryStore
	repo   *store.MemoryRepository
	outbox *outbox
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	env := &testEnv{
		clock:  newTestClock(noon),
		repo:   store.NewMemoryRepository(),
		outbox: &outbox{},
	}
	env.store = store.NewMemoryStore(store.WithClock(env.clock.Now))

	d := notify.NewDispatcher(zerolog.Nop())
	for _, ch := range []notify.Channel{notify.ChannelEmail, notify.ChannelSlack, notify.ChannelDiscord, notify.ChannelWebhook} {
		d.Register(ch, env.outbox)
	}
	d.Start()

	cfg := Config{
		Store:         env.store,
		Repository:    env.repo,
		Geolocator:    testLocations,
		Dispatcher:    d,
		TokenSecret:   []byte("test-secret"),
		BcryptCost:    bcrypt.MinCost,
		SecurityEmail: "security@example.com",
		Now:           env.clock.Now,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	g, err := New(cfg)
	require.NoError(t, err)
	env.g = g

	t.Cleanup(func() {
		_ = g.Close()
		_ = d.Close()
		_ = env.store.Close()
	})
	return env
}

func (e *testEnv) register(t *testing.T, email string, plan Plan) *store.User {
	t.Helper()
	u, err := e.g.Register(context.Background(), RegisterRequest{Email: email, Password: testPassword, Plan: plan})
	require.NoError(t, err)
	return u
}

func newLoginHTTPRequest(ip, ua string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/login", nil)
	r.RemoteAddr = ip + ":52311"
	r.Header.Set("User-Agent", ua)
	r.Header.Set("Accept-Language", "en-US,en;q=0.9")
	r.Header.Set("Accept-Encoding", "gzip, deflate, br")
	r.Header.Set("Accept", "application/json")
	return r
}

// deviceIDFor returns the id Login will derive for the same request.
func (e *testEnv) deviceIDFor(ip string, client ClientFingerprint) string {
	return e.g.fingerprints.Generate(newLoginHTTPRequest(ip, chromeWindowsUA), client).DeviceID
}

func (e *testEnv) login(email, ip string, client ClientFingerprint) (*LoginResult, error) {
	return e.g.Login(context.Background(), newLoginHTTPRequest(ip, chromeWindowsUA), LoginRequest{
		Email:       email,
		Password:    testPassword,
		Fingerprint: client,
	})
}
