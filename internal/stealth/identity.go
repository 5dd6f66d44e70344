// Package stealth builds per-session browser identities and the
// pre-navigation instrumentation that keeps automation signals consistent
// with them.
package stealth

import (
	"math/rand"
	"sync"

	"go.uber.org/zap"
)

// Identity is the fingerprint a session presents to the page: user agent,
// locale/timezone and hardware parameters. All values come from the fixed
// pools below unless overridden.
type Identity struct {
	UserAgent           string
	AcceptLanguage      string
	Locale              string
	Timezone            string
	Platform            string
	HardwareConcurrency int
	DeviceMemory        int
	WebGLVendor         string
	WebGLRenderer       string
}

// Overrides pins parts of the identity instead of choosing them at random.
type Overrides struct {
	UserAgent string
	Locale    string
	Timezone  string
}

// profile couples values that must agree with each other (a Windows UA must
// report a Windows platform).
type profile struct {
	userAgent     string
	platform      string
	webGLVendor   string
	webGLRenderer string
}

var profilePool = []profile{
	{
		userAgent:     "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		platform:      "Win32",
		webGLVendor:   "Google Inc. (NVIDIA)",
		webGLRenderer: "ANGLE (NVIDIA, NVIDIA GeForce GTX 1660 Direct3D11 vs_5_0 ps_5_0, D3D11)",
	},
	{
		userAgent:     "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
		platform:      "Win32",
		webGLVendor:   "Google Inc. (Intel)",
		webGLRenderer: "ANGLE (Intel, Intel(R) UHD Graphics 630 Direct3D11 vs_5_0 ps_5_0, D3D11)",
	},
	{
		userAgent:     "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		platform:      "MacIntel",
		webGLVendor:   "Intel Inc.",
		webGLRenderer: "Intel Iris OpenGL Engine",
	},
	{
		userAgent:     "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
		platform:      "MacIntel",
		webGLVendor:   "Apple Inc.",
		webGLRenderer: "Apple M1",
	},
	{
		userAgent:     "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		platform:      "Linux x86_64",
		webGLVendor:   "Google Inc. (Intel)",
		webGLRenderer: "ANGLE (Intel, Mesa Intel(R) Xe Graphics (TGL GT2), OpenGL 4.6)",
	},
}

type localeProfile struct {
	locale         string
	acceptLanguage string
	timezone       string
}

var localePool = []localeProfile{
	{locale: "en-US", acceptLanguage: "en-US,en;q=0.9", timezone: "America/New_York"},
	{locale: "en-US", acceptLanguage: "en-US,en;q=0.9", timezone: "America/Chicago"},
	{locale: "en-US", acceptLanguage: "en-US,en;q=0.9", timezone: "America/Los_Angeles"},
	{locale: "en-GB", acceptLanguage: "en-GB,en;q=0.9", timezone: "Europe/London"},
	{locale: "de-DE", acceptLanguage: "de-DE,de;q=0.9,en;q=0.8", timezone: "Europe/Berlin"},
}

var concurrencyPool = []int{4, 8, 8, 12, 16}
var memoryPool = []int{4, 8, 8, 16}

// Configurator builds identities and installs evasions.
type Configurator struct {
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewConfigurator creates a Configurator seeded with the given source. A
// seed of 0 leaves the global source's default seeding in place for tests.
func NewConfigurator(seed int64, logger *zap.Logger) *Configurator {
	return &Configurator{
		logger: logger,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// BuildIdentity picks a coherent identity from the pools, applying any
// caller overrides.
func (c *Configurator) BuildIdentity(overrides Overrides) Identity {
	c.mu.Lock()
	p := profilePool[c.rng.Intn(len(profilePool))]
	l := localePool[c.rng.Intn(len(localePool))]
	hw := concurrencyPool[c.rng.Intn(len(concurrencyPool))]
	mem := memoryPool[c.rng.Intn(len(memoryPool))]
	c.mu.Unlock()

	id := Identity{
		UserAgent:           p.userAgent,
		AcceptLanguage:      l.acceptLanguage,
		Locale:              l.locale,
		Timezone:            l.timezone,
		Platform:            p.platform,
		HardwareConcurrency: hw,
		DeviceMemory:        mem,
		WebGLVendor:         p.webGLVendor,
		WebGLRenderer:       p.webGLRenderer,
	}

	if overrides.UserAgent != "" {
		id.UserAgent = overrides.UserAgent
	}
	if overrides.Locale != "" {
		id.Locale = overrides.Locale
		id.AcceptLanguage = overrides.Locale
	}
	if overrides.Timezone != "" {
		id.Timezone = overrides.Timezone
	}

	return id
}
