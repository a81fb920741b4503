// Package ratelimit implements the three-tier request limiter (C17): public
// auth endpoints and OAuth endpoints are throttled per client IP, while
// authenticated endpoints are throttled per bearer token, each tier
// independently configured with a requests-per-minute budget and a burst
// allowance.
//
// Grounded on original_source/scotty/src/api/rate_limiting/tests.rs for the
// three named tiers (public_auth, oauth, authenticated) and their
// IP-vs-token keying; the per-key limiter map and cleanup sweep are
// grounded on r3e-network-service_layer/infrastructure/middleware/ratelimit.go,
// generalized from its single tier to three independently configured ones.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TierConfig configures one rate-limiting tier.
type TierConfig struct {
	RequestsPerMinute float64
	BurstSize         int
}

// limiterEntry pairs a limiter with the last time it was consulted, so
// Cleanup can evict keys that have gone idle instead of growing forever.
type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Tier is a single rate-limiting policy applied independently per key (an
// IP address or a bearer token, depending on which tier it backs).
type Tier struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
}

// newTier builds a Tier from its requests-per-minute budget.
func newTier(cfg TierConfig) *Tier {
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}

	return &Tier{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(cfg.RequestsPerMinute / 60),
		burst:    cfg.BurstSize,
	}
}

// Allow reports whether a request for key may proceed right now, consuming
// one token from that key's bucket if so.
func (t *Tier) Allow(key string) bool {
	return t.getLimiter(key).Allow()
}

func (t *Tier) getLimiter(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.limiters[key] = entry
	}

	entry.lastAccess = time.Now()

	return entry.limiter
}

// cleanup drops any key whose limiter hasn't been consulted since before
// cutoff, bounding memory for a long-running process seeing a changing set
// of client IPs or tokens.
func (t *Tier) cleanup(cutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, entry := range t.limiters {
		if entry.lastAccess.Before(cutoff) {
			delete(t.limiters, key)
		}
	}
}

// count returns the number of keys currently tracked, for tests.
func (t *Tier) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.limiters)
}

// Limiter holds the three independently configured tiers the API surface
// applies: unauthenticated login, OAuth device/web flows, and bearer-token
// authenticated requests. A disabled Limiter allows every request, matching
// the "rate_limiting.enabled" escape hatch the original config exposes.
type Limiter struct {
	enabled       bool
	publicAuth    *Tier
	oauth         *Tier
	authenticated *Tier
}

// Config assembles a Limiter's three tiers plus the overall enabled switch.
type Config struct {
	Enabled       bool
	PublicAuth    TierConfig
	OAuth         TierConfig
	Authenticated TierConfig
}

// New creates a Limiter from its tier configuration.
func New(cfg Config) *Limiter {
	return &Limiter{
		enabled:       cfg.Enabled,
		publicAuth:    newTier(cfg.PublicAuth),
		oauth:         newTier(cfg.OAuth),
		authenticated: newTier(cfg.Authenticated),
	}
}

// AllowPublicAuth reports whether a login attempt from clientIP may proceed.
func (l *Limiter) AllowPublicAuth(clientIP string) bool {
	return !l.enabled || l.publicAuth.Allow(clientIP)
}

// AllowOAuth reports whether an OAuth flow request from clientIP may proceed.
func (l *Limiter) AllowOAuth(clientIP string) bool {
	return !l.enabled || l.oauth.Allow(clientIP)
}

// AllowAuthenticated reports whether a request bearing token may proceed.
func (l *Limiter) AllowAuthenticated(token string) bool {
	return !l.enabled || l.authenticated.Allow(token)
}

// Cleanup evicts limiter entries idle longer than maxIdle from every tier.
// Intended to be called periodically by internal/scheduler.
func (l *Limiter) Cleanup(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)

	l.publicAuth.cleanup(cutoff)
	l.oauth.cleanup(cutoff)
	l.authenticated.cleanup(cutoff)
}
