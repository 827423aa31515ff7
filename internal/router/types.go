// Package router decides, for each client request, which configured upstream
// provider to use. It tracks per-provider health with a circuit breaker,
// honors a manual override and per-session preferences, and implements the
// "stabilization window" that keeps the router from oscillating back to a
// preferred provider that only just recovered.
package router

import "time"

// Provider is the static configuration for one upstream.
type Provider struct {
	Name         string
	DisplayName  string
	BaseURL      string
	Disabled     bool
	UsageAdapter string // "", "token_stats", "budget_info"
	UsageBaseURL string
}

// Config is the routing policy read by Decide. Callers take a short-lived
// snapshot clone before calling Decide so the lock guarding the live config
// is never held across the decision or, further up the call chain, across an
// upstream HTTP call.
type Config struct {
	ProviderOrder            []string // deterministic fallback order; sole tie-breaker
	Providers                map[string]Provider
	PreferredProvider        string
	SessionPreferredProviders map[string]string // session id -> provider name
	AutoReturnToPreferred    bool
	PreferredStableSeconds   int
	FailureThreshold         int
	CooldownSeconds          int
	RequestTimeoutSeconds    int
}

// EffectivePreferred resolves the per-session preference (if it names a
// known, enabled provider) else the global preferred provider.
func (c Config) EffectivePreferred(sessionID string) string {
	if sessionID != "" {
		if name, ok := c.SessionPreferredProviders[sessionID]; ok {
			if p, exists := c.Providers[name]; exists && !p.Disabled {
				return name
			}
		}
	}
	return c.PreferredProvider
}

// LastUsedRoute is the most recent routing decision for a session, used to
// detect "back to preferred" transitions and to anchor the stabilization
// window.
type LastUsedRoute struct {
	Provider           string
	Reason             string
	PreferredAtDecision string
	UnixMS             int64
}

// QuotaAvailable reports whether a provider's quota was known to be
// exhausted; implemented by the quota engine and consulted by Decide so that
// routing can skip over depleted providers without the router needing to
// know QuotaSnapshot's shape.
type QuotaAvailable interface {
	HasQuota(provider string) bool
}

// alwaysAvailable is used when the caller does not wire a quota source
// (e.g. in router-only unit tests).
type alwaysAvailable struct{}

func (alwaysAvailable) HasQuota(string) bool { return true }

// AlwaysAvailable is the default QuotaAvailable: every provider looks
// available. Production callers pass the quota engine instead.
var AlwaysAvailable QuotaAvailable = alwaysAvailable{}

func nowMS() int64 { return time.Now().UnixMilli() }
