package router

// Decision reasons, surfaced to clients via the response's routing metadata
// and to operators via /status. These match spec's selection algorithm
// (§4.1) literally, since routing.route/routing.stream events and the
// back-to-preferred test both key off the exact string.
const (
	ReasonManualOverride          = "manual_override"
	ReasonManualOverrideUnhealthy = "manual_override_unhealthy"
	ReasonPreferredHealthy        = "preferred_healthy"
	ReasonPreferredUnhealthy      = "preferred_unhealthy"
	ReasonPreferredStabilizing    = "preferred_stabilizing"
)

// Decision is the outcome of Decide: which provider to send this request to,
// and why, for observability and for the back-to-preferred event check.
type Decision struct {
	Provider string
	Reason   string
}

// Decide picks the upstream provider for one request. It never blocks and
// never performs I/O: cfg is a snapshot taken under the caller's config
// lock, health is queried under its own lock, and quota is consulted
// synchronously against the quota engine's in-memory state.
//
//  1. A manual override, if routable, always wins. If set but unroutable,
//     fall back from it instead (reason "manual_override_unhealthy") —
//     an operator forcing a dead provider should not wedge the gateway.
//  2. Otherwise the effective preferred provider (session preference, else
//     global preferred) is evaluated.
//  3. If auto_return_to_preferred is set, the session was last on a
//     different provider, and preferred is still within its stabilization
//     window (time since its most recent failure < preferred_stable_seconds),
//     stick with the session's last-used provider if it is still usable,
//     else fall back from preferred anyway (reason "preferred_stabilizing").
//  4. Otherwise, if preferred is usable, use it (reason "preferred_healthy").
//  5. Otherwise fall back from preferred (reason "preferred_unhealthy").
//
// fallback scans ProviderOrder — the sole tie-breaker — skipping the
// excluded name, disabled providers, providers in cooldown, and providers
// with no remaining quota. If nothing remains, the excluded name (override
// or preferred) is returned anyway, since the caller's own attempt and its
// failure is what drives the circuit breaker forward.
func Decide(cfg Config, health *Health, quota QuotaAvailable, sessionID, manualOverride string, last *LastUsedRoute, nowMS int64) Decision {
	if quota == nil {
		quota = AlwaysAvailable
	}

	if manualOverride != "" {
		if _, ok := cfg.Providers[manualOverride]; ok {
			if isUsable(cfg, health, quota, nowMS,manualOverride) {
				return Decision{Provider: manualOverride, Reason: ReasonManualOverride}
			}
			return Decision{Provider: fallbackOrSelf(cfg, health, quota, nowMS,manualOverride), Reason: ReasonManualOverrideUnhealthy}
		}
	}

	preferred := cfg.EffectivePreferred(sessionID)

	if cfg.AutoReturnToPreferred && last != nil && last.Provider != "" && last.Provider != preferred &&
		stabilizing(health, preferred, cfg.PreferredStableSeconds, nowMS) {
		if isUsable(cfg, health, quota, nowMS,last.Provider) {
			return Decision{Provider: last.Provider, Reason: ReasonPreferredStabilizing}
		}
		return Decision{Provider: fallbackOrSelf(cfg, health, quota, nowMS,preferred), Reason: ReasonPreferredStabilizing}
	}

	if preferred != "" && isUsable(cfg, health, quota, nowMS,preferred) {
		return Decision{Provider: preferred, Reason: ReasonPreferredHealthy}
	}

	return Decision{Provider: fallbackOrSelf(cfg, health, quota, nowMS,preferred), Reason: ReasonPreferredUnhealthy}
}

// stabilizing reports whether preferred recovered too recently to switch
// back onto it yet: its last recorded failure is within stableSeconds of
// now. A provider that has never failed is never stabilizing.
func stabilizing(health *Health, preferred string, stableSeconds int, nowMS int64) bool {
	if stableSeconds <= 0 || preferred == "" {
		return false
	}
	lastFail := health.LastFailureMS(preferred)
	if lastFail == 0 {
		return false
	}
	return nowMS-lastFail < int64(stableSeconds)*1000
}

func isUsable(cfg Config, health *Health, quota QuotaAvailable, nowMS int64, name string) bool {
	p, ok := cfg.Providers[name]
	if !ok || p.Disabled {
		return false
	}
	if !health.IsRoutable(name, nowMS) {
		return false
	}
	return quota.HasQuota(name)
}

// fallback scans ProviderOrder in order, skipping excluded, and returns the
// first usable provider.
func fallback(cfg Config, health *Health, quota QuotaAvailable, nowMS int64, excluded string) (string, bool) {
	for _, name := range cfg.ProviderOrder {
		if name == excluded {
			continue
		}
		if isUsable(cfg, health, quota, nowMS,name) {
			return name, true
		}
	}
	return "", false
}

// fallbackOrSelf returns fallback's result, or excluded itself if nothing
// else is usable — the request will fail upstream, but the caller's
// attempt is what drives the circuit breaker, not the router refusing to
// answer.
func fallbackOrSelf(cfg Config, health *Health, quota QuotaAvailable, nowMS int64, excluded string) string {
	if name, ok := fallback(cfg, health, quota, nowMS, excluded); ok {
		return name
	}
	return excluded
}
