package router

import "sync"

const maxLastErrorLen = 500

// health is the per-provider circuit-breaker state. It is never exposed
// outside the package; callers only see Snapshot.
type health struct {
	consecutiveFailures uint32
	cooldownUntilMS     int64
	lastError           string
	lastOKMS            int64
	lastFailMS          int64
}

func newHealth(nowMS int64) *health {
	return &health{lastOKMS: nowMS}
}

func (h *health) inCooldown(now int64) bool {
	return h.cooldownUntilMS != 0 && now < h.cooldownUntilMS
}

// HealthSnapshot is the read-only view returned by Health.Snapshot, matching
// the gateway's /status JSON shape.
type HealthSnapshot struct {
	IsHealthy           bool   `json:"is_healthy"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	CooldownUntilMS     int64  `json:"cooldown_until_ms"`
	LastError           string `json:"last_error"`
	LastOKMS            int64  `json:"last_ok_ms"`
	LastFailMS          int64  `json:"last_fail_ms"`
}

// Health tracks per-provider circuit-breaker state behind a single
// read-write lock. Mutations (MarkSuccess, MarkFailure, SyncWithConfig) hold
// the lock only for the duration of the map update; it is never held across
// an await/upstream call.
type Health struct {
	mu sync.RWMutex
	m  map[string]*health
}

// NewHealth creates a Health tracker with an entry (zeroed, last_ok_ms=now)
// for every given provider name.
func NewHealth(providerNames []string, nowMS int64) *Health {
	h := &Health{m: make(map[string]*health, len(providerNames))}
	for _, name := range providerNames {
		h.m[name] = newHealth(nowMS)
	}
	return h
}

// SyncWithConfig re-ensures the map has an entry for every configured
// provider and drops entries for providers no longer configured. Called on
// each request and on status polls; ordering of the map never influences
// provider choice (ProviderOrder is the sole tie-breaker).
func (h *Health) SyncWithConfig(providerNames []string, nowMS int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	want := make(map[string]struct{}, len(providerNames))
	for _, name := range providerNames {
		want[name] = struct{}{}
		if _, ok := h.m[name]; !ok {
			h.m[name] = newHealth(nowMS)
		}
	}
	for name := range h.m {
		if _, ok := want[name]; !ok {
			delete(h.m, name)
		}
	}
}

// IsRoutable reports whether a provider exists and is not in cooldown.
func (h *Health) IsRoutable(name string, nowMS int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.m[name]
	if !ok {
		return false
	}
	return !e.inCooldown(nowMS)
}

// MarkSuccess clears failure state and refreshes last_ok_ms.
func (h *Health) MarkSuccess(name string, nowMS int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.m[name]
	if !ok {
		return
	}
	e.consecutiveFailures = 0
	e.cooldownUntilMS = 0
	e.lastError = ""
	e.lastOKMS = nowMS
}

// MarkFailure increments the failure counter, records the (truncated) error,
// and opens the circuit once consecutiveFailures reaches failureThreshold.
func (h *Health) MarkFailure(name string, failureThreshold uint32, cooldownSeconds int, errMsg string, nowMS int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.m[name]
	if !ok {
		return
	}
	e.consecutiveFailures++
	if len(errMsg) > maxLastErrorLen {
		errMsg = errMsg[:maxLastErrorLen]
	}
	e.lastError = errMsg
	e.lastFailMS = nowMS
	if e.consecutiveFailures >= failureThreshold {
		e.cooldownUntilMS = nowMS + int64(cooldownSeconds)*1000
	}
}

// LastFailureMS returns the last_fail_ms recorded for a provider, or 0 if
// unknown. Used by the stabilization window to anchor "time since preferred
// last failed".
func (h *Health) LastFailureMS(name string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if e, ok := h.m[name]; ok {
		return e.lastFailMS
	}
	return 0
}

// Snapshot returns is_healthy/failure/cooldown/error state for every
// tracked provider. is_healthy means "currently routable" — a provider
// becomes available again the instant its cooldown expires (half-open).
func (h *Health) Snapshot() map[string]HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	now := nowMS()
	out := make(map[string]HealthSnapshot, len(h.m))
	for name, e := range h.m {
		out[name] = HealthSnapshot{
			IsHealthy:           !e.inCooldown(now),
			ConsecutiveFailures: e.consecutiveFailures,
			CooldownUntilMS:     e.cooldownUntilMS,
			LastError:           e.lastError,
			LastOKMS:            e.lastOKMS,
			LastFailMS:          e.lastFailMS,
		}
	}
	return out
}
