// Package session tracks the CLI sessions currently talking to the gateway
// (spec §3's "Session runtime"): which pid or terminal owns it, what model
// it last got routed to, and whether it still looks alive.
package session

import (
	"os"
	"sync"
	"syscall"
	"time"
)

// pidlessStaleAfter is how long a session with neither a pid nor a terminal
// marker to check liveness against can go quiet before it's pruned.
const pidlessStaleAfter = 15 * time.Minute

// Runtime is the tracked state of one CLI session.
type Runtime struct {
	CodexSessionID        string
	PID                   int
	TerminalSessionMarker string

	LastRequestMS    int64
	LastDiscoveredMS int64

	LastReportedModelProvider string
	LastReportedModel         string
	LastReportedBaseURL       string

	IsAgent         bool
	IsReview        bool
	ConfirmedRouter bool
}

// TouchOptions carries the per-request signals Touch uses to create or
// refresh a session's runtime entry.
type TouchOptions struct {
	PID                   int
	TerminalSessionMarker string
	IsAgent               bool
	IsReview              bool
}

// Registry tracks every known session, keyed by codex_session_id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Runtime
	clock    func() int64
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithClock overrides the registry's notion of "now", for deterministic tests.
func WithClock(fn func() int64) Option {
	return func(r *Registry) { r.clock = fn }
}

// NewRegistry builds an empty session Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{sessions: map[string]*Runtime{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) nowMS() int64 {
	if r.clock != nil {
		return r.clock()
	}
	return time.Now().UnixMilli()
}

// Touch records a request against sessionID, creating its runtime entry on
// first sight and refreshing last_request_ms on every subsequent call.
func (r *Registry) Touch(sessionID string, opts TouchOptions) *Runtime {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.nowMS()
	rt, ok := r.sessions[sessionID]
	if !ok {
		rt = &Runtime{CodexSessionID: sessionID, LastDiscoveredMS: now}
		r.sessions[sessionID] = rt
	}
	rt.LastRequestMS = now
	if opts.PID != 0 {
		rt.PID = opts.PID
	}
	if opts.TerminalSessionMarker != "" {
		rt.TerminalSessionMarker = opts.TerminalSessionMarker
	}
	if opts.IsAgent {
		rt.IsAgent = true
	}
	if opts.IsReview {
		rt.IsReview = true
	}
	return rt
}

// ReportModel records the provider/model/base URL a request actually routed
// to, surfaced by the status endpoint for operator visibility.
func (r *Registry) ReportModel(sessionID, provider, model, baseURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	rt.LastReportedModelProvider = provider
	rt.LastReportedModel = model
	rt.LastReportedBaseURL = baseURL
}

// ConfirmRouter marks sessionID as having had at least one request actually
// routed, rather than just discovered.
func (r *Registry) ConfirmRouter(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rt, ok := r.sessions[sessionID]; ok {
		rt.ConfirmedRouter = true
	}
}

// Get returns a copy of sessionID's tracked runtime, if known.
func (r *Registry) Get(sessionID string) (Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.sessions[sessionID]
	if !ok {
		return Runtime{}, false
	}
	return *rt, true
}

// List returns a snapshot of every tracked session.
func (r *Registry) List() []Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Runtime, 0, len(r.sessions))
	for _, rt := range r.sessions {
		out = append(out, *rt)
	}
	return out
}

// Prune removes sessions that fail any of the lifecycle's liveness checks
// and returns the ids removed: an agent session gone quiet, a dead pid, a
// dead terminal marker, or a pidless/markerless session stale past 15
// minutes.
func (r *Registry) Prune() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.nowMS()
	var removed []string
	for id, rt := range r.sessions {
		if r.shouldPrune(rt, now) {
			delete(r.sessions, id)
			removed = append(removed, id)
		}
	}
	return removed
}

func (r *Registry) shouldPrune(rt *Runtime, now int64) bool {
	stale := now-rt.LastRequestMS > pidlessStaleAfter.Milliseconds()
	if rt.IsAgent && stale {
		return true
	}
	if rt.PID != 0 && !pidAlive(rt.PID) {
		return true
	}
	if rt.TerminalSessionMarker != "" && !markerAlive(rt.TerminalSessionMarker) {
		return true
	}
	if rt.PID == 0 && rt.TerminalSessionMarker == "" && stale {
		return true
	}
	return false
}

// pidAlive reports whether pid names a live process, using the standard
// signal-0 probe: ESRCH means gone, EPERM means alive but owned by someone
// else, nil means alive and ours.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return true
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// markerAlive reports whether a terminal session marker (a path the CLI
// touches for the lifetime of its controlling terminal) still exists.
func markerAlive(marker string) bool {
	_, err := os.Stat(marker)
	return err == nil
}
