// Package gateway implements the forwarding pipeline behind POST
// /v1/responses (spec §4.2): provider selection, continuity reconstruction
// across a provider switch, per-provider previous_response_id rejection
// handling, the SSE tap (§4.3), and usage bookkeeping.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/jordanhubbard/respgate/internal/router"
	"github.com/jordanhubbard/respgate/internal/session"
	"github.com/jordanhubbard/respgate/internal/store"
	"github.com/jordanhubbard/respgate/internal/transcript"
)

// Config is the live routing/gateway policy snapshot a Gateway consults for
// one request. Callers take a short-lived clone under their own lock before
// calling into the pipeline, matching internal/router.Config's contract.
type Config struct {
	router.Config
	GatewayToken         string
	SimpleInputListHosts []string
	RequestTimeout       time.Duration
	CodexHome            string
	// ManualOverride is an operator-set provider name that forces routing
	// regardless of health or preference (live UI/admin state, not part of
	// the on-disk routing file).
	ManualOverride string
}

// ConfigSource supplies the live Config snapshot for each request.
type ConfigSource interface {
	Snapshot() Config
}

// ConfigSourceFunc adapts a plain function to ConfigSource.
type ConfigSourceFunc func() Config

func (f ConfigSourceFunc) Snapshot() Config { return f() }

// QuotaEngine is the subset of internal/quota.Engine the gateway consults:
// whether a provider still has remaining budget, and a synchronous refresh
// triggered by the "first-failure usage refresh" rule (spec §4.2).
type QuotaEngine interface {
	HasQuota(provider string) bool
	RefreshProvider(ctx context.Context, p router.Provider, all []router.Provider) (store.QuotaSnapshot, error)
	NoteActivity()
}

// Store is the persistence surface the pipeline writes to after a completed
// exchange: metrics, ledger, usage log, and the event log.
type Store interface {
	BumpMetrics(ctx context.Context, provider string, success bool, tokensDelta int64) (store.ProviderMetrics, error)
	BumpLedgerTokens(ctx context.Context, provider string, inputDelta, outputDelta, totalDelta int64) (store.Ledger, error)
	AddUsageRequest(ctx context.Context, u store.UsageRequest) error
	BumpUsageDay(ctx context.Context, provider, date string, totalTokensDelta int64) (store.UsageDay, error)
	AddEvent(ctx context.Context, e store.Event) error
}

// Upstream is the subset of internal/upstream.Client the pipeline calls.
type Upstream interface {
	GetJSON(ctx context.Context, baseURL, path, auth string, timeout time.Duration) (int, json.RawMessage, error)
	PostJSON(ctx context.Context, baseURL, path string, payload any, auth string, timeout time.Duration) (int, json.RawMessage, error)
	PostSSE(ctx context.Context, baseURL, path string, payload any, auth string, timeout time.Duration) (*http.Response, error)
}

// Secrets resolves a provider's API key, by vault entry name.
type Secrets interface {
	Get(name string) (string, error)
}

// Gateway wires the routing decision, the upstream client, the quota
// engine, the session registry, and the store into the one HTTP handler
// that implements the forwarding pipeline.
type Gateway struct {
	Config   ConfigSource
	Health   *router.Health
	Quota    QuotaEngine
	Store    Store
	Upstream Upstream
	Secrets  Secrets
	Sessions *session.Registry

	clock func() int64

	mu        sync.RWMutex
	lastRoute map[string]router.LastUsedRoute // session id -> last decision
	prevIDOK  map[string]bool                 // provider -> supports previous_response_id
}

// Option configures a Gateway at construction time.
type Option func(*Gateway)

// WithClock overrides the gateway's notion of "now", for deterministic tests.
func WithClock(fn func() int64) Option {
	return func(g *Gateway) { g.clock = fn }
}

// New builds a Gateway. health, quota, st, up and sessions must be non-nil;
// secrets may be nil if no provider ever needs an API key substituted.
func New(cfg ConfigSource, health *router.Health, quota QuotaEngine, st Store, up Upstream, sec Secrets, sessions *session.Registry, opts ...Option) *Gateway {
	g := &Gateway{
		Config:    cfg,
		Health:    health,
		Quota:     quota,
		Store:     st,
		Upstream:  up,
		Secrets:   sec,
		Sessions:  sessions,
		lastRoute: map[string]router.LastUsedRoute{},
		prevIDOK:  map[string]bool{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) nowMS() int64 {
	if g.clock != nil {
		return g.clock()
	}
	return time.Now().UnixMilli()
}

func (g *Gateway) lastUsedRoute(sessionID string) (router.LastUsedRoute, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.lastRoute[sessionID]
	return r, ok
}

func (g *Gateway) setLastUsedRoute(sessionID string, r router.LastUsedRoute) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastRoute[sessionID] = r
}

// prevIDSupported reports a provider's cached previous_response_id support.
// Unknown providers default to true: optimistically try it once.
func (g *Gateway) prevIDSupported(provider string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ok, known := g.prevIDOK[provider]
	if !known {
		return true
	}
	return ok
}

func (g *Gateway) markPrevIDUnsupported(provider string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prevIDOK[provider] = false
}

// buildHistory rebuilds conversation history from the CLI's on-disk
// transcript (spec §6.5), used when switching provider mid-conversation.
func (g *Gateway) buildHistory(codexHome, sessionID string, currentItems []json.RawMessage) ([]json.RawMessage, error) {
	return transcript.BuildHistory(codexHome, sessionID, currentItems)
}
