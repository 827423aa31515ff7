// Package quota implements the gateway's usage/budget refresh engine (spec
// §4.4): it polls each configured provider's usage dialect, turns the
// response into a QuotaSnapshot, feeds the router's quota-exhaustion check,
// and resets that provider's token ledger once a fresh reading lands.
package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jordanhubbard/respgate/internal/router"
	"github.com/jordanhubbard/respgate/internal/secrets"
	"github.com/jordanhubbard/respgate/internal/store"
)

// Provider is an alias for the router's provider shape: the quota engine and
// the router consume the exact same provider table, just for different
// purposes, so there is no separate provider type to keep in sync.
type Provider = router.Provider

var (
	errMissingCredentials = errors.New("missing credentials for quota refresh")
	errNotFound           = errors.New("usage endpoint not found")
)

func isNotFound(err error) bool { return errors.Is(err, errNotFound) }

// Secrets resolves a named credential, e.g. from an unlocked vault. A
// missing or locked entry should return a non-nil error; the engine treats
// any error as "this credential is unavailable" rather than failing loudly.
type Secrets interface {
	Get(name string) (string, error)
}

// Client is the subset of internal/upstream.Client the quota engine calls:
// plain GETs against usage/budget endpoints, no streaming or payload POSTs.
type Client interface {
	GetJSON(ctx context.Context, baseURL, path, auth string, timeout time.Duration) (int, json.RawMessage, error)
}

// Store is the persistence surface the quota engine reads and writes.
type Store interface {
	PutQuotaSnapshot(ctx context.Context, q store.QuotaSnapshot) error
	GetQuotaSnapshot(ctx context.Context, provider string) (*store.QuotaSnapshot, bool, error)
	ListQuotaSnapshots(ctx context.Context) ([]store.QuotaSnapshot, error)
	ResetLedger(ctx context.Context, provider string) error
	GetSpendState(ctx context.Context, provider string) (store.SpendState, bool, error)
	PutSpendState(ctx context.Context, st store.SpendState) error
	GetSpendDay(ctx context.Context, provider string, startedMS int64) (store.SpendDay, bool, error)
	PutSpendDay(ctx context.Context, d store.SpendDay) error
	AddEvent(ctx context.Context, e store.Event) error
}

// Engine refreshes quota snapshots and tracks the per-provider probe
// bookkeeping the refresh algorithm needs (fastest known base, next
// scheduled attempt). It is safe for concurrent use.
type Engine struct {
	store   Store
	secrets Secrets
	client  Client
	clock   func() int64

	mu               sync.RWMutex
	snapshots        map[string]store.QuotaSnapshot
	fastestBase      map[string]string
	fastestLatencyMS map[string]int64
	nextRefreshMS    map[string]int64
	lastActivity     int64
	sharedHosts      map[string][]string
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithClock overrides the engine's notion of "now", for deterministic tests.
func WithClock(fn func() int64) Option {
	return func(e *Engine) { e.clock = fn }
}

// New builds a quota Engine. sharedHosts is the operator-supplied
// canonicalization table (spec §9's open question on shared-credential
// families), keyed by canonical host with a list of hostname suffixes that
// should be folded into it.
func New(st Store, sec Secrets, client Client, sharedHosts map[string][]string, opts ...Option) *Engine {
	e := &Engine{
		store:            st,
		secrets:          sec,
		client:           client,
		snapshots:        map[string]store.QuotaSnapshot{},
		fastestBase:      map[string]string{},
		fastestLatencyMS: map[string]int64{},
		nextRefreshMS:    map[string]int64{},
		sharedHosts:      sharedHosts,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) nowMS() int64 {
	if e.clock != nil {
		return e.clock()
	}
	return time.Now().UnixMilli()
}

// LoadSnapshots warms the in-memory cache from the store at startup, so
// HasQuota reflects the last persisted reading before the first refresh
// tick runs.
func (e *Engine) LoadSnapshots(ctx context.Context) error {
	all, err := e.store.ListQuotaSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("load quota snapshots: %w", err)
	}
	e.mu.Lock()
	for _, snap := range all {
		e.snapshots[snap.Provider] = snap
	}
	e.mu.Unlock()
	return nil
}

// HasQuota implements router.QuotaAvailable: a provider with no snapshot yet
// is assumed available (spec §4.1 only excludes providers known to be out).
func (e *Engine) HasQuota(provider string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	snap, ok := e.snapshots[provider]
	if !ok {
		return true
	}
	return !snap.ExhaustedQuota()
}

// Snapshot returns the cached reading for a provider, if any.
func (e *Engine) Snapshot(provider string) (store.QuotaSnapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	snap, ok := e.snapshots[provider]
	return snap, ok
}

// NoteActivity records that a request was just routed, used by the
// scheduler's activity-window gate (spec §4.4.2).
func (e *Engine) NoteActivity() {
	e.mu.Lock()
	e.lastActivity = e.nowMS()
	e.mu.Unlock()
}

// ActiveWithin reports whether NoteActivity fired within the last d.
func (e *Engine) ActiveWithin(d time.Duration) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastActivity == 0 {
		return false
	}
	return e.nowMS()-e.lastActivity < d.Milliseconds()
}

func (e *Engine) setSnapshot(snap store.QuotaSnapshot) {
	e.mu.Lock()
	e.snapshots[snap.Provider] = snap
	e.mu.Unlock()
}

func (e *Engine) nextRefresh(provider string) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.nextRefreshMS[provider]
}

func (e *Engine) setNextRefresh(provider string, atMS int64) {
	e.mu.Lock()
	e.nextRefreshMS[provider] = atMS
	e.mu.Unlock()
}

// resolveCredentials looks up a provider's two credential kinds from the
// vault (spec §4.4 step 1), falling back to reusing the provider API key as
// the usage token for the handful of backends that expose one bearer for
// both (spec §9's shared-credential family heuristic; the same table used
// for quota propagation doubles as the "treat this family's key as its own
// usage token" signal, since both exist for the same reseller panels).
func (e *Engine) resolveCredentials(p Provider) (providerKey, usageToken string) {
	if e.secrets != nil {
		if v, err := e.secrets.Get(secrets.ProviderKeyName(p.Name)); err == nil {
			providerKey = v
		}
		if v, err := e.secrets.Get(secrets.UsageTokenName(p.Name)); err == nil {
			usageToken = v
		}
	}
	if usageToken == "" && providerKey != "" && e.isSharedCredentialFamily(p.BaseURL) {
		usageToken = providerKey
	}
	return providerKey, usageToken
}

// RefreshProvider runs one refresh attempt for a single provider and, on
// success, silently propagates the reading to any sibling provider sharing
// the same backend account (spec §4.4 step 7). all is the full, current
// provider table, needed to find those siblings.
func (e *Engine) RefreshProvider(ctx context.Context, p Provider, all []Provider) (store.QuotaSnapshot, error) {
	providerKey, usageToken := e.resolveCredentials(p)
	bases, err := CandidateBases(p)
	if err != nil || len(bases) == 0 {
		return e.fail(ctx, p, "invalid base url for usage probe")
	}
	bases = e.orderByFastest(bases, providerKey, usageToken)

	snap, probeErr := e.probe(ctx, p, bases, providerKey, usageToken)
	if probeErr != nil {
		return e.fail(ctx, p, probeErr.Error())
	}

	snap.Provider = p.Name
	snap.UpdatedMS = e.nowMS()
	if err := e.store.PutQuotaSnapshot(ctx, snap); err != nil {
		slog.Warn("quota: store write failed", "provider", p.Name, "error", err)
	}
	e.setSnapshot(snap)

	if snap.Kind == store.UsageKindBudgetInfo && snap.DailySpentUSD != nil {
		e.updateSpendTracking(ctx, p.Name, *snap.DailySpentUSD)
	}
	if snap.LastError == "" && snap.UpdatedMS > 0 {
		if err := e.store.ResetLedger(ctx, p.Name); err != nil {
			slog.Warn("quota: ledger reset failed", "provider", p.Name, "error", err)
		}
	}
	if err := e.store.AddEvent(ctx, store.Event{Level: store.EventLevelInfo, Code: "usage.refresh_succeeded", Provider: p.Name}); err != nil {
		slog.Warn("quota: event write failed", "provider", p.Name, "error", err)
	}

	e.propagateToSiblings(ctx, p, all, providerKey, usageToken, snap)
	return snap, nil
}

// probe selects a usage dialect and calls it. An explicit usage_adapter
// pins the dialect; otherwise a provider key tries token_stats first,
// falling through to budget_info only if token_stats's endpoint doesn't
// exist and a usage token is also available (spec §4.4 step 2).
func (e *Engine) probe(ctx context.Context, p Provider, bases []string, providerKey, usageToken string) (store.QuotaSnapshot, error) {
	switch store.UsageKind(p.UsageAdapter) {
	case store.UsageKindTokenStats:
		return e.probeTokenStats(ctx, p, bases, providerKey)
	case store.UsageKindBudgetInfo:
		return e.probeBudgetInfo(ctx, p, bases, usageToken)
	}

	switch {
	case providerKey != "":
		snap, err := e.probeTokenStats(ctx, p, bases, providerKey)
		if err != nil && isNotFound(err) && usageToken != "" {
			return e.probeBudgetInfo(ctx, p, bases, usageToken)
		}
		return snap, err
	case usageToken != "":
		return e.probeBudgetInfo(ctx, p, bases, usageToken)
	default:
		return store.QuotaSnapshot{}, errMissingCredentials
	}
}

func (e *Engine) fail(ctx context.Context, p Provider, msg string) (store.QuotaSnapshot, error) {
	snap := store.QuotaSnapshot{Provider: p.Name, UpdatedMS: e.nowMS(), LastError: msg}
	if err := e.store.PutQuotaSnapshot(ctx, snap); err != nil {
		slog.Warn("quota: store write failed", "provider", p.Name, "error", err)
	}
	e.setSnapshot(snap)
	fields, _ := json.Marshal(map[string]string{"error": msg})
	if err := e.store.AddEvent(ctx, store.Event{Level: store.EventLevelWarning, Code: "usage.refresh_failed", Provider: p.Name, Message: msg, Fields: fields}); err != nil {
		slog.Warn("quota: event write failed", "provider", p.Name, "error", err)
	}
	return snap, errors.New(msg)
}

func (e *Engine) probeTokenStats(ctx context.Context, p Provider, bases []string, apiKey string) (store.QuotaSnapshot, error) {
	if apiKey == "" {
		return store.QuotaSnapshot{}, errMissingCredentials
	}
	path := "/api/token-stats?token_key=" + url.QueryEscape(apiKey)
	var lastErr error = errMissingCredentials
	for _, base := range bases {
		start := e.nowMS()
		status, body, err := e.client.GetJSON(ctx, base, path, "", 15*time.Second)
		if err != nil {
			lastErr = err
			continue
		}
		if status == http.StatusNotFound {
			lastErr = errNotFound
			continue
		}
		if status < 200 || status >= 300 {
			lastErr = fmt.Errorf("token-stats status %d", status)
			continue
		}
		snap, perr := parseTokenStats(body)
		if perr != nil {
			lastErr = perr
			continue
		}
		snap.EffectiveUsageBase = base
		e.recordFastest(base, apiKey, "", e.nowMS()-start)
		return snap, nil
	}
	return store.QuotaSnapshot{}, lastErr
}

func (e *Engine) probeBudgetInfo(ctx context.Context, p Provider, bases []string, usageToken string) (store.QuotaSnapshot, error) {
	if usageToken == "" {
		return store.QuotaSnapshot{}, errMissingCredentials
	}
	auth := "Bearer " + usageToken
	var lastErr error = errMissingCredentials
	for _, base := range bases {
		start := e.nowMS()
		status, body, err := e.client.GetJSON(ctx, base, "/api/backend/users/info", auth, 15*time.Second)
		if err != nil {
			lastErr = err
			continue
		}
		if status == http.StatusNotFound {
			lastErr = errNotFound
			continue
		}
		if status < 200 || status >= 300 {
			lastErr = fmt.Errorf("users/info status %d", status)
			continue
		}
		snap, perr := parseBudgetInfo(body)
		if perr != nil {
			lastErr = perr
			continue
		}
		snap.EffectiveUsageBase = base
		e.recordFastest(base, "", usageToken, e.nowMS()-start)
		return snap, nil
	}
	return store.QuotaSnapshot{}, lastErr
}

func (e *Engine) recordFastest(base, providerKey, usageToken string, latencyMS int64) {
	key := e.sharedCredentialKey(base, providerKey, usageToken)
	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, ok := e.fastestLatencyMS[key]; ok && prev <= latencyMS {
		return
	}
	e.fastestBase[key] = base
	e.fastestLatencyMS[key] = latencyMS
}

func (e *Engine) orderByFastest(bases []string, providerKey, usageToken string) []string {
	if len(bases) <= 1 {
		return bases
	}
	key := e.sharedCredentialKey(bases[0], providerKey, usageToken)
	e.mu.RLock()
	fastest, ok := e.fastestBase[key]
	e.mu.RUnlock()
	if !ok {
		return bases
	}
	out := make([]string, 0, len(bases))
	out = append(out, fastest)
	for _, b := range bases {
		if b != fastest {
			out = append(out, b)
		}
	}
	return out
}

// propagateToSiblings copies a fresh snapshot to every other provider that
// shares this one's backend account, without resetting their ledgers,
// touching spend tracking, or emitting a refresh event — the "silent"
// semantics spec §4.4 step 7 describes, since those providers didn't
// actually have their own probe succeed.
func (e *Engine) propagateToSiblings(ctx context.Context, p Provider, all []Provider, providerKey, usageToken string, snap store.QuotaSnapshot) {
	bases, err := CandidateBases(p)
	if err != nil || len(bases) == 0 {
		return
	}
	key := e.sharedCredentialKey(bases[0], providerKey, usageToken)
	for _, peer := range all {
		if peer.Name == p.Name || peer.Disabled {
			continue
		}
		peerBases, err := CandidateBases(peer)
		if err != nil || len(peerBases) == 0 {
			continue
		}
		peerKey, peerToken := e.resolveCredentials(peer)
		if e.sharedCredentialKey(peerBases[0], peerKey, peerToken) != key {
			continue
		}
		if peer.UsageAdapter != "" && store.UsageKind(peer.UsageAdapter) != snap.Kind {
			continue
		}
		peerSnap := snap
		peerSnap.Provider = peer.Name
		if err := e.store.PutQuotaSnapshot(ctx, peerSnap); err != nil {
			slog.Warn("quota: propagate snapshot failed", "provider", peer.Name, "error", err)
			continue
		}
		e.setSnapshot(peerSnap)
	}
}

// RefreshShared runs a refresh for the named provider and reports every
// provider name (including the one refreshed) that shares its backend
// account, for the manual "refresh shared" admin action (spec §4.4.3).
func (e *Engine) RefreshShared(ctx context.Context, providerName string, all []Provider) ([]string, error) {
	var target Provider
	found := false
	for _, p := range all {
		if p.Name == providerName {
			target, found = p, true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("unknown provider %q", providerName)
	}
	if _, err := e.RefreshProvider(ctx, target, all); err != nil {
		return nil, err
	}

	affected := []string{target.Name}
	providerKey, usageToken := e.resolveCredentials(target)
	bases, err := CandidateBases(target)
	if err != nil || len(bases) == 0 {
		return affected, nil
	}
	key := e.sharedCredentialKey(bases[0], providerKey, usageToken)
	for _, peer := range all {
		if peer.Name == target.Name {
			continue
		}
		peerBases, err := CandidateBases(peer)
		if err != nil || len(peerBases) == 0 {
			continue
		}
		peerKey, peerToken := e.resolveCredentials(peer)
		if e.sharedCredentialKey(peerBases[0], peerKey, peerToken) == key {
			affected = append(affected, peer.Name)
		}
	}
	return affected, nil
}

