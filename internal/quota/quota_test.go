package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/respgate/internal/store"
)

// fakeStore is a minimal in-memory stand-in for internal/store's
// persistence surface, just enough of it for the quota engine's tests.
type fakeStore struct {
	mu           sync.Mutex
	snapshots    map[string]store.QuotaSnapshot
	ledgerResets map[string]int
	spendStates  map[string]store.SpendState
	spendDays    map[string]store.SpendDay
	events       []store.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		snapshots:    map[string]store.QuotaSnapshot{},
		ledgerResets: map[string]int{},
		spendStates:  map[string]store.SpendState{},
		spendDays:    map[string]store.SpendDay{},
	}
}

func (f *fakeStore) PutQuotaSnapshot(_ context.Context, q store.QuotaSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[q.Provider] = q
	return nil
}

func (f *fakeStore) GetQuotaSnapshot(_ context.Context, provider string) (*store.QuotaSnapshot, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.snapshots[provider]
	if !ok {
		return nil, false, nil
	}
	return &q, true, nil
}

func (f *fakeStore) ListQuotaSnapshots(_ context.Context) ([]store.QuotaSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.QuotaSnapshot, 0, len(f.snapshots))
	for _, q := range f.snapshots {
		out = append(out, q)
	}
	return out, nil
}

func (f *fakeStore) ResetLedger(_ context.Context, provider string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ledgerResets[provider]++
	return nil
}

func (f *fakeStore) GetSpendState(_ context.Context, provider string) (store.SpendState, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.spendStates[provider]
	return st, ok, nil
}

func (f *fakeStore) PutSpendState(_ context.Context, st store.SpendState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spendStates[st.Provider] = st
	return nil
}

func (f *fakeStore) GetSpendDay(_ context.Context, provider string, startedMS int64) (store.SpendDay, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.spendDays[spendDayTestKey(provider, startedMS)]
	return d, ok, nil
}

func (f *fakeStore) PutSpendDay(_ context.Context, d store.SpendDay) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spendDays[spendDayTestKey(d.Provider, d.StartedMS)] = d
	return nil
}

func (f *fakeStore) AddEvent(_ context.Context, e store.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func spendDayTestKey(provider string, startedMS int64) string {
	return fmt.Sprintf("%s:%d", provider, startedMS)
}

// fakeSecrets resolves credentials from a plain map keyed by name.
type fakeSecrets map[string]string

func (f fakeSecrets) Get(name string) (string, error) {
	v, ok := f[name]
	if !ok {
		return "", fmt.Errorf("not found: %s", name)
	}
	return v, nil
}

// fakeClient scripts GetJSON responses by exact base URL.
type fakeClient struct {
	responses map[string]fakeResponse
	calls     []string
}

type fakeResponse struct {
	status int
	body   json.RawMessage
	err    error
}

// GetJSON keys its scripted responses by base URL plus which usage dialect
// the path belongs to, so a test can script different outcomes for
// token_stats and budget_info against the very same base URL.
func (f *fakeClient) GetJSON(_ context.Context, baseURL, path, _auth string, _timeout time.Duration) (int, json.RawMessage, error) {
	key := baseURL
	switch {
	case strings.Contains(path, "token-stats"):
		key += "#token-stats"
	case strings.Contains(path, "users/info"):
		key += "#budget-info"
	}
	f.calls = append(f.calls, key)
	r, ok := f.responses[key]
	if !ok {
		return 404, nil, nil
	}
	return r.status, r.body, r.err
}

func TestRefreshProvider_TokenStatsSuccess_ResetsLedgerAndCachesSnapshot(t *testing.T) {
	p := Provider{Name: "alpha", BaseURL: "https://api.example.com/v1"}
	st := newFakeStore()
	sec := fakeSecrets{"provider_key:alpha": "sk-alpha"}
	cl := &fakeClient{responses: map[string]fakeResponse{
		"https://api.example.com#token-stats": {status: 200, body: json.RawMessage(`{"data":{"info":{"remain_quota_display":50}}}`)},
	}}
	e := New(st, sec, cl, nil)

	snap, err := e.RefreshProvider(context.Background(), p, []Provider{p})
	require.NoError(t, err)
	require.NotNil(t, snap.Remaining)
	assert.Equal(t, 50.0, *snap.Remaining)
	assert.Equal(t, store.UsageKindTokenStats, snap.Kind)
	assert.Equal(t, 1, st.ledgerResets["alpha"])

	assert.True(t, e.HasQuota("alpha"))
}

func TestRefreshProvider_MissingCredentials_RecordsFailureWithoutLedgerReset(t *testing.T) {
	p := Provider{Name: "alpha", BaseURL: "https://api.example.com/v1"}
	st := newFakeStore()
	e := New(st, fakeSecrets{}, &fakeClient{responses: map[string]fakeResponse{}}, nil)

	_, err := e.RefreshProvider(context.Background(), p, []Provider{p})
	assert.Error(t, err)
	assert.Equal(t, 0, st.ledgerResets["alpha"])
	snap, ok := e.Snapshot("alpha")
	require.True(t, ok)
	assert.NotEmpty(t, snap.LastError)
}

func TestRefreshProvider_TokenStatsNotFoundFallsBackToBudgetInfo(t *testing.T) {
	p := Provider{Name: "alpha", BaseURL: "https://panel.example.com/v1"}
	st := newFakeStore()
	sec := fakeSecrets{
		"provider_key:alpha": "sk-alpha",
		"usage_token:alpha":  "ut-alpha",
	}
	cl := &fakeClient{responses: map[string]fakeResponse{
		"https://panel.example.com#token-stats": {status: 404},
		"https://panel.example.com#budget-info":  {status: 200, body: json.RawMessage(`{"daily_spent_usd":2.5,"daily_budget_usd":10}`)},
	}}
	e := New(st, sec, cl, nil)

	snap, err := e.RefreshProvider(context.Background(), p, []Provider{p})
	require.NoError(t, err)
	assert.Equal(t, store.UsageKindBudgetInfo, snap.Kind)
	require.NotNil(t, snap.DailySpentUSD)
	assert.Equal(t, 2.5, *snap.DailySpentUSD)
}

func TestHasQuota_ExhaustedSnapshotBlocksProvider(t *testing.T) {
	zero := 0.0
	e := New(newFakeStore(), fakeSecrets{}, &fakeClient{}, nil)
	e.setSnapshot(store.QuotaSnapshot{Provider: "alpha", Kind: store.UsageKindTokenStats, Remaining: &zero})
	assert.False(t, e.HasQuota("alpha"))
}

func TestHasQuota_UnknownProviderDefaultsAvailable(t *testing.T) {
	e := New(newFakeStore(), fakeSecrets{}, &fakeClient{}, nil)
	assert.True(t, e.HasQuota("never-probed"))
}

func TestPropagateToSiblings_SharesSnapshotSilentlyWithoutLedgerReset(t *testing.T) {
	canon := map[string][]string{"his.ppchat.vip": {".ppchat.vip"}}
	alpha := Provider{Name: "alpha", BaseURL: "https://a.ppchat.vip/v1"}
	beta := Provider{Name: "beta", BaseURL: "https://b.ppchat.vip/v1"}
	st := newFakeStore()
	sec := fakeSecrets{
		"provider_key:alpha": "shared-key",
		"provider_key:beta":  "shared-key",
	}
	cl := &fakeClient{responses: map[string]fakeResponse{
		"https://a.ppchat.vip#token-stats": {status: 200, body: json.RawMessage(`{"data":{"info":{"remain_quota_display":77}}}`)},
	}}
	e := New(st, sec, cl, canon)

	_, err := e.RefreshProvider(context.Background(), alpha, []Provider{alpha, beta})
	require.NoError(t, err)

	betaSnap, ok := e.Snapshot("beta")
	require.True(t, ok)
	require.NotNil(t, betaSnap.Remaining)
	assert.Equal(t, 77.0, *betaSnap.Remaining)

	// propagation never resets beta's ledger or probes it directly
	assert.Equal(t, 0, st.ledgerResets["beta"])
	for _, call := range cl.calls {
		assert.False(t, strings.HasPrefix(call, "https://b.ppchat.vip"), "beta should never be probed directly: %s", call)
	}
}

func TestUpdateSpendTracking_AccumulatesWithinDayAndRollsOverOnDrop(t *testing.T) {
	st := newFakeStore()
	clockMS := int64(1_000_000)
	e := New(st, fakeSecrets{}, &fakeClient{}, nil, WithClock(func() int64 { return clockMS }))

	e.updateSpendTracking(context.Background(), "alpha", 1.0)
	day, ok, err := st.GetSpendDay(context.Background(), "alpha", clockMS)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.0, day.TrackedSpendUSD)

	clockMS += 1000
	e.updateSpendTracking(context.Background(), "alpha", 3.5)
	day, ok, err = st.GetSpendDay(context.Background(), "alpha", 1_000_000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3.5, day.TrackedSpendUSD)

	// upstream day rolled over: the reading dropped well past spendEpsilon
	openBefore := clockMS
	clockMS += 1000
	e.updateSpendTracking(context.Background(), "alpha", 0.2)
	newDay, ok, err := st.GetSpendDay(context.Background(), "alpha", clockMS)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.2, newDay.TrackedSpendUSD)

	oldDay, ok, err := st.GetSpendDay(context.Background(), "alpha", openBefore-1000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotZero(t, oldDay.EndedMS)
}

func TestJitter_StaysWithinBounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := jitter(60*time.Second, 300*time.Second)
		assert.GreaterOrEqual(t, d, 60*time.Second)
		assert.Less(t, d, 300*time.Second)
	}
	assert.Equal(t, 5*time.Second, jitter(5*time.Second, 5*time.Second))
}
