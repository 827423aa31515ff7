package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "event:x")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "event:x", []byte("hello")))
	v, ok, err := s.Get(ctx, "event:x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", string(v))

	require.NoError(t, s.Delete(ctx, "event:x"))
	_, ok, err = s.Get(ctx, "event:x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMigrate_IsIdempotentAndRejectsNewerSchema(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	require.NoError(t, s.Put(ctx, PrefixSchema+"events", []byte("999")))
	err := s.Migrate(ctx)
	assert.Error(t, err)
}

func TestEvents_ListNewestFirstAndRespectsLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, s.AddEvent(ctx, Event{UnixMS: i, Code: "routing_decision", Provider: "alpha"}))
	}

	got, err := s.ListEvents(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(5), got[0].UnixMS)
	assert.Equal(t, int64(4), got[1].UnixMS)
	assert.Equal(t, int64(3), got[2].UnixMS)
}

func TestEvents_RetentionPrunesOldest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= maxEvents+10; i++ {
		require.NoError(t, s.AddEvent(ctx, Event{UnixMS: i, Code: "tick"}))
	}
	require.NoError(t, s.Maintain(ctx))

	count, err := s.Count(ctx, PrefixEvent)
	require.NoError(t, err)
	assert.Equal(t, int64(maxEvents), count)

	got, err := s.ListEvents(ctx, maxEvents)
	require.NoError(t, err)
	// the ten oldest (unix_ms 1..10) must be gone; the newest survives
	assert.Equal(t, int64(maxEvents+10), got[0].UnixMS)
	for _, ev := range got {
		assert.Greater(t, ev.UnixMS, int64(10))
	}
}

func TestMaintain_RemovesDisallowedKeys(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "orphaned_namespace:leftover", []byte("x")))
	require.NoError(t, s.Put(ctx, PrefixQuota+"alpha", []byte(`{"provider":"alpha"}`)))

	require.NoError(t, s.Maintain(ctx))

	_, ok, err := s.Get(ctx, "orphaned_namespace:leftover")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Get(ctx, PrefixQuota+"alpha")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQuotaSnapshot_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	remaining := 100.0
	require.NoError(t, s.PutQuotaSnapshot(ctx, QuotaSnapshot{
		Provider:  "alpha",
		Kind:      UsageKindTokenStats,
		Remaining: &remaining,
	}))

	got, ok, err := s.GetQuotaSnapshot(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, UsageKindTokenStats, got.Kind)
	require.NotNil(t, got.Remaining)
	assert.Equal(t, 100.0, *got.Remaining)
	assert.False(t, got.ExhaustedQuota())

	all, err := s.ListQuotaSnapshots(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLedger_BumpAndReset(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	l, err := s.BumpLedgerTokens(ctx, "alpha", 10, 5, 15)
	require.NoError(t, err)
	assert.Equal(t, int64(15), l.TotalTokens)

	l, err = s.BumpLedgerTokens(ctx, "alpha", 10, 5, 15)
	require.NoError(t, err)
	assert.Equal(t, int64(30), l.TotalTokens)
	assert.Equal(t, int64(20), l.InputTokens)

	require.NoError(t, s.ResetLedger(ctx, "alpha"))
	l, err = s.GetLedger(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(0), l.TotalTokens)
	assert.NotZero(t, l.LastResetMS)
}

func TestSpendDay_PutAndManualOverrideIsSeparate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutSpendDay(ctx, SpendDay{Provider: "alpha", StartedMS: 1000, TrackedSpendUSD: 1.5}))
	require.NoError(t, s.PutSpendDay(ctx, SpendDay{Provider: "alpha", StartedMS: 1000, TrackedSpendUSD: 3.5}))

	d, ok, err := s.GetSpendDay(ctx, "alpha", 1000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3.5, d.TrackedSpendUSD)

	require.NoError(t, s.PutSpendManualOverride(ctx, "alpha", "2026-07-30", 9.99))
	override, ok, err := s.GetSpendManualOverride(ctx, "alpha", "2026-07-30")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 9.99, override)

	// the manual override does not perturb the computed total
	d, ok, err = s.GetSpendDay(ctx, "alpha", 1000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3.5, d.TrackedSpendUSD)
}

func TestRenameProvider_MovesQuotaMetricsLedgerAndSpend(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutQuotaSnapshot(ctx, QuotaSnapshot{Provider: "old", Kind: UsageKindTokenStats}))
	_, err := s.BumpMetrics(ctx, "old", true, 42)
	require.NoError(t, err)
	_, err = s.BumpLedgerTokens(ctx, "old", 1, 1, 2)
	require.NoError(t, err)
	require.NoError(t, s.PutSpendDay(ctx, SpendDay{Provider: "old", StartedMS: 1000, TrackedSpendUSD: 5}))
	require.NoError(t, s.AddUsageRequest(ctx, UsageRequest{Provider: "old", Model: "m", UnixMS: 1, TotalTokens: 2}))

	require.NoError(t, s.RenameProvider(ctx, "old", "new"))

	_, ok, err := s.GetQuotaSnapshot(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok)
	got, ok, err := s.GetQuotaSnapshot(ctx, "new")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, UsageKindTokenStats, got.Kind)

	m, err := s.GetMetrics(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.OkRequests)

	l, err := s.GetLedger(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, int64(2), l.TotalTokens)

	days, err := s.ListSpendDays(ctx, "new")
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, float64(5), days[0].TrackedSpendUSD)

	rows, err := s.ListUsageRequests(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "new", rows[0].Provider)
}

func TestUsageDay_Bump(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d, err := s.BumpUsageDay(ctx, "alpha", "2026-07-30", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.ReqCount)
	assert.Equal(t, int64(10), d.TotalTokens)

	d, err = s.BumpUsageDay(ctx, "alpha", "2026-07-30", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.ReqCount)
	assert.Equal(t, int64(15), d.TotalTokens)
}
