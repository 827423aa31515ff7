package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// UsageKind identifies which of a provider's two quota dialects a snapshot
// was captured with.
type UsageKind string

const (
	UsageKindNone       UsageKind = ""
	UsageKindTokenStats UsageKind = "token_stats"
	UsageKindBudgetInfo UsageKind = "budget_info"
)

// QuotaSnapshot is the last successfully parsed quota reading for a
// provider. Pointer fields distinguish "not reported by this dialect" from
// a reported zero, since a zero balance and a zero budget mean different
// things to the router's quota-exhaustion check.
type QuotaSnapshot struct {
	Provider  string    `json:"provider"`
	Kind      UsageKind `json:"kind"`
	UpdatedMS int64     `json:"updated_ms"`

	Remaining  *float64 `json:"remaining,omitempty"`
	TodayUsed  *float64 `json:"today_used,omitempty"`
	TodayAdded *float64 `json:"today_added,omitempty"`

	DailySpentUSD    *float64 `json:"daily_spent_usd,omitempty"`
	DailyBudgetUSD   *float64 `json:"daily_budget_usd,omitempty"`
	WeeklySpentUSD   *float64 `json:"weekly_spent_usd,omitempty"`
	WeeklyBudgetUSD  *float64 `json:"weekly_budget_usd,omitempty"`
	MonthlySpentUSD  *float64 `json:"monthly_spent_usd,omitempty"`
	MonthlyBudgetUSD *float64 `json:"monthly_budget_usd,omitempty"`

	LastError          string `json:"last_error,omitempty"`
	EffectiveUsageBase string `json:"effective_usage_base,omitempty"`
}

// ExhaustedQuota reports whether this snapshot shows the provider has no
// remaining quota: a token-stats balance at or below zero, or any budget
// dimension (daily/weekly/monthly) whose spend has reached its budget.
// Consulted by the router's fallback scan (spec §4.1) to skip a provider
// that is healthy but out of quota.
func (q QuotaSnapshot) ExhaustedQuota() bool {
	if q.Remaining != nil && *q.Remaining <= 0 {
		return true
	}
	if budgetExhausted(q.DailySpentUSD, q.DailyBudgetUSD) {
		return true
	}
	if budgetExhausted(q.WeeklySpentUSD, q.WeeklyBudgetUSD) {
		return true
	}
	if budgetExhausted(q.MonthlySpentUSD, q.MonthlyBudgetUSD) {
		return true
	}
	return false
}

func budgetExhausted(spent, budget *float64) bool {
	return spent != nil && budget != nil && *budget > 0 && *spent >= *budget
}

func quotaKey(provider string) string { return PrefixQuota + provider }

func (s *SQLiteStore) PutQuotaSnapshot(ctx context.Context, q QuotaSnapshot) error {
	if q.UpdatedMS == 0 {
		q.UpdatedMS = time.Now().UnixMilli()
	}
	raw, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshal quota snapshot: %w", err)
	}
	return s.Put(ctx, quotaKey(q.Provider), raw)
}

func (s *SQLiteStore) GetQuotaSnapshot(ctx context.Context, provider string) (*QuotaSnapshot, bool, error) {
	raw, ok, err := s.Get(ctx, quotaKey(provider))
	if err != nil || !ok {
		return nil, ok, err
	}
	var q QuotaSnapshot
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, false, fmt.Errorf("decode quota snapshot %s: %w", provider, err)
	}
	return &q, true, nil
}

func (s *SQLiteStore) ListQuotaSnapshots(ctx context.Context) ([]QuotaSnapshot, error) {
	entries, err := s.ListRange(ctx, PrefixQuota, 0, false)
	if err != nil {
		return nil, fmt.Errorf("list quota snapshots: %w", err)
	}
	out := make([]QuotaSnapshot, 0, len(entries))
	for _, e := range entries {
		var q QuotaSnapshot
		if err := json.Unmarshal(e.Value, &q); err != nil {
			return nil, fmt.Errorf("decode quota snapshot %s: %w", e.Key, err)
		}
		out = append(out, q)
	}
	return out, nil
}
