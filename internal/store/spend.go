package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SpendDay is one rolling per-day accumulation window for a provider's
// budget_info-reported daily spend (spec §4.4.1). EndedMS is zero while the
// day is still open; at most one SpendDay per provider has EndedMS == 0.
type SpendDay struct {
	Provider              string  `json:"provider"`
	StartedMS             int64   `json:"started_ms"`
	EndedMS               int64   `json:"ended_ms,omitempty"`
	TrackedSpendUSD       float64 `json:"tracked_spend_usd"`
	LastSeenDailySpentUSD float64 `json:"last_seen_daily_spent_usd"`
	UpdatedMS             int64   `json:"updated_ms"`
}

// SpendState is the per-provider bookkeeping the spend-tracking state
// machine needs to attribute a new budget_info reading to the right
// SpendDay: exactly one per provider, keyed on the currently open day.
type SpendState struct {
	Provider              string  `json:"provider"`
	TrackingStartedMS     int64   `json:"tracking_started_ms"`
	OpenDayStartedMS      int64   `json:"open_day_started_ms"`
	LastSeenDailySpentUSD float64 `json:"last_seen_daily_spent_usd"`
	UpdatedMS             int64   `json:"updated_ms"`
}

func spendDayKey(provider string, startedMS int64) string {
	return fmt.Sprintf("%s%s:%d", PrefixSpendDay, provider, startedMS)
}
func spendStateKey(provider string) string { return PrefixSpendState + provider }
func spendManualKey(provider, date string) string {
	return PrefixSpendManualDay + provider + ":" + date
}

func (s *SQLiteStore) GetSpendDay(ctx context.Context, provider string, startedMS int64) (SpendDay, bool, error) {
	raw, ok, err := s.Get(ctx, spendDayKey(provider, startedMS))
	if err != nil || !ok {
		return SpendDay{}, ok, err
	}
	var d SpendDay
	if err := json.Unmarshal(raw, &d); err != nil {
		return SpendDay{}, false, fmt.Errorf("decode spend day %s/%d: %w", provider, startedMS, err)
	}
	return d, true, nil
}

func (s *SQLiteStore) PutSpendDay(ctx context.Context, d SpendDay) error {
	d.UpdatedMS = time.Now().UnixMilli()
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal spend day %s/%d: %w", d.Provider, d.StartedMS, err)
	}
	return s.Put(ctx, spendDayKey(d.Provider, d.StartedMS), raw)
}

func (s *SQLiteStore) ListSpendDays(ctx context.Context, provider string) ([]SpendDay, error) {
	entries, err := s.ListRange(ctx, PrefixSpendDay+provider+":", 0, false)
	if err != nil {
		return nil, fmt.Errorf("list spend days %s: %w", provider, err)
	}
	out := make([]SpendDay, 0, len(entries))
	for _, e := range entries {
		var d SpendDay
		if err := json.Unmarshal(e.Value, &d); err != nil {
			return nil, fmt.Errorf("decode spend day %s: %w", e.Key, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *SQLiteStore) GetSpendState(ctx context.Context, provider string) (SpendState, bool, error) {
	raw, ok, err := s.Get(ctx, spendStateKey(provider))
	if err != nil || !ok {
		return SpendState{}, ok, err
	}
	var st SpendState
	if err := json.Unmarshal(raw, &st); err != nil {
		return SpendState{}, false, fmt.Errorf("decode spend state %s: %w", provider, err)
	}
	return st, true, nil
}

func (s *SQLiteStore) PutSpendState(ctx context.Context, st SpendState) error {
	st.UpdatedMS = time.Now().UnixMilli()
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal spend state %s: %w", st.Provider, err)
	}
	return s.Put(ctx, spendStateKey(st.Provider), raw)
}

// PutSpendManualOverride records an operator-entered spend figure for a
// provider/day, read on top of the computed total rather than folded into
// it, so a manual correction survives the next automatic bump.
func (s *SQLiteStore) PutSpendManualOverride(ctx context.Context, provider, date string, amountUSD float64) error {
	raw, err := json.Marshal(amountUSD)
	if err != nil {
		return fmt.Errorf("marshal manual override %s/%s: %w", provider, date, err)
	}
	return s.Put(ctx, spendManualKey(provider, date), raw)
}

func (s *SQLiteStore) GetSpendManualOverride(ctx context.Context, provider, date string) (float64, bool, error) {
	raw, ok, err := s.Get(ctx, spendManualKey(provider, date))
	if err != nil || !ok {
		return 0, ok, err
	}
	var amount float64
	if err := json.Unmarshal(raw, &amount); err != nil {
		return 0, false, fmt.Errorf("decode manual override %s/%s: %w", provider, date, err)
	}
	return amount, true, nil
}
