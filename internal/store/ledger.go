package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Ledger is a provider's tokens-since-last-quota-refresh counter. It is
// reset to zero whenever a quota probe for that provider returns fresh data
// (spec §4.4 step 6), which is what "since last refresh" means here.
type Ledger struct {
	Provider     string `json:"provider"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	TotalTokens  int64  `json:"total_tokens"`
	LastResetMS  int64  `json:"last_reset_ms"`
}

func ledgerKey(provider string) string { return PrefixLedger + provider }

func (s *SQLiteStore) GetLedger(ctx context.Context, provider string) (Ledger, error) {
	raw, ok, err := s.Get(ctx, ledgerKey(provider))
	if err != nil {
		return Ledger{}, fmt.Errorf("get ledger %s: %w", provider, err)
	}
	if !ok {
		return Ledger{Provider: provider}, nil
	}
	var l Ledger
	if err := json.Unmarshal(raw, &l); err != nil {
		return Ledger{}, fmt.Errorf("decode ledger %s: %w", provider, err)
	}
	return l, nil
}

func (s *SQLiteStore) ListLedgers(ctx context.Context) ([]Ledger, error) {
	entries, err := s.ListRange(ctx, PrefixLedger, 0, false)
	if err != nil {
		return nil, fmt.Errorf("list ledgers: %w", err)
	}
	out := make([]Ledger, 0, len(entries))
	for _, e := range entries {
		var l Ledger
		if err := json.Unmarshal(e.Value, &l); err != nil {
			return nil, fmt.Errorf("decode ledger %s: %w", e.Key, err)
		}
		out = append(out, l)
	}
	return out, nil
}

// BumpLedgerTokens adds the given deltas to a provider's ledger, creating it
// if absent. Read-modify-write under SQLite's single-writer guarantee
// rather than a SQL increment, since every other record in this store is
// opaque JSON.
func (s *SQLiteStore) BumpLedgerTokens(ctx context.Context, provider string, inputDelta, outputDelta, totalDelta int64) (Ledger, error) {
	l, err := s.GetLedger(ctx, provider)
	if err != nil {
		return Ledger{}, err
	}
	l.Provider = provider
	l.InputTokens += inputDelta
	l.OutputTokens += outputDelta
	l.TotalTokens += totalDelta
	raw, err := json.Marshal(l)
	if err != nil {
		return Ledger{}, fmt.Errorf("marshal ledger %s: %w", provider, err)
	}
	if err := s.Put(ctx, ledgerKey(provider), raw); err != nil {
		return Ledger{}, err
	}
	return l, nil
}

// ResetLedger zeroes a provider's token counters and stamps LastResetMS,
// called after a successful quota refresh (spec §4.4 step 6).
func (s *SQLiteStore) ResetLedger(ctx context.Context, provider string) error {
	l := Ledger{Provider: provider, LastResetMS: time.Now().UnixMilli()}
	raw, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal ledger reset %s: %w", provider, err)
	}
	return s.Put(ctx, ledgerKey(provider), raw)
}
