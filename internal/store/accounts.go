package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AccountSnapshot is a one-off capture of an upstream account's state —
// the Codex CLI's locally cached auth/account info, or what the provider's
// own web dashboard reports — kept for the admin surface to display
// alongside the quota engine's own periodic readings. Each namespace holds
// exactly one snapshot (key "snapshot"), replaced wholesale on refresh.
type AccountSnapshot struct {
	CapturedAtMS int64           `json:"captured_at_ms"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

func (s *SQLiteStore) PutCodexAccountSnapshot(ctx context.Context, raw json.RawMessage) error {
	return s.putSnapshot(ctx, PrefixCodexAccount+"snapshot", raw)
}

func (s *SQLiteStore) GetCodexAccountSnapshot(ctx context.Context) (*AccountSnapshot, bool, error) {
	return s.getSnapshot(ctx, PrefixCodexAccount+"snapshot")
}

func (s *SQLiteStore) PutOfficialWebSnapshot(ctx context.Context, raw json.RawMessage) error {
	return s.putSnapshot(ctx, PrefixOfficialWeb+"snapshot", raw)
}

func (s *SQLiteStore) GetOfficialWebSnapshot(ctx context.Context) (*AccountSnapshot, bool, error) {
	return s.getSnapshot(ctx, PrefixOfficialWeb+"snapshot")
}

func (s *SQLiteStore) putSnapshot(ctx context.Context, key string, raw json.RawMessage) error {
	snap := AccountSnapshot{CapturedAtMS: time.Now().UnixMilli(), Raw: raw}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", key, err)
	}
	return s.Put(ctx, key, data)
}

func (s *SQLiteStore) getSnapshot(ctx context.Context, key string) (*AccountSnapshot, bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	var snap AccountSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, false, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return &snap, true, nil
}
