package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UsageRequest is one append-only row recorded for every successfully
// forwarded, fully completed response (spec §3, §4.3's usage-extraction
// side effects).
type UsageRequest struct {
	Provider                 string `json:"provider"`
	Model                    string `json:"model"`
	UnixMS                   int64  `json:"unix_ms"`
	InputTokens              int64  `json:"input_tokens"`
	OutputTokens             int64  `json:"output_tokens"`
	TotalTokens              int64  `json:"total_tokens"`
	CacheCreationInputTokens int64  `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64  `json:"cache_read_input_tokens,omitempty"`
	Origin                   string `json:"origin,omitempty"` // windows|wsl2|unknown
	APIKeyRef                string `json:"api_key_ref,omitempty"`
}

func usageRequestKey(unixMS int64, id string) string {
	return fmt.Sprintf("%s%020d:%s", PrefixUsageRequest, unixMS, id)
}

// AddUsageRequest appends one usage row, bounded by maxUsageRequests via
// Maintain's pruning pass.
func (s *SQLiteStore) AddUsageRequest(ctx context.Context, u UsageRequest) error {
	if u.UnixMS == 0 {
		u.UnixMS = time.Now().UnixMilli()
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal usage request: %w", err)
	}
	return s.Put(ctx, usageRequestKey(u.UnixMS, uuid.NewString()), raw)
}

// ListUsageRequests returns the most recent usage rows, newest first,
// capped at limit (0 = full retained window).
func (s *SQLiteStore) ListUsageRequests(ctx context.Context, limit int) ([]UsageRequest, error) {
	if limit <= 0 || limit > maxUsageRequests {
		limit = maxUsageRequests
	}
	entries, err := s.ListRange(ctx, PrefixUsageRequest, limit, true)
	if err != nil {
		return nil, fmt.Errorf("list usage requests: %w", err)
	}
	out := make([]UsageRequest, 0, len(entries))
	for _, e := range entries {
		var u UsageRequest
		if err := json.Unmarshal(e.Value, &u); err != nil {
			return nil, fmt.Errorf("decode usage request %s: %w", e.Key, err)
		}
		out = append(out, u)
	}
	return out, nil
}

// UsageDay is a per-provider, per-calendar-day rollup used by the admin
// surface to chart usage without scanning the full usage_req log.
type UsageDay struct {
	Provider    string `json:"provider"`
	Date        string `json:"date"` // YYYY-MM-DD, UTC
	ReqCount    int64  `json:"req_count"`
	TotalTokens int64  `json:"total_tokens"`
	UpdatedMS   int64  `json:"updated_ms"`
}

func usageDayKey(provider, date string) string { return PrefixUsageDay + provider + ":" + date }

func (s *SQLiteStore) GetUsageDay(ctx context.Context, provider, date string) (UsageDay, error) {
	raw, ok, err := s.Get(ctx, usageDayKey(provider, date))
	if err != nil {
		return UsageDay{}, fmt.Errorf("get usage day %s/%s: %w", provider, date, err)
	}
	if !ok {
		return UsageDay{Provider: provider, Date: date}, nil
	}
	var d UsageDay
	if err := json.Unmarshal(raw, &d); err != nil {
		return UsageDay{}, fmt.Errorf("decode usage day %s/%s: %w", provider, date, err)
	}
	return d, nil
}

// BumpUsageDay adds one request and totalTokensDelta to a provider's daily
// rollup, creating it if absent.
func (s *SQLiteStore) BumpUsageDay(ctx context.Context, provider, date string, totalTokensDelta int64) (UsageDay, error) {
	d, err := s.GetUsageDay(ctx, provider, date)
	if err != nil {
		return UsageDay{}, err
	}
	d.Provider = provider
	d.Date = date
	d.ReqCount++
	d.TotalTokens += totalTokensDelta
	d.UpdatedMS = time.Now().UnixMilli()
	raw, err := json.Marshal(d)
	if err != nil {
		return UsageDay{}, fmt.Errorf("marshal usage day %s/%s: %w", provider, date, err)
	}
	if err := s.Put(ctx, usageDayKey(provider, date), raw); err != nil {
		return UsageDay{}, err
	}
	return d, nil
}
