package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ProviderMetrics is the persisted request-outcome counter for a provider
// (spec §4.5 keyspace: metrics:{provider} -> {ok_requests,error_requests,
// total_tokens}). It is kept apart from the Prometheus collectors in
// internal/metrics, and the gateway restarts with its lifetime counts
// intact instead of resetting to zero.
type ProviderMetrics struct {
	Provider      string `json:"provider"`
	OkRequests    int64  `json:"ok_requests"`
	ErrorRequests int64  `json:"error_requests"`
	TotalTokens   int64  `json:"total_tokens"`
	UpdatedAtMS   int64  `json:"updated_at_ms"`
}

func metricsKey(provider string) string { return PrefixMetrics + provider }

func (s *SQLiteStore) GetMetrics(ctx context.Context, provider string) (ProviderMetrics, error) {
	raw, ok, err := s.Get(ctx, metricsKey(provider))
	if err != nil {
		return ProviderMetrics{}, fmt.Errorf("get metrics %s: %w", provider, err)
	}
	if !ok {
		return ProviderMetrics{Provider: provider}, nil
	}
	var m ProviderMetrics
	if err := json.Unmarshal(raw, &m); err != nil {
		return ProviderMetrics{}, fmt.Errorf("decode metrics %s: %w", provider, err)
	}
	return m, nil
}

func (s *SQLiteStore) ListMetrics(ctx context.Context) ([]ProviderMetrics, error) {
	entries, err := s.ListRange(ctx, PrefixMetrics, 0, false)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	out := make([]ProviderMetrics, 0, len(entries))
	for _, e := range entries {
		var m ProviderMetrics
		if err := json.Unmarshal(e.Value, &m); err != nil {
			return nil, fmt.Errorf("decode metrics %s: %w", e.Key, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// BumpMetrics records one completed upstream attempt: increments
// ok_requests or error_requests, and on success adds tokensDelta to
// total_tokens (spec §4.3's usage-extraction side effect).
func (s *SQLiteStore) BumpMetrics(ctx context.Context, provider string, success bool, tokensDelta int64) (ProviderMetrics, error) {
	m, err := s.GetMetrics(ctx, provider)
	if err != nil {
		return ProviderMetrics{}, err
	}
	m.Provider = provider
	if success {
		m.OkRequests++
		m.TotalTokens += tokensDelta
	} else {
		m.ErrorRequests++
	}
	m.UpdatedAtMS = time.Now().UnixMilli()
	raw, err := json.Marshal(m)
	if err != nil {
		return ProviderMetrics{}, fmt.Errorf("marshal metrics %s: %w", provider, err)
	}
	if err := s.Put(ctx, metricsKey(provider), raw); err != nil {
		return ProviderMetrics{}, err
	}
	return m, nil
}
