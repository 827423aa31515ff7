package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Maintain prunes the events and usage-request logs back to their retention
// caps and removes any key outside the known namespaces — the residue a
// dropped feature or a downgraded binary can leave behind. It is cheap
// enough to run on a timer; callers typically wire it into the same
// scheduler tick that refreshes quota.
func (s *SQLiteStore) Maintain(ctx context.Context) error {
	if err := s.pruneOldest(ctx, PrefixEvent, maxEvents); err != nil {
		return fmt.Errorf("prune events: %w", err)
	}
	if err := s.pruneOldest(ctx, PrefixUsageRequest, maxUsageRequests); err != nil {
		return fmt.Errorf("prune usage requests: %w", err)
	}
	if err := s.pruneDisallowed(ctx); err != nil {
		return fmt.Errorf("prune disallowed keys: %w", err)
	}
	return nil
}

// pruneOldest trims a prefix's key count down to maxCount by deleting the
// oldest (lexicographically smallest) keys first. Event and usage-request
// keys are time-prefixed, so ascending key order is chronological order.
func (s *SQLiteStore) pruneOldest(ctx context.Context, prefix string, maxCount int) error {
	count, err := s.Count(ctx, prefix)
	if err != nil {
		return err
	}
	excess := count - int64(maxCount)
	if excess <= 0 {
		return nil
	}
	entries, err := s.ListRange(ctx, prefix, int(excess), false)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := s.Delete(ctx, e.Key); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) pruneDisallowed(ctx context.Context) error {
	entries, err := s.ListRange(ctx, "", 0, false)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !hasAllowedPrefix(e.Key) {
			if err := s.Delete(ctx, e.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

func hasAllowedPrefix(key string) bool {
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// RenameProvider moves every per-provider record (health is in-memory and
// unaffected; quota, metrics, spend tracking, and ledgers are persisted) to
// a new provider name, used when an operator renames a configured provider
// without losing its history.
func (s *SQLiteStore) RenameProvider(ctx context.Context, oldName, newName string) error {
	if err := s.renameKey(ctx, quotaKey(oldName), quotaKey(newName)); err != nil {
		return err
	}
	if err := s.renameKey(ctx, metricsKey(oldName), metricsKey(newName)); err != nil {
		return err
	}
	if err := s.renameKey(ctx, ledgerKey(oldName), ledgerKey(newName)); err != nil {
		return err
	}
	if err := s.renameKey(ctx, spendStateKey(oldName), spendStateKey(newName)); err != nil {
		return err
	}
	if err := s.renamePrefix(ctx, PrefixSpendDay+oldName+":", PrefixSpendDay+newName+":"); err != nil {
		return err
	}
	if err := s.renamePrefix(ctx, PrefixSpendManualDay+oldName+":", PrefixSpendManualDay+newName+":"); err != nil {
		return err
	}
	if err := s.renameUsageRequestProvider(ctx, oldName, newName); err != nil {
		return err
	}
	return nil
}

// renameUsageRequestProvider rewrites the provider field inside every
// usage_req row, since unlike quota/metrics/ledger/spend keys, usage_req
// keys are timestamp-prefixed rather than provider-prefixed.
func (s *SQLiteStore) renameUsageRequestProvider(ctx context.Context, oldName, newName string) error {
	entries, err := s.ListRange(ctx, PrefixUsageRequest, 0, false)
	if err != nil {
		return fmt.Errorf("list usage requests for rename: %w", err)
	}
	for _, e := range entries {
		var u UsageRequest
		if err := json.Unmarshal(e.Value, &u); err != nil {
			return fmt.Errorf("decode usage request %s: %w", e.Key, err)
		}
		if u.Provider != oldName {
			continue
		}
		u.Provider = newName
		raw, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("marshal renamed usage request %s: %w", e.Key, err)
		}
		if err := s.Put(ctx, e.Key, raw); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) renameKey(ctx context.Context, oldKey, newKey string) error {
	raw, ok, err := s.Get(ctx, oldKey)
	if err != nil || !ok {
		return err
	}
	if err := s.Put(ctx, newKey, raw); err != nil {
		return err
	}
	return s.Delete(ctx, oldKey)
}

func (s *SQLiteStore) renamePrefix(ctx context.Context, oldPrefix, newPrefix string) error {
	entries, err := s.ListRange(ctx, oldPrefix, 0, false)
	if err != nil {
		return err
	}
	for _, e := range entries {
		suffix := strings.TrimPrefix(e.Key, oldPrefix)
		if err := s.Put(ctx, newPrefix+suffix, e.Value); err != nil {
			return err
		}
		if err := s.Delete(ctx, e.Key); err != nil {
			return err
		}
	}
	return nil
}
