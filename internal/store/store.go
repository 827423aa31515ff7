// Package store is respgate's embedded persistence layer: a single ordered
// key-value table, namespaced by key prefix, backed by modernc.org/sqlite
// (pure Go, no CGO). Every higher-level concept the gateway persists —
// events, quota snapshots, spend ledgers, one-off account snapshots — is a thin, typed wrapper over Put/Get/ListRange
// rather than its own table, matching the corpus's "embedded ordered KV
// store" shape.
package store

import (
	"context"
	"time"
)

// Entry is one key-value pair as stored, with its last-write timestamp.
type Entry struct {
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// KV is the minimal persistence contract every domain wrapper in this
// package is built on. Keys sort lexicographically, which is what lets
// ListRange serve both "events newest first" and "day buckets in order"
// without a second index.
type KV interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error

	// ListRange returns entries whose key has the given prefix, ordered by
	// key ascending (or descending if reverse is true), capped at limit
	// (0 = unlimited).
	ListRange(ctx context.Context, prefix string, limit int, reverse bool) ([]Entry, error)

	// DeletePrefix removes every key under prefix and reports how many
	// keys were removed. Maintenance does not use it; it deletes disallowed
	// keys one at a time.
	DeletePrefix(ctx context.Context, prefix string) (int64, error)

	// Count returns the number of keys under prefix without reading
	// values, used by retention pruning to decide whether to trim.
	Count(ctx context.Context, prefix string) (int64, error)

	Migrate(ctx context.Context) error
	Close() error
}

// Key namespaces. Every key respgate writes falls under one of these
// prefixes; maintenance treats any other top-level prefix as disallowed and
// removes it.
const (
	PrefixEvent           = "event:"            // event:{unix_ms}:{uuid} -> Event
	PrefixMetrics         = "metrics:"           // metrics:{provider} -> ProviderMetrics
	PrefixQuota           = "quota:"             // quota:{provider} -> QuotaSnapshot
	PrefixLedger          = "ledger:"            // ledger:{name} -> Ledger
	PrefixUsageRequest    = "usage_req:"         // usage_req:{unix_ms}:{uuid} -> UsageRequest
	PrefixUsageDay        = "usage_day:"         // usage_day:{provider}:{yyyy-mm-dd} -> UsageDay
	PrefixSpendDay        = "spend_day:"         // spend_day:{provider}:{started_ms} -> SpendDay
	PrefixSpendState      = "spend_state:"       // spend_state:{provider} -> SpendState
	PrefixSpendManualDay  = "spend_manual_day:"  // spend_manual_day:{provider}:{yyyy-mm-dd} -> float64 override
	PrefixCodexAccount    = "codex_account:"     // codex_account:snapshot -> AccountSnapshot
	PrefixOfficialWeb     = "official_web:"      // official_web:snapshot -> AccountSnapshot
	PrefixVault           = "vault:"             // vault:blob -> VaultBlob (sealed secrets)
	PrefixSchema          = "schema:"            // schema:events -> schema version int
)

// allowedPrefixes lists every namespace maintenance will keep; anything else
// found in the table is considered orphaned (e.g. left by a dropped
// feature) and is removed on the next maintenance pass.
var allowedPrefixes = []string{
	PrefixEvent, PrefixMetrics, PrefixQuota, PrefixLedger,
	PrefixUsageRequest, PrefixUsageDay, PrefixSpendDay, PrefixSpendState,
	PrefixSpendManualDay, PrefixCodexAccount, PrefixOfficialWeb, PrefixVault,
	PrefixSchema,
}

// eventsSchemaVersion is written to schema:events on first Migrate and
// checked on every Migrate; a stored version newer than this one (a
// downgrade to an older build) makes Migrate refuse to serve the data
// rather than guess at a migration.
const eventsSchemaVersion = 1

// Retention bounds, enforced by Maintain.
const (
	maxEvents         = 200
	maxUsageRequests  = 200_000
)
