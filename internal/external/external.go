// Package external names the two upstream collaborators the gateway stores
// snapshots for (spec §4.5's codex_account:snapshot and
// official_web:snapshot keys) but never talks to directly: the Codex CLI's
// local app-server RPC, and a provider's own web account dashboard. Both
// belong to the UI command surface (component H), out of scope here — this
// package exists so a real implementation of that surface has a concrete Go
// interface to satisfy instead of reaching into internal/store on its own.
package external

import (
	"context"
	"encoding/json"
)

// CodexAccountClient refreshes the signed-in-account snapshot a Codex CLI
// companion app would expose over its local app-server RPC (login state,
// plan limits). No implementation ships here: driving that RPC requires the
// CLI's own session/auth plumbing, which this gateway never touches.
type CodexAccountClient interface {
	Snapshot(ctx context.Context) (json.RawMessage, error)
}

// OfficialWebClient refreshes the account snapshot a provider's own web
// dashboard would report for a given provider name, the same role
// internal/quota's HTTP probes play for the token_stats/budget_info usage
// adapters but for a provider with no such API and only a browser session.
type OfficialWebClient interface {
	Snapshot(ctx context.Context, provider string) (json.RawMessage, error)
}
