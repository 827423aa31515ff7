package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jordanhubbard/respgate/internal/router"
	"github.com/jordanhubbard/respgate/internal/store"
)

// Store is the persistence surface httpapi's handlers read from, satisfied
// by *store.SQLiteStore.
type Store interface {
	ListEventsSplit(ctx context.Context, maxError, maxOther int) ([]store.Event, error)
	ListMetrics(ctx context.Context) ([]store.ProviderMetrics, error)
	ListLedgers(ctx context.Context) ([]store.Ledger, error)
	ListQuotaSnapshots(ctx context.Context) ([]store.QuotaSnapshot, error)
	GetVaultBlob(ctx context.Context) (store.VaultBlob, bool, error)

	GetCodexAccountSnapshot(ctx context.Context) (*store.AccountSnapshot, bool, error)
	PutCodexAccountSnapshot(ctx context.Context, raw json.RawMessage) error
	GetOfficialWebSnapshot(ctx context.Context) (*store.AccountSnapshot, bool, error)
	PutOfficialWebSnapshot(ctx context.Context, raw json.RawMessage) error
}

// statusResponse is the exact shape spec §6.1 names for GET /status.
type statusResponse struct {
	Listen             string                            `json:"listen"`
	PreferredProvider  string                             `json:"preferred_provider"`
	ManualOverride     string                             `json:"manual_override,omitempty"`
	Providers          map[string]router.HealthSnapshot   `json:"providers"`
	Metrics            []store.ProviderMetrics            `json:"metrics"`
	RecentEvents       []store.Event                      `json:"recent_events"`
	ActiveProvider     string                              `json:"active_provider"`
	ActiveReason       string                              `json:"active_reason"`
	Quota              []store.QuotaSnapshot              `json:"quota"`
	Ledgers            []store.Ledger                      `json:"ledgers"`
	LastActivityUnixMS int64                               `json:"last_activity_unix_ms"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth implements GET /health: a bare liveness probe, no auth.
func (d Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleStatus implements GET /status (spec §6.1): a point-in-time snapshot
// of routing, health, quota, and recent activity for operator tooling
// (respgatectl status).
func (d Dependencies) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := d.Gateway.Config.Snapshot()
	d.Gateway.Health.SyncWithConfig(cfg.ProviderOrder, time.Now().UnixMilli())
	healthSnap := d.Gateway.Health.Snapshot()

	decision := router.Decide(cfg.Config, d.Gateway.Health, d.Gateway.Quota, "", cfg.ManualOverride, nil, time.Now().UnixMilli())

	recentEvents, err := d.Store.ListEventsSplit(ctx, 5, 5)
	if err != nil {
		d.Logger.Warn("status: list events failed", "error", err)
	}
	metricsList, err := d.Store.ListMetrics(ctx)
	if err != nil {
		d.Logger.Warn("status: list metrics failed", "error", err)
	}
	ledgers, err := d.Store.ListLedgers(ctx)
	if err != nil {
		d.Logger.Warn("status: list ledgers failed", "error", err)
	}
	quotaSnaps, err := d.Store.ListQuotaSnapshots(ctx)
	if err != nil {
		d.Logger.Warn("status: list quota snapshots failed", "error", err)
	}

	var lastActivityMS int64
	if d.Sessions != nil {
		for _, rt := range d.Sessions.List() {
			if rt.LastRequestMS > lastActivityMS {
				lastActivityMS = rt.LastRequestMS
			}
		}
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Listen:             d.ListenAddr,
		PreferredProvider:  cfg.PreferredProvider,
		ManualOverride:     cfg.ManualOverride,
		Providers:          healthSnap,
		Metrics:            metricsList,
		RecentEvents:       recentEvents,
		ActiveProvider:     decision.Provider,
		ActiveReason:       decision.Reason,
		Quota:              quotaSnaps,
		Ledgers:            ledgers,
		LastActivityUnixMS: lastActivityMS,
	})
}
