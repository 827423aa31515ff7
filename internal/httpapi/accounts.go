package httpapi

import (
	"net/http"
)

// accountsResponse reports the last snapshot captured for each of the two
// external-collaborator keys spec §4.5 reserves (codex_account:snapshot,
// official_web:snapshot). Either side is absent until a real
// internal/external.CodexAccountClient or OfficialWebClient is wired in —
// none is by default, since both belong to the out-of-scope UI command
// surface.
type accountsResponse struct {
	CodexAccount any `json:"codex_account,omitempty"`
	OfficialWeb  any `json:"official_web,omitempty"`
}

// handleAccountsGet returns the last captured snapshots, if any.
func (d Dependencies) handleAccountsGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var resp accountsResponse
	if snap, ok, err := d.Store.GetCodexAccountSnapshot(ctx); err != nil {
		d.Logger.Warn("accounts: get codex snapshot failed", "error", err)
	} else if ok {
		resp.CodexAccount = snap
	}
	if snap, ok, err := d.Store.GetOfficialWebSnapshot(ctx); err != nil {
		d.Logger.Warn("accounts: get official_web snapshot failed", "error", err)
	} else if ok {
		resp.OfficialWeb = snap
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCodexAccountRefresh pulls a fresh snapshot via the configured
// internal/external.CodexAccountClient and persists it. 501s when no client
// is configured, since this gateway ships no implementation of it.
func (d Dependencies) handleCodexAccountRefresh(w http.ResponseWriter, r *http.Request) {
	if d.CodexAccount == nil {
		http.Error(w, "no codex account client configured", http.StatusNotImplemented)
		return
	}
	raw, err := d.CodexAccount.Snapshot(r.Context())
	if err != nil {
		http.Error(w, "refresh failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	if err := d.Store.PutCodexAccountSnapshot(r.Context(), raw); err != nil {
		http.Error(w, "store failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleOfficialWebRefresh mirrors handleCodexAccountRefresh for the
// provider-named web-dashboard collaborator.
func (d Dependencies) handleOfficialWebRefresh(w http.ResponseWriter, r *http.Request) {
	if d.OfficialWeb == nil {
		http.Error(w, "no official web client configured", http.StatusNotImplemented)
		return
	}
	provider := r.URL.Query().Get("provider")
	if provider == "" {
		http.Error(w, "provider query parameter required", http.StatusBadRequest)
		return
	}
	raw, err := d.OfficialWeb.Snapshot(r.Context(), provider)
	if err != nil {
		http.Error(w, "refresh failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	if err := d.Store.PutOfficialWebSnapshot(r.Context(), raw); err != nil {
		http.Error(w, "store failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
