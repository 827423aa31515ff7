package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/jordanhubbard/respgate/internal/secrets"
)

// handleOverrideGet returns the current manual routing override, if any.
func (d Dependencies) handleOverrideGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": d.GetManualOverride()})
}

// handleOverrideSet forces routing to a specific provider regardless of
// health or preference (spec §3's ManualOverride, live UI/admin state).
// An empty provider clears the override.
func (d Dependencies) handleOverrideSet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Provider string `json:"provider"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	d.SetManualOverride(body.Provider)
	writeJSON(w, http.StatusOK, map[string]string{"provider": body.Provider})
}

// handleOverrideClear clears a manual routing override.
func (d Dependencies) handleOverrideClear(w http.ResponseWriter, r *http.Request) {
	d.SetManualOverride("")
	writeJSON(w, http.StatusOK, map[string]string{"provider": ""})
}

// handleAdminTokenRotate rotates the admin token and returns the new value.
// The new token is also persisted in plaintext to the data directory's
// .admin-token and env files, where `respgatectl admin-token` reads it.
func (d Dependencies) handleAdminTokenRotate(w http.ResponseWriter, r *http.Request) {
	newToken, err := d.AdminToken.Rotate(d.Logger)
	if err != nil {
		http.Error(w, "rotate failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"admin_token": newToken})
}

// handleVaultUnlock unlocks the credential vault with the supplied password,
// loading the sealed blob from the store if one exists.
func (d Dependencies) handleVaultUnlock(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Password == "" {
		http.Error(w, "password required", http.StatusBadRequest)
		return
	}
	blob, ok, err := d.Store.GetVaultBlob(r.Context())
	if err != nil {
		http.Error(w, "load vault: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		if err := d.Vault.Init(body.Password); err != nil {
			http.Error(w, "init vault: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"locked": false, "initialized": true})
		return
	}
	if err := d.Vault.Unlock(body.Password, blob.Salt, blob.Sealed); err != nil {
		if err == secrets.ErrWrongPassword {
			http.Error(w, "wrong password", http.StatusUnauthorized)
			return
		}
		http.Error(w, "unlock failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"locked": false})
}

// handleVaultLock re-locks the vault immediately.
func (d Dependencies) handleVaultLock(w http.ResponseWriter, r *http.Request) {
	d.Vault.Lock()
	writeJSON(w, http.StatusOK, map[string]bool{"locked": true})
}

// handleVaultRotate re-keys the vault with a new password, keeping its
// contents.
func (d Dependencies) handleVaultRotate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NewPassword string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.NewPassword == "" {
		http.Error(w, "new_password required", http.StatusBadRequest)
		return
	}
	if err := d.Vault.RotatePassword(body.NewPassword); err != nil {
		http.Error(w, "rotate failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"rotated": true})
}

// handleEventsSSE streams live routing/health/quota events (the in-memory
// half of the durable event log) to operator tooling as
// text/event-stream.
func (d Dependencies) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := d.EventsBus.Subscribe(64)
	defer d.EventsBus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(ev.JSON())
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}
