package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/respgate/internal/events"
	"github.com/jordanhubbard/respgate/internal/external"
	"github.com/jordanhubbard/respgate/internal/gateway"
	"github.com/jordanhubbard/respgate/internal/idempotency"
	"github.com/jordanhubbard/respgate/internal/metrics"
	"github.com/jordanhubbard/respgate/internal/secrets"
	"github.com/jordanhubbard/respgate/internal/session"
)

// Dependencies wires every package the HTTP surface delegates to.
// Constructed once in internal/app.NewServer.
type Dependencies struct {
	Logger  *slog.Logger
	Gateway *gateway.Gateway
	Store   Store
	Metrics *metrics.Registry
	Vault   *secrets.Vault

	Sessions  *session.Registry
	EventsBus *events.Bus

	// Idempotency caches POST /v1/responses replies by Idempotency-Key
	// (nil disables request deduplication entirely).
	Idempotency *idempotency.Cache

	// CodexAccount and OfficialWeb are optional; nil unless a real UI
	// command surface implementation is wired in (see internal/external).
	CodexAccount external.CodexAccountClient
	OfficialWeb  external.OfficialWebClient

	AdminToken *AdminTokenHolder

	ListenAddr string

	GetManualOverride func() string
	SetManualOverride func(string)
}

// maxResponsesBodySize is the limit spec §6.1 names for POST
// /v1/responses and its /responses alias.
const maxResponsesBodySize = 512 << 20

// maxAdminBodySize bounds every other mutating request (overrides, vault
// operations): these carry small JSON payloads, never a model request.
const maxAdminBodySize = 1 << 20

func bodySizeLimit(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MountRoutes wires respgate's HTTP surface (spec §6.1): the unauthenticated
// health/status probes, the OpenAI-compatible client surface gated by the
// gateway bearer token (enforced inside internal/gateway, not here), and an
// admin surface gated by a separate admin token for the operator actions
// respgatectl drives.
func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/health", d.handleHealth)
	r.Get("/status", d.handleStatus)

	responseChain := func(r chi.Router) chi.Router {
		r = r.With(bodySizeLimit(maxResponsesBodySize))
		if d.Idempotency != nil {
			r = r.With(idempotency.Middleware(d.Idempotency))
		}
		return r
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/models", d.Gateway.HandleModels)
		responseChain(r).Post("/responses", d.Gateway.HandleResponses)
	})
	// /responses is an alias some CLI clients use without the /v1 prefix.
	responseChain(r).Post("/responses", d.Gateway.HandleResponses)

	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(bodySizeLimit(maxAdminBodySize))
		if d.AdminToken != nil {
			r.Use(adminAuthMiddleware(d.AdminToken))
		}
		r.Get("/override", d.handleOverrideGet)
		r.Post("/override", d.handleOverrideSet)
		r.Delete("/override", d.handleOverrideClear)
		r.Post("/admin-token/rotate", d.handleAdminTokenRotate)
		r.Post("/vault/unlock", d.handleVaultUnlock)
		r.Post("/vault/lock", d.handleVaultLock)
		r.Post("/vault/rotate", d.handleVaultRotate)
		r.Get("/accounts", d.handleAccountsGet)
		r.Post("/accounts/codex/refresh", d.handleCodexAccountRefresh)
		r.Post("/accounts/official-web/refresh", d.handleOfficialWebRefresh)
		if d.EventsBus != nil {
			r.Get("/events", d.handleEventsSSE)
		}
	})

	r.Handle("/metrics", d.Metrics.Handler())
}

// adminAuthMiddleware checks for a valid Bearer token on admin endpoints.
func adminAuthMiddleware(token *AdminTokenHolder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
				http.Error(w, "missing admin token", http.StatusUnauthorized)
				return
			}
			if !token.ConstantTimeEqual(auth[len(prefix):]) {
				http.Error(w, "invalid admin token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
