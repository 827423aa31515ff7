package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/jordanhubbard/respgate/internal/router"
	"github.com/jordanhubbard/respgate/internal/secrets"
	"github.com/jordanhubbard/respgate/internal/session"
	"github.com/jordanhubbard/respgate/internal/store"
	"github.com/jordanhubbard/respgate/internal/upstream"
)

// maxBodyBytes is the client request body ceiling (spec §4's 512 MiB limit).
const maxBodyBytes = 512 << 20

// requestBody is the subset of a /v1/responses request the pipeline needs to
// read or rewrite; everything else in the client's JSON passes through
// untouched via raw.
type requestBody struct {
	raw                map[string]json.RawMessage
	input              json.RawMessage
	previousResponseID string
	stream             bool
}

func parseRequestBody(body []byte) (requestBody, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return requestBody{}, err
	}
	rb := requestBody{raw: raw}
	if v, ok := raw["input"]; ok {
		rb.input = v
	}
	if v, ok := raw["previous_response_id"]; ok {
		_ = json.Unmarshal(v, &rb.previousResponseID)
	}
	if v, ok := raw["stream"]; ok {
		_ = json.Unmarshal(v, &rb.stream)
	}
	return rb, nil
}

// HandleResponses implements POST /v1/responses (and its /responses alias):
// provider selection, continuity across a provider switch, the
// previous_response_id retry, SSE tapping, and usage bookkeeping (spec §4.2).
func (g *Gateway) HandleResponses(w http.ResponseWriter, r *http.Request) {
	cfg := g.Config.Snapshot()

	if cfg.GatewayToken != "" {
		if r.Header.Get("Authorization") != "Bearer "+cfg.GatewayToken {
			writeGatewayError(w, http.StatusUnauthorized, "invalid or missing gateway token", "invalid_request_error")
			return
		}
	}

	g.Quota.NoteActivity()

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		g.logEvent(r.Context(), "", store.EventLevelError, "gateway.request_parse_error", err.Error(), nil)
		writeGatewayError(w, http.StatusBadRequest, "request body too large or unreadable", "invalid_request_error")
		return
	}

	body, err := parseRequestBody(raw)
	if err != nil {
		g.logEvent(r.Context(), "", store.EventLevelError, "gateway.request_parse_error", err.Error(), nil)
		writeGatewayError(w, http.StatusBadRequest, "malformed JSON body: "+err.Error(), "invalid_request_error")
		return
	}

	sessionID := sessionIDFromRequest(r, raw)
	touchKey := sessionID
	if touchKey == "" {
		touchKey = "peer:" + r.RemoteAddr
	}
	g.Sessions.Touch(touchKey, session.TouchOptions{})

	now := g.nowMS()
	g.Health.SyncWithConfig(cfg.ProviderOrder, now)

	currentItems := itemsPreservingTools(body.input)
	hasPrevID := body.previousResponseID != ""

	allProviders := make([]router.Provider, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		allProviders = append(allProviders, p)
	}

	tried := map[string]bool{}
	usageRefreshDone := false
	maxAttempts := len(cfg.Providers)
	if maxAttempts == 0 {
		maxAttempts = 1
	}

	var lastErrMsg string
	var historyCache []json.RawMessage
	historyLoaded := false

	for attempt := 0; attempt < maxAttempts; attempt++ {
		isFirstAttempt := len(tried) == 0
		last, hasLast := g.lastUsedRoute(touchKey)
		var lastPtr *router.LastUsedRoute
		if hasLast {
			lastPtr = &last
		}
		effectivePreferred := cfg.EffectivePreferred(touchKey)

		decision := router.Decide(cfg.Config, g.Health, g.Quota, touchKey, cfg.ManualOverride, lastPtr, now)
		if tried[decision.Provider] {
			break
		}
		tried[decision.Provider] = true

		provider, ok := cfg.Providers[decision.Provider]
		if !ok {
			lastErrMsg = "unknown provider " + decision.Provider
			continue
		}

		switching := hasPrevID && !isFirstAttempt
		var inputForProvider json.RawMessage

		retriedWithoutPrev := false
		var providerErr string
		success := false

	innerLoop:
		for innerAttempt := 0; innerAttempt < 2; innerAttempt++ {
			useIDPrev := hasPrevID && g.prevIDSupported(decision.Provider) && !switching && !retriedWithoutPrev

			if !useIDPrev {
				if !hasPrevID {
					itemsRaw, _ := json.Marshal(currentItems)
					inputForProvider = itemsRaw
				} else if switching {
					if sessionID == "" {
						writeGatewayError(w, http.StatusBadRequest, "missing session_id header for codex session history", "invalid_request_error")
						return
					}
					if !historyLoaded {
						h, herr := g.buildHistory(cfg.CodexHome, sessionID, currentItems)
						if herr == nil {
							historyCache = h
						}
						historyLoaded = true
					}
					if historyCache == nil {
						writeGatewayError(w, http.StatusBadRequest, "missing codex session history for session_id", "invalid_request_error")
						return
					}
					historyRaw, _ := json.Marshal(historyCache)
					inputForProvider = historyRaw
				} else if inputContainsTools(body.input) {
					inputForProvider = body.input
				} else if prefersSimpleInputList(provider.BaseURL, cfg.SimpleInputListHosts) {
					inputForProvider = messagesToSimpleInputList(messagesFromInput(body.input))
				} else {
					inputForProvider = messagesToResponsesInput(messagesFromInput(body.input))
				}
			} else {
				inputForProvider = body.input
			}

			outgoing := cloneRawMap(body.raw)
			outgoing["input"] = inputForProvider
			if useIDPrev {
				outgoing["previous_response_id"] = mustMarshal(body.previousResponseID)
			} else {
				delete(outgoing, "previous_response_id")
			}
			outgoing["stream"] = mustMarshal(body.stream)

			providerAPIKey := ""
			if g.Secrets != nil {
				if key, kerr := g.Secrets.Get(secrets.ProviderKeyName(provider.Name)); kerr == nil {
					providerAPIKey = key
				}
			}
			auth := upstream.ResolveUpstreamAuth(r.Header.Get("Authorization"), cfg.GatewayToken, providerAPIKey)

			if body.stream {
				resp, serr := g.Upstream.PostSSE(r.Context(), provider.BaseURL, "/v1/responses", outgoing, auth, cfg.RequestTimeout)
				if serr == nil {
					g.serveStream(r.Context(), w, provider, decision, effectivePreferred, touchKey, isFirstAttempt, resp)
					success = true
					break innerLoop
				}
				if se, ok := serr.(*upstream.StatusError); ok {
					if useIDPrev && !retriedWithoutPrev && isPrevIDUnsupportedError(se.Body) {
						retriedWithoutPrev = true
						g.markPrevIDUnsupported(provider.Name)
						g.logEvent(r.Context(), provider.Name, store.EventLevelInfo, "gateway.retry_without_prev_id", "retrying without previous_response_id", nil)
						continue innerLoop
					}
					g.Health.MarkFailure(provider.Name, uint32(cfg.FailureThreshold), cfg.CooldownSeconds, se.Error(), now)
					g.logEvent(r.Context(), provider.Name, store.EventLevelError, "upstream.http_error", se.Error(), nil)
					providerErr = se.Error()
					break innerLoop
				}
				g.Health.MarkFailure(provider.Name, uint32(cfg.FailureThreshold), cfg.CooldownSeconds, serr.Error(), now)
				g.logEvent(r.Context(), provider.Name, store.EventLevelError, "upstream.request_error", serr.Error(), nil)
				providerErr = serr.Error()
				break innerLoop
			}

			status, respBody, perr := g.Upstream.PostJSON(r.Context(), provider.BaseURL, "/v1/responses", outgoing, auth, cfg.RequestTimeout)
			if perr == nil && status >= 200 && status < 300 {
				g.finishNonStream(r.Context(), w, provider, decision, effectivePreferred, touchKey, isFirstAttempt, respBody, body.stream)
				success = true
				break innerLoop
			}
			if se, ok := perr.(*upstream.StatusError); ok {
				if useIDPrev && !retriedWithoutPrev && isPrevIDUnsupportedError(se.Body) {
					retriedWithoutPrev = true
					g.markPrevIDUnsupported(provider.Name)
					g.logEvent(r.Context(), provider.Name, store.EventLevelInfo, "gateway.retry_without_prev_id", "retrying without previous_response_id", nil)
					continue innerLoop
				}
				g.Health.MarkFailure(provider.Name, uint32(cfg.FailureThreshold), cfg.CooldownSeconds, se.Error(), now)
				g.logEvent(r.Context(), provider.Name, store.EventLevelError, "upstream.http_error", se.Error(), nil)
				providerErr = se.Error()
				break innerLoop
			}
			errMsg := "request failed"
			if perr != nil {
				errMsg = perr.Error()
			}
			g.Health.MarkFailure(provider.Name, uint32(cfg.FailureThreshold), cfg.CooldownSeconds, errMsg, now)
			g.logEvent(r.Context(), provider.Name, store.EventLevelError, "upstream.request_error", errMsg, nil)
			providerErr = errMsg
			break innerLoop
		}

		if success {
			return
		}

		lastErrMsg = providerErr
		if !usageRefreshDone {
			usageRefreshDone = true
			_, _ = g.Quota.RefreshProvider(r.Context(), provider, allProviders)
		}
	}

	if lastErrMsg == "" {
		lastErrMsg = "all providers failed"
	}
	writeGatewayError(w, http.StatusBadGateway, lastErrMsg, "gateway_error")
}

// serveStream forwards an upstream SSE response to the client via the tap,
// then records usage and the routing event once response.completed is seen.
func (g *Gateway) serveStream(ctx context.Context, w http.ResponseWriter, provider router.Provider, decision router.Decision, effectivePreferred, sessionID string, isFirstAttempt bool, resp *http.Response) {
	defer func() { _ = resp.Body.Close() }()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	tap := newSSETap()
	_ = copyAndTap(w, resp.Body, tap)

	now := g.nowMS()
	g.Health.MarkSuccess(provider.Name, now)

	if !tap.completed {
		return
	}

	usage := extractUsage(tap.response)
	model := tap.model()
	g.recordUsage(ctx, provider.Name, model, usage)
	g.Sessions.ReportModel(sessionID, provider.Name, model, provider.BaseURL)
	g.Sessions.ConfirmRouter(sessionID)

	g.emitRoutingEvent(ctx, provider.Name, decision, effectivePreferred, sessionID, isFirstAttempt, true)
	g.setLastUsedRoute(sessionID, router.LastUsedRoute{
		Provider:            provider.Name,
		Reason:              decision.Reason,
		PreferredAtDecision: effectivePreferred,
		UnixMS:              now,
	})
}

// finishNonStream handles a successful non-streaming completion, optionally
// synthesizing an SSE response if the client asked for one (spec §4.2).
func (g *Gateway) finishNonStream(ctx context.Context, w http.ResponseWriter, provider router.Provider, decision router.Decision, effectivePreferred, sessionID string, isFirstAttempt bool, respBody json.RawMessage, wantStream bool) {
	now := g.nowMS()
	g.Health.MarkSuccess(provider.Name, now)

	usage := extractUsage(respBody)
	model := bodyModel(respBody)
	g.recordUsage(ctx, provider.Name, model, usage)
	g.Sessions.ReportModel(sessionID, provider.Name, model, provider.BaseURL)
	g.Sessions.ConfirmRouter(sessionID)

	g.emitRoutingEvent(ctx, provider.Name, decision, effectivePreferred, sessionID, isFirstAttempt, false)
	g.setLastUsedRoute(sessionID, router.LastUsedRoute{
		Provider:            provider.Name,
		Reason:              decision.Reason,
		PreferredAtDecision: effectivePreferred,
		UnixMS:              now,
	})

	if wantStream {
		responseID := extractResponseID(respBody)
		writeSynthesizedSSE(w, responseID, respBody, extractOutputText(respBody))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(respBody)
}

func (g *Gateway) recordUsage(ctx context.Context, provider, model string, u usageFields) {
	_, _ = g.Store.BumpMetrics(ctx, provider, true, u.TotalTokens)
	_, _ = g.Store.BumpLedgerTokens(ctx, provider, u.InputTokens, u.OutputTokens, u.TotalTokens)
	_ = g.Store.AddUsageRequest(ctx, store.UsageRequest{
		Provider:                 provider,
		Model:                    model,
		UnixMS:                   g.nowMS(),
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		TotalTokens:              u.TotalTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens,
	})
	date := time.UnixMilli(g.nowMS()).UTC().Format("2006-01-02")
	_, _ = g.Store.BumpUsageDay(ctx, provider, date, u.TotalTokens)
}

// emitRoutingEvent logs the info event describing this successful route,
// distinguishing the "returned to preferred provider" case from a plain
// route/stream decision (spec §4.2's back-to-preferred rule).
func (g *Gateway) emitRoutingEvent(ctx context.Context, provider string, decision router.Decision, effectivePreferred, sessionID string, isFirstAttempt, streamed bool) {
	prev, hasPrev := g.lastUsedRoute(sessionID)
	backToPreferred := isFirstAttempt &&
		decision.Reason == router.ReasonPreferredHealthy &&
		hasPrev && prev.Provider != provider &&
		prev.PreferredAtDecision == provider &&
		effectivePreferred == provider

	if backToPreferred {
		g.logEvent(ctx, provider, store.EventLevelInfo, "routing.back_to_preferred", "returned to preferred provider", nil)
		return
	}
	if decision.Reason != router.ReasonPreferredHealthy || !isFirstAttempt {
		code := "routing.route"
		if streamed {
			code = "routing.stream"
		}
		g.logEvent(ctx, provider, store.EventLevelInfo, code, decision.Reason, nil)
	}
}

func (g *Gateway) logEvent(ctx context.Context, provider string, level store.EventLevel, code, message string, fields json.RawMessage) {
	if g.Store == nil {
		return
	}
	_ = g.Store.AddEvent(ctx, store.Event{
		UnixMS:   g.nowMS(),
		Provider: provider,
		Level:    level,
		Code:     code,
		Message:  message,
		Fields:   fields,
	})
}

func cloneRawMap(m map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mustMarshal(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}

type gatewayErrorBody struct {
	Error gatewayErrorDetail `json:"error"`
}

type gatewayErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeGatewayError(w http.ResponseWriter, status int, message, errType string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(gatewayErrorBody{Error: gatewayErrorDetail{Message: message, Type: errType}})
}

// HandleModels implements GET /v1/models: a passthrough to the effective
// preferred provider's own /v1/models, falling back to an empty list on any
// failure rather than surfacing an upstream error for a discovery endpoint.
func (g *Gateway) HandleModels(w http.ResponseWriter, r *http.Request) {
	cfg := g.Config.Snapshot()
	if cfg.GatewayToken != "" {
		if r.Header.Get("Authorization") != "Bearer "+cfg.GatewayToken {
			writeGatewayError(w, http.StatusUnauthorized, "invalid or missing gateway token", "invalid_request_error")
			return
		}
	}

	empty := func() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"object":"list","data":[]}`))
	}

	providerName := cfg.EffectivePreferred("")
	provider, ok := cfg.Providers[providerName]
	if !ok {
		empty()
		return
	}

	providerAPIKey := ""
	if g.Secrets != nil {
		if key, kerr := g.Secrets.Get(secrets.ProviderKeyName(provider.Name)); kerr == nil {
			providerAPIKey = key
		}
	}
	auth := upstream.ResolveUpstreamAuth(r.Header.Get("Authorization"), cfg.GatewayToken, providerAPIKey)

	status, body, err := g.Upstream.GetJSON(r.Context(), provider.BaseURL, "/v1/models", auth, cfg.RequestTimeout)
	if err != nil || status < 200 || status >= 300 {
		empty()
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
