package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveUpstreamAuth_NeverForwardsGatewayToken(t *testing.T) {
	// The dangerous case: client presents the gateway's own bearer token and
	// the provider has no key configured. Must not be forwarded verbatim.
	got := ResolveUpstreamAuth("Bearer gw-secret", "gw-secret", "")
	assert.Equal(t, "", got)
}

func TestResolveUpstreamAuth_ProviderKeyWins(t *testing.T) {
	got := ResolveUpstreamAuth("Bearer gw-secret", "gw-secret", "provider-key")
	assert.Equal(t, "Bearer provider-key", got)
}

func TestResolveUpstreamAuth_PassesThroughUnrelatedAuth(t *testing.T) {
	got := ResolveUpstreamAuth("Bearer client-own-key", "gw-secret", "")
	assert.Equal(t, "Bearer client-own-key", got)
}

func TestPostJSON_NonSuccessStatusIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	c := New(nil)
	status, body, err := c.PostJSON(context.Background(), srv.URL, "/v1/responses", map[string]any{"model": "x"}, "", time.Second)
	require.Error(t, err)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Contains(t, string(body), "rate limited")

	se, ok := err.(*StatusError)
	require.True(t, ok)
	assert.Equal(t, 42, se.RetryAfterSecs)
	assert.Equal(t, ErrClassHTTPStatus, Classify(err))
}

func TestPostJSON_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k1", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"resp_1"}`))
	}))
	defer srv.Close()

	c := New(nil)
	status, body, err := c.PostJSON(context.Background(), srv.URL, "/v1/responses", map[string]any{}, "Bearer k1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"id":"resp_1"}`, string(body))
}

func TestRedactURL_DropsQuery(t *testing.T) {
	got := RedactURL("https://example.com:8443/v1", "/api/token-stats?token_key=secret")
	assert.Equal(t, "https://example.com:8443/v1/api/token-stats", got)
}
