package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout is used when a caller passes a zero timeout.
const DefaultTimeout = 300 * time.Second

// Client performs GET/POST-JSON/POST-SSE calls against provider base URLs.
// It is safe for concurrent use; callers share one Client across providers.
type Client struct {
	transport http.RoundTripper
}

// New builds a Client. If transport is nil, http.DefaultTransport is used
// (callers typically pass tracing.HTTPTransport(nil) to get span propagation).
func New(transport http.RoundTripper) *Client {
	return &Client{transport: transport}
}

func (c *Client) httpClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Transport: c.transport, Timeout: timeout}
}

// ResolveUpstreamAuth is the single chokepoint deciding what Authorization
// value (if any) is sent to a provider. It never forwards the gateway's own
// bearer token upstream: if the caller's Authorization header is exactly
// "Bearer {gatewayToken}", the provider's own API key is substituted (or
// nothing, if the provider has no key configured). This is a security
// invariant, not a convenience default.
func ResolveUpstreamAuth(clientAuth, gatewayToken, providerAPIKey string) string {
	isGatewayToken := gatewayToken != "" && clientAuth == "Bearer "+gatewayToken
	if providerAPIKey != "" {
		return "Bearer " + providerAPIKey
	}
	if isGatewayToken {
		return ""
	}
	return clientAuth
}

// GetJSON issues a GET request and decodes the JSON response body.
func (c *Client) GetJSON(ctx context.Context, baseURL, path, auth string, timeout time.Duration) (int, json.RawMessage, error) {
	ctx, span := c.startSpan(ctx, "upstream.get", baseURL, path)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(baseURL, path), nil)
	if err != nil {
		return 0, nil, c.fail(span, "build request", err)
	}
	c.decorate(req, auth)

	resp, err := c.httpClient(timeout).Do(req)
	if err != nil {
		return 0, nil, c.fail(span, "request", classifiedErr(baseURL, path, err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, c.fail(span, "read body", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	span.SetStatus(codes.Ok, "")
	return resp.StatusCode, body, nil
}

// PostJSON issues a POST request with a JSON payload and returns the decoded
// status code and raw response body.
func (c *Client) PostJSON(ctx context.Context, baseURL, path string, payload any, auth string, timeout time.Duration) (int, json.RawMessage, error) {
	ctx, span := c.startSpan(ctx, "upstream.post", baseURL, path)
	defer span.End()

	req, err := c.buildPost(ctx, baseURL, path, payload, auth)
	if err != nil {
		return 0, nil, c.fail(span, "build request", err)
	}

	resp, err := c.httpClient(timeout).Do(req)
	if err != nil {
		return 0, nil, c.fail(span, "request", classifiedErr(baseURL, path, err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, c.fail(span, "read body", err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		se.ParseRetryAfter(resp.Header.Get("Retry-After"))
		span.RecordError(se)
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
		return resp.StatusCode, body, se
	}
	span.SetStatus(codes.Ok, "")
	return resp.StatusCode, body, nil
}

// PostSSE issues a streaming POST and returns the raw *http.Response for the
// caller to tap. The caller owns resp.Body and must close it; the span ends
// when the body is closed (see spanCloser).
func (c *Client) PostSSE(ctx context.Context, baseURL, path string, payload any, auth string, timeout time.Duration) (*http.Response, error) {
	ctx, span := c.startSpan(ctx, "upstream.stream", baseURL, path)

	req, err := c.buildPost(ctx, baseURL, path, payload, auth)
	if err != nil {
		span.End()
		return nil, c.fail(span, "build request", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient(timeout).Do(req)
	if err != nil {
		span.End()
		return nil, c.fail(span, "request", classifiedErr(baseURL, path, err))
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		se := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		se.ParseRetryAfter(resp.Header.Get("Retry-After"))
		span.RecordError(se)
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
		span.End()
		return resp, se
	}

	resp.Body = &spanCloser{ReadCloser: resp.Body, span: span}
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

func (c *Client) buildPost(ctx context.Context, baseURL, path string, payload any, auth string) (*http.Request, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(baseURL, path), bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.decorate(req, auth)
	return req, nil
}

func (c *Client) decorate(req *http.Request, auth string) {
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	if reqID := GetRequestID(req.Context()); reqID != "" {
		req.Header.Set("X-Request-ID", reqID)
	}
	otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))
}

func (c *Client) startSpan(ctx context.Context, name, baseURL, path string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer("respgate.upstream").Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", RedactURL(baseURL, path))),
	)
	return ctx, span
}

func (c *Client) fail(span trace.Span, stage string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, stage)
	span.End()
	return err
}

type spanCloser struct {
	io.ReadCloser
	span trace.Span
}

func (sc *spanCloser) Close() error {
	err := sc.ReadCloser.Close()
	sc.span.End()
	return err
}

func joinURL(baseURL, path string) string {
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// RedactURL returns scheme://host[:port]/path with any query string dropped,
// suitable for inclusion in logs and error messages without leaking
// credentials that providers sometimes accept as query parameters.
func RedactURL(baseURL, path string) string {
	u, err := url.Parse(joinURL(baseURL, path))
	if err != nil {
		return "(unparseable url)"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// classifiedErr wraps a transport error with a redacted URL and up to two
// root causes, matching the "timeout | connect | request" taxonomy from the
// upstream client's error handling design.
func classifiedErr(baseURL, path string, err error) error {
	causes := []string{}
	for e := err; e != nil && len(causes) < 2; {
		causes = append(causes, e.Error())
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	kind := "request"
	switch Classify(err) {
	case ErrClassTimeout:
		kind = "timeout"
	case ErrClassConnect:
		kind = "connect"
	}
	return fmt.Errorf("%s error calling %s: %s", kind, RedactURL(baseURL, path), strings.Join(causes, "; "))
}
