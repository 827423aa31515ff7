package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
)

// headerAliases are checked, in order, against the request header set
// before falling back to a body field. "session_id" is the primary, literal
// header name; the rest are aliases CLI clients have used historically.
var headerAliases = []string{
	"session_id",
	"x-session-id",
	"x-codex-session",
	"x-codex-session-id",
	"codex-session",
	"codex_session",
}

// bodyFieldAliases are checked against the decoded request body after no
// header matched.
var bodyFieldAliases = []string{
	"session_id",
	"session",
	"codex_session_id",
	"codexSessionId",
}

// sessionIDFromRequest resolves the canonical session id from a header or
// body field named session_id (spec §3, §4.2), trying a handful of header
// and body aliases a CLI client might use. It returns "" if none match.
func sessionIDFromRequest(r *http.Request, body json.RawMessage) string {
	for _, name := range headerAliases {
		if v := strings.TrimSpace(headerLookup(r.Header, name)); v != "" {
			return v
		}
	}
	if len(body) == 0 {
		return ""
	}
	var obj map[string]json.RawMessage
	if json.Unmarshal(body, &obj) != nil {
		return ""
	}
	for _, name := range bodyFieldAliases {
		raw, ok := obj[name]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) == nil {
			s = strings.TrimSpace(s)
			if s != "" {
				return s
			}
		}
	}
	return ""
}

// headerLookup is a case-insensitive header lookup. h.Get already
// canonicalizes case for us; the manual scan is a fallback for header names
// a client sent in a form http.Header's MIME canonicalization wouldn't
// have produced (e.g. via a raw multiplexer that bypasses textproto).
func headerLookup(h http.Header, name string) string {
	if v := h.Get(name); v != "" {
		return v
	}
	for k, vs := range h {
		if len(vs) > 0 && strings.EqualFold(k, name) {
			return vs[0]
		}
	}
	return ""
}
