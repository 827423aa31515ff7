package gateway

import (
	"encoding/json"
	"net/url"
	"strings"
)

// inputContainsTools reports whether any object in input (recursively) has
// a "type" field containing "tool" — Codex's own tool-call/tool-result
// items, which must be preserved verbatim rather than flattened into the
// simple message forms below.
func inputContainsTools(input json.RawMessage) bool {
	var v any
	if len(input) == 0 || json.Unmarshal(input, &v) != nil {
		return false
	}
	return containsToolValue(v)
}

func containsToolValue(v any) bool {
	switch t := v.(type) {
	case map[string]any:
		if s, ok := t["type"].(string); ok && strings.Contains(s, "tool") {
			return true
		}
		for _, child := range t {
			if containsToolValue(child) {
				return true
			}
		}
		return false
	case []any:
		for _, child := range t {
			if containsToolValue(child) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// itemsPreservingTools normalizes input into a flat array of items,
// preserving every item (including tool calls/results) unchanged: a string
// input becomes one user message item, an object becomes a single-element
// array, and an array passes through as-is.
func itemsPreservingTools(input json.RawMessage) []json.RawMessage {
	if len(input) == 0 {
		return nil
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(input, &arr); err == nil {
		return arr
	}
	var s string
	if err := json.Unmarshal(input, &s); err == nil {
		msg, _ := json.Marshal(map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": s},
			},
		})
		return []json.RawMessage{msg}
	}
	return []json.RawMessage{input}
}

// message is the intermediate shape extracted from raw input items before
// converting to either of the two wire forms a provider might expect.
type message struct {
	Role string
	Text string
}

// messagesFromInput extracts role/text pairs from input's message items,
// skipping tool calls/results and anything without plain text content —
// used only when reconstructing a flattened body, never when prev_id or
// tool items are already being preserved verbatim.
func messagesFromInput(input json.RawMessage) []message {
	items := itemsPreservingTools(input)
	out := make([]message, 0, len(items))
	for _, raw := range items {
		var obj struct {
			Type    string `json:"type"`
			Role    string `json:"role"`
			Content any    `json:"content"`
		}
		if json.Unmarshal(raw, &obj) != nil {
			continue
		}
		if obj.Role == "" {
			continue
		}
		text := extractContentText(obj.Content)
		if text == "" {
			continue
		}
		out = append(out, message{Role: obj.Role, Text: text})
	}
	return out
}

func extractContentText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var b strings.Builder
		for _, part := range c {
			m, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if t, ok := m["text"].(string); ok {
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				b.WriteString(t)
			}
		}
		return b.String()
	default:
		return ""
	}
}

// prefersSimpleInputList reports whether base URL's host matches one of the
// configured "simple input list" families (spec §9's Open Question: the
// original hard-coded a handful of host suffixes; here it is a plain
// allow-list from routing config).
func prefersSimpleInputList(baseURL string, hosts []string) bool {
	if len(hosts) == 0 {
		return false
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	for _, suffix := range hosts {
		if suffix != "" && strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// messagesToSimpleInputList converts messages to a flat array of
// {type:"message", role, content:[{type, text}]} items, where an
// assistant's content type is "output_text" and everyone else's is
// "input_text".
func messagesToSimpleInputList(msgs []message) json.RawMessage {
	items := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		contentType := "input_text"
		if m.Role == "assistant" {
			contentType = "output_text"
		}
		items = append(items, map[string]any{
			"type": "message",
			"role": m.Role,
			"content": []map[string]any{
				{"type": contentType, "text": m.Text},
			},
		})
	}
	raw, _ := json.Marshal(items)
	return raw
}

// messagesToResponsesInput converts messages to the richer "responses"
// input form: the same item shape, but every content part uses
// "input_text" regardless of role, matching what most OpenAI-compatible
// providers' /v1/responses endpoint expects for multi-turn text history.
func messagesToResponsesInput(msgs []message) json.RawMessage {
	items := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, map[string]any{
			"type": "message",
			"role": m.Role,
			"content": []map[string]any{
				{"type": "input_text", "text": m.Text},
			},
		})
	}
	raw, _ := json.Marshal(items)
	return raw
}

// isPrevIDUnsupportedError reports whether an upstream error body indicates
// the provider rejects previous_response_id (spec §4.2's retry trigger).
func isPrevIDUnsupportedError(body string) bool {
	return strings.Contains(strings.ToLower(body), "unsupported parameter: previous_response_id")
}

// extractResponseID returns the completion object's "id" field, or
// "resp_unknown" if absent (the teacher's convention for an upstream that
// omits it rather than failing the request over a cosmetic field).
func extractResponseID(body json.RawMessage) string {
	var obj struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(body, &obj) == nil && obj.ID != "" {
		return obj.ID
	}
	return "resp_unknown"
}

// extractOutputText best-effort extracts the assistant's plain text from a
// responses-shaped completion object, for synthesizing SSE frames when a
// client asked for a stream but the upstream call was made non-streaming.
func extractOutputText(body json.RawMessage) string {
	var obj struct {
		OutputText string `json:"output_text"`
		Output     []struct {
			Type    string `json:"type"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
	}
	if json.Unmarshal(body, &obj) != nil {
		return ""
	}
	if obj.OutputText != "" {
		return obj.OutputText
	}
	var b strings.Builder
	for _, item := range obj.Output {
		for _, part := range item.Content {
			if part.Text == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(part.Text)
		}
	}
	return b.String()
}
