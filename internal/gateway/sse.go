package gateway

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// sseTap accumulates bytes from an upstream SSE stream and extracts the
// completion object from a response.completed event without buffering the
// whole stream: the only retained buffer is reset at every "\n\n" (spec
// §4.3, §5's backpressure invariant).
type sseTap struct {
	buf []byte

	completed    bool
	responseID   string
	response     json.RawMessage
	createdModel string
}

func newSSETap() *sseTap { return &sseTap{} }

// feed appends chunk and consumes any complete messages it forms. Once a
// response.completed event has been seen, further bytes are not parsed
// (spec §4.3: "stop parsing further messages"), though the caller still
// forwards them unchanged.
func (t *sseTap) feed(chunk []byte) {
	if t.completed {
		return
	}
	t.buf = append(t.buf, chunk...)
	for {
		idx := bytes.Index(t.buf, []byte("\n\n"))
		if idx < 0 {
			break
		}
		msg := t.buf[:idx]
		t.buf = t.buf[idx+2:]
		t.consumeMessage(msg)
		if t.completed {
			return
		}
	}
}

func (t *sseTap) consumeMessage(msg []byte) {
	scanner := bufio.NewScanner(bytes.NewReader(msg))
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			return
		}
		var event struct {
			Type     string          `json:"type"`
			Response json.RawMessage `json:"response"`
		}
		if json.Unmarshal([]byte(data), &event) != nil {
			continue
		}
		switch event.Type {
		case "response.created":
			if t.createdModel == "" {
				var r struct {
					Model string `json:"model"`
				}
				if json.Unmarshal(event.Response, &r) == nil && r.Model != "" {
					t.createdModel = r.Model
				}
			}
		case "response.completed":
			var r struct {
				ID string `json:"id"`
			}
			if json.Unmarshal(event.Response, &r) == nil && r.ID != "" {
				t.completed = true
				t.responseID = r.ID
				t.response = event.Response
				return
			}
		}
	}
}

// model returns the completed response's model, preferring the model seen
// on response.created (spec §4.3: "ignore response.completed.model if a
// response.created.model was already seen").
func (t *sseTap) model() string {
	if t.createdModel != "" {
		return t.createdModel
	}
	var r struct {
		Model string `json:"model"`
	}
	if json.Unmarshal(t.response, &r) == nil && r.Model != "" {
		return r.Model
	}
	return "unknown"
}

// copyAndTap streams src to w, feeding every chunk to tap as it arrives, and
// flushing after each write so the client sees bytes as they come in rather
// than buffered (spec §5's backpressure invariant). It returns once src is
// exhausted or a write to w fails.
func copyAndTap(w http.ResponseWriter, src io.Reader, tap *sseTap) error {
	buf := make([]byte, 32*1024)
	fl, _ := w.(http.Flusher)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			tap.feed(chunk)
			if _, err := w.Write(chunk); err != nil {
				return err
			}
			if fl != nil {
				fl.Flush()
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
	}
}

// writeSynthesizedSSE emits a minimal SSE stream for a non-streaming
// completion when the client asked for stream=true but the upstream call
// was made non-streaming (matching the teacher's sse_response helper): a
// response.created event, a single output_text delta, then
// response.completed and [DONE].
func writeSynthesizedSSE(w http.ResponseWriter, responseID string, response json.RawMessage, text string) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Response-Id", responseID)
	w.WriteHeader(http.StatusOK)
	fl, _ := w.(http.Flusher)

	writeEvent := func(payload any) {
		raw, err := json.Marshal(payload)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", raw)
		if fl != nil {
			fl.Flush()
		}
	}

	writeEvent(map[string]any{
		"type":     "response.created",
		"response": json.RawMessage(`{"id":"` + responseID + `"}`),
	})
	if text != "" {
		writeEvent(map[string]any{
			"type":  "response.output_text.delta",
			"delta": text,
		})
	}
	writeEvent(map[string]any{
		"type":     "response.completed",
		"response": response,
	})
	fmt.Fprint(w, "data: [DONE]\n\n")
	if fl != nil {
		fl.Flush()
	}
}
