// Package transcript reads a CLI session's on-disk rollout transcript (spec
// §6.5) so the gateway can reconstruct conversation history for a
// previous_response_id the upstream provider doesn't recognize, without
// keeping its own copy of every turn in memory.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// rolloutLine is one line of a rollout-*.jsonl file after the first
// (metadata) line.
type rolloutLine struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type payloadType struct {
	Type string `json:"type"`
}

// FindSessionFile locates the rollout transcript for sessionID under
// codexHome, matching {CODEX_HOME}/sessions/**/rollout-*-{session_id}.jsonl.
func FindSessionFile(codexHome, sessionID string) (string, error) {
	root := filepath.Join(codexHome, "sessions")
	pattern := "rollout-*-" + sessionID + ".jsonl"
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); ok {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("scan %s: %w", root, err)
	}
	if found == "" {
		return "", fmt.Errorf("no transcript found for session %s under %s", sessionID, root)
	}
	return found, nil
}

// ReadItems parses path's response_item lines whose payload.type is
// "message", in file order. The first line (session metadata) is skipped.
// Malformed lines are skipped rather than failing the whole read; a rollout
// file is append-only and may be read while still being written.
func ReadItems(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var items []json.RawMessage
	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if first {
			first = false
			continue
		}
		if len(line) == 0 {
			continue
		}
		var rl rolloutLine
		if err := json.Unmarshal(line, &rl); err != nil {
			continue
		}
		if rl.Type != "response_item" || len(rl.Payload) == 0 {
			continue
		}
		var pt payloadType
		if err := json.Unmarshal(rl.Payload, &pt); err != nil || pt.Type != "message" {
			continue
		}
		items = append(items, rl.Payload)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript %s: %w", path, err)
	}
	return items, nil
}

// BuildHistory loads sessionID's transcript and appends current to it unless
// current is already a suffix of the transcript (the CLI resent items the
// gateway already has on disk).
func BuildHistory(codexHome, sessionID string, current []json.RawMessage) ([]json.RawMessage, error) {
	path, err := FindSessionFile(codexHome, sessionID)
	if err != nil {
		return nil, err
	}
	items, err := ReadItems(path)
	if err != nil {
		return nil, err
	}
	if suffixEqual(items, current) {
		return items, nil
	}
	out := make([]json.RawMessage, 0, len(items)+len(current))
	out = append(out, items...)
	out = append(out, current...)
	return out, nil
}

func suffixEqual(history, current []json.RawMessage) bool {
	if len(current) == 0 {
		return true
	}
	if len(current) > len(history) {
		return false
	}
	tail := history[len(history)-len(current):]
	for i := range tail {
		if !canonicalEqual(tail[i], current[i]) {
			return false
		}
	}
	return true
}

// canonicalEqual compares two JSON values by re-marshaling their decoded
// form, which normalizes object key order, rather than by raw bytes.
func canonicalEqual(a, b json.RawMessage) bool {
	var av, bv interface{}
	if json.Unmarshal(a, &av) != nil {
		return false
	}
	if json.Unmarshal(b, &bv) != nil {
		return false
	}
	ca, errA := json.Marshal(av)
	cb, errB := json.Marshal(bv)
	if errA != nil || errB != nil {
		return false
	}
	return string(ca) == string(cb)
}
