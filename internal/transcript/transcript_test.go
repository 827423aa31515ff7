package transcript

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRollout(t *testing.T, dir, name string, lines []string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	var content string
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFindSessionFile_MatchesNestedGlob(t *testing.T) {
	home := t.TempDir()
	nested := filepath.Join(home, "sessions", "2026", "07", "30")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	want := writeRollout(t, nested, "rollout-2026-07-30T00-00-00-abc123.jsonl", []string{`{"meta":true}`})

	got, err := FindSessionFile(home, "abc123")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFindSessionFile_NoMatchErrors(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, "sessions"), 0o755))
	_, err := FindSessionFile(home, "missing")
	assert.Error(t, err)
}

func TestReadItems_SkipsMetadataAndNonMessagePayloads(t *testing.T) {
	dir := t.TempDir()
	path := writeRollout(t, dir, "rollout.jsonl", []string{
		`{"id":"session-meta"}`,
		`{"type":"response_item","payload":{"type":"message","role":"user","content":[{"type":"input_text","text":"hi"}]}}`,
		`{"type":"response_item","payload":{"type":"function_call","name":"shell"}}`,
		`{"type":"response_item","payload":{"type":"message","role":"assistant","content":[{"type":"output_text","text":"hello"}]}}`,
		``,
	})

	items, err := ReadItems(path)
	require.NoError(t, err)
	require.Len(t, items, 2)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal(items[0], &first))
	assert.Equal(t, "user", first["role"])

	var second map[string]interface{}
	require.NoError(t, json.Unmarshal(items[1], &second))
	assert.Equal(t, "assistant", second["role"])
}

func TestReadItems_ToleratesMalformedLine(t *testing.T) {
	dir := t.TempDir()
	path := writeRollout(t, dir, "rollout.jsonl", []string{
		`{"id":"session-meta"}`,
		`not json`,
		`{"type":"response_item","payload":{"type":"message","role":"user","content":[]}}`,
	})
	items, err := ReadItems(path)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestBuildHistory_AppendsWhenCurrentIsNotASuffix(t *testing.T) {
	home := t.TempDir()
	nested := filepath.Join(home, "sessions")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	writeRollout(t, nested, "rollout-x-sess1.jsonl", []string{
		`{"meta":true}`,
		`{"type":"response_item","payload":{"type":"message","role":"user","content":[{"type":"input_text","text":"first"}]}}`,
	})

	current := []json.RawMessage{
		json.RawMessage(`{"role":"user","content":[{"type":"input_text","text":"second"}],"type":"message"}`),
	}
	history, err := BuildHistory(home, "sess1", current)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestBuildHistory_DoesNotDuplicateSuffix(t *testing.T) {
	home := t.TempDir()
	nested := filepath.Join(home, "sessions")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	writeRollout(t, nested, "rollout-x-sess2.jsonl", []string{
		`{"meta":true}`,
		`{"type":"response_item","payload":{"type":"message","role":"user","content":[{"type":"input_text","text":"only"}]}}`,
	})

	current := []json.RawMessage{
		json.RawMessage(`{"type":"message","role":"user","content":[{"type":"input_text","text":"only"}]}`),
	}
	history, err := BuildHistory(home, "sess2", current)
	require.NoError(t, err)
	assert.Len(t, history, 1, "current already matches the transcript's tail, so it must not be duplicated")
}
