package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInputContainsTools(t *testing.T) {
	assert.True(t, inputContainsTools(json.RawMessage(`[{"type":"function_call","name":"x"}]`)))
	assert.True(t, inputContainsTools(json.RawMessage(`[{"type":"message","content":[{"type":"tool_result"}]}]`)))
	assert.False(t, inputContainsTools(json.RawMessage(`[{"type":"message","role":"user","content":"hi"}]`)))
	assert.False(t, inputContainsTools(json.RawMessage(``)))
}

func TestItemsPreservingTools(t *testing.T) {
	t.Run("string becomes one user message", func(t *testing.T) {
		items := itemsPreservingTools(json.RawMessage(`"hello"`))
		require.Len(t, items, 1)
		var obj map[string]any
		require.NoError(t, json.Unmarshal(items[0], &obj))
		assert.Equal(t, "user", obj["role"])
	})

	t.Run("array passes through", func(t *testing.T) {
		raw := json.RawMessage(`[{"type":"message","role":"user","content":"a"},{"type":"message","role":"assistant","content":"b"}]`)
		items := itemsPreservingTools(raw)
		assert.Len(t, items, 2)
	})

	t.Run("empty input yields nothing", func(t *testing.T) {
		assert.Nil(t, itemsPreservingTools(nil))
	})
}

func TestMessagesFromInput_SkipsToolItemsAndEmptyContent(t *testing.T) {
	raw := json.RawMessage(`[
		{"type":"message","role":"user","content":"hi"},
		{"type":"function_call","name":"x"},
		{"type":"message","role":"assistant","content":[{"type":"output_text","text":"hello"}]},
		{"type":"message","role":"user","content":""}
	]`)
	msgs := messagesFromInput(raw)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Text)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "hello", msgs[1].Text)
}

func TestPrefersSimpleInputList(t *testing.T) {
	hosts := []string{".ppchat.vip", ".pumpkinai.vip"}
	assert.True(t, prefersSimpleInputList("https://his.ppchat.vip/v1", hosts))
	assert.False(t, prefersSimpleInputList("https://api.openai.com/v1", hosts))
	assert.False(t, prefersSimpleInputList("https://api.openai.com/v1", nil))
	assert.False(t, prefersSimpleInputList("://bad-url", hosts))
}

func TestMessagesToSimpleInputList_AssistantGetsOutputText(t *testing.T) {
	raw := messagesToSimpleInputList([]message{
		{Role: "user", Text: "hi"},
		{Role: "assistant", Text: "hello"},
	})
	var items []map[string]any
	require.NoError(t, json.Unmarshal(raw, &items))
	require.Len(t, items, 2)
	content0 := items[0]["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "input_text", content0["type"])
	content1 := items[1]["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "output_text", content1["type"])
}

func TestMessagesToResponsesInput_EveryPartIsInputText(t *testing.T) {
	raw := messagesToResponsesInput([]message{
		{Role: "assistant", Text: "hello"},
	})
	var items []map[string]any
	require.NoError(t, json.Unmarshal(raw, &items))
	content := items[0]["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "input_text", content["type"])
}

func TestIsPrevIDUnsupportedError(t *testing.T) {
	assert.True(t, isPrevIDUnsupportedError(`{"error":"Unsupported parameter: previous_response_id"}`))
	assert.True(t, isPrevIDUnsupportedError("unsupported parameter: previous_response_id is not allowed"))
	assert.False(t, isPrevIDUnsupportedError(`{"error":"rate limited"}`))
}

func TestExtractResponseID_DefaultsWhenAbsent(t *testing.T) {
	assert.Equal(t, "resp_123", extractResponseID(json.RawMessage(`{"id":"resp_123"}`)))
	assert.Equal(t, "resp_unknown", extractResponseID(json.RawMessage(`{}`)))
}

func TestExtractOutputText_PrefersTopLevelThenOutputParts(t *testing.T) {
	assert.Equal(t, "direct", extractOutputText(json.RawMessage(`{"output_text":"direct"}`)))
	nested := json.RawMessage(`{"output":[{"type":"message","content":[{"type":"output_text","text":"a"},{"type":"output_text","text":"b"}]}]}`)
	assert.Equal(t, "a\nb", extractOutputText(nested))
	assert.Equal(t, "", extractOutputText(json.RawMessage(`{}`)))
}
