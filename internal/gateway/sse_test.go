package gateway

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSETap_ExtractsCompletedResponseAndStopsParsing(t *testing.T) {
	tap := newSSETap()
	tap.feed([]byte("data: {\"type\":\"response.created\",\"response\":{\"model\":\"gpt-5\"}}\n\n"))
	assert.False(t, tap.completed)

	tap.feed([]byte("data: {\"type\":\"response.completed\",\"response\":{\"id\":\"resp_1\",\"model\":\"gpt-5-alt\"}}\n\n"))
	require.True(t, tap.completed)
	assert.Equal(t, "resp_1", tap.responseID)

	// model() prefers response.created's model over response.completed's,
	// the upstream-bug workaround.
	assert.Equal(t, "gpt-5", tap.model())

	// further bytes are not parsed once completed.
	before := tap.response
	tap.feed([]byte("data: {\"type\":\"response.completed\",\"response\":{\"id\":\"resp_2\"}}\n\n"))
	assert.Equal(t, before, tap.response)
}

func TestSSETap_ModelFallsBackToCompletedWhenNoCreatedSeen(t *testing.T) {
	tap := newSSETap()
	tap.feed([]byte("data: {\"type\":\"response.completed\",\"response\":{\"id\":\"resp_1\",\"model\":\"only-model\"}}\n\n"))
	require.True(t, tap.completed)
	assert.Equal(t, "only-model", tap.model())
}

func TestSSETap_HandlesChunkBoundariesSplittingAMessage(t *testing.T) {
	tap := newSSETap()
	full := "data: {\"type\":\"response.completed\",\"response\":{\"id\":\"resp_split\"}}\n\n"
	tap.feed([]byte(full[:10]))
	assert.False(t, tap.completed)
	tap.feed([]byte(full[10:]))
	require.True(t, tap.completed)
	assert.Equal(t, "resp_split", tap.responseID)
}

func TestSSETap_IgnoresDoneAndNonDataLines(t *testing.T) {
	tap := newSSETap()
	tap.feed([]byte("event: ping\n\ndata: [DONE]\n\n"))
	assert.False(t, tap.completed)
}

func TestCopyAndTap_ForwardsBytesUnchangedAndFeedsTap(t *testing.T) {
	src := "data: {\"type\":\"response.completed\",\"response\":{\"id\":\"resp_9\"}}\n\ndata: [DONE]\n\n"
	w := httptest.NewRecorder()
	tap := newSSETap()
	err := copyAndTap(w, strings.NewReader(src), tap)
	require.NoError(t, err)
	assert.Equal(t, src, w.Body.String())
	assert.True(t, tap.completed)
	assert.Equal(t, "resp_9", tap.responseID)
}

type errReader struct{ err error }

func (r errReader) Read(_ []byte) (int, error) { return 0, r.err }

func TestCopyAndTap_PropagatesNonEOFReadError(t *testing.T) {
	w := httptest.NewRecorder()
	tap := newSSETap()
	err := copyAndTap(w, errReader{err: io.ErrUnexpectedEOF}, tap)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestWriteSynthesizedSSE_EmitsCreatedDeltaCompletedDone(t *testing.T) {
	w := httptest.NewRecorder()
	writeSynthesizedSSE(w, "resp_syn", []byte(`{"id":"resp_syn"}`), "hello world")
	body := w.Body.String()
	assert.Contains(t, body, "response.created")
	assert.Contains(t, body, "hello world")
	assert.Contains(t, body, "response.completed")
	assert.Contains(t, body, "[DONE]")
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
}
