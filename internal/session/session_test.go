package session

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTouch_CreatesThenUpdatesExistingSession(t *testing.T) {
	clockMS := int64(1000)
	r := NewRegistry(WithClock(func() int64 { return clockMS }))

	rt := r.Touch("sess1", TouchOptions{PID: 0})
	assert.Equal(t, int64(1000), rt.LastDiscoveredMS)
	assert.Equal(t, int64(1000), rt.LastRequestMS)

	clockMS = 2000
	rt2 := r.Touch("sess1", TouchOptions{IsAgent: true})
	assert.Equal(t, int64(1000), rt2.LastDiscoveredMS, "discovery time must not change on update")
	assert.Equal(t, int64(2000), rt2.LastRequestMS)
	assert.True(t, rt2.IsAgent)
}

func TestReportModel_UpdatesKnownSessionOnly(t *testing.T) {
	r := NewRegistry()
	r.Touch("sess1", TouchOptions{})
	r.ReportModel("sess1", "alpha", "gpt-5", "https://api.example.com")
	rt, ok := r.Get("sess1")
	require.True(t, ok)
	assert.Equal(t, "alpha", rt.LastReportedModelProvider)
	assert.Equal(t, "gpt-5", rt.LastReportedModel)

	r.ReportModel("unknown", "beta", "m", "u") // no-op, must not panic or create
	_, ok = r.Get("unknown")
	assert.False(t, ok)
}

func TestConfirmRouter(t *testing.T) {
	r := NewRegistry()
	r.Touch("sess1", TouchOptions{})
	rt, _ := r.Get("sess1")
	assert.False(t, rt.ConfirmedRouter)

	r.ConfirmRouter("sess1")
	rt, _ = r.Get("sess1")
	assert.True(t, rt.ConfirmedRouter)
}

func TestPrune_AgentSessionGoneQuietIsRemoved(t *testing.T) {
	clockMS := int64(0)
	r := NewRegistry(WithClock(func() int64 { return clockMS }))
	r.Touch("agent1", TouchOptions{IsAgent: true})

	clockMS = pidlessStaleAfter.Milliseconds() + 1
	removed := r.Prune()
	assert.Contains(t, removed, "agent1")
	_, ok := r.Get("agent1")
	assert.False(t, ok)
}

func TestPrune_PidlessSessionStaleBeyond15MinIsRemoved(t *testing.T) {
	clockMS := int64(0)
	r := NewRegistry(WithClock(func() int64 { return clockMS }))
	r.Touch("sess1", TouchOptions{})

	clockMS = pidlessStaleAfter.Milliseconds() - 1
	removed := r.Prune()
	assert.Empty(t, removed, "must not prune before the staleness threshold")

	clockMS = pidlessStaleAfter.Milliseconds() + 1
	removed = r.Prune()
	assert.Contains(t, removed, "sess1")
}

func TestPrune_DeadPidIsRemovedRegardlessOfStaleness(t *testing.T) {
	clockMS := int64(0)
	r := NewRegistry(WithClock(func() int64 { return clockMS }))
	// a pid essentially guaranteed not to exist
	r.Touch("sess1", TouchOptions{PID: 1 << 30})

	removed := r.Prune()
	assert.Contains(t, removed, "sess1")
}

func TestPrune_LivePidIsKept(t *testing.T) {
	clockMS := int64(0)
	r := NewRegistry(WithClock(func() int64 { return clockMS }))
	r.Touch("sess1", TouchOptions{PID: os.Getpid()})

	removed := r.Prune()
	assert.Empty(t, removed)
	_, ok := r.Get("sess1")
	assert.True(t, ok)
}

func TestPrune_DeadTerminalMarkerIsRemoved(t *testing.T) {
	clockMS := int64(0)
	r := NewRegistry(WithClock(func() int64 { return clockMS }))
	r.Touch("sess1", TouchOptions{TerminalSessionMarker: "/nonexistent/marker/path/for/test"})

	removed := r.Prune()
	assert.Contains(t, removed, "sess1")
}

func TestPrune_LiveTerminalMarkerIsKept(t *testing.T) {
	tmp, err := os.CreateTemp(t.TempDir(), "marker")
	require.NoError(t, err)
	defer tmp.Close()

	clockMS := int64(0)
	r := NewRegistry(WithClock(func() int64 { return clockMS }))
	r.Touch("sess1", TouchOptions{TerminalSessionMarker: tmp.Name()})

	removed := r.Prune()
	assert.Empty(t, removed)
}

func TestList_ReturnsAllTrackedSessions(t *testing.T) {
	r := NewRegistry()
	r.Touch("a", TouchOptions{})
	r.Touch("b", TouchOptions{})
	assert.Len(t, r.List(), 2)
}
