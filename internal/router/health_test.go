package router

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealth_MarkFailure_OpensCircuitAtThreshold(t *testing.T) {
	h := NewHealth([]string{"a"}, 1000)

	h.MarkFailure("a", 3, 30, "boom 1", 1001)
	assert.True(t, h.IsRoutable("a", 1001))

	h.MarkFailure("a", 3, 30, "boom 2", 1002)
	assert.True(t, h.IsRoutable("a", 1002))

	h.MarkFailure("a", 3, 30, "boom 3", 1003)
	assert.False(t, h.IsRoutable("a", 1003))
	assert.True(t, h.IsRoutable("a", 1003+30_000))
}

func TestHealth_MarkSuccess_ClearsCooldown(t *testing.T) {
	h := NewHealth([]string{"a"}, 0)
	h.MarkFailure("a", 1, 60, "boom", 10)
	assert.False(t, h.IsRoutable("a", 10))

	h.MarkSuccess("a", 11)
	assert.True(t, h.IsRoutable("a", 11))

	snap := h.Snapshot()["a"]
	assert.Equal(t, uint32(0), snap.ConsecutiveFailures)
	assert.Equal(t, int64(0), snap.CooldownUntilMS)
	assert.Equal(t, "", snap.LastError)
}

func TestHealth_MarkFailure_TruncatesLastError(t *testing.T) {
	h := NewHealth([]string{"a"}, 0)
	long := strings.Repeat("x", maxLastErrorLen+100)
	h.MarkFailure("a", 10, 30, long, 1)
	snap := h.Snapshot()["a"]
	assert.Len(t, snap.LastError, maxLastErrorLen)
}

func TestHealth_IsRoutable_UnknownProvider(t *testing.T) {
	h := NewHealth([]string{"a"}, 0)
	assert.False(t, h.IsRoutable("missing", 0))
}

func TestHealth_SyncWithConfig_AddsAndDrops(t *testing.T) {
	h := NewHealth([]string{"a", "b"}, 0)
	h.MarkFailure("b", 1, 60, "down", 5)

	h.SyncWithConfig([]string{"a", "c"}, 10)

	snap := h.Snapshot()
	_, hasB := snap["b"]
	assert.False(t, hasB)
	_, hasC := snap["c"]
	assert.True(t, hasC)
	assert.True(t, snap["c"].IsHealthy)
}
