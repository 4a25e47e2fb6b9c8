package rooms

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadyTracker(t *testing.T) {
	tracker := NewReadyTracker()

	require.False(t, tracker.IsReady("a"))
	tracker.SetReady("a")
	tracker.SetReady("b")
	require.True(t, tracker.IsReady("a"))
	require.True(t, tracker.IsReady("b"))

	tracker.Delete("a")
	require.False(t, tracker.IsReady("a"))
	require.True(t, tracker.IsReady("b"))
}

func TestReadyTrackerReset(t *testing.T) {
	tracker := NewReadyTracker()
	tracker.SetReady("a")
	tracker.SetReady("b")

	tracker.Reset("c")
	require.False(t, tracker.IsReady("a"))
	require.False(t, tracker.IsReady("b"))
	require.True(t, tracker.IsReady("c"))
}

func TestReadyTrackerCountAmong(t *testing.T) {
	tracker := NewReadyTracker()
	tracker.SetReady("a")
	tracker.SetReady("b")
	tracker.SetReady("gone")

	// departed participants do not count against the live set
	require.Equal(t, 2, tracker.CountAmong([]string{"a", "b", "c"}))
	require.Equal(t, 0, tracker.CountAmong(nil))
}
