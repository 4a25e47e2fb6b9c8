package rooms

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rdmplayer/watchtogether/server/src/store"
)

const testPassword = "hunter42"

var roomCodePattern = regexp.MustCompile(`^[A-Z]{5}-[0-9]{5}-[A-Z]{5}$`)

func newTestRegistry(t *testing.T, expiry time.Duration) (*Registry, string) {
	t.Helper()
	root := t.TempDir()
	blobs, err := store.NewBlobStore(root, 1024*1024)
	require.NoError(t, err)
	return NewRegistry(blobs, expiry), root
}

func TestCreateRoom(t *testing.T) {
	registry, root := newTestRegistry(t, time.Hour)

	room, err := registry.CreateRoom(testPassword, hostID)
	require.NoError(t, err)
	require.Regexp(t, roomCodePattern, room.Code())
	require.Equal(t, hostID, room.HostID())
	require.DirExists(t, filepath.Join(root, room.Code()))

	found, ok := registry.Lookup(room.Code())
	require.True(t, ok)
	require.Same(t, room, found)
	require.Equal(t, 1, registry.Count())
}

func TestRoomCodesAreUnique(t *testing.T) {
	registry, _ := newTestRegistry(t, time.Hour)

	codes := make(map[string]bool)
	for i := 0; i < 20; i++ {
		room, err := registry.CreateRoom(testPassword, hostID)
		require.NoError(t, err)
		require.False(t, codes[room.Code()])
		codes[room.Code()] = true
	}
}

func TestVerifyPassword(t *testing.T) {
	registry, _ := newTestRegistry(t, time.Hour)
	room, err := registry.CreateRoom(testPassword, hostID)
	require.NoError(t, err)

	require.True(t, registry.VerifyPassword(room.Code(), testPassword))
	require.False(t, registry.VerifyPassword(room.Code(), "wrong"))
	require.False(t, registry.VerifyPassword("NOPE0-00000-NOPE0", testPassword))
}

func TestAllowJoinRateLimit(t *testing.T) {
	registry, _ := newTestRegistry(t, time.Hour)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.True(t, registry.AllowJoin(ctx, "10.0.0.1"), "attempt %d", i+1)
	}
	require.False(t, registry.AllowJoin(ctx, "10.0.0.1"))

	// other remotes have their own allowance
	require.True(t, registry.AllowJoin(ctx, "10.0.0.2"))
}

func TestDeleteRoom(t *testing.T) {
	registry, root := newTestRegistry(t, time.Hour)
	room, err := registry.CreateRoom(testPassword, hostID)
	require.NoError(t, err)

	member := &fakeSender{}
	room.Join(hostID, "Alice", member)

	registry.DeleteRoom(room.Code(), "Room expired")

	_, ok := registry.Lookup(room.Code())
	require.False(t, ok)
	require.Equal(t, []string{"Room expired"}, member.closeReasons())
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(root, room.Code()))
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond)

	// deleting again is harmless
	registry.DeleteRoom(room.Code(), "Room expired")
}

func TestSweepIsIdempotent(t *testing.T) {
	registry, _ := newTestRegistry(t, -time.Second)

	_, err := registry.CreateRoom(testPassword, hostID)
	require.NoError(t, err)
	_, err = registry.CreateRoom(testPassword, bobID)
	require.NoError(t, err)

	require.Equal(t, 2, registry.Sweep())
	require.Equal(t, 0, registry.Sweep())
	require.Equal(t, 0, registry.Count())
}

func TestSweepKeepsActiveRooms(t *testing.T) {
	registry, _ := newTestRegistry(t, time.Hour)
	room, err := registry.CreateRoom(testPassword, hostID)
	require.NoError(t, err)
	room.Touch()

	require.Equal(t, 0, registry.Sweep())
	require.Equal(t, 1, registry.Count())
}

func TestShutdownClosesEverything(t *testing.T) {
	registry, _ := newTestRegistry(t, time.Hour)
	room, err := registry.CreateRoom(testPassword, hostID)
	require.NoError(t, err)

	member := &fakeSender{}
	room.Join(hostID, "Alice", member)

	registry.Shutdown()
	require.Equal(t, []string{"Server shutting down"}, member.closeReasons())

	// StopSweeper twice must not panic
	registry.StopSweeper()
}
