package client

import (
	"bytes"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rdmplayer/watchtogether/protocol"
	"github.com/rdmplayer/watchtogether/server/src/api"
	"github.com/rdmplayer/watchtogether/server/src/rooms"
	"github.com/rdmplayer/watchtogether/server/src/store"
)

const testPassword = "hunter42"

func newTestClient(t *testing.T) *SessionClient {
	t.Helper()
	client, err := NewSessionClient(zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(client.Cleanup)
	return client
}

type testServer struct {
	*httptest.Server
	registry *rooms.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	blobs, err := store.NewBlobStore(t.TempDir(), 64*1024*1024)
	require.NoError(t, err)
	registry := rooms.NewRegistry(blobs, time.Hour)
	server := httptest.NewServer(api.NewAPI(registry, blobs).Router(false))
	t.Cleanup(server.Close)
	return &testServer{Server: server, registry: registry}
}

func waitEvent[T Event](t *testing.T, events <-chan Event) T {
	t.Helper()
	var zero T
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-events:
			if typed, ok := event.(T); ok {
				return typed
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func requireNoEvent[T Event](t *testing.T, events <-chan Event, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case event := <-events:
			if _, ok := event.(T); ok {
				t.Fatalf("received unexpected %T", event)
			}
		case <-deadline:
			return
		}
	}
}

func TestNormalizeURL(t *testing.T) {
	require.Equal(t, "http://server:8765", normalizeURL("server:8765"))
	require.Equal(t, "http://server:8765", normalizeURL("  http://server:8765/  "))
	require.Equal(t, "https://server", normalizeURL("https://server/"))
}

func TestWebsocketURL(t *testing.T) {
	require.Equal(t, "ws://server:8765", websocketURL("http://server:8765"))
	require.Equal(t, "wss://server", websocketURL("https://server"))
}

func TestProgressReaderThrottle(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 10)
	var reports [][2]int64
	reader := &progressReader{
		reader: bytes.NewReader(content),
		total:  int64(len(content)),
		report: func(done int64, total int64) {
			reports = append(reports, [2]int64{done, total})
		},
	}

	_, err := io.CopyBuffer(struct{ io.Writer }{io.Discard}, reader, make([]byte, 1))
	require.NoError(t, err)

	// the first byte always reports, intermediate reads are throttled,
	// completion always reports
	require.GreaterOrEqual(t, len(reports), 2)
	require.Equal(t, [2]int64{1, 10}, reports[0])
	require.Equal(t, [2]int64{10, 10}, reports[len(reports)-1])
}

func TestLocalVideoPath(t *testing.T) {
	client := newTestClient(t)

	require.Empty(t, client.LocalVideoPath("v1"))

	path := filepath.Join(t.TempDir(), "clip1.mp4")
	require.NoError(t, os.WriteFile(path, []byte("bytes"), 0o644))
	client.videos["v1"] = &videoMeta{filename: "clip1.mp4", localPath: path}
	require.Equal(t, path, client.LocalVideoPath("v1"))

	client.videos["v2"] = &videoMeta{filename: "gone.mp4", localPath: filepath.Join(t.TempDir(), "gone.mp4")}
	require.Empty(t, client.LocalVideoPath("v2"))
}

func TestHandleMessageEmitsEvents(t *testing.T) {
	client := newTestClient(t)

	deliver := func(message protocol.Message) {
		payload, err := protocol.MarshalMessage(message)
		require.NoError(t, err)
		client.handleMessage(payload)
	}

	deliver(protocol.UserJoined{Username: "Bob", Users: []protocol.UserInfo{{UserID: "b", Username: "Bob"}}})
	joined := waitEvent[UserJoined](t, client.Events())
	require.Equal(t, "Bob", joined.Username)
	require.Len(t, joined.Users, 1)

	deliver(protocol.Error{Message: "Only the host can kick users"})
	require.Equal(t, "Only the host can kick users", waitEvent[RoomError](t, client.Events()).Message)

	deliver(protocol.SharedPoolChanged{Enabled: true, ChangedBy: "Alice"})
	require.True(t, waitEvent[SharedPoolChanged](t, client.Events()).Enabled)

	deliver(protocol.ProvideRandomClip{RequestedBy: "Bob"})
	require.Equal(t, "Bob", waitEvent[RandomClipRequested](t, client.Events()).RequestedBy)

	// a pong without an outstanding ping measures nothing
	deliver(protocol.Pong{})
	requireNoEvent[PingResult](t, client.Events(), 100*time.Millisecond)
}

func TestCreateRoomAndEcho(t *testing.T) {
	server := newTestServer(t)

	alice := newTestClient(t)
	alice.CreateRoom(server.URL, "Alice", testPassword)

	created := waitEvent[RoomCreated](t, alice.Events())
	require.NotEmpty(t, created.RoomCode)
	require.NotEmpty(t, created.UserID)
	waitEvent[Connected](t, alice.Events())
	state := waitEvent[RoomJoined](t, alice.Events())
	require.Nil(t, state.State.CurrentVideo)
	require.True(t, alice.IsHost())

	bob := newTestClient(t)
	bob.JoinRoom(server.URL, "Bob", created.RoomCode, testPassword)
	waitEvent[RoomJoined](t, bob.Events())
	waitEvent[Connected](t, bob.Events())
	require.False(t, bob.IsHost())

	joined := waitEvent[UserJoined](t, alice.Events())
	require.Equal(t, "Bob", joined.Username)

	// a local play reaches the peer but never echoes back to its originator
	alice.SendPlay(0.10)
	remote := waitEvent[RemotePlay](t, bob.Events())
	require.Equal(t, 0.10, remote.Position)
	require.Equal(t, "Alice", remote.User)
	requireNoEvent[RemotePlay](t, alice.Events(), 300*time.Millisecond)

	// senders are gated while a remote event is being applied locally
	bob.SuppressingEcho(func() {
		bob.SendPlay(0.42)
	})
	requireNoEvent[RemotePlay](t, alice.Events(), 300*time.Millisecond)
}

func TestJoinErrors(t *testing.T) {
	server := newTestServer(t)

	alice := newTestClient(t)
	alice.CreateRoom(server.URL, "Alice", testPassword)
	created := waitEvent[RoomCreated](t, alice.Events())

	bob := newTestClient(t)
	bob.JoinRoom(server.URL, "Bob", "XXXXX-00000-XXXXX", testPassword)
	require.Equal(t, "Room not found", waitEvent[RoomError](t, bob.Events()).Message)

	bob.JoinRoom(server.URL, "Bob", created.RoomCode, "wrong")
	require.Equal(t, "Incorrect password", waitEvent[RoomError](t, bob.Events()).Message)
}

func TestReconnectRoomGone(t *testing.T) {
	server := newTestServer(t)

	alice := newTestClient(t)
	alice.CreateRoom(server.URL, "Alice", testPassword)
	created := waitEvent[RoomCreated](t, alice.Events())
	waitEvent[Connected](t, alice.Events())

	// the room vanishes under the session: the channel closes, the first
	// backoff step is announced, and the re-join's 404 ends the session
	server.registry.DeleteRoom(created.RoomCode, "Room expired")

	connectionError := waitEvent[ConnectionError](t, alice.Events())
	require.Contains(t, connectionError.Message, "reconnecting in 2s (1/5)")

	disconnected := waitEvent[Disconnected](t, alice.Events())
	require.Equal(t, "Room no longer exists", disconnected.Reason)
}

func TestUploadBarrierAndDownload(t *testing.T) {
	server := newTestServer(t)

	alice := newTestClient(t)
	alice.CreateRoom(server.URL, "Alice", testPassword)
	created := waitEvent[RoomCreated](t, alice.Events())
	waitEvent[Connected](t, alice.Events())

	// Bob runs behind a coordinator so readiness is reported automatically
	bob := newTestClient(t)
	media := &fakeMedia{}
	coordinator := NewCoordinator(bob, media, &fakeLibrary{}, zap.NewNop().Sugar())
	go coordinator.Run(testContext(t))

	bob.JoinRoom(server.URL, "Bob", created.RoomCode, testPassword)
	waitEvent[Connected](t, coordinator.Events())
	waitEvent[UserJoined](t, alice.Events())

	content := bytes.Repeat([]byte("0123456789"), 5000)
	clipPath := filepath.Join(t.TempDir(), "clip1.mp4")
	require.NoError(t, os.WriteFile(clipPath, content, 0o644))

	alice.UploadAndPlay(clipPath)

	uploaded := waitEvent[VideoUploaded](t, alice.Events())
	require.Equal(t, "clip1.mp4", uploaded.Filename)
	require.Equal(t, int64(len(content)), uploaded.Size)
	require.Equal(t, "Alice", uploaded.UploadedBy)
	ready := waitEvent[VideoReady](t, alice.Events())
	require.Equal(t, clipPath, ready.LocalPath)

	// Bob downloads, reports ready, and the barrier commits for everyone
	prepare := waitEvent[PrepareVideo](t, coordinator.Events())
	require.Equal(t, "clip1.mp4", prepare.Filename)
	require.Equal(t, "Alice", prepare.User)

	downloaded := waitEvent[VideoReady](t, coordinator.Events())
	bobBytes, err := os.ReadFile(downloaded.LocalPath)
	require.NoError(t, err)
	require.Equal(t, content, bobBytes)

	waitEvent[AllReady](t, coordinator.Events())
	waitEvent[AllReady](t, alice.Events())

	// the commit started playback from position zero on Bob's controller
	require.Eventually(t, func() bool {
		return media.playing() && media.loadedPath() == downloaded.LocalPath
	}, 5*time.Second, 10*time.Millisecond)
}
