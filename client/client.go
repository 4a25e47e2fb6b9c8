package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/rdmplayer/watchtogether/protocol"
)

const (
	pingInterval         = 5 * time.Second
	requestTimeout       = 10 * time.Second
	transferTimeout      = 600 * time.Second
	writeTimeout         = 10 * time.Second
	maxReconnectAttempts = 5
	maxReconnectDelay    = 30 * time.Second
	eventBufferSize      = 256
)

type videoMeta struct {
	filename  string
	size      int64
	localPath string
}

// SessionClient drives one watch-together session: the HTTP handshakes, the
// signaling channel, clip transfers, and reconnection. All methods are safe
// for concurrent use; results arrive asynchronously on the event channel.
type SessionClient struct {
	log            *zap.SugaredLogger
	httpClient     *http.Client
	transferClient *http.Client

	events chan Event

	mutex             sync.Mutex
	serverURL         string
	roomCode          string
	userID            string
	username          string
	hostID            string
	lastPassword      string
	conn              *websocket.Conn
	connected         bool
	shuttingDown      bool
	reconnectAttempts int
	stopPing          chan struct{}

	videosMutex sync.Mutex
	videos      map[string]*videoMeta

	downloadDir string

	ignoreRemote atomic.Bool

	pingMutex  sync.Mutex
	pingSentAt time.Time
}

func NewSessionClient(log *zap.SugaredLogger) (*SessionClient, error) {
	downloadDir, err := os.MkdirTemp("", "rdm_session_")
	if err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	return &SessionClient{
		log:            log,
		httpClient:     &http.Client{Timeout: requestTimeout},
		transferClient: &http.Client{Timeout: transferTimeout},
		events:         make(chan Event, eventBufferSize),
		videos:         make(map[string]*videoMeta),
		downloadDir:    downloadDir,
	}, nil
}

// Events returns the notification channel. The session never closes it;
// consumers stop reading after a Disconnected or Kicked event.
func (client *SessionClient) Events() <-chan Event {
	return client.events
}

func (client *SessionClient) IsConnected() bool {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.connected
}

func (client *SessionClient) RoomCode() string {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.roomCode
}

func (client *SessionClient) UserID() string {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.userID
}

func (client *SessionClient) Username() string {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.username
}

func (client *SessionClient) IsHost() bool {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.userID != "" && client.userID == client.hostID
}

// CreateRoom creates a room on the server and opens the signaling channel.
// The outcome arrives as RoomCreated plus Connected, or as a RoomError.
func (client *SessionClient) CreateRoom(serverURL string, username string, password string) {
	client.mutex.Lock()
	client.shuttingDown = false
	client.reconnectAttempts = 0
	client.lastPassword = password
	client.mutex.Unlock()

	go client.createRoom(serverURL, username, password)
}

// JoinRoom joins an existing room and opens the signaling channel. The
// outcome arrives as RoomJoined plus Connected, or as a RoomError.
func (client *SessionClient) JoinRoom(serverURL string, username string, roomCode string, password string) {
	client.mutex.Lock()
	client.shuttingDown = false
	client.reconnectAttempts = 0
	client.lastPassword = password
	client.mutex.Unlock()

	go client.joinRoom(serverURL, username, roomCode, password)
}

// Disconnect leaves the session. No reconnect is attempted afterwards.
func (client *SessionClient) Disconnect() {
	client.mutex.Lock()
	client.shuttingDown = true
	client.reconnectAttempts = maxReconnectAttempts
	client.stopPingLocked()
	conn := client.conn
	client.conn = nil
	client.connected = false
	client.roomCode = ""
	client.userID = ""
	client.mutex.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}

	client.videosMutex.Lock()
	client.videos = make(map[string]*videoMeta)
	client.videosMutex.Unlock()
}

// Cleanup disconnects and removes all downloaded clips.
func (client *SessionClient) Cleanup() {
	client.Disconnect()
	if err := os.RemoveAll(client.downloadDir); err != nil {
		client.log.Warnw("Failed to remove download directory", "dir", client.downloadDir, "error", err)
	}
}

// SuppressingEcho raises the echo-suppression flag for the duration of apply.
// Local controller changes made inside apply do not re-broadcast.
func (client *SessionClient) SuppressingEcho(apply func()) {
	client.ignoreRemote.Store(true)
	defer client.ignoreRemote.Store(false)
	apply()
}

func (client *SessionClient) SendPlay(position float64) {
	if client.ignoreRemote.Load() {
		return
	}
	client.sendMessage(&protocol.Play{Position: position})
}

func (client *SessionClient) SendPause(position float64) {
	if client.ignoreRemote.Load() {
		return
	}
	client.sendMessage(&protocol.Pause{Position: position})
}

func (client *SessionClient) SendSeek(position float64) {
	if client.ignoreRemote.Load() {
		return
	}
	client.sendMessage(&protocol.Seek{Position: position})
}

func (client *SessionClient) SendSpeed(speed float64) {
	if client.ignoreRemote.Load() {
		return
	}
	client.sendMessage(&protocol.Speed{Speed: speed})
}

func (client *SessionClient) SendPlayVideo(videoID string) {
	client.sendMessage(&protocol.PlayVideo{VideoID: videoID})
}

func (client *SessionClient) SendReady(videoID string) {
	client.sendMessage(&protocol.Ready{VideoID: videoID})
}

func (client *SessionClient) SendKick(targetUserID string) {
	client.sendMessage(&protocol.Kick{TargetUserID: targetUserID})
}

func (client *SessionClient) SendSetSharedPool(enabled bool) {
	client.sendMessage(&protocol.SetSharedPool{Enabled: enabled})
}

func (client *SessionClient) SendRequestRandom() {
	client.sendMessage(&protocol.RequestRandom{})
}

func (client *SessionClient) SendPing() {
	client.pingMutex.Lock()
	client.pingSentAt = time.Now()
	client.pingMutex.Unlock()
	client.sendMessage(&protocol.Ping{})
}

func (client *SessionClient) emit(event Event) {
	select {
	case client.events <- event:
	default:
		client.log.Warnw("Event channel full, dropping event", "event", fmt.Sprintf("%T", event))
	}
}

type credentials struct {
	Password string `json:"password"`
	Username string `json:"username"`
}

type roomResponse struct {
	Detail        string                        `json:"detail"`
	RoomCode      string                        `json:"room_code"`
	UserID        string                        `json:"user_id"`
	HostID        string                        `json:"host_id"`
	Users         []protocol.UserInfo           `json:"users"`
	PlaybackState protocol.PlaybackState        `json:"playback_state"`
	CurrentVideo  *string                       `json:"current_video"`
	Videos        map[string]protocol.VideoInfo `json:"videos"`
}

func (client *SessionClient) createRoom(serverURL string, username string, password string) {
	url := normalizeURL(serverURL)

	client.mutex.Lock()
	client.serverURL = url
	client.username = username
	client.mutex.Unlock()

	status, response, err := client.postJSON(url+"/rooms", credentials{Password: password, Username: username})
	if err != nil {
		client.emit(ConnectionError{Message: "Cannot reach server"})
		return
	}
	if status != http.StatusOK {
		client.emit(RoomError{Message: "Failed to create room: " + response.Detail})
		return
	}

	client.mutex.Lock()
	client.roomCode = response.RoomCode
	client.userID = response.UserID
	client.hostID = response.HostID
	client.mutex.Unlock()

	client.emit(RoomCreated{RoomCode: response.RoomCode, UserID: response.UserID})
	client.connectSocket()
}

func (client *SessionClient) joinRoom(serverURL string, username string, roomCode string, password string) {
	url := normalizeURL(serverURL)

	client.mutex.Lock()
	client.serverURL = url
	client.username = username
	client.mutex.Unlock()

	status, response, err := client.postJSON(
		fmt.Sprintf("%s/rooms/%s/join", url, roomCode),
		credentials{Password: password, Username: username},
	)
	if err != nil {
		client.emit(ConnectionError{Message: "Cannot reach server"})
		return
	}

	switch status {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		client.emit(RoomError{Message: "Too many attempts. Try again later."})
		return
	case http.StatusNotFound:
		client.emit(RoomError{Message: "Room not found"})
		return
	case http.StatusForbidden:
		client.emit(RoomError{Message: "Incorrect password"})
		return
	default:
		client.emit(RoomError{Message: "Failed to join: " + response.Detail})
		return
	}

	client.adoptRoom(response)
	client.emit(RoomJoined{State: response.roomState()})
	client.connectSocket()
}

func (client *SessionClient) adoptRoom(response *roomResponse) {
	client.mutex.Lock()
	client.roomCode = response.RoomCode
	client.userID = response.UserID
	client.hostID = response.HostID
	client.mutex.Unlock()

	client.videosMutex.Lock()
	for videoID, info := range response.Videos {
		if _, ok := client.videos[videoID]; !ok {
			client.videos[videoID] = &videoMeta{filename: info.Filename, size: info.Size}
		}
	}
	client.videosMutex.Unlock()
}

func (response *roomResponse) roomState() protocol.RoomState {
	return protocol.RoomState{
		Users:         response.Users,
		PlaybackState: response.PlaybackState,
		CurrentVideo:  response.CurrentVideo,
		HostID:        response.HostID,
		Videos:        response.Videos,
	}
}

func (client *SessionClient) postJSON(url string, body any) (int, *roomResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}

	httpResponse, err := client.httpClient.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	defer httpResponse.Body.Close()

	response := &roomResponse{}
	if err := json.NewDecoder(httpResponse.Body).Decode(response); err != nil && err != io.EOF {
		return httpResponse.StatusCode, &roomResponse{}, nil
	}
	return httpResponse.StatusCode, response, nil
}

func (client *SessionClient) connectSocket() {
	client.mutex.Lock()
	socketURL := fmt.Sprintf("%s/ws/%s", websocketURL(client.serverURL), client.roomCode)
	userID := client.userID
	username := client.username
	client.mutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, socketURL, nil)
	if err != nil {
		client.log.Errorw("Failed to open signaling channel", "url", socketURL, "error", err)
		client.emit(ConnectionError{Message: err.Error()})
		return
	}

	client.mutex.Lock()
	client.conn = conn
	client.connected = true
	client.mutex.Unlock()

	client.sendMessage(&protocol.Auth{UserID: userID, Username: username})
	client.emit(Connected{})
	client.startPingLoop()

	go client.readLoop(conn)
}

func (client *SessionClient) sendMessage(message protocol.Message) {
	payload, err := protocol.MarshalMessage(message)
	if err != nil {
		client.log.Errorw("Failed to marshal message", "type", message.Type(), "error", err)
		return
	}

	client.mutex.Lock()
	conn := client.conn
	connected := client.connected
	client.mutex.Unlock()

	if conn == nil || !connected {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		client.log.Errorw("Failed to send message", "type", message.Type(), "error", err)
	}
}

func (client *SessionClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			client.handleChannelClosed(err)
			return
		}
		client.handleMessage(data)
	}
}

func (client *SessionClient) handleChannelClosed(err error) {
	client.mutex.Lock()
	client.connected = false
	client.conn = nil
	client.stopPingLocked()
	shuttingDown := client.shuttingDown
	canReconnect := client.roomCode != "" && client.reconnectAttempts < maxReconnectAttempts
	client.mutex.Unlock()

	if shuttingDown {
		return
	}

	if canReconnect {
		client.log.Infow("Signaling channel lost, entering reconnect", "error", err)
		go client.runReconnect()
		return
	}

	reason := "Connection closed"
	var closeError websocket.CloseError
	if errors.As(err, &closeError) && closeError.Reason != "" {
		reason = closeError.Reason
	}
	client.emit(Disconnected{Reason: reason})
}

// runReconnect re-joins the room with the remembered credentials, backing off
// 2, 4, 8, 16, 30 seconds across at most five attempts. A fresh user id is
// issued on every successful re-join.
func (client *SessionClient) runReconnect() {
	for {
		client.mutex.Lock()
		client.reconnectAttempts++
		attempt := client.reconnectAttempts
		serverURL := client.serverURL
		roomCode := client.roomCode
		username := client.username
		password := client.lastPassword
		client.mutex.Unlock()

		if attempt > maxReconnectAttempts {
			client.emit(Disconnected{Reason: "Failed to reconnect"})
			return
		}

		delay := time.Duration(1<<uint(attempt)) * time.Second
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
		client.emit(ConnectionError{Message: fmt.Sprintf(
			"Connection lost, reconnecting in %ds (%d/%d)",
			int(delay.Seconds()), attempt, maxReconnectAttempts,
		)})
		time.Sleep(delay)

		client.mutex.Lock()
		shuttingDown := client.shuttingDown
		client.mutex.Unlock()
		if shuttingDown {
			return
		}

		status, response, err := client.postJSON(
			fmt.Sprintf("%s/rooms/%s/join", serverURL, roomCode),
			credentials{Password: password, Username: username},
		)
		if err != nil {
			client.log.Warnw("Reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		switch status {
		case http.StatusOK:
			client.adoptRoom(response)
			client.mutex.Lock()
			client.reconnectAttempts = 0
			client.mutex.Unlock()
			client.log.Infow("Reconnected", "room", roomCode)
			client.emit(RoomJoined{State: response.roomState()})
			client.connectSocket()
			return
		case http.StatusNotFound:
			client.emit(Disconnected{Reason: "Room no longer exists"})
			return
		default:
			client.log.Warnw("Reconnect attempt rejected", "attempt", attempt, "status", status)
		}
	}
}

func (client *SessionClient) startPingLoop() {
	client.mutex.Lock()
	client.stopPingLocked()
	stop := make(chan struct{})
	client.stopPing = stop
	client.mutex.Unlock()

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				client.SendPing()
			}
		}
	}()
}

func (client *SessionClient) stopPingLocked() {
	if client.stopPing != nil {
		close(client.stopPing)
		client.stopPing = nil
	}
}

func (client *SessionClient) handleMessage(data []byte) {
	message, err := protocol.UnmarshalMessage(data)
	if err != nil {
		client.log.Warnw("Invalid message from server", "error", err)
		return
	}

	switch message := message.(type) {
	case *protocol.RoomState:
		client.handleRoomState(message)

	case *protocol.UserJoined:
		client.emit(UserJoined{Username: message.Username, Users: message.Users})

	case *protocol.UserLeft:
		client.emit(UserLeft{Username: message.Username, Users: message.Users})

	case *protocol.UserKicked:
		client.emit(UserKicked{Username: message.Username, KickedBy: message.KickedBy, Users: message.Users})

	case *protocol.Kicked:
		client.mutex.Lock()
		client.shuttingDown = true
		client.mutex.Unlock()
		client.emit(Kicked{Message: message.Message})

	case *protocol.Play:
		client.emit(RemotePlay{Position: message.Position, User: message.User})

	case *protocol.Pause:
		client.emit(RemotePause{Position: message.Position, User: message.User})

	case *protocol.Seek:
		client.emit(RemoteSeek{Position: message.Position, User: message.User})

	case *protocol.Speed:
		client.emit(RemoteSpeed{Speed: message.Speed, User: message.User})

	case *protocol.PrepareVideo:
		client.recordVideo(message.VideoID, message.Filename, 0)
		client.emit(PrepareVideo{VideoID: message.VideoID, Filename: message.Filename, User: message.User})
		client.DownloadVideo(message.VideoID)

	case *protocol.AllReady:
		client.emit(AllReady{VideoID: message.VideoID})

	case *protocol.ReadyProgress:
		client.emit(ReadyProgress{Ready: message.Ready, Total: message.Total})

	case *protocol.VideoUploaded:
		client.recordVideo(message.VideoID, message.Filename, message.Size)
		client.emit(VideoUploaded{
			VideoID:    message.VideoID,
			Filename:   message.Filename,
			Size:       message.Size,
			UploadedBy: message.UploadedBy,
		})

	case *protocol.Pong:
		client.handlePong()

	case *protocol.ProvideRandomClip:
		client.emit(RandomClipRequested{RequestedBy: message.RequestedBy})

	case *protocol.SharedPoolChanged:
		client.emit(SharedPoolChanged{Enabled: message.Enabled, ChangedBy: message.ChangedBy})

	case *protocol.Error:
		client.emit(RoomError{Message: message.Message})

	default:
		client.log.Debugw("Ignoring unexpected message", "type", message.Type())
	}
}

func (client *SessionClient) handleRoomState(state *protocol.RoomState) {
	client.videosMutex.Lock()
	for videoID, info := range state.Videos {
		if meta, ok := client.videos[videoID]; ok {
			meta.filename = info.Filename
			meta.size = info.Size
		} else {
			client.videos[videoID] = &videoMeta{filename: info.Filename, size: info.Size}
		}
	}
	client.videosMutex.Unlock()

	client.emit(RoomJoined{State: *state})

	// Sync-on-join: an already-active clip is downloaded in the background
	// and the reported playback state applied once the bytes are ready.
	if state.CurrentVideo == nil {
		return
	}
	videoID := *state.CurrentVideo
	filename := videoID + ".mp4"
	if info, ok := state.Videos[videoID]; ok {
		filename = info.Filename
	}
	client.emit(SyncToVideo{VideoID: videoID, Filename: filename, Playback: state.PlaybackState})
	client.DownloadVideo(videoID)
}

func (client *SessionClient) handlePong() {
	client.pingMutex.Lock()
	sentAt := client.pingSentAt
	client.pingSentAt = time.Time{}
	client.pingMutex.Unlock()

	if !sentAt.IsZero() {
		client.emit(PingResult{LatencyMillis: time.Since(sentAt).Milliseconds()})
	}
}

func (client *SessionClient) recordVideo(videoID string, filename string, size int64) {
	client.videosMutex.Lock()
	defer client.videosMutex.Unlock()

	if meta, ok := client.videos[videoID]; ok {
		if filename != "" {
			meta.filename = filename
		}
		if size > 0 {
			meta.size = size
		}
		return
	}
	client.videos[videoID] = &videoMeta{filename: filename, size: size}
}

func normalizeURL(url string) string {
	url = strings.TrimRight(strings.TrimSpace(url), "/")
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	return url
}

func websocketURL(httpURL string) string {
	url := strings.Replace(httpURL, "http://", "ws://", 1)
	return strings.Replace(url, "https://", "wss://", 1)
}
