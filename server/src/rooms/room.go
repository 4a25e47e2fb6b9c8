package rooms

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rdmplayer/watchtogether/protocol"
	"github.com/rdmplayer/watchtogether/server/src/logger"
)

// ErrNotHost is returned for host-only operations requested by anyone else.
var ErrNotHost = errors.New("requester is not the room host")

// readySyncTimeout bounds how long a newly shared clip may wait for
// participants to finish downloading before playback is forced.
const readySyncTimeout = 30 * time.Second

// Sender is the outbound half of a participant's signaling channel. Sends
// must never fail into the room: an implementation that cannot deliver a
// payload removes itself from the room instead.
type Sender interface {
	SendMessage(payload []byte)
	CloseWithReason(reason string)
}

type participant struct {
	id       string
	username string
	sender   Sender
	joinedAt time.Time
}

// VideoEntry is the catalogue record of one uploaded clip. Entries are
// immutable and live until the room is reaped.
type VideoEntry struct {
	Filename   string
	StoredName string
	Size       int64
	UploadedBy string
	UploadedAt time.Time
}

// Room is the unit of a shared watch-together session. All state behind the
// mutex is serialised: playback events, the ready-sync barrier, membership
// changes and fan-out never run concurrently on the same room.
type Room struct {
	code           string
	passwordDigest []byte
	hostID         string
	createdAt      time.Time

	mu           sync.Mutex
	lastActivity time.Time
	participants map[string]*participant
	videos       map[string]VideoEntry
	playback     protocol.PlaybackState
	currentVideo string
	pendingVideo string
	ready        *ReadyTracker
	sharedPool   bool
	readyTimer   *time.Timer
}

func NewRoom(code string, passwordDigest []byte, hostID string) *Room {
	now := time.Now()
	return &Room{
		code:           code,
		passwordDigest: passwordDigest,
		hostID:         hostID,
		createdAt:      now,
		lastActivity:   now,
		participants:   make(map[string]*participant),
		videos:         make(map[string]VideoEntry),
		playback:       protocol.PlaybackState{Playing: false, Position: 0, Speed: 1.0},
		ready:          NewReadyTracker(),
	}
}

func (room *Room) Code() string {
	return room.code
}

func (room *Room) HostID() string {
	return room.hostID
}

func (room *Room) PasswordDigest() []byte {
	return room.passwordDigest
}

// Touch advances the activity clock that the expiry sweep reads.
func (room *Room) Touch() {
	room.mu.Lock()
	defer room.mu.Unlock()

	room.lastActivity = time.Now()
}

func (room *Room) Expired(horizon time.Duration) bool {
	room.mu.Lock()
	defer room.mu.Unlock()

	return time.Since(room.lastActivity) > horizon
}

func (room *Room) ParticipantCount() int {
	room.mu.Lock()
	defer room.mu.Unlock()

	return len(room.participants)
}

func (room *Room) IsMember(participantID string) bool {
	room.mu.Lock()
	defer room.mu.Unlock()

	_, ok := room.participants[participantID]
	return ok
}

func (room *Room) SharedPool() bool {
	room.mu.Lock()
	defer room.mu.Unlock()

	return room.sharedPool
}

func (room *Room) Playback() protocol.PlaybackState {
	room.mu.Lock()
	defer room.mu.Unlock()

	return room.playback
}

func (room *Room) PendingVideo() string {
	room.mu.Lock()
	defer room.mu.Unlock()

	return room.pendingVideo
}

func (room *Room) Video(videoID string) (VideoEntry, bool) {
	room.mu.Lock()
	defer room.mu.Unlock()

	entry, ok := room.videos[videoID]
	return entry, ok
}

// Snapshot builds the full state sent on the websocket handshake and in the
// join response.
func (room *Room) Snapshot() protocol.RoomState {
	room.mu.Lock()
	defer room.mu.Unlock()

	return room.snapshotLocked()
}

func (room *Room) snapshotLocked() protocol.RoomState {
	var currentVideo *string
	if room.currentVideo != "" {
		video := room.currentVideo
		currentVideo = &video
	}

	return protocol.RoomState{
		Users:         room.userListLocked(),
		PlaybackState: room.playback,
		CurrentVideo:  currentVideo,
		HostID:        room.hostID,
		Videos:        room.videoSummaryLocked(),
	}
}

// Join registers the participant, replies with the state snapshot and
// announces the arrival to every other channel.
func (room *Room) Join(participantID string, username string, sender Sender) {
	room.mu.Lock()
	defer room.mu.Unlock()

	room.participants[participantID] = &participant{
		id:       participantID,
		username: username,
		sender:   sender,
		joinedAt: time.Now(),
	}
	room.lastActivity = time.Now()

	room.sendToLocked(participantID, room.snapshotLocked())
	room.broadcastExceptLocked(protocol.UserJoined{
		UserID:   participantID,
		Username: username,
		Users:    room.userListLocked(),
	}, participantID)

	logger.Infow("User joined room", "username", username, "room", room.code)
}

// Leave removes the participant and announces the departure. Leaving during
// SYNCING re-evaluates the barrier, which may commit immediately.
func (room *Room) Leave(participantID string) {
	room.mu.Lock()
	defer room.mu.Unlock()

	leaving, ok := room.participants[participantID]
	if !ok {
		return
	}
	delete(room.participants, participantID)
	room.ready.Delete(participantID)

	room.broadcastAllLocked(protocol.UserLeft{
		UserID:   participantID,
		Username: leaving.username,
		Users:    room.userListLocked(),
	})

	logger.Infow("User left room", "username", leaving.username, "room", room.code)
	room.reevaluateBarrierLocked()
}

// HandlePlay applies a play event and fans it out to everyone except the
// originator. While a clip is undergoing ready-sync the shared state must
// stay paused at position zero, so play/pause/seek are ignored until the
// barrier commits.
func (room *Room) HandlePlay(participantID string, position float64) {
	room.mu.Lock()
	defer room.mu.Unlock()

	if room.pendingVideo != "" {
		return
	}
	room.playback.Playing = true
	room.playback.Position = position
	room.playback.Timestamp = nowUnix()
	room.broadcastExceptLocked(protocol.Play{
		Position:  position,
		User:      room.usernameLocked(participantID),
		Timestamp: room.playback.Timestamp,
	}, participantID)
}

func (room *Room) HandlePause(participantID string, position float64) {
	room.mu.Lock()
	defer room.mu.Unlock()

	if room.pendingVideo != "" {
		return
	}
	room.playback.Playing = false
	room.playback.Position = position
	room.playback.Timestamp = nowUnix()
	room.broadcastExceptLocked(protocol.Pause{
		Position:  position,
		User:      room.usernameLocked(participantID),
		Timestamp: room.playback.Timestamp,
	}, participantID)
}

func (room *Room) HandleSeek(participantID string, position float64) {
	room.mu.Lock()
	defer room.mu.Unlock()

	if room.pendingVideo != "" {
		return
	}
	room.playback.Position = position
	room.playback.Timestamp = nowUnix()
	room.broadcastExceptLocked(protocol.Seek{
		Position:  position,
		User:      room.usernameLocked(participantID),
		Timestamp: room.playback.Timestamp,
	}, participantID)
}

func (room *Room) HandleSpeed(participantID string, speed float64) {
	room.mu.Lock()
	defer room.mu.Unlock()

	if speed <= 0 {
		return
	}
	room.playback.Speed = speed
	room.broadcastExceptLocked(protocol.Speed{
		Speed: speed,
		User:  room.usernameLocked(participantID),
	}, participantID)
}

// ShareVideo enters the SYNCING state for an uploaded clip: playback pauses
// at position zero, the sharer counts as ready, everyone else is told to
// prepare. A sole participant commits immediately; otherwise a timeout is
// scheduled so a stalled download cannot hold the room forever.
func (room *Room) ShareVideo(participantID string, videoID string) {
	room.mu.Lock()
	defer room.mu.Unlock()

	entry, ok := room.videos[videoID]
	if !ok {
		return
	}

	room.currentVideo = videoID
	room.playback.Playing = false
	room.playback.Position = 0
	room.playback.Timestamp = nowUnix()
	room.pendingVideo = videoID
	room.ready.Reset(participantID)
	room.stopReadyTimerLocked()

	room.broadcastExceptLocked(protocol.PrepareVideo{
		VideoID:   videoID,
		Filename:  entry.Filename,
		User:      room.usernameLocked(participantID),
		Timestamp: room.playback.Timestamp,
	}, participantID)

	if len(room.participants) <= 1 {
		room.commitPendingLocked(videoID)
		return
	}

	logger.Infow("Ready-sync started", "video", videoID, "room", room.code,
		"ready", 1, "total", len(room.participants))
	room.readyTimer = time.AfterFunc(readySyncTimeout, func() {
		room.readyTimeout(videoID)
	})
}

// MarkReady records a readiness report for the pending clip and commits when
// every current participant is ready. Reports for any other clip are ignored.
func (room *Room) MarkReady(participantID string, videoID string) {
	room.mu.Lock()
	defer room.mu.Unlock()

	if room.pendingVideo == "" || room.pendingVideo != videoID {
		return
	}

	room.ready.SetReady(participantID)

	ids := room.participantIDsLocked()
	readyCount := room.ready.CountAmong(ids)
	total := len(ids)
	logger.Infow("Ready-sync progress", "video", videoID, "room", room.code,
		"ready", readyCount, "total", total)

	room.broadcastAllLocked(protocol.ReadyProgress{
		VideoID: videoID,
		Ready:   readyCount,
		Total:   total,
	})

	if readyCount >= total {
		room.commitPendingLocked(videoID)
	}
}

// Kick closes the target's channel and announces the eviction. Only the host
// may kick; kicking yourself or an absent participant is ignored.
func (room *Room) Kick(requesterID string, targetID string) error {
	room.mu.Lock()
	defer room.mu.Unlock()

	if requesterID != room.hostID {
		return ErrNotHost
	}
	if targetID == "" || targetID == requesterID {
		return nil
	}
	target, ok := room.participants[targetID]
	if !ok {
		return nil
	}

	kickedBy := room.usernameLocked(requesterID)
	room.sendToLocked(targetID, protocol.Kicked{Message: "You were kicked by " + kickedBy})

	delete(room.participants, targetID)
	room.ready.Delete(targetID)
	target.sender.CloseWithReason("Kicked by host")

	room.broadcastAllLocked(protocol.UserKicked{
		Username: target.username,
		KickedBy: kickedBy,
		Users:    room.userListLocked(),
	})

	logger.Infow("Host kicked user", "host", kickedBy, "kicked", target.username, "room", room.code)
	room.reevaluateBarrierLocked()
	return nil
}

// SetSharedPool toggles shared random pool mode. Host only.
func (room *Room) SetSharedPool(requesterID string, enabled bool) error {
	room.mu.Lock()
	defer room.mu.Unlock()

	if requesterID != room.hostID {
		return ErrNotHost
	}

	room.sharedPool = enabled
	room.broadcastAllLocked(protocol.SharedPoolChanged{
		Enabled:   enabled,
		ChangedBy: room.usernameLocked(requesterID),
	})
	return nil
}

// RequestRandom delegates a random-clip request. In shared pool mode a
// uniformly chosen participant (possibly the requester) is asked to provide
// a clip; otherwise the directive bounces back to the requester.
func (room *Room) RequestRandom(participantID string) {
	room.mu.Lock()
	defer room.mu.Unlock()

	directive := protocol.ProvideRandomClip{RequestedBy: room.usernameLocked(participantID)}

	if room.sharedPool && len(room.participants) > 0 {
		ids := room.participantIDsLocked()
		room.sendToLocked(ids[rand.Intn(len(ids))], directive)
		return
	}

	room.sendToLocked(participantID, directive)
}

// AddVideo records an accepted upload in the catalogue and announces it to
// the whole room, uploader included.
func (room *Room) AddVideo(uploaderID string, videoID string, entry VideoEntry) {
	room.mu.Lock()
	defer room.mu.Unlock()

	room.videos[videoID] = entry
	room.lastActivity = time.Now()

	room.broadcastAllLocked(protocol.VideoUploaded{
		VideoID:    videoID,
		Filename:   entry.Filename,
		Size:       entry.Size,
		UploadedBy: room.usernameLocked(uploaderID),
	})
}

// CloseAll disconnects every participant, e.g. when the room expires or the
// server shuts down.
func (room *Room) CloseAll(reason string) {
	room.mu.Lock()
	defer room.mu.Unlock()

	room.stopReadyTimerLocked()
	for _, member := range room.participants {
		member.sender.CloseWithReason(reason)
	}
	room.participants = make(map[string]*participant)
}

func (room *Room) readyTimeout(videoID string) {
	room.mu.Lock()
	defer room.mu.Unlock()

	// a commit may have already happened; the timer re-checks before acting
	if room.pendingVideo != videoID {
		return
	}
	logger.Infow("Ready-sync timeout, forcing start", "video", videoID, "room", room.code)
	room.commitPendingLocked(videoID)
}

func (room *Room) commitPendingLocked(videoID string) {
	room.stopReadyTimerLocked()
	room.pendingVideo = ""
	room.playback.Playing = true
	room.playback.Position = 0
	room.playback.Timestamp = nowUnix()
	room.broadcastAllLocked(protocol.AllReady{VideoID: videoID})
}

// reevaluateBarrierLocked commits the pending clip when participant churn
// has left only ready participants behind.
func (room *Room) reevaluateBarrierLocked() {
	if room.pendingVideo == "" || len(room.participants) == 0 {
		return
	}
	ids := room.participantIDsLocked()
	if room.ready.CountAmong(ids) >= len(ids) {
		room.commitPendingLocked(room.pendingVideo)
	}
}

func (room *Room) stopReadyTimerLocked() {
	if room.readyTimer != nil {
		room.readyTimer.Stop()
		room.readyTimer = nil
	}
}

func (room *Room) usernameLocked(participantID string) string {
	if member, ok := room.participants[participantID]; ok {
		return member.username
	}
	return "Unknown"
}

func (room *Room) userListLocked() []protocol.UserInfo {
	users := make([]protocol.UserInfo, 0, len(room.participants))
	for _, member := range room.participants {
		users = append(users, protocol.UserInfo{UserID: member.id, Username: member.username})
	}
	return users
}

func (room *Room) participantIDsLocked() []string {
	ids := make([]string, 0, len(room.participants))
	for id := range room.participants {
		ids = append(ids, id)
	}
	return ids
}

func (room *Room) videoSummaryLocked() map[string]protocol.VideoInfo {
	videos := make(map[string]protocol.VideoInfo, len(room.videos))
	for id, entry := range room.videos {
		videos[id] = protocol.VideoInfo{Filename: entry.Filename, Size: entry.Size}
	}
	return videos
}

func (room *Room) broadcastAllLocked(message protocol.Message) {
	room.broadcastExceptLocked(message, "")
}

func (room *Room) broadcastExceptLocked(message protocol.Message, exceptID string) {
	payload, err := protocol.MarshalMessage(message)
	if err != nil {
		logger.Errorw("Unable to marshal broadcast message", "type", message.Type(), "error", err)
		return
	}

	for id, member := range room.participants {
		if id == exceptID {
			continue
		}
		member.sender.SendMessage(payload)
	}
}

func (room *Room) sendToLocked(participantID string, message protocol.Message) {
	member, ok := room.participants[participantID]
	if !ok {
		return
	}
	payload, err := protocol.MarshalMessage(message)
	if err != nil {
		logger.Errorw("Unable to marshal message", "type", message.Type(), "error", err)
		return
	}
	member.sender.SendMessage(payload)
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
