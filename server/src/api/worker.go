package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rdmplayer/watchtogether/protocol"
	"github.com/rdmplayer/watchtogether/server/src/logger"
	"github.com/rdmplayer/watchtogether/server/src/rooms"
)

const (
	authTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// Worker drives one participant's signaling channel: it enforces the auth
// handshake, reads inbound messages serially so the room sees them in send
// order, and serialises outbound writes so a slow peer cannot interleave
// frames.
type Worker struct {
	registry   *rooms.Registry
	conn       Connection
	roomCode   string
	room       *rooms.Room
	userID     string
	username   string
	writeMutex sync.Mutex
	closeOnce  sync.Once
}

func NewWorker(registry *rooms.Registry, conn Connection, roomCode string) *Worker {
	return &Worker{
		registry: registry,
		conn:     conn,
		roomCode: roomCode,
	}
}

func (worker *Worker) Start() {
	defer worker.CloseWithReason("")

	room, ok := worker.registry.Lookup(worker.roomCode)
	if !ok {
		worker.sendError("Room not found")
		return
	}
	worker.room = room

	if !worker.authenticate() {
		return
	}

	room.Join(worker.userID, worker.username, worker)
	defer room.Leave(worker.userID)

	worker.readLoop()
}

// authenticate requires the first inbound frame to be a well-formed auth
// message within the handshake deadline.
func (worker *Worker) authenticate() bool {
	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	defer cancel()

	data, err := worker.conn.ReadMessage(ctx)
	if err != nil {
		logger.Warnw("Auth handshake failed", "room", worker.roomCode, "error", err)
		return false
	}

	message, err := protocol.UnmarshalMessage(data)
	if err != nil {
		worker.sendError("Auth required")
		return false
	}

	auth, ok := message.(*protocol.Auth)
	if !ok {
		worker.sendError("Auth required")
		return false
	}
	if auth.UserID == "" {
		worker.sendError("Invalid user_id")
		return false
	}

	worker.userID = auth.UserID
	worker.username = auth.Username
	if worker.username == "" {
		worker.username = "Anonymous"
	}
	return true
}

func (worker *Worker) readLoop() {
	for {
		data, err := worker.conn.ReadMessage(context.Background())
		if err != nil {
			logger.Infow("Connection closed", "room", worker.roomCode, "user", worker.username)
			return
		}
		worker.handleMessage(data)
	}
}

func (worker *Worker) handleMessage(data []byte) {
	message, err := protocol.UnmarshalMessage(data)
	if err != nil {
		worker.sendError("Invalid message")
		return
	}

	worker.room.Touch()

	switch message := message.(type) {
	case *protocol.Play:
		worker.room.HandlePlay(worker.userID, message.Position)
	case *protocol.Pause:
		worker.room.HandlePause(worker.userID, message.Position)
	case *protocol.Seek:
		worker.room.HandleSeek(worker.userID, message.Position)
	case *protocol.Speed:
		worker.room.HandleSpeed(worker.userID, message.Speed)
	case *protocol.PlayVideo:
		worker.room.ShareVideo(worker.userID, message.VideoID)
	case *protocol.Ready:
		worker.room.MarkReady(worker.userID, message.VideoID)
	case *protocol.Kick:
		if errors.Is(worker.room.Kick(worker.userID, message.TargetUserID), rooms.ErrNotHost) {
			worker.sendError("Only the host can kick users")
		}
	case *protocol.SetSharedPool:
		if errors.Is(worker.room.SetSharedPool(worker.userID, message.Enabled), rooms.ErrNotHost) {
			worker.sendError("Only the host can change pool mode")
		}
	case *protocol.RequestRandom:
		worker.room.RequestRandom(worker.userID)
	case *protocol.Ping:
		worker.send(protocol.Pong{})
	default:
		worker.sendError("Unsupported message type")
	}
}

// SendMessage implements rooms.Sender. A failed write marks this participant
// for removal without stalling the room's fan-out.
func (worker *Worker) SendMessage(payload []byte) {
	worker.writeMutex.Lock()
	defer worker.writeMutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := worker.conn.WriteMessage(ctx, payload); err != nil {
		logger.Warnw("Unable to send message, dropping participant",
			"room", worker.roomCode, "user", worker.username, "error", err)
		go worker.CloseWithReason("")
	}
}

// CloseWithReason implements rooms.Sender. Closing the connection unblocks
// the read loop, which then removes the participant from the room.
func (worker *Worker) CloseWithReason(reason string) {
	worker.closeOnce.Do(func() {
		worker.conn.Close(reason)
	})
}

func (worker *Worker) send(message protocol.Message) {
	payload, err := protocol.MarshalMessage(message)
	if err != nil {
		logger.Errorw("Unable to marshal message", "type", message.Type(), "error", err)
		return
	}
	worker.SendMessage(payload)
}

func (worker *Worker) sendError(message string) {
	worker.send(protocol.Error{Message: message})
}
