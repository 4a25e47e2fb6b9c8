// Package client implements the peer-side session coordinator for the
// watch-together server: room creation and joining over HTTP, the signaling
// channel with auth and automatic reconnection, clip upload and download with
// progress reporting, and the ready-sync choreography around a local media
// controller.
//
// The network side never calls into the UI directly. Everything the session
// learns is delivered as a typed Event on the channel returned by Events.
package client

import "github.com/rdmplayer/watchtogether/protocol"

// Event is a notification from the session to its consumer. The concrete
// types below form a closed set.
type Event interface {
	isEvent()
}

// Connected fires once the signaling channel is open and auth has been sent.
type Connected struct{}

// Disconnected fires when the session is over for good: a local disconnect,
// a vanished room, or reconnect exhaustion.
type Disconnected struct {
	Reason string
}

// ConnectionError reports a transient transport problem. The session keeps
// running; reconnection is handled internally.
type ConnectionError struct {
	Message string
}

type RoomCreated struct {
	RoomCode string
	UserID   string
}

// RoomJoined carries the full room snapshot, both on the initial join and on
// every reconnect.
type RoomJoined struct {
	State protocol.RoomState
}

// RoomError is a non-transient, human-readable failure surfaced to the UI.
type RoomError struct {
	Message string
}

type UserJoined struct {
	Username string
	Users    []protocol.UserInfo
}

type UserLeft struct {
	Username string
	Users    []protocol.UserInfo
}

type UserKicked struct {
	Username string
	KickedBy string
	Users    []protocol.UserInfo
}

// Kicked means this session was removed by the host. No reconnect follows.
type Kicked struct {
	Message string
}

type RemotePlay struct {
	Position float64
	User     string
}

type RemotePause struct {
	Position float64
	User     string
}

type RemoteSeek struct {
	Position float64
	User     string
}

type RemoteSpeed struct {
	Speed float64
	User  string
}

type VideoUploaded struct {
	VideoID    string
	Filename   string
	Size       int64
	UploadedBy string
}

type UploadProgress struct {
	BytesSent  int64
	TotalBytes int64
}

type DownloadProgress struct {
	BytesReceived int64
	TotalBytes    int64
}

// VideoReady fires when a clip's bytes are available locally, either because
// a download finished or because the clip was uploaded from a local path.
type VideoReady struct {
	VideoID   string
	LocalPath string
}

// PrepareVideo announces a newly shared clip. The session has already started
// downloading it; readiness is reported once the bytes arrive.
type PrepareVideo struct {
	VideoID  string
	Filename string
	User     string
}

type AllReady struct {
	VideoID string
}

type ReadyProgress struct {
	Ready int
	Total int
}

// SyncToVideo fires on join when the room already has an active clip. The
// accompanying state is applied to the media controller once the download
// completes.
type SyncToVideo struct {
	VideoID  string
	Filename string
	Playback protocol.PlaybackState
}

// RandomClipRequested means the server picked this session to supply the next
// clip from its local library.
type RandomClipRequested struct {
	RequestedBy string
}

type SharedPoolChanged struct {
	Enabled   bool
	ChangedBy string
}

type PingResult struct {
	LatencyMillis int64
}

func (Connected) isEvent()           {}
func (Disconnected) isEvent()        {}
func (ConnectionError) isEvent()     {}
func (RoomCreated) isEvent()         {}
func (RoomJoined) isEvent()          {}
func (RoomError) isEvent()           {}
func (UserJoined) isEvent()          {}
func (UserLeft) isEvent()            {}
func (UserKicked) isEvent()          {}
func (Kicked) isEvent()              {}
func (RemotePlay) isEvent()          {}
func (RemotePause) isEvent()         {}
func (RemoteSeek) isEvent()          {}
func (RemoteSpeed) isEvent()         {}
func (VideoUploaded) isEvent()       {}
func (UploadProgress) isEvent()      {}
func (DownloadProgress) isEvent()    {}
func (VideoReady) isEvent()          {}
func (PrepareVideo) isEvent()        {}
func (AllReady) isEvent()            {}
func (ReadyProgress) isEvent()       {}
func (SyncToVideo) isEvent()         {}
func (RandomClipRequested) isEvent() {}
func (SharedPoolChanged) isEvent()   {}
func (PingResult) isEvent()          {}
