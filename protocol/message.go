// Package protocol defines the closed catalogue of JSON messages exchanged
// over the signaling channel between the watch-together server and its
// session clients. Every message carries a "type" discriminator; unknown
// discriminators decode into Unknown so the receiver can reject them
// explicitly instead of dropping the frame.
package protocol

import (
	"encoding/json"
)

type MessageType string

const (
	// inbound (client to server)
	AuthType          MessageType = "auth"
	PlayType          MessageType = "play"
	PauseType         MessageType = "pause"
	SeekType          MessageType = "seek"
	SpeedType         MessageType = "speed"
	PlayVideoType     MessageType = "play_video"
	ReadyType         MessageType = "ready"
	KickType          MessageType = "kick"
	SetSharedPoolType MessageType = "set_shared_pool"
	RequestRandomType MessageType = "request_random"
	PingType          MessageType = "ping"

	// outbound (server to client)
	RoomStateType         MessageType = "room_state"
	UserJoinedType        MessageType = "user_joined"
	UserLeftType          MessageType = "user_left"
	UserKickedType        MessageType = "user_kicked"
	KickedType            MessageType = "kicked"
	PrepareVideoType      MessageType = "prepare_video"
	AllReadyType          MessageType = "all_ready"
	ReadyProgressType     MessageType = "ready_progress"
	VideoUploadedType     MessageType = "video_uploaded"
	ProvideRandomClipType MessageType = "provide_random_clip"
	SharedPoolChangedType MessageType = "shared_pool_changed"
	PongType              MessageType = "pong"
	ErrorType             MessageType = "error"

	UnknownType MessageType = "unknown"
)

type Message interface {
	Type() MessageType
}

// UserInfo is the participant summary carried by room_state and the
// join/leave/kick announcements.
type UserInfo struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// PlaybackState mirrors the room's shared playback state. Position is a
// fraction of duration in [0,1]; Timestamp is the server wall clock of the
// last update in unix seconds.
type PlaybackState struct {
	Playing   bool    `json:"playing"`
	Position  float64 `json:"position"`
	Speed     float64 `json:"speed"`
	Timestamp float64 `json:"timestamp"`
}

// VideoInfo is the catalogue summary sent to clients.
type VideoInfo struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

type Auth struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

func (a Auth) Type() MessageType { return AuthType }

// Play doubles as the inbound event (position only) and the outbound fan-out
// (position, originating user, server timestamp). Pause and Seek follow the
// same shape.
type Play struct {
	Position  float64 `json:"position"`
	User      string  `json:"user,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

func (p Play) Type() MessageType { return PlayType }

type Pause struct {
	Position  float64 `json:"position"`
	User      string  `json:"user,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

func (p Pause) Type() MessageType { return PauseType }

type Seek struct {
	Position  float64 `json:"position"`
	User      string  `json:"user,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

func (s Seek) Type() MessageType { return SeekType }

type Speed struct {
	Speed float64 `json:"speed"`
	User  string  `json:"user,omitempty"`
}

func (s Speed) Type() MessageType { return SpeedType }

type PlayVideo struct {
	VideoID string `json:"video_id"`
}

func (p PlayVideo) Type() MessageType { return PlayVideoType }

type Ready struct {
	VideoID string `json:"video_id"`
}

func (r Ready) Type() MessageType { return ReadyType }

type Kick struct {
	TargetUserID string `json:"target_user_id"`
}

func (k Kick) Type() MessageType { return KickType }

type SetSharedPool struct {
	Enabled bool `json:"enabled"`
}

func (s SetSharedPool) Type() MessageType { return SetSharedPoolType }

type RequestRandom struct{}

func (r RequestRandom) Type() MessageType { return RequestRandomType }

type Ping struct{}

func (p Ping) Type() MessageType { return PingType }

type RoomState struct {
	Users         []UserInfo           `json:"users"`
	PlaybackState PlaybackState        `json:"playback_state"`
	CurrentVideo  *string              `json:"current_video"`
	HostID        string               `json:"host_id"`
	Videos        map[string]VideoInfo `json:"videos"`
}

func (r RoomState) Type() MessageType { return RoomStateType }

type UserJoined struct {
	UserID   string     `json:"user_id"`
	Username string     `json:"username"`
	Users    []UserInfo `json:"users"`
}

func (u UserJoined) Type() MessageType { return UserJoinedType }

type UserLeft struct {
	UserID   string     `json:"user_id"`
	Username string     `json:"username"`
	Users    []UserInfo `json:"users"`
}

func (u UserLeft) Type() MessageType { return UserLeftType }

type UserKicked struct {
	Username string     `json:"username"`
	KickedBy string     `json:"kicked_by"`
	Users    []UserInfo `json:"users"`
}

func (u UserKicked) Type() MessageType { return UserKickedType }

type Kicked struct {
	Message string `json:"message"`
}

func (k Kicked) Type() MessageType { return KickedType }

type PrepareVideo struct {
	VideoID   string  `json:"video_id"`
	Filename  string  `json:"filename"`
	User      string  `json:"user"`
	Timestamp float64 `json:"timestamp"`
}

func (p PrepareVideo) Type() MessageType { return PrepareVideoType }

type AllReady struct {
	VideoID string `json:"video_id"`
}

func (a AllReady) Type() MessageType { return AllReadyType }

type ReadyProgress struct {
	VideoID string `json:"video_id"`
	Ready   int    `json:"ready"`
	Total   int    `json:"total"`
}

func (r ReadyProgress) Type() MessageType { return ReadyProgressType }

type VideoUploaded struct {
	VideoID    string `json:"video_id"`
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
	UploadedBy string `json:"uploaded_by"`
}

func (v VideoUploaded) Type() MessageType { return VideoUploadedType }

type ProvideRandomClip struct {
	RequestedBy string `json:"requested_by"`
}

func (p ProvideRandomClip) Type() MessageType { return ProvideRandomClipType }

type SharedPoolChanged struct {
	Enabled   bool   `json:"enabled"`
	ChangedBy string `json:"changed_by"`
}

func (s SharedPoolChanged) Type() MessageType { return SharedPoolChangedType }

type Pong struct{}

func (p Pong) Type() MessageType { return PongType }

type Error struct {
	Message string `json:"message"`
}

func (e Error) Type() MessageType { return ErrorType }

type Unknown struct {
	json.RawMessage
}

func (u Unknown) Type() MessageType { return UnknownType }

func UnmarshalMessage(data []byte) (Message, error) {
	message, err := getMessage(data)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, message); err != nil {
		return nil, err
	}

	return message, nil
}

func getMessage(data []byte) (Message, error) {
	var messageHead struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &messageHead); err != nil {
		return nil, err
	}

	var message Message
	switch messageHead.Type {
	case AuthType:
		message = &Auth{}
	case PlayType:
		message = &Play{}
	case PauseType:
		message = &Pause{}
	case SeekType:
		message = &Seek{}
	case SpeedType:
		message = &Speed{}
	case PlayVideoType:
		message = &PlayVideo{}
	case ReadyType:
		message = &Ready{}
	case KickType:
		message = &Kick{}
	case SetSharedPoolType:
		message = &SetSharedPool{}
	case RequestRandomType:
		message = &RequestRandom{}
	case PingType:
		message = &Ping{}
	case RoomStateType:
		message = &RoomState{}
	case UserJoinedType:
		message = &UserJoined{}
	case UserLeftType:
		message = &UserLeft{}
	case UserKickedType:
		message = &UserKicked{}
	case KickedType:
		message = &Kicked{}
	case PrepareVideoType:
		message = &PrepareVideo{}
	case AllReadyType:
		message = &AllReady{}
	case ReadyProgressType:
		message = &ReadyProgress{}
	case VideoUploadedType:
		message = &VideoUploaded{}
	case ProvideRandomClipType:
		message = &ProvideRandomClip{}
	case SharedPoolChangedType:
		message = &SharedPoolChanged{}
	case PongType:
		message = &Pong{}
	case ErrorType:
		message = &Error{}
	default:
		message = &Unknown{}
	}

	return message, nil
}

func MarshalMessage(message Message) ([]byte, error) {
	encodedMessage, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}

	return appendType(encodedMessage, message.Type()), nil
}

func appendType(encodedMessage []byte, messageType MessageType) []byte {
	tag := `"type":"` + string(messageType) + `"`
	if len(encodedMessage) == 2 {
		// empty object, e.g. ping or pong
		return []byte(`{` + tag + `}`)
	}
	appendedMessage := string(encodedMessage)
	appendedMessage = appendedMessage[:len(appendedMessage)-1] + `,` + tag + `}`
	return []byte(appendedMessage)
}
