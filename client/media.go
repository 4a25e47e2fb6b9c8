package client

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rdmplayer/watchtogether/protocol"
)

// MediaController is the playback surface the coordinator drives. Position
// arguments are fractions of duration in [0,1].
type MediaController interface {
	Load(path string) error
	Play() error
	Pause() error
	SeekFraction(position float64) error
	SetRate(speed float64) error
}

// ClipLibrary supplies clips for shared-pool requests. RandomClip reports
// false when the library has nothing to offer.
type ClipLibrary interface {
	RandomClip() (string, bool)
}

type pendingAction int

const (
	actionNone pendingAction = iota
	// signal readiness once the bytes arrive
	actionReportReady
	// apply a remembered playback state once the bytes arrive
	actionApplySync
	// the barrier already committed; start playing as soon as bytes arrive
	actionPlayNow
)

type pendingVideo struct {
	action   pendingAction
	playback protocol.PlaybackState
}

// Coordinator wires a SessionClient to a local media controller: it applies
// remote playback events under echo suppression, walks new clips through the
// ready-sync barrier, performs sync-on-join, and serves shared-pool requests
// from the clip library. Every session event is forwarded on Events after
// handling, so the UI observes the same stream.
type Coordinator struct {
	session *SessionClient
	media   MediaController
	library ClipLibrary
	log     *zap.SugaredLogger

	out     chan Event
	pending map[string]pendingVideo
}

func NewCoordinator(session *SessionClient, media MediaController, library ClipLibrary, log *zap.SugaredLogger) *Coordinator {
	return &Coordinator{
		session: session,
		media:   media,
		library: library,
		log:     log,
		out:     make(chan Event, eventBufferSize),
		pending: make(map[string]pendingVideo),
	}
}

// Events returns the forwarded event stream for the UI layer.
func (coordinator *Coordinator) Events() <-chan Event {
	return coordinator.out
}

// Run consumes session events until the context is cancelled. Call it from a
// dedicated goroutine; the coordinator owns no other goroutines.
func (coordinator *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-coordinator.session.Events():
			coordinator.handle(event)
			coordinator.forward(event)
		}
	}
}

func (coordinator *Coordinator) handle(event Event) {
	switch event := event.(type) {
	case RemotePlay:
		coordinator.apply(func() error {
			if err := coordinator.media.SeekFraction(event.Position); err != nil {
				return err
			}
			return coordinator.media.Play()
		})

	case RemotePause:
		coordinator.apply(func() error {
			if err := coordinator.media.SeekFraction(event.Position); err != nil {
				return err
			}
			return coordinator.media.Pause()
		})

	case RemoteSeek:
		coordinator.apply(func() error {
			return coordinator.media.SeekFraction(event.Position)
		})

	case RemoteSpeed:
		coordinator.apply(func() error {
			return coordinator.media.SetRate(event.Speed)
		})

	case PrepareVideo:
		coordinator.pending[event.VideoID] = pendingVideo{action: actionReportReady}

	case SyncToVideo:
		coordinator.pending[event.VideoID] = pendingVideo{action: actionApplySync, playback: event.Playback}

	case VideoReady:
		coordinator.completeVideo(event.VideoID, event.LocalPath)

	case AllReady:
		coordinator.startPlayback(event.VideoID)

	case RandomClipRequested:
		path, ok := coordinator.library.RandomClip()
		if !ok {
			coordinator.log.Warnw("Shared-pool request but library is empty")
			coordinator.forward(RoomError{Message: "No clips available to share"})
			return
		}
		// Uploaded but not played locally until the barrier commits.
		coordinator.session.UploadAndPlay(path)
	}
}

func (coordinator *Coordinator) completeVideo(videoID string, localPath string) {
	pending, ok := coordinator.pending[videoID]
	if !ok {
		return
	}
	delete(coordinator.pending, videoID)

	switch pending.action {
	case actionReportReady:
		coordinator.session.SendReady(videoID)

	case actionApplySync:
		playback := pending.playback
		coordinator.apply(func() error {
			if err := coordinator.media.Load(localPath); err != nil {
				return err
			}
			if err := coordinator.media.SetRate(playback.Speed); err != nil {
				return err
			}
			if err := coordinator.media.SeekFraction(playback.Position); err != nil {
				return err
			}
			if playback.Playing {
				return coordinator.media.Play()
			}
			return coordinator.media.Pause()
		})

	case actionPlayNow:
		coordinator.apply(func() error {
			if err := coordinator.media.Load(localPath); err != nil {
				return err
			}
			if err := coordinator.media.SeekFraction(0); err != nil {
				return err
			}
			return coordinator.media.Play()
		})
	}
}

func (coordinator *Coordinator) startPlayback(videoID string) {
	localPath := coordinator.session.LocalVideoPath(videoID)
	if localPath == "" {
		// Barrier committed before our download finished. Play on arrival;
		// subsequent playback events re-align the position.
		coordinator.pending[videoID] = pendingVideo{action: actionPlayNow}
		return
	}
	delete(coordinator.pending, videoID)

	coordinator.apply(func() error {
		if err := coordinator.media.Load(localPath); err != nil {
			return err
		}
		if err := coordinator.media.SeekFraction(0); err != nil {
			return err
		}
		return coordinator.media.Play()
	})
}

func (coordinator *Coordinator) apply(change func() error) {
	coordinator.session.SuppressingEcho(func() {
		if err := change(); err != nil {
			coordinator.log.Errorw("Media controller rejected change", "error", err)
		}
	})
}

func (coordinator *Coordinator) forward(event Event) {
	select {
	case coordinator.out <- event:
	default:
		coordinator.log.Warnw("Coordinator event channel full, dropping event", "event", fmt.Sprintf("%T", event))
	}
}
