package rooms

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"golang.org/x/crypto/bcrypt"

	"github.com/rdmplayer/watchtogether/server/src/logger"
	"github.com/rdmplayer/watchtogether/server/src/store"
)

const (
	maxJoinAttempts    = 5
	joinLockoutWindow  = time.Minute
	codeLetterGroupLen = 5
	codeDigitGroupLen  = 5
)

const (
	codeLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	codeDigits  = "0123456789"
)

// Registry owns every alive room. Code minting, room creation and the expiry
// sweep are mutually exclusive; lookups may overlap.
type Registry struct {
	mu          sync.RWMutex
	rooms       map[string]*Room
	blobs       *store.BlobStore
	expiry      time.Duration
	joinLimiter *limiter.Limiter
	stopSweep   chan struct{}
	stopOnce    sync.Once
}

func NewRegistry(blobs *store.BlobStore, expiry time.Duration) *Registry {
	joinLimiter := limiter.New(memory.NewStore(), limiter.Rate{
		Period: joinLockoutWindow,
		Limit:  maxJoinAttempts,
	})

	return &Registry{
		rooms:       make(map[string]*Room),
		blobs:       blobs,
		expiry:      expiry,
		joinLimiter: joinLimiter,
		stopSweep:   make(chan struct{}),
	}
}

// CreateRoom mints a unique room code, hashes the password with a per-record
// salt and allocates the room's blob directory. The given host id stays
// immutable for the room's lifetime.
func (registry *Registry) CreateRoom(password string, hostID string) (*Room, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	registry.mu.Lock()
	code := registry.mintCodeLocked()
	room := NewRoom(code, digest, hostID)
	registry.rooms[code] = room
	registry.mu.Unlock()

	if err := registry.blobs.AllocateRoom(code); err != nil {
		registry.mu.Lock()
		delete(registry.rooms, code)
		registry.mu.Unlock()
		return nil, err
	}

	logger.Infow("Room created", "room", code)
	return room, nil
}

func (registry *Registry) mintCodeLocked() string {
	for {
		code := randomGroup(codeLetters, codeLetterGroupLen) + "-" +
			randomGroup(codeDigits, codeDigitGroupLen) + "-" +
			randomGroup(codeLetters, codeLetterGroupLen)
		if _, taken := registry.rooms[code]; !taken {
			return code
		}
	}
}

func randomGroup(alphabet string, length int) string {
	var builder strings.Builder
	for i := 0; i < length; i++ {
		builder.WriteByte(alphabet[rand.Intn(len(alphabet))])
	}
	return builder.String()
}

func (registry *Registry) Lookup(code string) (*Room, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	room, ok := registry.rooms[code]
	return room, ok
}

func (registry *Registry) Count() int {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	return len(registry.rooms)
}

// VerifyPassword compares the candidate against the room's digest. bcrypt's
// comparison is constant-time; raw passwords are never stored or logged.
func (registry *Registry) VerifyPassword(code string, password string) bool {
	room, ok := registry.Lookup(code)
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(room.PasswordDigest(), []byte(password)) == nil
}

// AllowJoin records a join attempt for the remote address and reports
// whether it is still within the per-window allowance.
func (registry *Registry) AllowJoin(ctx context.Context, remote string) bool {
	limiterCtx, err := registry.joinLimiter.Get(ctx, remote)
	if err != nil {
		logger.Warnw("Rate limiter failure, allowing join", "remote", remote, "error", err)
		return true
	}
	return !limiterCtx.Reached
}

// DeleteRoom disconnects remaining channels and removes the room together
// with its blob directory. The directory removal is blocking filesystem work
// and runs on its own goroutine.
func (registry *Registry) DeleteRoom(code string, reason string) {
	registry.mu.Lock()
	room, ok := registry.rooms[code]
	delete(registry.rooms, code)
	registry.mu.Unlock()

	if !ok {
		return
	}

	room.CloseAll(reason)
	go func() {
		if err := registry.blobs.DropRoom(code); err != nil {
			logger.Warnw("Failed to remove room uploads", "room", code, "error", err)
		}
	}()
	logger.Infow("Room deleted", "room", code)
}

// Sweep reaps every expired room. Sweeping twice in a row is a no-op on the
// second pass.
func (registry *Registry) Sweep() int {
	registry.mu.RLock()
	expired := make([]string, 0)
	for code, room := range registry.rooms {
		if room.Expired(registry.expiry) {
			expired = append(expired, code)
		}
	}
	registry.mu.RUnlock()

	for _, code := range expired {
		registry.DeleteRoom(code, "Room expired")
	}

	if len(expired) > 0 {
		logger.Infow("Cleaned up expired rooms", "count", len(expired))
	}
	return len(expired)
}

// RunSweeper runs the periodic expiry sweep until StopSweeper is called.
func (registry *Registry) RunSweeper(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-registry.stopSweep:
			return
		case <-ticker.C:
			registry.Sweep()
		}
	}
}

func (registry *Registry) StopSweeper() {
	registry.stopOnce.Do(func() {
		close(registry.stopSweep)
	})
}

// Shutdown closes every room's channels, e.g. on server termination.
func (registry *Registry) Shutdown() {
	registry.StopSweeper()

	registry.mu.Lock()
	defer registry.mu.Unlock()

	for _, room := range registry.rooms {
		room.CloseAll("Server shutting down")
	}
}
