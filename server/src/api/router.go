package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/rdmplayer/watchtogether/server/src/logger"
	"github.com/rdmplayer/watchtogether/server/src/rooms"
	"github.com/rdmplayer/watchtogether/server/src/store"
)

const (
	minPasswordLen = 4
	maxUsernameLen = 32
)

// API wires the HTTP surface onto the room registry and the blob store.
type API struct {
	registry *rooms.Registry
	blobs    *store.BlobStore
}

func NewAPI(registry *rooms.Registry, blobs *store.BlobStore) *API {
	return &API{registry: registry, blobs: blobs}
}

// Router builds the gin engine with all endpoints. The server fronts desktop
// clients on arbitrary origins, so CORS is wide open; TLS termination is the
// reverse proxy's job.
func (api *API) Router(debug bool) *gin.Engine {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = []string{"*"}
	router.Use(cors.New(corsConfig))

	router.GET("/health", api.health)
	router.POST("/rooms", api.createRoom)
	router.POST("/rooms/:code/join", api.joinRoom)
	router.POST("/rooms/:code/upload", api.uploadVideo)
	router.GET("/rooms/:code/videos/:video_id", api.streamVideo)
	router.GET("/ws/:code", api.serveSignaling)

	return router
}

type credentialsRequest struct {
	Password string `json:"password"`
	Username string `json:"username"`
}

func (api *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": api.registry.Count()})
}

func (api *API) createRoom(c *gin.Context) {
	var request credentialsRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	password := strings.TrimSpace(request.Password)
	username := strings.TrimSpace(request.Username)

	if len(password) < minPasswordLen {
		fail(c, http.StatusBadRequest, "Password must be at least 4 characters")
		return
	}
	if username == "" || len(username) > maxUsernameLen {
		fail(c, http.StatusBadRequest, "Username required (max 32 chars)")
		return
	}

	userID := uuid.NewString()
	room, err := api.registry.CreateRoom(password, userID)
	if err != nil {
		logger.Errorw("Failed to create room", "error", err)
		fail(c, http.StatusInternalServerError, "Failed to create room")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room_code": room.Code(),
		"user_id":   userID,
		"host_id":   room.HostID(),
	})
}

func (api *API) joinRoom(c *gin.Context) {
	if !api.registry.AllowJoin(c.Request.Context(), c.ClientIP()) {
		fail(c, http.StatusTooManyRequests, "Too many join attempts. Try again later.")
		return
	}

	var request credentialsRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	code := c.Param("code")
	room, ok := api.registry.Lookup(code)
	if !ok {
		fail(c, http.StatusNotFound, "Room not found")
		return
	}

	username := strings.TrimSpace(request.Username)
	if username == "" || len(username) > maxUsernameLen {
		fail(c, http.StatusBadRequest, "Username required (max 32 chars)")
		return
	}
	if !api.registry.VerifyPassword(code, request.Password) {
		fail(c, http.StatusForbidden, "Incorrect password")
		return
	}

	room.Touch()
	snapshot := room.Snapshot()

	c.JSON(http.StatusOK, gin.H{
		"room_code":      room.Code(),
		"user_id":        uuid.NewString(),
		"host_id":        room.HostID(),
		"users":          snapshot.Users,
		"playback_state": snapshot.PlaybackState,
		"current_video":  snapshot.CurrentVideo,
		"videos":         snapshot.Videos,
	})
}

// uploadVideo streams the multipart body chunk-by-chunk into the blob store.
// The user_id field must precede the file part; the session client always
// sends it first.
func (api *API) uploadVideo(c *gin.Context) {
	code := c.Param("code")
	room, ok := api.registry.Lookup(code)
	if !ok {
		fail(c, http.StatusNotFound, "Room not found")
		return
	}

	multipart, err := c.Request.MultipartReader()
	if err != nil {
		fail(c, http.StatusBadRequest, "Invalid multipart body")
		return
	}

	var userID string
	for {
		part, err := multipart.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			fail(c, http.StatusBadRequest, "Invalid multipart body")
			return
		}

		switch part.FormName() {
		case "user_id":
			value, err := io.ReadAll(io.LimitReader(part, 256))
			if err != nil {
				fail(c, http.StatusBadRequest, "Invalid multipart body")
				return
			}
			userID = string(value)

		case "file":
			if userID == "" {
				fail(c, http.StatusBadRequest, "Missing user_id")
				return
			}
			if !room.IsMember(userID) {
				fail(c, http.StatusForbidden, "Not a member of this room")
				return
			}

			room.Touch()
			filename := part.FileName()
			videoID, size, err := api.blobs.Write(code, filename, part)
			if errors.Is(err, store.ErrTooLarge) {
				maxMB := api.blobs.MaxBytes() / (1024 * 1024)
				fail(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("File too large (max %dMB)", maxMB))
				return
			}
			if err != nil {
				logger.Errorw("Upload failed", "room", code, "error", err)
				fail(c, http.StatusInternalServerError, "Upload failed")
				return
			}

			room.AddVideo(userID, videoID, rooms.VideoEntry{
				Filename:   filename,
				StoredName: store.StoredName(videoID, filename),
				Size:       size,
				UploadedBy: userID,
				UploadedAt: time.Now(),
			})

			logger.Infow("Video uploaded", "filename", filename, "size", size, "room", code)
			c.JSON(http.StatusOK, gin.H{
				"video_id": videoID,
				"filename": filename,
				"size":     size,
			})
			return
		}
	}

	fail(c, http.StatusBadRequest, "Missing file")
}

func (api *API) streamVideo(c *gin.Context) {
	code := c.Param("code")
	room, ok := api.registry.Lookup(code)
	if !ok {
		fail(c, http.StatusNotFound, "Room not found")
		return
	}

	entry, ok := room.Video(c.Param("video_id"))
	if !ok {
		fail(c, http.StatusNotFound, "Video not found")
		return
	}

	start, end := parseRange(c.GetHeader("Range"))
	ranged := start >= 0 || end >= 0

	reader, info, err := api.blobs.OpenRange(code, entry.StoredName, start, end)
	if errors.Is(err, store.ErrNotFound) {
		fail(c, http.StatusNotFound, "Video file missing")
		return
	}
	if err != nil {
		logger.Errorw("Failed to open video", "room", code, "error", err)
		fail(c, http.StatusInternalServerError, "Failed to open video")
		return
	}
	defer reader.Close()

	c.Header("Accept-Ranges", "bytes")
	c.Header("Content-Type", store.ContentType(entry.Filename))
	c.Header("Content-Length", strconv.FormatInt(info.Length, 10))

	status := http.StatusOK
	if ranged {
		status = http.StatusPartialContent
		c.Header("Content-Range", fmt.Sprintf("bytes %d-%d/%d", info.Start, info.End, info.FileSize))
	}
	c.Status(status)

	buffer := make([]byte, store.ReadChunkSize)
	if _, err := io.CopyBuffer(c.Writer, reader, buffer); err != nil {
		logger.Debugw("Video stream aborted", "room", code, "error", err)
	}
}

func (api *API) serveSignaling(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Warnw("Failed to establish connection to client socket", "error", err)
		return
	}

	worker := NewWorker(api.registry, NewWsConnection(conn), c.Param("code"))
	go worker.Start()
}

// parseRange parses "bytes=a-b" with either bound optional. Both values are
// -1 when the header is absent or unusable.
func parseRange(header string) (int64, int64) {
	start, end := int64(-1), int64(-1)
	if header == "" || !strings.HasPrefix(header, "bytes=") {
		return start, end
	}

	value := strings.TrimPrefix(strings.TrimSpace(header), "bytes=")
	parts := strings.SplitN(value, "-", 2)
	if len(parts) != 2 {
		return -1, -1
	}

	if parts[0] != "" {
		parsed, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return -1, -1
		}
		start = parsed
	}
	if parts[1] != "" {
		parsed, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return -1, -1
		}
		end = parsed
	}
	return start, end
}

func fail(c *gin.Context, status int, detail string) {
	c.JSON(status, gin.H{"detail": detail})
}
