package client

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const (
	downloadChunkSize = 256 * 1024
	progressThrottle  = 50 * time.Millisecond
)

// TestConnection probes the server's health endpoint. The message is
// human-readable either way.
func (client *SessionClient) TestConnection(serverURL string) (bool, string) {
	url := normalizeURL(serverURL)

	response, err := client.httpClient.Get(url + "/health")
	if err != nil {
		return false, "Cannot reach server"
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return false, fmt.Sprintf("Server returned %d", response.StatusCode)
	}

	var health struct {
		Rooms int `json:"rooms"`
	}
	if err := json.NewDecoder(response.Body).Decode(&health); err != nil {
		return false, "Invalid health response"
	}
	return true, fmt.Sprintf("Server OK, %d active rooms", health.Rooms)
}

// UploadAndPlay streams a local clip to the room and then asks the room to
// play it, which starts the ready-sync barrier on the server. Progress and
// the outcome arrive as events.
func (client *SessionClient) UploadAndPlay(path string) {
	go client.uploadVideo(path)
}

// DownloadVideo fetches a clip into the session's temp directory. Completion
// is announced via VideoReady; a clip already present locally is announced
// immediately without a transfer.
func (client *SessionClient) DownloadVideo(videoID string) {
	go client.downloadVideo(videoID)
}

// LocalVideoPath returns the local path of a clip whose bytes are already on
// disk, or "" when the clip has not been downloaded or uploaded here.
func (client *SessionClient) LocalVideoPath(videoID string) string {
	client.videosMutex.Lock()
	defer client.videosMutex.Unlock()

	meta, ok := client.videos[videoID]
	if !ok || meta.localPath == "" {
		return ""
	}
	if _, err := os.Stat(meta.localPath); err != nil {
		return ""
	}
	return meta.localPath
}

func (client *SessionClient) uploadVideo(path string) {
	info, err := os.Stat(path)
	if err != nil {
		client.emit(RoomError{Message: "File not found: " + path})
		return
	}

	file, err := os.Open(path)
	if err != nil {
		client.emit(RoomError{Message: "Upload error: " + err.Error()})
		return
	}
	defer file.Close()

	client.mutex.Lock()
	url := fmt.Sprintf("%s/rooms/%s/upload", client.serverURL, client.roomCode)
	userID := client.userID
	client.mutex.Unlock()

	filename := filepath.Base(path)
	totalBytes := info.Size()
	source := &progressReader{
		reader: file,
		total:  totalBytes,
		report: func(sent int64, total int64) {
			client.emit(UploadProgress{BytesSent: sent, TotalBytes: total})
		},
	}

	// The multipart body is produced on the fly so the clip is never
	// buffered in memory. The user_id field precedes the file part.
	bodyReader, bodyWriter := io.Pipe()
	form := multipart.NewWriter(bodyWriter)
	go func() {
		var formErr error
		defer func() { bodyWriter.CloseWithError(formErr) }()

		if formErr = form.WriteField("user_id", userID); formErr != nil {
			return
		}
		part, err := form.CreateFormFile("file", filename)
		if err != nil {
			formErr = err
			return
		}
		if _, formErr = io.Copy(part, source); formErr != nil {
			return
		}
		formErr = form.Close()
	}()

	request, err := http.NewRequest(http.MethodPost, url, bodyReader)
	if err != nil {
		client.emit(RoomError{Message: "Upload error: " + err.Error()})
		return
	}
	request.Header.Set("Content-Type", form.FormDataContentType())

	response, err := client.transferClient.Do(request)
	if err != nil {
		client.emit(RoomError{Message: "Upload error: " + err.Error()})
		return
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		client.emit(RoomError{Message: "Upload failed: " + readDetail(response.Body)})
		return
	}

	var uploaded struct {
		VideoID  string `json:"video_id"`
		Filename string `json:"filename"`
		Size     int64  `json:"size"`
	}
	if err := json.NewDecoder(response.Body).Decode(&uploaded); err != nil {
		client.emit(RoomError{Message: "Upload error: " + err.Error()})
		return
	}

	// The original file doubles as the local copy.
	client.videosMutex.Lock()
	client.videos[uploaded.VideoID] = &videoMeta{filename: filename, size: totalBytes, localPath: path}
	client.videosMutex.Unlock()

	client.SendPlayVideo(uploaded.VideoID)
	client.emit(VideoReady{VideoID: uploaded.VideoID, LocalPath: path})
}

func (client *SessionClient) downloadVideo(videoID string) {
	if existing := client.LocalVideoPath(videoID); existing != "" {
		client.emit(VideoReady{VideoID: videoID, LocalPath: existing})
		return
	}

	client.videosMutex.Lock()
	filename := videoID + ".mp4"
	var totalBytes int64
	if meta, ok := client.videos[videoID]; ok {
		if meta.filename != "" {
			filename = meta.filename
		}
		totalBytes = meta.size
	}
	client.videosMutex.Unlock()

	client.mutex.Lock()
	url := fmt.Sprintf("%s/rooms/%s/videos/%s", client.serverURL, client.roomCode, videoID)
	client.mutex.Unlock()

	response, err := client.transferClient.Get(url)
	if err != nil {
		client.emit(RoomError{Message: "Download error: " + err.Error()})
		return
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusPartialContent {
		client.emit(RoomError{Message: fmt.Sprintf("Download failed: %d", response.StatusCode)})
		return
	}
	if response.ContentLength > 0 {
		totalBytes = response.ContentLength
	}

	localPath := filepath.Join(client.downloadDir, videoID+"_"+filename)
	file, err := os.Create(localPath)
	if err != nil {
		client.emit(RoomError{Message: "Download error: " + err.Error()})
		return
	}

	source := &progressReader{
		reader: response.Body,
		total:  totalBytes,
		report: func(received int64, total int64) {
			client.emit(DownloadProgress{BytesReceived: received, TotalBytes: total})
		},
	}
	buffer := make([]byte, downloadChunkSize)
	_, err = io.CopyBuffer(file, source, buffer)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(localPath)
		client.emit(RoomError{Message: "Download error: " + err.Error()})
		return
	}

	client.videosMutex.Lock()
	if meta, ok := client.videos[videoID]; ok {
		meta.localPath = localPath
	} else {
		client.videos[videoID] = &videoMeta{filename: filename, localPath: localPath}
	}
	client.videosMutex.Unlock()

	client.emit(VideoReady{VideoID: videoID, LocalPath: localPath})
}

func readDetail(body io.Reader) string {
	var response struct {
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(body).Decode(&response); err != nil || response.Detail == "" {
		return "unexpected server response"
	}
	return response.Detail
}

// progressReader reports transferred byte counts as a side effect of Read,
// throttled to at most one report per 50ms plus a final one at completion.
type progressReader struct {
	reader     io.Reader
	total      int64
	done       int64
	lastReport time.Time
	report     func(done int64, total int64)
}

func (p *progressReader) Read(buffer []byte) (int, error) {
	read, err := p.reader.Read(buffer)
	if read > 0 {
		p.done += int64(read)
		now := time.Now()
		if now.Sub(p.lastReport) >= progressThrottle || (p.total > 0 && p.done >= p.total) {
			p.report(p.done, p.total)
			p.lastReport = now
		}
	}
	return read, err
}
