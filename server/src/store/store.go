// Package store owns the on-disk bytes of uploaded clips. Files live under
// <root>/<roomCode>/<videoID>_<sanitisedName>; bytes are write-once and only
// removed together with their room's directory.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/rdmplayer/watchtogether/server/src/logger"
)

var (
	ErrNotFound = errors.New("video file not found")
	ErrTooLarge = errors.New("file exceeds size cap")
)

const writeChunkSize = 256 * 1024

// ReadChunkSize bounds a single read while streaming a range response.
const ReadChunkSize = 64 * 1024

var contentTypes = map[string]string{
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".flv":  "video/x-flv",
	".wmv":  "video/x-ms-wmv",
	".m4v":  "video/x-m4v",
}

// ContentType infers the media type from the original filename's extension,
// falling back to a generic byte stream.
func ContentType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if contentType, ok := contentTypes[ext]; ok {
		return contentType
	}
	return "application/octet-stream"
}

// SanitizeFilename reduces a client-provided filename to a safe on-disk
// component. The original name is kept verbatim in the catalogue for display.
func SanitizeFilename(name string) string {
	name = filepath.Base(name)
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return "clip"
	}
	var builder strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			builder.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('_')
		}
	}
	if builder.Len() == 0 {
		return "clip"
	}
	return builder.String()
}

type BlobStore struct {
	root     string
	maxBytes int64
}

func NewBlobStore(root string, maxBytes int64) (*BlobStore, error) {
	if err := os.MkdirAll(root, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create upload root %s: %w", root, err)
	}

	return &BlobStore{root: root, maxBytes: maxBytes}, nil
}

func (store *BlobStore) MaxBytes() int64 {
	return store.maxBytes
}

// AllocateRoom creates the room's blob directory.
func (store *BlobStore) AllocateRoom(roomCode string) error {
	return os.MkdirAll(filepath.Join(store.root, roomCode), os.ModePerm)
}

// StoredName derives the on-disk file name for a video.
func StoredName(videoID string, providedName string) string {
	return videoID + "_" + SanitizeFilename(providedName)
}

// Write streams the upload to disk in bounded chunks and mints the video id.
// Once the cumulative size exceeds the cap the partial file is deleted and
// ErrTooLarge is returned; a stream of exactly the cap succeeds.
func (store *BlobStore) Write(roomCode string, providedName string, stream io.Reader) (string, int64, error) {
	videoID := uuid.NewString()
	storedName := StoredName(videoID, providedName)

	if err := store.AllocateRoom(roomCode); err != nil {
		return "", 0, err
	}
	path := filepath.Join(store.root, roomCode, storedName)

	file, err := os.Create(path)
	if err != nil {
		return "", 0, err
	}

	written, err := store.copyCapped(file, stream)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		if removeErr := os.Remove(path); removeErr != nil {
			logger.Warnw("Failed to remove partial upload", "path", path, "error", removeErr)
		}
		return "", 0, err
	}

	return videoID, written, nil
}

func (store *BlobStore) copyCapped(dst io.Writer, src io.Reader) (int64, error) {
	var written int64
	buffer := make([]byte, writeChunkSize)

	for {
		read, readErr := src.Read(buffer)
		if read > 0 {
			if written+int64(read) > store.maxBytes {
				return written, ErrTooLarge
			}
			if _, writeErr := dst.Write(buffer[:read]); writeErr != nil {
				return written, writeErr
			}
			written += int64(read)
		}

		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// RangeInfo describes the resolved byte range of an open read.
type RangeInfo struct {
	Start    int64
	End      int64
	Length   int64
	FileSize int64
}

// OpenRange opens a bounded byte stream over a stored video. A negative end
// (or one past the last byte) is clamped to the last byte.
func (store *BlobStore) OpenRange(roomCode string, storedName string, start int64, end int64) (io.ReadCloser, RangeInfo, error) {
	path := filepath.Join(store.root, roomCode, storedName)

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, RangeInfo{}, ErrNotFound
	}
	if err != nil {
		return nil, RangeInfo{}, err
	}

	fileSize := info.Size()
	if fileSize == 0 {
		// an empty blob has no addressable bytes, so any range resolves
		// to an empty stream
		file, err := os.Open(path)
		if err != nil {
			return nil, RangeInfo{}, err
		}
		reader := &rangeReader{file: file, remaining: 0}
		return reader, RangeInfo{Start: 0, End: 0, Length: 0, FileSize: 0}, nil
	}
	if start < 0 {
		start = 0
	}
	if end < 0 || end > fileSize-1 {
		end = fileSize - 1
	}
	if start > end {
		start = end
	}
	length := end - start + 1

	file, err := os.Open(path)
	if err != nil {
		return nil, RangeInfo{}, err
	}
	if _, err := file.Seek(start, io.SeekStart); err != nil {
		file.Close()
		return nil, RangeInfo{}, err
	}

	reader := &rangeReader{file: file, remaining: length}
	return reader, RangeInfo{Start: start, End: end, Length: length, FileSize: fileSize}, nil
}

// DropRoom recursively removes the room's blob directory. Removing an absent
// directory is not an error.
func (store *BlobStore) DropRoom(roomCode string) error {
	return os.RemoveAll(filepath.Join(store.root, roomCode))
}

type rangeReader struct {
	file      *os.File
	remaining int64
}

func (reader *rangeReader) Read(payload []byte) (int, error) {
	if reader.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(payload)) > reader.remaining {
		payload = payload[:reader.remaining]
	}
	read, err := reader.file.Read(payload)
	reader.remaining -= int64(read)
	return read, err
}

func (reader *rangeReader) Close() error {
	return reader.file.Close()
}
