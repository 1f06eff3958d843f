// Package imagestore materializes base64-encoded image payloads to scoped
// temp files, verifies their format and size, and reaps stale ones.
package imagestore

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/google/uuid"
)

// ErrorKind classifies why Materialize failed.
type ErrorKind int

const (
	ErrorKindNone ErrorKind = iota
	ErrorKindTooLarge
	ErrorKindBadFormat
	ErrorKindIO
)

// Error wraps a materialization failure with its classification.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

var allowedFormats = map[string]bool{
	"jpeg": true, "png": true, "gif": true, "bmp": true, "webp": true,
}

// Store materializes and reaps image payloads under a scoped temp
// directory, enforcing a maximum decoded size.
type Store struct {
	dir     string
	maxSize int64
}

// New builds a Store. dir is created if it does not exist.
func New(dir string, maxSize int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("imagestore: create temp dir: %w", err)
	}
	return &Store{dir: dir, maxSize: maxSize}, nil
}

// Materialize decodes a base64 image payload (optionally prefixed with a
// data: URL header), verifies its format against the allow-list and its
// size against MaxImageSize, and writes it to a uniquely named file under
// the store's temp directory.
func (s *Store) Materialize(assetID, imageBase64 string) (string, error) {
	data, err := DecodeBase64(imageBase64)
	if err != nil {
		return "", &Error{Kind: ErrorKindBadFormat, Err: fmt.Errorf("decode base64: %w", err)}
	}

	if s.maxSize > 0 && int64(len(data)) > s.maxSize {
		return "", &Error{Kind: ErrorKindTooLarge, Err: fmt.Errorf("image is %d bytes, max is %d", len(data), s.maxSize)}
	}

	format, err := detectFormat(data)
	if err != nil {
		return "", &Error{Kind: ErrorKindBadFormat, Err: err}
	}

	name := fmt.Sprintf("%s_%d_%s.%s", sanitizeAssetID(assetID), time.Now().UnixMilli(), uuid.NewString()[:8], extFor(format))
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", &Error{Kind: ErrorKindIO, Err: fmt.Errorf("write temp image: %w", err)}
	}
	return path, nil
}

// Release deletes a materialized file. Safe to call on a path that no
// longer exists.
func (s *Store) Release(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("imagestore: release %s: %w", path, err)
	}
	return nil
}

// Reap deletes files under the store directory older than maxAge.
func (s *Store) Reap(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("imagestore: read temp dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, entry.Name())); err == nil {
				deleted++
			}
		}
	}
	return deleted, nil
}

// DecodeBase64 strips an optional data: URL prefix and repairs missing
// padding before decoding, the same tolerance a browser-originated payload
// needs. Exported so other packages that accept inline image payloads
// (duplicate detection) don't need their own copy.
func DecodeBase64(payload string) ([]byte, error) {
	if idx := strings.Index(payload, ","); idx != -1 && strings.HasPrefix(payload, "data:") {
		payload = payload[idx+1:]
	}
	if mod := len(payload) % 4; mod != 0 {
		payload += strings.Repeat("=", 4-mod)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty image payload")
	}
	return data, nil
}

func detectFormat(data []byte) (string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("unrecognized image format: %w", err)
	}
	if !allowedFormats[format] {
		return "", fmt.Errorf("unsupported image format %q", format)
	}
	return format, nil
}

func extFor(format string) string {
	if format == "jpeg" {
		return "jpg"
	}
	return format
}

func sanitizeAssetID(assetID string) string {
	if assetID == "" {
		return "image"
	}
	var b strings.Builder
	for _, r := range assetID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
