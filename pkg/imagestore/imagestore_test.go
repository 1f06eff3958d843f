package imagestore

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tinyPNGBase64(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{255, 0, 0, 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestMaterialize_PlainBase64(t *testing.T) {
	s, err := New(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path, err := s.Materialize("asset-1", tinyPNGBase64(t))
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}
	if filepath.Ext(path) != ".png" {
		t.Errorf("path = %q, want .png extension", path)
	}
}

func TestMaterialize_DataURLPrefix(t *testing.T) {
	s, err := New(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	payload := "data:image/png;base64," + tinyPNGBase64(t)
	path, err := s.Materialize("asset-2", payload)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}
}

func TestMaterialize_MissingPadding(t *testing.T) {
	s, err := New(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw := tinyPNGBase64(t)
	unpadded := bytes.TrimRight([]byte(raw), "=")
	if _, err := s.Materialize("asset-3", string(unpadded)); err != nil {
		t.Fatalf("Materialize with missing padding: %v", err)
	}
}

func TestMaterialize_TooLarge(t *testing.T) {
	s, err := New(t.TempDir(), 10)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = s.Materialize("asset-4", tinyPNGBase64(t))
	var sErr *Error
	if err == nil {
		t.Fatal("expected a too-large error")
	}
	if !asError(err, &sErr) || sErr.Kind != ErrorKindTooLarge {
		t.Errorf("expected ErrorKindTooLarge, got %v", err)
	}
}

func TestMaterialize_BadFormat(t *testing.T) {
	s, err := New(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = s.Materialize("asset-5", base64.StdEncoding.EncodeToString([]byte("not an image")))
	var sErr *Error
	if err == nil {
		t.Fatal("expected a bad-format error")
	}
	if !asError(err, &sErr) || sErr.Kind != ErrorKindBadFormat {
		t.Errorf("expected ErrorKindBadFormat, got %v", err)
	}
}

func TestRelease(t *testing.T) {
	s, err := New(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path, err := s.Materialize("asset-6", tinyPNGBase64(t))
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if err := s.Release(path); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected file to be gone after Release")
	}
	if err := s.Release(path); err != nil {
		t.Errorf("Release of already-removed file should be a no-op, got %v", err)
	}
}

func TestReap(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path, err := s.Materialize("asset-7", tinyPNGBase64(t))
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	deleted, err := s.Reap(24 * time.Hour)
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected reaped file to be gone")
	}
}

func asError(err error, target **Error) bool {
	if e, ok := err.(*Error); ok {
		*target = e
		return true
	}
	return false
}
