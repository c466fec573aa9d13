package nativelog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriterAppendsToDailyFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvLogDir, dir)

	w, err := NewWriter()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("line one\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("line two\n")); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, TodayFilename(time.Now())))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "line one\nline two\n" {
		t.Fatalf("file = %q", data)
	}
}

func TestWriterPublishesFrames(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvLogDir, dir)

	id, ch := Subscribe(4)
	defer Unsubscribe(id)

	w, err := NewWriter()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("frame\n")); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-ch:
		if got != "frame\n" {
			t.Fatalf("frame = %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
	}
}

func TestWriterRotatesBySize(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvLogDir, dir)
	t.Setenv(EnvLogRotateSizeMB, "1")

	w, err := NewWriter()
	if err != nil {
		t.Fatal(err)
	}

	today := filepath.Join(dir, TodayFilename(time.Now()))
	// Pre-fill past the 1 MB cap so the next write triggers a rotation.
	if err := os.WriteFile(today, make([]byte, 1<<20), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := w.Write([]byte("after rotate\n")); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(today)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "after rotate\n" {
		t.Fatalf("active file = %q, want only the post-rotation line", data)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	rotated := 0
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), TodayFilename(time.Now())+".") {
			rotated++
		}
	}
	if rotated != 1 {
		t.Fatalf("rotated files = %d, want 1", rotated)
	}
}

func TestRotateEnvParsing(t *testing.T) {
	t.Setenv(EnvLogRotateSizeMB, "")
	if got := rotateSizeBytes(); got != 0 {
		t.Errorf("empty env = %d, want 0", got)
	}
	t.Setenv(EnvLogRotateSizeMB, "nope")
	if got := rotateSizeBytes(); got != 0 {
		t.Errorf("bad env = %d, want 0", got)
	}
	t.Setenv(EnvLogRotateSizeMB, "2")
	if got := rotateSizeBytes(); got != 2<<20 {
		t.Errorf("2MB env = %d, want %d", got, 2<<20)
	}

	t.Setenv(EnvLogRotateKeep, "-3")
	if got := rotateKeepCount(); got != 0 {
		t.Errorf("negative keep = %d, want 0", got)
	}
	t.Setenv(EnvLogRotateKeep, "5")
	if got := rotateKeepCount(); got != 5 {
		t.Errorf("keep = %d, want 5", got)
	}
}
