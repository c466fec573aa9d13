package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalRoundTrip(t *testing.T) {
	provider, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ctx := context.Background()

	key := ObjectKey("proj-1", "file-1", "manual.PDF")
	if key != "proj-1/file-1.pdf" {
		t.Fatalf("ObjectKey = %q", key)
	}
	if err := provider.Save(ctx, key, []byte("hello"), "application/pdf"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	rc, err := provider.Open(ctx, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("payload = %q, want hello", data)
	}

	if err := provider.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := provider.Open(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open after delete = %v, want ErrNotFound", err)
	}
	// idempotent delete
	if err := provider.Delete(ctx, key); err != nil {
		t.Fatalf("Delete again: %v", err)
	}
}

func TestLocalRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	provider, err := NewLocal(root)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ctx := context.Background()

	outside := filepath.Join(root, "..", "escape.txt")
	for _, key := range []string{"../escape.txt", "a/../../escape.txt", "/etc/passwd", "a//../b", "sp ace.txt", ""} {
		if err := provider.Save(ctx, key, []byte("x"), ""); err == nil {
			t.Fatalf("Save(%q) accepted a bad key", key)
		}
	}
	if _, err := os.Stat(outside); !os.IsNotExist(err) {
		t.Fatalf("traversal escaped the root: %v", err)
	}
}

func TestCleanKey(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"proj/file.pdf", "proj/file.pdf", true},
		{"/proj//file.pdf", "proj/file.pdf", true},
		{`proj\file.pdf`, "proj/file.pdf", true},
		{"../x", "", false},
		{"a/./b", "", false},
		{"a/b c", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := CleanKey(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("CleanKey(%q) = (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestObjectKeyFallbackExtension(t *testing.T) {
	if got := ObjectKey("p", "f", "no-extension"); got != "p/f.dat" {
		t.Fatalf("ObjectKey = %q, want p/f.dat", got)
	}
	if got := ObjectKey("p", "f", "weird.тхт"); got != "p/f.dat" {
		t.Fatalf("ObjectKey = %q, want p/f.dat", got)
	}
}
