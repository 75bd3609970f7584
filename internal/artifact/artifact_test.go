package artifact

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestSpoolWritesAndReleases(t *testing.T) {
	dir := t.TempDir()
	f, err := Spool(dir, "req-1", zaptest.NewLogger(t), func(w io.Writer) error {
		_, err := io.WriteString(w, "jpeg-bytes")
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Dir(f.Path) != dir {
		t.Fatalf("expected file in %s, got %s", dir, f.Path)
	}
	if !strings.Contains(filepath.Base(f.Path), "req-1") {
		t.Fatalf("expected request id in name, got %s", f.Path)
	}
	if f.Size != int64(len("jpeg-bytes")) {
		t.Fatalf("unexpected size %d", f.Size)
	}

	f.Release()
	f.Release()
	if _, err := os.Stat(f.Path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected file to be removed, stat err: %v", err)
	}
}

func TestSpoolRemovesFileWhenWriterFails(t *testing.T) {
	dir := t.TempDir()
	boom := errors.New("boom")
	f, err := Spool(dir, "req-2", zaptest.NewLogger(t), func(w io.Writer) error {
		_, _ = io.WriteString(w, "partial")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if f != nil {
		t.Fatalf("expected nil file, got %+v", f)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no leftover files, found %d", len(entries))
	}
}

func TestSpoolNamesAreUniqueAndSanitized(t *testing.T) {
	dir := t.TempDir()
	write := func(w io.Writer) error { return nil }

	a, err := Spool(dir, "../../etc/passwd", nil, write)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer a.Release()
	b, err := Spool(dir, "../../etc/passwd", nil, write)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer b.Release()

	if a.Path == b.Path {
		t.Fatal("expected unique temp paths")
	}
	if filepath.Dir(a.Path) != dir {
		t.Fatalf("request id escaped temp dir: %s", a.Path)
	}
}
