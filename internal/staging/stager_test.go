package staging

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/example/ai-diagnose/internal/diagnosis"
)

func newTestStager(t *testing.T) *Stager {
	t.Helper()
	return NewStager(filepath.Join(t.TempDir(), "uploads"), zap.NewNop())
}

func upload(name, content string) *diagnosis.Upload {
	return &diagnosis.Upload{Filename: name, Size: int64(len(content)), Content: strings.NewReader(content)}
}

func TestStageCreatesDirectoryAndFile(t *testing.T) {
	s := newTestStager(t)

	h, err := s.Stage(context.Background(), upload("scan.PNG", "pixels"))
	if err != nil {
		t.Fatalf("stage failed: %v", err)
	}
	if filepath.Dir(h.Path()) != s.Dir() {
		t.Fatalf("staged outside dir: %s", h.Path())
	}
	if filepath.Ext(h.Path()) != ".png" {
		t.Fatalf("expected .png extension, got %s", h.Path())
	}
	data, err := os.ReadFile(h.Path())
	if err != nil {
		t.Fatalf("read staged file: %v", err)
	}
	if string(data) != "pixels" || h.Size() != 6 {
		t.Fatalf("unexpected staged content %q (size %d)", data, h.Size())
	}
}

func TestReleaseRemovesFileOnce(t *testing.T) {
	s := newTestStager(t)
	h, err := s.Stage(context.Background(), upload("a.jpg", "x"))
	if err != nil {
		t.Fatalf("stage failed: %v", err)
	}

	if err := h.Release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := os.Stat(h.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected file removed, stat err=%v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("second release should be a no-op, got %v", err)
	}
	assertEmpty(t, s.Dir())
}

func TestStageNamesAreUniqueUnderConcurrency(t *testing.T) {
	s := newTestStager(t)
	const n = 32

	var (
		mu    sync.Mutex
		paths = make(map[string]struct{})
		wg    sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := s.Stage(context.Background(), upload("img.jpeg", "data"))
			if err != nil {
				t.Errorf("stage failed: %v", err)
				return
			}
			mu.Lock()
			paths[h.Path()] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(paths) != n {
		t.Fatalf("expected %d distinct paths, got %d", n, len(paths))
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestStageWriteFailureLeavesNothing(t *testing.T) {
	s := newTestStager(t)

	_, err := s.Stage(context.Background(), &diagnosis.Upload{Filename: "x.png", Content: failingReader{}})
	if diagnosis.KindOf(err) != diagnosis.KindStorage {
		t.Fatalf("expected storage error, got %v", err)
	}
	assertEmpty(t, s.Dir())
}

func TestStageUnwritableDirectory(t *testing.T) {
	parent := t.TempDir()
	blocker := filepath.Join(parent, "file")
	if err := os.WriteFile(blocker, []byte("not a dir"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := NewStager(filepath.Join(blocker, "uploads"), zap.NewNop())

	_, err := s.Stage(context.Background(), upload("x.png", "data"))
	if diagnosis.KindOf(err) != diagnosis.KindStorage {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestStageHonoursCancelledContext(t *testing.T) {
	s := newTestStager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Stage(ctx, &diagnosis.Upload{Filename: "x.png", Content: bytes.NewReader([]byte("data"))})
	if diagnosis.KindOf(err) != diagnosis.KindStorage {
		t.Fatalf("expected storage error, got %v", err)
	}
	assertEmpty(t, s.Dir())
}

func TestExtension(t *testing.T) {
	cases := map[string]string{
		"scan.png":          ".png",
		"SCAN.JPEG":         ".jpeg",
		"archive.tar.gz":    ".gz",
		"noext":             "",
		"../../etc/passwd":  "",
		"weird.p$ng":        "",
		`C:\images\eye.jpg`: ".jpg",
		".":                 "",
		"trailing.":         "",
	}
	for in, want := range cases {
		if got := Extension(in); got != want {
			t.Errorf("Extension(%q) = %q, want %q", in, got, want)
		}
	}
}

func assertEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("read staging dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty staging dir, found %d entries", len(entries))
	}
}
