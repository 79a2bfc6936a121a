package session

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeExtractor struct {
	frames atomic.Int32
	lasts  atomic.Int32
	gate   chan struct{}
	err    error
}

func (e *fakeExtractor) Frame(_ context.Context, _ string, at time.Duration) (image.Image, error) {
	e.frames.Add(1)
	if e.gate != nil {
		<-e.gate
	}
	if e.err != nil {
		return nil, e.err
	}
	return image.NewRGBA(image.Rect(0, 0, 640, 480)), nil
}

func (e *fakeExtractor) LastFrame(context.Context, string) (image.Image, error) {
	e.lasts.Add(1)
	return image.NewGray(image.Rect(0, 0, 64, 48)), nil
}

func TestClipThumbnailCachedAndShared(t *testing.T) {
	t.Parallel()

	ex := &fakeExtractor{gate: make(chan struct{})}
	c := newRecordedClip("clip.ts", time.Second, nil, ex, 0, slog.Default())

	var wg sync.WaitGroup
	results := make([]image.Image, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			img, err := c.Thumbnail(context.Background())
			if err != nil {
				t.Errorf("Thumbnail: %v", err)
				return
			}
			results[i] = img
		}()
	}
	close(ex.gate)
	wg.Wait()

	if got := ex.frames.Load(); got != 1 {
		t.Errorf("extractor called %d times, want 1", got)
	}
	for i, img := range results {
		if img == nil {
			continue
		}
		if b := img.Bounds(); b.Dx() != DefaultThumbnailWidth || b.Dy() != 240 {
			t.Errorf("result %d is %v, want 320x240", i, b)
		}
	}

	c.Evict()
	if _, err := c.Thumbnail(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := ex.frames.Load(); got != 2 {
		t.Errorf("extractor called %d times after Evict, want 2", got)
	}
}

func TestClipLastFrame(t *testing.T) {
	t.Parallel()

	ex := &fakeExtractor{}
	c := newRecordedClip("clip.ts", time.Second, nil, ex, 0, slog.Default())
	for range 3 {
		img, err := c.LastFrame(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if img.Bounds().Dx() != 64 {
			t.Errorf("width = %d, want 64 (no resize)", img.Bounds().Dx())
		}
	}
	if got := ex.lasts.Load(); got != 1 {
		t.Errorf("extractor called %d times, want 1", got)
	}
}

func TestClipImageErrorNotCached(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	ex := &fakeExtractor{err: boom}
	c := newRecordedClip("clip.ts", time.Second, nil, ex, 0, slog.Default())
	if _, err := c.Thumbnail(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	ex.err = nil
	if _, err := c.Thumbnail(context.Background()); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
}

func TestClipInfoIsCopied(t *testing.T) {
	t.Parallel()

	src := map[string]any{"take": 1}
	c := NewClip("clip.ts", src)
	src["take"] = 2
	info := c.Info()
	if info["take"] != 1 {
		t.Errorf("info[take] = %v, want 1", info["take"])
	}
	info["take"] = 3
	c.SetInfo("scene", "a")
	if got := c.Info(); got["take"] != 1 || got["scene"] != "a" {
		t.Errorf("info = %v", got)
	}
	if c.Name() != "clip.ts" || c.String() != "clip.ts" {
		t.Errorf("name = %q", c.Name())
	}
}

func TestClipRemove(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "clip.ts")
	if err := os.WriteFile(path, []byte{0x47}, 0o644); err != nil {
		t.Fatal(err)
	}
	c := NewClip(path, nil)
	if !c.Exists() {
		t.Fatal("Exists = false")
	}
	if err := c.Remove(); err != nil {
		t.Fatal(err)
	}
	if c.Exists() {
		t.Error("file still exists")
	}
	if err := c.Remove(); err != nil {
		t.Errorf("second Remove = %v, want nil", err)
	}
}

func TestClipDurationUnreadable(t *testing.T) {
	t.Parallel()

	c := NewClip(filepath.Join(t.TempDir(), "missing.ts"), nil)
	if got := c.Duration(); got != 0 {
		t.Errorf("duration = %v, want 0", got)
	}
	if _, err := c.Asset(context.Background()); err == nil {
		t.Error("Asset of a missing file = nil error")
	}
}
