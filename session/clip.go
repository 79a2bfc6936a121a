package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nfnt/resize"
	"golang.org/x/sync/singleflight"

	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/internal/ffmpeg"
)

// DefaultThumbnailWidth is the width thumbnails are scaled to.
const DefaultThumbnailWidth = 320

// Info keys set on clips the session records.
const (
	InfoHasVideo = "has_video"
	InfoHasAudio = "has_audio"
	InfoIndex    = "index"
)

// ImageExtractor decodes still pictures from clip files.
type ImageExtractor interface {
	Frame(ctx context.Context, path string, at time.Duration) (image.Image, error)
	LastFrame(ctx context.Context, path string) (image.Image, error)
}

// FFmpegExtractor extracts stills with the ffmpeg binary.
type FFmpegExtractor struct{}

func (FFmpegExtractor) Frame(ctx context.Context, path string, at time.Duration) (image.Image, error) {
	return ffmpeg.ExtractFrame(ctx, path, at)
}

func (FFmpegExtractor) LastFrame(ctx context.Context, path string) (image.Image, error) {
	return ffmpeg.ExtractLastFrame(ctx, path)
}

// Chapter is a chapter marker found in a merged recording.
type Chapter struct {
	Start  time.Duration
	Number int
	Total  int
}

// Asset describes a clip file's contents.
type Asset struct {
	VideoCodec  string
	Width       int
	Height      int
	FrameRate   float64
	SampleRate  int
	Channels    int
	AudioTracks int

	VideoFrames int
	AudioFrames int
	Keyframes   int

	Start    time.Duration // earliest timestamp of either media
	FirstPTS time.Duration
	LastPTS  time.Duration
	Duration time.Duration

	Captions map[int]int // caption frames per CEA channel
	Chapters []Chapter
}

// HasVideo reports whether the clip contains video.
func (a *Asset) HasVideo() bool { return a.VideoFrames > 0 }

// HasAudio reports whether the clip contains audio.
func (a *Asset) HasAudio() bool { return a.AudioFrames > 0 }

func assetFromInfo(info *demux.Info) *Asset {
	a := &Asset{
		VideoCodec:  info.VideoCodec,
		Width:       info.Width,
		Height:      info.Height,
		FrameRate:   info.FrameRate,
		SampleRate:  info.SampleRate,
		Channels:    info.Channels,
		AudioTracks: info.AudioTracks,
		VideoFrames: info.VideoFrames,
		AudioFrames: info.AudioFrames,
		Keyframes:   info.Keyframes,
		Start:       info.Start,
		FirstPTS:    info.FirstPTS,
		LastPTS:     info.LastPTS,
		Duration:    info.Duration,
		Captions:    info.Captions,
	}
	for _, ch := range info.Chapters {
		a.Chapters = append(a.Chapters, Chapter{Start: ch.PTS, Number: ch.Number, Total: ch.Total})
	}
	return a
}

// Clip is one recorded file. The clip owns its file: Remove deletes it.
// The probed asset and the thumbnail and last-frame images are computed on
// first use and cached; Evict drops the images.
type Clip struct {
	path       string
	log        *slog.Logger
	extractor  ImageExtractor
	thumbWidth int
	group      singleflight.Group

	mu            sync.Mutex
	duration      time.Duration
	durationKnown bool
	info          map[string]any
	asset         *Asset
	thumbnail     image.Image
	lastFrame     image.Image
}

// NewClip wraps an existing file. Its duration is probed on first use.
func NewClip(path string, info map[string]any) *Clip {
	return &Clip{
		path:       path,
		log:        slog.Default().With("component", "clip"),
		extractor:  FFmpegExtractor{},
		thumbWidth: DefaultThumbnailWidth,
		info:       maps.Clone(info),
	}
}

func newRecordedClip(path string, duration time.Duration, info map[string]any, extractor ImageExtractor, thumbWidth int, log *slog.Logger) *Clip {
	c := NewClip(path, info)
	c.duration, c.durationKnown = duration, true
	c.log = log.With("component", "clip")
	if extractor != nil {
		c.extractor = extractor
	}
	if thumbWidth > 0 {
		c.thumbWidth = thumbWidth
	}
	return c
}

// Path returns the file path.
func (c *Clip) Path() string { return c.path }

// Name returns the file name.
func (c *Clip) Name() string { return filepath.Base(c.path) }

func (c *Clip) String() string { return c.Name() }

// Exists reports whether the file is still on disk.
func (c *Clip) Exists() bool {
	_, err := os.Stat(c.path)
	return err == nil
}

// Duration returns the recorded duration. For clips created with NewClip the
// file is probed once; a file that cannot be read then has zero duration
// for the life of the clip.
func (c *Clip) Duration() time.Duration {
	c.mu.Lock()
	if c.durationKnown {
		defer c.mu.Unlock()
		return c.duration
	}
	c.mu.Unlock()

	a, err := c.Asset(context.Background())
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil && !c.durationKnown {
		c.log.Warn("clip duration unavailable", "path", c.path, "error", err)
		c.duration, c.durationKnown = 0, true
	}
	if !c.durationKnown {
		c.duration, c.durationKnown = a.Duration, true
	}
	return c.duration
}

// Info returns a copy of the clip's metadata.
func (c *Clip) Info() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.info)
}

// SetInfo stores a metadata value.
func (c *Clip) SetInfo(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.info == nil {
		c.info = make(map[string]any)
	}
	c.info[key] = value
}

// Asset probes the file. The result is cached.
func (c *Clip) Asset(ctx context.Context) (*Asset, error) {
	c.mu.Lock()
	if a := c.asset; a != nil {
		c.mu.Unlock()
		return a, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("asset", func() (any, error) {
		c.mu.Lock()
		if a := c.asset; a != nil {
			c.mu.Unlock()
			return a, nil
		}
		c.mu.Unlock()
		f, err := os.Open(c.path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		info, err := demux.Probe(ctx, f, c.log)
		if err != nil {
			return nil, fmt.Errorf("probe %s: %w", c.path, err)
		}
		a := assetFromInfo(info)
		c.mu.Lock()
		c.asset = a
		c.mu.Unlock()
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Asset), nil
}

// Thumbnail returns the first picture scaled to the thumbnail width.
func (c *Clip) Thumbnail(ctx context.Context) (image.Image, error) {
	return c.image(ctx, "thumbnail", &c.thumbnail, func(ctx context.Context) (image.Image, error) {
		img, err := c.extractor.Frame(ctx, c.path, 0)
		if err != nil {
			return nil, err
		}
		if img.Bounds().Dx() <= c.thumbWidth {
			return img, nil
		}
		return resize.Resize(uint(c.thumbWidth), 0, img, resize.Lanczos3), nil
	})
}

// LastFrame returns the final picture at full size.
func (c *Clip) LastFrame(ctx context.Context) (image.Image, error) {
	return c.image(ctx, "last", &c.lastFrame, func(ctx context.Context) (image.Image, error) {
		return c.extractor.LastFrame(ctx, c.path)
	})
}

func (c *Clip) image(ctx context.Context, key string, slot *image.Image, load func(context.Context) (image.Image, error)) (image.Image, error) {
	c.mu.Lock()
	if img := *slot; img != nil {
		c.mu.Unlock()
		return img, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.Lock()
		if img := *slot; img != nil {
			c.mu.Unlock()
			return img, nil
		}
		c.mu.Unlock()
		img, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		*slot = img
		c.mu.Unlock()
		return img, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s for %s: %w", key, c.Name(), err)
	}
	return v.(image.Image), nil
}

// Evict drops the cached images. They are recomputed on next access.
func (c *Clip) Evict() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.thumbnail = nil
	c.lastFrame = nil
}

// Remove deletes the file and drops cached state. A missing file is not an
// error.
func (c *Clip) Remove() error {
	c.mu.Lock()
	c.asset = nil
	c.mu.Unlock()
	c.Evict()
	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("session: remove clip: %w", err)
	}
	return nil
}
