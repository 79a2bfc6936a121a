// Package session records capture frames into clip files. A Session owns an
// ordered list of clips, re-bases timestamps so that pauses leave no gaps,
// and merges clips into a single recording.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/reel/internal/queue"
	"github.com/zsiec/reel/media"
	"github.com/zsiec/reel/mediaconfig"
)

// ClipState tracks the clip currently being recorded.
type ClipState int

const (
	// ClipNone means no clip is open.
	ClipNone ClipState = iota
	// ClipConfiguring means a clip is open but a required track is not
	// set up yet; appends are skipped.
	ClipConfiguring
	// ClipAccepting means the open clip takes frames.
	ClipAccepting
	// ClipEnded means the last clip was finalized and none is open.
	ClipEnded
)

func (s ClipState) String() string {
	switch s {
	case ClipNone:
		return "none"
	case ClipConfiguring:
		return "configuring"
	case ClipAccepting:
		return "accepting"
	case ClipEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Options configures a Session.
type Options struct {
	Dir            string // clip directory; defaults to <tmp>/reel
	Prefix         string // clip file name prefix; defaults to "clip"
	NewWriter      WriterFactory
	Extractor      ImageExtractor
	ThumbnailWidth int
	Log            *slog.Logger
}

// Stats counts appended and skipped frames per track.
type Stats struct {
	VideoAppended int
	VideoSkipped  int
	AudioAppended int
	AudioSkipped  int
}

// VideoSkipRate returns the fraction of video frames skipped.
func (s Stats) VideoSkipRate() float64 {
	if n := s.VideoAppended + s.VideoSkipped; n > 0 {
		return float64(s.VideoSkipped) / float64(n)
	}
	return 0
}

// Session records clips. All state lives on the session's serial queue;
// every exported method is safe to call from any goroutine. Completions run
// on a separate callback queue, in submission order.
type Session struct {
	id         string
	dir        string
	prefix     string
	newWriter  WriterFactory
	extractor  ImageExtractor
	thumbWidth int
	log        *slog.Logger

	q         *queue.Queue
	callbacks *queue.Queue

	clips     []*Clip
	duration  time.Duration
	clipCount int
	stats     Stats

	requireVideo bool
	requireAudio bool

	videoSettings mediaconfig.Settings
	videoConfig   *mediaconfig.VideoConfiguration
	videoFormat   *media.VideoFormat
	pool          *media.PixelBufferPool
	audioSettings mediaconfig.Settings
	audioConfig   *mediaconfig.AudioConfiguration
	audioFormat   *media.AudioFormat

	// current clip
	writer      Writer
	clipPath    string
	clipState   ClipState
	writerVideo bool
	writerAudio bool
	clipStarted bool
	clipStart   time.Duration
	clipDur     time.Duration
	clipVideo   bool
	clipAudio   bool

	// session-wide timeline, in re-based time
	timeOffset   time.Duration
	offsetSet    bool
	lastVideoPTS time.Duration
	lastVideoEnd time.Duration
	lastAudioEnd time.Duration
	anyVideo     bool
}

// New creates a Session writing clips into opts.Dir.
func New(opts Options) (*Session, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	dir := opts.Dir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "reel")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create clip directory: %w", err)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "clip"
	}
	s := &Session{
		id:           uuid.NewString(),
		dir:          dir,
		prefix:       prefix,
		newWriter:    opts.NewWriter,
		extractor:    opts.Extractor,
		thumbWidth:   opts.ThumbnailWidth,
		requireVideo: true,
		requireAudio: true,
	}
	s.log = log.With("component", "session", "session", s.id[:8])
	if s.newWriter == nil {
		s.newWriter = TSWriterFactory(log)
	}
	s.q = queue.New("session", log)
	s.callbacks = queue.New("session-callbacks", log)
	return s, nil
}

// ID returns the session identifier used in clip names.
func (s *Session) ID() string { return s.id }

// Dir returns the clip directory.
func (s *Session) Dir() string { return s.dir }

func (s *Session) sync(fn func()) error {
	err := s.q.Sync(context.Background(), func(context.Context) { fn() })
	if errors.Is(err, queue.ErrClosed) {
		return ErrClosed
	}
	return err
}

// complete delivers a completion on the callback queue.
func (s *Session) complete(fn func()) {
	if !s.callbacks.Async(func(context.Context) { fn() }) {
		fn()
	}
}

// SetRequirements sets which tracks must be set up before a clip accepts
// frames.
func (s *Session) SetRequirements(video, audio bool) {
	_ = s.sync(func() {
		s.requireVideo, s.requireAudio = video, audio
		s.updateClipState()
	})
}

// SetupVideo prepares the video track from settings derived for format.
// It builds an I420 pixel-buffer pool at the output size for raw pictures.
// It reports whether the track is ready; setting up twice is a no-op.
func (s *Session) SetupVideo(settings mediaconfig.Settings, cfg *mediaconfig.VideoConfiguration, format media.VideoFormat) bool {
	ok := false
	_ = s.sync(func() {
		if s.videoSettings != nil {
			ok = true
			return
		}
		w, _ := settings.Int(mediaconfig.KeyWidth)
		h, _ := settings.Int(mediaconfig.KeyHeight)
		if w <= 0 || h <= 0 {
			w, h = format.Width, format.Height
		}
		pool, err := media.NewPixelBufferPool(media.PixelFormatI420, w, h)
		if err != nil {
			s.log.Error("video setup failed", "error", err)
			return
		}
		f := format
		s.videoSettings = mediaconfig.Settings{}
		maps.Copy(s.videoSettings, settings)
		s.videoConfig = cfg
		s.videoFormat = &f
		s.pool = pool
		s.attachTracks()
		s.updateClipState()
		s.log.Debug("video set up", "width", w, "height", h, "codec", format.Codec)
		ok = true
	})
	return ok
}

// SetupAudio prepares the audio track from settings derived for format.
func (s *Session) SetupAudio(settings mediaconfig.Settings, cfg *mediaconfig.AudioConfiguration, format media.AudioFormat) bool {
	ok := false
	_ = s.sync(func() {
		if s.audioSettings != nil {
			ok = true
			return
		}
		if format.SampleRate <= 0 {
			if rate, found := settings.Int(mediaconfig.KeySampleRate); !found || rate <= 0 {
				s.log.Error("audio setup failed", "error", "no sample rate")
				return
			}
		}
		f := format
		s.audioSettings = mediaconfig.Settings{}
		maps.Copy(s.audioSettings, settings)
		s.audioConfig = cfg
		s.audioFormat = &f
		s.attachTracks()
		s.updateClipState()
		s.log.Debug("audio set up", "sample_rate", format.SampleRate, "channels", format.Channels)
		ok = true
	})
	return ok
}

// IsVideoSetup reports whether the video track is set up.
func (s *Session) IsVideoSetup() bool {
	var ok bool
	_ = s.sync(func() { ok = s.videoSettings != nil })
	return ok
}

// IsAudioSetup reports whether the audio track is set up.
func (s *Session) IsAudioSetup() bool {
	var ok bool
	_ = s.sync(func() { ok = s.audioSettings != nil })
	return ok
}

// IsReady reports whether every required track is set up.
func (s *Session) IsReady() bool {
	var ok bool
	_ = s.sync(func() { ok = s.tracksReady() })
	return ok
}

func (s *Session) tracksReady() bool {
	return (!s.requireVideo || s.videoSettings != nil) && (!s.requireAudio || s.audioSettings != nil)
}

// PixelBufferPool returns the pool for raw video pictures, or nil before
// video is set up.
func (s *Session) PixelBufferPool() *media.PixelBufferPool {
	var p *media.PixelBufferPool
	_ = s.sync(func() { p = s.pool })
	return p
}

// attachTracks adds set-up tracks to an open writer that has not started.
func (s *Session) attachTracks() {
	if s.writer == nil || s.clipStarted {
		return
	}
	if s.videoSettings != nil && !s.writerVideo {
		if err := s.writer.AddVideoTrack(s.videoSettings, *s.videoFormat); err != nil {
			s.log.Warn("failed to add video track", "path", s.clipPath, "error", err)
		} else {
			s.writerVideo = true
		}
	}
	if s.audioSettings != nil && !s.writerAudio {
		if err := s.writer.AddAudioTrack(s.audioSettings, *s.audioFormat); err != nil {
			s.log.Warn("failed to add audio track", "path", s.clipPath, "error", err)
		} else {
			s.writerAudio = true
		}
	}
}

func (s *Session) updateClipState() {
	if s.clipState == ClipConfiguring && s.tracksReady() {
		s.clipState = ClipAccepting
	}
}

// BeginClip opens a writer for a new clip. It is a no-op while a clip is
// open.
func (s *Session) BeginClip() error {
	var err error
	if serr := s.sync(func() { err = s.beginClip() }); serr != nil {
		return serr
	}
	return err
}

func (s *Session) beginClip() error {
	if s.writer != nil {
		s.log.Debug("clip already open", "path", s.clipPath)
		return nil
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%s-%s-%d.ts", s.prefix, s.id[:8], s.clipCount))
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrFileExists, path)
	}
	w, err := s.newWriter(path)
	if err != nil {
		return &WriterError{Path: path, Op: "create", Err: err}
	}
	s.clipCount++
	s.resetClip()
	s.writer, s.clipPath, s.clipState = w, path, ClipConfiguring
	s.attachTracks()
	s.updateClipState()
	s.log.Info("clip started", "path", path, "state", s.clipState)
	return nil
}

func (s *Session) resetClip() {
	s.writer, s.clipPath = nil, ""
	s.writerVideo, s.writerAudio = false, false
	s.clipStarted, s.clipStart, s.clipDur = false, 0, 0
	s.clipVideo, s.clipAudio = false, false
}

// ClipState returns the current clip state.
func (s *Session) ClipState() ClipState {
	st := ClipNone
	_ = s.sync(func() { st = s.clipState })
	return st
}

// ClipStarted reports whether the open clip has received a frame.
func (s *Session) ClipStarted() bool {
	var ok bool
	_ = s.sync(func() { ok = s.clipStarted })
	return ok
}

// CurrentClipHasVideo reports whether video was appended to the open clip.
func (s *Session) CurrentClipHasVideo() bool {
	var ok bool
	_ = s.sync(func() { ok = s.clipVideo })
	return ok
}

// CurrentClipHasAudio reports whether audio was appended to the open clip.
func (s *Session) CurrentClipHasAudio() bool {
	var ok bool
	_ = s.sync(func() { ok = s.clipAudio })
	return ok
}

// CurrentClipDuration returns the duration recorded into the open clip.
func (s *Session) CurrentClipDuration() time.Duration {
	var d time.Duration
	_ = s.sync(func() { d = s.clipDur })
	return d
}

// startClipAt fixes the clip start on its first frame. The first clip of a
// session starts the timeline at zero; later clips resume where the last
// recorded frame ended, which absorbs the pause between them.
func (s *Session) startClipAt(ts time.Duration) {
	if s.clipStarted {
		return
	}
	if !s.offsetSet {
		s.timeOffset, s.offsetSet = ts, true
	} else {
		resume := s.lastAudioEnd
		if s.anyVideo {
			resume = s.lastVideoEnd
		}
		s.timeOffset = ts - resume
	}
	s.clipStart = ts - s.timeOffset
	s.clipStarted = true
}

// AppendVideo queues an encoded or raw frame. A frame without a duration
// lasts minFrameDuration. completion, if set, reports whether the frame
// was written.
func (s *Session) AppendVideo(frame *media.VideoFrame, minFrameDuration time.Duration, completion func(bool)) {
	if !s.q.Async(func(context.Context) {
		ok := s.appendVideo(frame, minFrameDuration)
		if completion != nil {
			s.complete(func() { completion(ok) })
		}
	}) && completion != nil {
		completion(false)
	}
}

// AppendPixelBuffer queues a raw picture presented at ts.
func (s *Session) AppendPixelBuffer(pb *media.PixelBuffer, ts, minFrameDuration time.Duration, completion func(bool)) {
	s.AppendVideo(&media.VideoFrame{PTS: ts, DTS: ts, Image: pb}, minFrameDuration, completion)
}

// AppendAudio queues an audio frame.
func (s *Session) AppendAudio(frame *media.AudioFrame, completion func(bool)) {
	if !s.q.Async(func(context.Context) {
		ok := s.appendAudio(frame)
		if completion != nil {
			s.complete(func() { completion(ok) })
		}
	}) && completion != nil {
		completion(false)
	}
}

func (s *Session) appendVideo(frame *media.VideoFrame, minFrameDuration time.Duration) bool {
	if s.clipState != ClipAccepting || !s.writerVideo || frame == nil {
		s.stats.VideoSkipped++
		return false
	}
	dur := frame.Duration
	if dur <= 0 {
		dur = minFrameDuration
	}
	s.startClipAt(frame.PTS)

	out := *frame
	out.PTS = frame.PTS - s.timeOffset
	out.DTS = frame.DTS - s.timeOffset
	// A zero DTS means the source did not set one.
	if frame.DTS == 0 && frame.PTS != 0 {
		out.DTS = out.PTS
	}
	out.Duration = dur
	if out.Format == nil {
		out.Format = s.videoFormat
	}

	// Slow motion and time lapse stretch each frame and lay frames end to
	// end.
	if scale := s.timescale(); scale > 0 && scale != 1 {
		out.Duration = time.Duration(float64(dur) * scale)
		if s.clipVideo {
			out.PTS = s.lastVideoEnd
			out.DTS = out.PTS
		}
	}

	if err := s.writer.WriteVideo(&out); err != nil {
		s.log.Debug("video append failed", "pts", out.PTS, "error", err)
		s.stats.VideoSkipped++
		return false
	}
	s.lastVideoPTS = out.PTS
	s.lastVideoEnd = out.PTS + out.Duration
	s.anyVideo = true
	s.clipVideo = true
	s.clipDur = s.lastVideoEnd - s.clipStart
	s.stats.VideoAppended++
	return true
}

func (s *Session) timescale() float64 {
	if s.videoConfig == nil {
		return 1
	}
	return s.videoConfig.Timescale
}

func (s *Session) appendAudio(frame *media.AudioFrame) bool {
	if s.clipState != ClipAccepting || !s.writerAudio || frame == nil {
		s.stats.AudioSkipped++
		return false
	}
	s.startClipAt(frame.PTS)

	out := *frame
	out.PTS = frame.PTS - s.timeOffset
	if err := s.writer.WriteAudio(&out); err != nil {
		s.log.Debug("audio append failed", "pts", out.PTS, "error", err)
		s.stats.AudioSkipped++
		return false
	}
	s.lastAudioEnd = out.End()
	s.clipAudio = true
	if !s.clipVideo {
		s.clipDur = s.lastAudioEnd - s.clipStart
	}
	s.stats.AudioAppended++
	return true
}

// EndClip finalizes the open clip and adds it to the list. With no frames
// appended, or no clip open, completion receives ErrNothingRecorded.
func (s *Session) EndClip(completion func(*Clip, error)) {
	if !s.q.Async(func(context.Context) {
		clip, err := s.endClip()
		if completion != nil {
			s.complete(func() { completion(clip, err) })
		}
	}) && completion != nil {
		completion(nil, ErrClosed)
	}
}

func (s *Session) endClip() (*Clip, error) {
	if s.writer == nil {
		return nil, ErrNothingRecorded
	}
	w, path := s.writer, s.clipPath
	started, dur := s.clipStarted, s.clipDur
	info := map[string]any{InfoHasVideo: s.clipVideo, InfoHasAudio: s.clipAudio, InfoIndex: len(s.clips)}
	s.resetClip()
	s.clipState = ClipEnded

	err := w.Close()
	if !started {
		_ = os.Remove(path)
		s.log.Info("clip discarded", "path", path, "reason", "empty")
		return nil, ErrNothingRecorded
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, &WriterError{Path: path, Op: "finish", Err: err}
	}

	clip := newRecordedClip(path, dur, info, s.extractor, s.thumbWidth, s.log)
	s.clips = append(s.clips, clip)
	s.duration += dur
	s.log.Info("clip finished", "path", path, "duration", dur, "clips", len(s.clips))
	return clip, nil
}

// Reset discards the open clip and the track setup so the next frames set
// the tracks up again. Recorded clips and the timeline are kept.
func (s *Session) Reset() {
	_ = s.sync(s.reset)
}

func (s *Session) reset() {
	if s.writer != nil {
		path := s.clipPath
		if err := s.writer.Close(); err != nil {
			s.log.Debug("writer close on reset", "error", err)
		}
		if !s.clipStarted {
			_ = os.Remove(path)
		}
	}
	s.resetClip()
	s.clipState = ClipNone
	s.videoSettings, s.videoConfig, s.videoFormat, s.pool = nil, nil, nil, nil
	s.audioSettings, s.audioConfig, s.audioFormat = nil, nil, nil
}

// Clips returns a snapshot of the clip list in playback order.
func (s *Session) Clips() []*Clip {
	var out []*Clip
	_ = s.sync(func() { out = slices.Clone(s.clips) })
	return out
}

// LastClip returns the most recently listed clip, or nil.
func (s *Session) LastClip() *Clip {
	var c *Clip
	_ = s.sync(func() {
		if n := len(s.clips); n > 0 {
			c = s.clips[n-1]
		}
	})
	return c
}

// Duration returns the total duration of the listed clips.
func (s *Session) Duration() time.Duration {
	var d time.Duration
	_ = s.sync(func() { d = s.duration })
	return d
}

// TotalDuration returns Duration plus whatever the open clip holds.
func (s *Session) TotalDuration() time.Duration {
	var d time.Duration
	_ = s.sync(func() { d = s.duration + s.clipDur })
	return d
}

// Stats returns append counters.
func (s *Session) Stats() Stats {
	var st Stats
	_ = s.sync(func() { st = s.stats })
	return st
}

// Add appends clip to the list.
func (s *Session) Add(clip *Clip) {
	if clip == nil {
		return
	}
	d := clip.Duration()
	_ = s.sync(func() {
		s.clips = append(s.clips, clip)
		s.duration += d
	})
}

// Insert places clip at index i, clamped to the list bounds.
func (s *Session) Insert(clip *Clip, i int) {
	if clip == nil {
		return
	}
	d := clip.Duration()
	_ = s.sync(func() {
		i = min(max(i, 0), len(s.clips))
		s.clips = slices.Insert(s.clips, i, clip)
		s.duration += d
	})
}

// Remove takes clip out of the list. The file is kept.
func (s *Session) Remove(clip *Clip) bool {
	found := false
	_ = s.sync(func() {
		if i := slices.Index(s.clips, clip); i >= 0 {
			s.removeAt(i)
			found = true
		}
	})
	return found
}

// RemoveAt takes the clip at index i out of the list and returns it, or nil
// when i is out of range. The file is kept.
func (s *Session) RemoveAt(i int) *Clip {
	var c *Clip
	_ = s.sync(func() {
		if i >= 0 && i < len(s.clips) {
			c = s.removeAt(i)
		}
	})
	return c
}

// RemoveLast takes the last clip out of the list and returns it. The file
// is kept.
func (s *Session) RemoveLast() *Clip {
	var c *Clip
	_ = s.sync(func() {
		if n := len(s.clips); n > 0 {
			c = s.removeAt(n - 1)
		}
	})
	return c
}

func (s *Session) removeAt(i int) *Clip {
	c := s.clips[i]
	s.clips = slices.Delete(s.clips, i, i+1)
	s.duration -= c.Duration()
	return c
}

// RemoveAll empties the list, deleting the files when removeFiles is set.
func (s *Session) RemoveAll(removeFiles bool) {
	_ = s.sync(func() {
		if removeFiles {
			for _, c := range s.clips {
				if err := c.Remove(); err != nil {
					s.log.Warn("failed to remove clip file", "path", c.Path(), "error", err)
				}
			}
		}
		s.clips = nil
		s.duration = 0
	})
}

// Close discards an open clip and stops the session's queues. Recorded
// clip files are kept.
func (s *Session) Close() {
	_ = s.sync(func() {
		if s.writer != nil {
			path, started := s.clipPath, s.clipStarted
			if err := s.writer.Close(); err != nil || !started {
				_ = os.Remove(path)
			}
			s.resetClip()
			s.clipState = ClipNone
		}
	})
	s.q.Close()
	s.callbacks.Close()
}
