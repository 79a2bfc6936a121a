package capture

import (
	"context"
	"errors"
	"time"

	"github.com/zsiec/reel/media"
	"github.com/zsiec/reel/mediaconfig"
	"github.com/zsiec/reel/session"
)

// minFrameSpacing is the shortest interval between two recorded video
// frames. Bursty sources are slowed to it.
const minFrameSpacing = 4 * time.Millisecond

// Record starts recording. The next frame that finds every required track
// set up opens a clip. Record queues behind a pending Pause, so the new clip
// never overlaps the one being finalized.
func (c *Controller) Record() {
	c.q.Async(func(context.Context) {
		c.mu.Lock()
		mode, started := c.mode, c.graph != nil
		c.mu.Unlock()
		if !mode.Records() || !started {
			c.log.Warn("record ignored", "mode", mode, "started", started)
			c.runtimeError(ErrNotReadyToRecord)
			return
		}
		if c.ensureSession() == nil {
			return
		}
		c.mu.Lock()
		c.recording = true
		c.mu.Unlock()
		c.log.Info("recording")
	})
}

// Pause stops recording and finalizes the open clip. completion, if set, is
// dispatched once the clip is closed.
func (c *Controller) Pause(completion func()) {
	c.q.Async(func(context.Context) { c.pause(completion) })
}

func (c *Controller) pause(completion func()) {
	c.mu.Lock()
	wasRecording := c.recording
	c.recording = false
	rec := c.rec
	c.mu.Unlock()
	if wasRecording {
		c.log.Info("recording paused")
	}

	done := func(*session.Clip, error) {
		if completion != nil {
			c.dispatch.Dispatch(completion)
		}
	}
	if rec == nil || !clipOpen(rec) {
		done(nil, nil)
		return
	}
	c.endClip(rec, done)
}

// StopRecording stops recording, finalizes the open clip and reports the
// session complete. completion receives the finalized clip, or
// ErrNothingRecorded when no clip was open.
func (c *Controller) StopRecording(completion func(*session.Clip, error)) {
	c.q.Async(func(context.Context) {
		c.mu.Lock()
		c.recording = false
		rec := c.rec
		c.mu.Unlock()

		finish := func(clip *session.Clip, err error) {
			if rec != nil {
				c.emitVideo(func(s VideoSink) { s.DidCompleteSession(rec) })
			}
			if completion != nil {
				c.dispatch.Dispatch(func() { completion(clip, err) })
			}
		}
		if rec == nil || !clipOpen(rec) {
			finish(nil, ErrNothingRecorded)
			return
		}
		c.endClip(rec, finish)
	})
}

func clipOpen(rec *session.Session) bool {
	switch rec.ClipState() {
	case session.ClipConfiguring, session.ClipAccepting:
		return true
	}
	return false
}

// endClip finalizes the open clip. then runs on the session's callback
// queue after the clip notification is dispatched.
func (c *Controller) endClip(rec *session.Session, then func(*session.Clip, error)) {
	rec.EndClip(func(clip *session.Clip, err error) {
		switch {
		case err == nil:
			c.log.Info("clip complete", "clip", clip.Name(), "duration", clip.Duration())
			c.emitVideo(func(s VideoSink) { s.DidCompleteClip(rec, clip, nil) })
		case errors.Is(err, session.ErrNothingRecorded):
			c.log.Debug("clip ended empty")
		default:
			c.log.Warn("clip failed", "error", err)
			c.emitVideo(func(s VideoSink) { s.DidCompleteClip(rec, nil, err) })
		}
		if then != nil {
			then(clip, err)
		}
	})
}

// HandleVideoFrame routes a video frame from the graph. Frames are handled
// one at a time, in arrival order, on the capture queue.
func (c *Controller) HandleVideoFrame(frame *media.VideoFrame) {
	if frame == nil {
		return
	}
	c.q.Async(func(context.Context) { c.handleVideo(frame) })
}

// HandleAudioFrame routes an audio frame from the graph.
func (c *Controller) HandleAudioFrame(frame *media.AudioFrame) {
	if frame == nil {
		return
	}
	c.q.Async(func(context.Context) { c.handleAudio(frame) })
}

// HandleARFrame routes a picture rendered by an AR session. The host
// forwards these from its own frame callbacks.
func (c *Controller) HandleARFrame(pb *media.PixelBuffer, pts time.Duration) {
	if pb == nil {
		return
	}
	c.HandleVideoFrame(&media.VideoFrame{PTS: pts, DTS: pts, Image: pb})
}

// HandleARAudio routes audio the host captured alongside an AR session.
func (c *Controller) HandleARAudio(frame *media.AudioFrame) { c.HandleAudioFrame(frame) }

func (c *Controller) handleVideo(frame *media.VideoFrame) {
	c.mu.Lock()
	mode, rec, cfg, renderer := c.mode, c.rec, c.videoConfig, c.renderer
	c.mu.Unlock()
	if !mode.NeedsVideo() {
		return
	}
	c.emitVideo(func(s VideoSink) { s.WillProcessFrame(frame) })
	defer func() {
		c.lastVideo = frame
		if frame.Image != nil {
			c.lastImage = frame.Image
		}
	}()
	if rec == nil || !mode.Records() {
		return
	}

	if !rec.IsVideoSetup() {
		c.setupVideo(rec, cfg, frame)
	}
	if !c.IsRecording() || !rec.IsReady() || !c.ensureClip(rec) {
		return
	}

	if d := c.now().Sub(c.lastAppend); d < minFrameSpacing {
		c.sleep(minFrameSpacing - d)
	}

	out := frame
	if renderer != nil && frame.Image != nil {
		frame.Image.Lock()
		pb := renderer.RenderFrame(frame.Image, frame.PTS)
		frame.Image.Unlock()
		if pb != nil && pb != frame.Image {
			f := *frame
			f.Image = pb
			out = &f
		}
	}

	minDur := minFrameDuration(cfg, frame)
	if !rec.CurrentClipHasVideo() && !rec.CurrentClipHasAudio() {
		if a := c.lastAudio; a != nil && a.End() > frame.PTS {
			c.log.Debug("appending buffered audio ahead of first video frame", "audio_pts", a.PTS, "video_pts", frame.PTS)
			c.appendAudio(rec, a)
		}
	}
	if c.IsRecording() {
		c.appendVideo(rec, out, minDur)
	}
	c.lastAppend = c.now()
}

func (c *Controller) handleAudio(frame *media.AudioFrame) {
	c.mu.Lock()
	mode, rec, vcfg, acfg := c.mode, c.rec, c.videoConfig, c.audioConfig
	c.mu.Unlock()
	if !mode.NeedsAudio() {
		return
	}
	defer func() { c.lastAudio = frame }()
	if rec == nil || !mode.Records() {
		return
	}

	if !rec.IsAudioSetup() {
		c.setupAudio(rec, acfg, frame)
	}
	if !c.IsRecording() || !rec.IsReady() || !c.ensureClip(rec) {
		return
	}

	if !rec.CurrentClipHasAudio() && !rec.CurrentClipHasVideo() {
		if v := c.lastVideo; v != nil && mode.NeedsVideo() {
			minDur := minFrameDuration(vcfg, v)
			end := v.End()
			if v.Duration <= 0 {
				end = v.PTS + minDur
			}
			if end > frame.PTS {
				c.log.Debug("appending buffered video ahead of first audio frame", "video_pts", v.PTS, "audio_pts", frame.PTS)
				c.appendVideo(rec, v, minDur)
			}
		}
	}
	if c.IsRecording() {
		c.appendAudio(rec, frame)
	}
}

// ensureClip opens a clip when none is open and reports whether the open
// clip takes frames.
func (c *Controller) ensureClip(rec *session.Session) bool {
	switch rec.ClipState() {
	case session.ClipAccepting:
		return true
	case session.ClipConfiguring:
		return false
	}
	if err := rec.BeginClip(); err != nil {
		c.log.Warn("clip not started", "error", err)
		c.runtimeError(err)
		return false
	}
	c.emitVideo(func(s VideoSink) { s.DidStartClip(rec) })
	return rec.ClipState() == session.ClipAccepting
}

func (c *Controller) setupVideo(rec *session.Session, cfg *mediaconfig.VideoConfiguration, frame *media.VideoFrame) {
	format := videoFormat(frame)
	settings := cfg.Settings(mediaconfig.Hint{Video: &format})
	// Encoded frames are recorded as they are, so the track takes their
	// codec.
	if frame.Encoded() && format.Codec != "" {
		settings[mediaconfig.KeyCodec] = format.Codec
	}
	ok := rec.SetupVideo(settings, cfg, format)
	if !ok {
		c.log.Warn("video track setup failed; recording without video")
	}
	c.emitVideo(func(s VideoSink) { s.DidSetupVideo(rec, settings, ok) })
}

func (c *Controller) setupAudio(rec *session.Session, cfg *mediaconfig.AudioConfiguration, frame *media.AudioFrame) {
	format := audioFormat(frame)
	settings := cfg.Settings(mediaconfig.Hint{Audio: &format})
	ok := rec.SetupAudio(settings, cfg, format)
	if !ok {
		c.log.Warn("audio track setup failed; recording without audio")
	}
	c.emitVideo(func(s VideoSink) { s.DidSetupAudio(rec, settings, ok) })
}

// appendVideo appends frame and waits for the result so the duration limit
// is checked before the next frame is routed.
func (c *Controller) appendVideo(rec *session.Session, frame *media.VideoFrame, minDur time.Duration) bool {
	done := make(chan bool, 1)
	rec.AppendVideo(frame, minDur, func(ok bool) { done <- ok })
	ok := <-done
	if !ok {
		c.emitVideo(func(s VideoSink) { s.DidSkipVideo(rec, frame) })
		return false
	}
	c.emitVideo(func(s VideoSink) { s.DidAppendVideo(rec, frame) })
	c.checkMaxDuration(rec)
	return true
}

func (c *Controller) appendAudio(rec *session.Session, frame *media.AudioFrame) bool {
	done := make(chan bool, 1)
	rec.AppendAudio(frame, func(ok bool) { done <- ok })
	ok := <-done
	if !ok {
		c.emitVideo(func(s VideoSink) { s.DidSkipAudio(rec, frame) })
		return false
	}
	c.emitVideo(func(s VideoSink) { s.DidAppendAudio(rec, frame) })
	c.checkMaxDuration(rec)
	return true
}

// checkMaxDuration ends recording once the session reaches the configured
// maximum capture duration.
func (c *Controller) checkMaxDuration(rec *session.Session) {
	c.mu.Lock()
	limit, recording := c.videoConfig.MaximumCaptureDuration, c.recording
	c.mu.Unlock()
	if !recording || limit <= 0 {
		return
	}
	total := rec.TotalDuration()
	if total < limit {
		return
	}
	c.log.Info("maximum capture duration reached", "duration", total, "limit", limit)
	c.mu.Lock()
	c.recording = false
	c.mu.Unlock()
	c.endClip(rec, func(*session.Clip, error) {
		c.emitVideo(func(s VideoSink) { s.DidCompleteSession(rec) })
	})
}

func videoFormat(frame *media.VideoFrame) media.VideoFormat {
	var f media.VideoFormat
	if frame.Format != nil {
		f = *frame.Format
	}
	if pb := frame.Image; pb != nil {
		if f.Width <= 0 || f.Height <= 0 {
			f.Width, f.Height = pb.Width, pb.Height
		}
		if f.PixelFormat == media.PixelFormatUnknown {
			f.PixelFormat = pb.Format
		}
	}
	if f.Codec == "" && frame.Encoded() {
		f.Codec = frame.Codec
	}
	return f
}

func audioFormat(frame *media.AudioFrame) media.AudioFormat {
	var f media.AudioFormat
	if frame.Format != nil {
		f = *frame.Format
	}
	if f.SampleRate <= 0 {
		f.SampleRate = frame.SampleRate
	}
	if f.Channels <= 0 {
		f.Channels = frame.Channels
	}
	if f.Codec == "" {
		f.Codec = media.CodecAAC
	}
	return f
}

func minFrameDuration(cfg *mediaconfig.VideoConfiguration, frame *media.VideoFrame) time.Duration {
	if frame.Format != nil && frame.Format.FrameRate > 0 {
		return media.FrameDuration(frame.Format.FrameRate)
	}
	if cfg != nil && cfg.FrameRate > 0 {
		return media.FrameDuration(cfg.FrameRate)
	}
	return 0
}
