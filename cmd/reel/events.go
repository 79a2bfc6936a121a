package main

import (
	"log/slog"

	"github.com/zsiec/reel/capture"
	"github.com/zsiec/reel/media"
	"github.com/zsiec/reel/session"
	"github.com/zsiec/reel/source/srt"
)

// tee hands every frame to each sink in turn.
type tee []srt.FrameSink

func (t tee) HandleVideoFrame(f *media.VideoFrame) {
	for _, s := range t {
		s.HandleVideoFrame(f)
	}
}

func (t tee) HandleAudioFrame(f *media.AudioFrame) {
	for _, s := range t {
		s.HandleAudioFrame(f)
	}
}

// events logs controller notifications. sessionDone is closed when the
// recording session completes on its own, such as at the maximum duration.
type events struct {
	capture.NopSessionSink
	capture.NopVideoSink

	log         *slog.Logger
	sessionDone chan struct{}
}

func newEvents(log *slog.Logger) *events {
	return &events{log: log, sessionDone: make(chan struct{}, 1)}
}

func (e *events) DidStart()                        { e.log.Info("capture started") }
func (e *events) DidStop()                         { e.log.Info("capture stopped") }
func (e *events) WasInterrupted()                  { e.log.Warn("capture interrupted") }
func (e *events) InterruptionEnded()               { e.log.Info("interruption ended") }
func (e *events) DidReceiveRuntimeError(err error) { e.log.Error("capture error", "error", err) }

func (e *events) DidChangeMode(from, to capture.Mode) {
	e.log.Info("mode changed", "from", from, "to", to)
}

func (e *events) DidStartClip(s *session.Session) {
	e.log.Info("clip started", "clips", len(s.Clips()))
}

func (e *events) DidCompleteClip(s *session.Session, clip *session.Clip, err error) {
	if err != nil {
		e.log.Error("clip failed", "error", err)
		return
	}
	e.log.Info("clip complete", "path", clip.Path(), "duration", clip.Duration(), "total", s.TotalDuration())
}

func (e *events) DidCompleteSession(s *session.Session) {
	e.log.Info("session complete", "clips", len(s.Clips()), "duration", s.TotalDuration())
	select {
	case e.sessionDone <- struct{}{}:
	default:
	}
}
