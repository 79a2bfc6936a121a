package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/reel/capture"
	"github.com/zsiec/reel/device"
	"github.com/zsiec/reel/internal/ffmpeg"
	"github.com/zsiec/reel/mediaconfig"
	"github.com/zsiec/reel/preview"
	"github.com/zsiec/reel/session"
	"github.com/zsiec/reel/source/srt"
)

const statsInterval = 10 * time.Second

type recordFlags struct {
	srtAddr     string
	call        bool
	streamKey   string
	profile     string
	mode        string
	position    string
	dir         string
	prefix      string
	maxDuration time.Duration
	previewAddr string
	merge       string
}

func newRecordCmd() *cobra.Command {
	var f recordFlags
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record clips from an SRT camera feed until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRecord(cmd.Context(), f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.srtAddr, "srt", envOr("SRT_ADDR", ":6000"), "SRT listen address, or the camera address with --call")
	fl.BoolVar(&f.call, "call", false, "dial the camera instead of listening")
	fl.StringVar(&f.streamKey, "stream-key", envOr("STREAM_KEY", ""), "accept only this stream key")
	fl.StringVar(&f.profile, "profile", envOr("REEL_PROFILE", ""), "YAML capture profile")
	fl.StringVar(&f.mode, "mode", "", "capture mode, overriding the profile")
	fl.StringVar(&f.position, "position", "", "camera position the feed is offered at (back or front)")
	fl.StringVar(&f.dir, "dir", envOr("REEL_DIR", "clips"), "clip directory")
	fl.StringVar(&f.prefix, "prefix", "clip", "clip file name prefix")
	fl.DurationVar(&f.maxDuration, "max-duration", 0, "stop after this much recorded time (0 for no limit)")
	fl.StringVar(&f.previewAddr, "preview", envOr("PREVIEW_ADDR", ""), "serve a live QUIC preview on this address")
	fl.StringVar(&f.merge, "merge", "", "merge the clips on exit with this preset (passthrough, low, medium, high, hevc)")
	return cmd
}

func loadProfile(f recordFlags) (*mediaconfig.Profile, error) {
	p := mediaconfig.DefaultProfile()
	if f.profile != "" {
		var err error
		if p, err = mediaconfig.LoadProfile(f.profile); err != nil {
			return nil, err
		}
	}
	if f.mode != "" {
		p.Mode = f.mode
	}
	if f.position != "" {
		pos, err := parsePosition(f.position)
		if err != nil {
			return nil, err
		}
		p.Position = pos
	}
	if f.maxDuration > 0 {
		p.Video.MaximumCaptureDuration = f.maxDuration
	}
	return p, p.Validate()
}

func runRecord(ctx context.Context, f recordFlags) error {
	profile, err := loadProfile(f)
	if err != nil {
		return fmt.Errorf("profile: %w", err)
	}
	var preset session.Preset
	if f.merge != "" {
		if preset, err = ffmpeg.ParsePreset(f.merge); err != nil {
			return err
		}
	}
	log := slog.Default()

	src := srt.New(srt.Options{
		Addr:      f.srtAddr,
		Call:      f.call,
		StreamKey: f.streamKey,
		Position:  profile.Position,
		Log:       log,
	})
	c := capture.New(capture.Options{
		NewGraph: src.Factory(),
		Session: session.Options{
			Dir:       f.dir,
			Prefix:    f.prefix,
			NewWriter: session.TSWriterFactory(log),
			Log:       log,
		},
		Log: log,
	})
	defer c.Close()
	if err := c.ApplyProfile(profile); err != nil {
		return fmt.Errorf("profile: %w", err)
	}
	ev := newEvents(log.With("component", "record"))
	c.SetSessionSink(ev)
	c.SetVideoSink(ev)

	var sinks tee = []srt.FrameSink{c}
	var pv *preview.Server
	if f.previewAddr != "" {
		if pv, err = preview.New(preview.Config{Addr: f.previewAddr, Log: log}); err != nil {
			return err
		}
		sinks = append(sinks, pv)
	}
	src.SetSink(sinks)

	g, ctx := errgroup.WithContext(ctx)
	if pv != nil {
		g.Go(func() error { return pv.ListenAndServe(ctx) })
	}
	g.Go(func() error {
		logStats(ctx, log, src, pv)
		return nil
	})
	g.Go(func() error {
		if err := c.Start(); err != nil {
			return err
		}
		c.Record()
		log.Info("recording", "mode", c.Mode(), "dir", f.dir, "srt", f.srtAddr)

		select {
		case <-ctx.Done():
		case <-ev.sessionDone:
			log.Info("maximum duration reached")
		}
		err := stopRecording(c)
		c.Stop()
		if err != nil && !errors.Is(err, session.ErrNothingRecorded) {
			return err
		}
		if f.merge != "" {
			return mergeSession(c.RecordingSession(), preset, log)
		}
		return nil
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// stopRecording finalizes the open clip and waits for it.
func stopRecording(c *capture.Controller) error {
	done := make(chan error, 1)
	c.StopRecording(func(_ *session.Clip, err error) { done <- err })
	return <-done
}

func mergeSession(s *session.Session, preset session.Preset, log *slog.Logger) error {
	if s == nil {
		return nil
	}
	done := make(chan error, 1)
	// The capture context is gone by now; merging runs to completion.
	s.MergeClips(context.Background(), preset, func(path string, err error) {
		if err == nil {
			log.Info("merged", "output", path, "preset", preset)
		}
		done <- err
	})
	return <-done
}

func logStats(ctx context.Context, log *slog.Logger, src *srt.Source, pv *preview.Server) {
	t := time.NewTicker(statsInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s := src.Stats().Snapshot()
		args := []any{
			"connections", s.Connections,
			"video_frames", s.VideoFrames,
			"audio_frames", s.AudioFrames,
			"forwarded", s.VideoForwarded + s.AudioForwarded,
			"kbps", fmt.Sprintf("%.0f", s.IngestKbps),
		}
		if pv != nil {
			ps := pv.Stats()
			args = append(args, "viewers", ps.Viewers, "preview_dropped", ps.Dropped)
		}
		log.Info("feed stats", args...)
	}
}

// parsePosition accepts back or front.
func parsePosition(s string) (device.Position, error) {
	var p device.Position
	if s == "" {
		return device.PositionBack, nil
	}
	err := p.UnmarshalText([]byte(s))
	return p, err
}
