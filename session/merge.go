package session

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/internal/ffmpeg"
	"github.com/zsiec/reel/media"
	"github.com/zsiec/reel/mediaconfig"
	"github.com/zsiec/reel/tswriter"
)

// Preset selects how merged recordings are encoded.
type Preset = ffmpeg.Preset

// Merge presets. Passthrough remuxes without re-encoding; the others
// transcode through ffmpeg.
const (
	PresetPassthrough = ffmpeg.PresetPassthrough
	PresetLow         = ffmpeg.PresetLow
	PresetMedium      = ffmpeg.PresetMedium
	PresetHigh        = ffmpeg.PresetHigh
	PresetHEVC        = ffmpeg.PresetHEVC
)

// probeLimit bounds concurrent clip probes during a merge.
const probeLimit = 4

// MergeOptions configures Merge.
type MergeOptions struct {
	Preset   Preset
	Progress func(percent float64)
	Log      *slog.Logger
}

// MergeClips concatenates every listed clip into
// <dir>/<prefix>-merged-<uuid>.ts. completion receives the output path.
func (s *Session) MergeClips(ctx context.Context, preset Preset, completion func(string, error)) {
	done := func(path string, err error) {
		if completion != nil {
			s.complete(func() { completion(path, err) })
		}
	}
	if !s.q.Async(func(context.Context) {
		clips := append([]*Clip(nil), s.clips...)
		if len(clips) == 0 {
			done("", ErrNoClips)
			return
		}
		out := filepath.Join(s.dir, fmt.Sprintf("%s-merged-%s.ts", s.prefix, uuid.NewString()))
		go func() {
			err := Merge(ctx, clips, out, MergeOptions{Preset: preset, Log: s.log})
			if err != nil {
				s.log.Error("merge failed", "output", out, "error", err)
				done("", err)
				return
			}
			s.log.Info("merge finished", "output", out, "clips", len(clips))
			done(out, nil)
		}()
	}) && completion != nil {
		completion("", ErrClosed)
	}
}

// Merge concatenates clips into output. Clip timestamps are laid end to end
// and each clip boundary gets a SCTE-35 chapter marker. A failed merge
// leaves no output behind.
func Merge(ctx context.Context, clips []*Clip, output string, opts MergeOptions) (err error) {
	if len(clips) == 0 {
		return ErrNoClips
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "merge")
	preset := opts.Preset
	if preset == "" {
		preset = PresetPassthrough
	}
	report := func(p float64) {
		if opts.Progress != nil {
			opts.Progress(p)
		}
	}

	assets := make([]*Asset, len(clips))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeLimit)
	for i, c := range clips {
		g.Go(func() error {
			a, err := c.Asset(gctx)
			if err != nil {
				return err
			}
			assets[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	defer func() {
		if err != nil {
			_ = os.Remove(output)
		}
	}()

	if preset == PresetPassthrough {
		return remux(ctx, clips, assets, output, log, report)
	}

	staging := output + ".remux"
	defer func() { _ = os.Remove(staging) }()
	if err := remux(ctx, clips, assets, staging, log, func(p float64) { report(p / 2) }); err != nil {
		return err
	}
	var total time.Duration
	for _, a := range assets {
		total += a.Duration
	}
	return ffmpeg.Transcode(ctx, staging, output, preset, total, func(p ffmpeg.Progress) {
		report(50 + p.Percent/2)
	})
}

func remux(ctx context.Context, clips []*Clip, assets []*Asset, output string, log *slog.Logger, report func(float64)) error {
	w, err := tswriter.New(output, tswriter.WithCues(), tswriter.WithLogger(log))
	if err != nil {
		return err
	}
	if err := addMergedTracks(w, assets); err != nil {
		_ = w.Close()
		return err
	}

	var cursor time.Duration
	for i, c := range clips {
		a := assets[i]
		if err := w.WriteChapter(i+1, len(clips), cursor, a.Duration); err != nil {
			_ = w.Close()
			return err
		}
		if err := copyClip(ctx, c.Path(), w, cursor-a.Start, log); err != nil {
			_ = w.Close()
			return fmt.Errorf("copy %s: %w", c.Name(), err)
		}
		cursor += a.Duration
		report(float64(i+1) / float64(len(clips)) * 100)
	}
	return w.Close()
}

func addMergedTracks(w *tswriter.Writer, assets []*Asset) error {
	var video, audio *Asset
	for _, a := range assets {
		if a.HasVideo() {
			if video == nil {
				video = a
			} else if a.VideoCodec != video.VideoCodec {
				return fmt.Errorf("%w: %s and %s", ErrMixedCodecs, video.VideoCodec, a.VideoCodec)
			}
		}
		if audio == nil && a.HasAudio() {
			audio = a
		}
	}
	if video != nil {
		format := media.VideoFormat{Width: video.Width, Height: video.Height, Codec: video.VideoCodec, FrameRate: video.FrameRate}
		if err := w.AddVideoTrack(mediaconfig.Settings{mediaconfig.KeyCodec: video.VideoCodec}, format); err != nil {
			return err
		}
	}
	if audio != nil {
		format := media.AudioFormat{SampleRate: audio.SampleRate, Channels: audio.Channels, Codec: media.CodecAAC}
		if err := w.AddAudioTrack(mediaconfig.Settings{}, format); err != nil {
			return err
		}
	}
	return nil
}

// copyClip demuxes the clip at path and writes its frames shifted by shift.
// Only the first audio track is carried over.
func copyClip(ctx context.Context, path string, w *tswriter.Writer, shift time.Duration, log *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	d := demux.NewDemuxer(bufio.NewReaderSize(f, 256<<10), log)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(gctx) })
	g.Go(func() error {
		videoCh, audioCh := d.Video(), d.Audio()
		for videoCh != nil || audioCh != nil {
			select {
			case frame, ok := <-videoCh:
				if !ok {
					videoCh = nil
					continue
				}
				frame.PTS += shift
				frame.DTS += shift
				if err := w.WriteVideo(frame); err != nil {
					return err
				}
			case frame, ok := <-audioCh:
				if !ok {
					audioCh = nil
					continue
				}
				if frame.TrackIndex != 0 {
					continue
				}
				frame.PTS += shift
				if err := w.WriteAudio(frame); err != nil {
					return err
				}
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	return g.Wait()
}
