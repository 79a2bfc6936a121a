package demux

import (
	"context"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Chapter is a chapter marker carried as a SCTE-35 time_signal.
type Chapter struct {
	PTS    time.Duration
	Number int
	Total  int
}

// Info summarizes a transport stream.
type Info struct {
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

	// FirstPTS and LastPTS bound the video presentation timestamps (audio
	// when the stream has no video). Start is the earliest timestamp of
	// either media and Duration spans it to the latest end.
	FirstPTS time.Duration
	LastPTS  time.Duration
	Start    time.Duration
	Duration time.Duration

	Captions map[int]int // caption frames per channel
	Chapters []Chapter
	Cues     int
}

// HasVideo reports whether the stream carried any video frames.
func (i *Info) HasVideo() bool { return i.VideoFrames > 0 }

// HasAudio reports whether the stream carried any audio frames.
func (i *Info) HasAudio() bool { return i.AudioFrames > 0 }

type span struct {
	first, last, end time.Duration
	n                int
}

func (s *span) add(pts, dur time.Duration) {
	if s.n == 0 || pts < s.first {
		s.first = pts
	}
	if s.n == 0 || pts > s.last {
		s.last = pts
	}
	if s.n == 0 || pts+dur > s.end {
		s.end = pts + dur
	}
	s.n++
}

// Probe reads the whole stream and summarizes it.
func Probe(ctx context.Context, r io.Reader, log *slog.Logger) (*Info, error) {
	d := NewDemuxer(r, log)
	info := &Info{Captions: make(map[int]int)}
	var video, audio span

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(ctx) })
	g.Go(func() error {
		videoCh, audioCh, captionCh, cueCh := d.Video(), d.Audio(), d.Captions(), d.Cues()
		for videoCh != nil || audioCh != nil || captionCh != nil || cueCh != nil {
			select {
			case f, ok := <-videoCh:
				if !ok {
					videoCh = nil
					continue
				}
				video.add(f.PTS, f.Duration)
				info.VideoFrames++
				if f.IsKeyframe {
					info.Keyframes++
				}
				info.VideoCodec = f.Codec
				if f.Format != nil {
					info.Width, info.Height, info.FrameRate = f.Format.Width, f.Format.Height, f.Format.FrameRate
				}
			case f, ok := <-audioCh:
				if !ok {
					audioCh = nil
					continue
				}
				audio.add(f.PTS, f.Duration)
				info.AudioFrames++
				info.SampleRate, info.Channels = f.SampleRate, f.Channels
			case c, ok := <-captionCh:
				if !ok {
					captionCh = nil
					continue
				}
				info.Captions[c.Channel]++
			case cue, ok := <-cueCh:
				if !ok {
					cueCh = nil
					continue
				}
				info.Cues++
				if sd, ok := cue.Chapter(); ok {
					info.Chapters = append(info.Chapters, Chapter{PTS: cue.PTS, Number: int(sd.SegmentNum), Total: int(sd.SegmentsExpected)})
				}
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	info.AudioTracks = len(d.AudioTracks())
	// Without a parsed frame rate the last picture lasts the mean spacing.
	if video.n > 1 && video.end == video.last {
		video.end += (video.last - video.first) / time.Duration(video.n-1)
	}
	primary := video
	if primary.n == 0 {
		primary = audio
	}
	info.FirstPTS, info.LastPTS = primary.first, primary.last

	switch {
	case video.n > 0 && audio.n > 0:
		info.Start = min(video.first, audio.first)
		info.Duration = max(video.end, audio.end) - info.Start
	case primary.n > 0:
		info.Start = primary.first
		info.Duration = primary.end - primary.first
	}
	return info, nil
}
