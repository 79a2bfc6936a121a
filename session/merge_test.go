package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/media"
	"github.com/zsiec/reel/tswriter"
)

var (
	mergeSPS = []byte{0x67, 0x42, 0xC0, 0x1E}
	mergePPS = []byte{0x68, 0xCE, 0x3C, 0x80}
)

func h264Frame(pts time.Duration, key bool) *media.VideoFrame {
	nal := []byte{0, 0, 0, 1, 0x41, 0x9A, 0x00, 0x11}
	if key {
		nal = []byte{0, 0, 0, 1, 0x65, 0x88, 0x80, 0x22}
	}
	return &media.VideoFrame{
		PTS:        pts,
		DTS:        pts,
		Duration:   40 * time.Millisecond,
		IsKeyframe: key,
		NALUs:      [][]byte{nal},
		SPS:        mergeSPS,
		PPS:        mergePPS,
		Codec:      media.CodecH264,
	}
}

// recordTS records one clip per start time into real transport stream
// files.
func recordTS(t *testing.T, starts ...time.Duration) *Session {
	t.Helper()
	s, err := New(Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	setupVideoOnly(t, s)

	for _, start := range starts {
		if err := s.BeginClip(); err != nil {
			t.Fatal(err)
		}
		for i := range 5 {
			done := make(chan bool, 1)
			s.AppendVideo(h264Frame(start+time.Duration(i)*40*time.Millisecond, i == 0), 0, func(ok bool) { done <- ok })
			if !<-done {
				t.Fatalf("frame %d of clip at %v not appended", i, start)
			}
		}
		if _, err := endClip(s); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func probeFile(t *testing.T, path string) *demux.Info {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	info, err := demux.Probe(context.Background(), f, nil)
	if err != nil {
		t.Fatal(err)
	}
	return info
}

func TestMergeClipsPassthrough(t *testing.T) {
	t.Parallel()

	s := recordTS(t, 10*time.Second, 20*time.Second)
	clips := s.Clips()
	if len(clips) != 2 {
		t.Fatalf("got %d clips, want 2", len(clips))
	}
	first, err := clips[0].Asset(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first.FirstPTS != tswriter.ClockBase {
		t.Errorf("clip 1 starts at %v, want %v", first.FirstPTS, tswriter.ClockBase)
	}

	type result struct {
		path string
		err  error
	}
	done := make(chan result, 1)
	s.MergeClips(context.Background(), PresetPassthrough, func(path string, err error) { done <- result{path, err} })
	r := <-done
	if r.err != nil {
		t.Fatalf("MergeClips: %v", r.err)
	}
	name := filepath.Base(r.path)
	if !strings.HasPrefix(name, "clip-merged-") || filepath.Ext(name) != ".ts" {
		t.Errorf("output name = %q, want clip-merged-<id>.ts", name)
	}
	if filepath.Dir(r.path) != s.Dir() {
		t.Errorf("output dir = %q, want %q", filepath.Dir(r.path), s.Dir())
	}

	info := probeFile(t, r.path)
	if info.VideoFrames != 10 {
		t.Errorf("merged video frames = %d, want 10", info.VideoFrames)
	}
	if info.Keyframes != 2 {
		t.Errorf("merged keyframes = %d, want 2", info.Keyframes)
	}
	if len(info.Chapters) != 2 {
		t.Fatalf("got %d chapters, want 2", len(info.Chapters))
	}
	for i, ch := range info.Chapters {
		if ch.Number != i+1 || ch.Total != 2 {
			t.Errorf("chapter %d = %d of %d, want %d of 2", i, ch.Number, ch.Total, i+1)
		}
	}
	if info.Chapters[0].PTS != tswriter.ClockBase {
		t.Errorf("chapter 1 at %v, want %v", info.Chapters[0].PTS, tswriter.ClockBase)
	}
	if want := tswriter.ClockBase + first.Duration; info.Chapters[1].PTS != want {
		t.Errorf("chapter 2 at %v, want %v", info.Chapters[1].PTS, want)
	}
	if info.FirstPTS != tswriter.ClockBase {
		t.Errorf("merged first PTS = %v, want %v", info.FirstPTS, tswriter.ClockBase)
	}
}

func TestMergeNoClips(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t)
	done := make(chan error, 1)
	s.MergeClips(context.Background(), PresetPassthrough, func(_ string, err error) { done <- err })
	if err := <-done; !errors.Is(err, ErrNoClips) {
		t.Errorf("got %v, want ErrNoClips", err)
	}
	if err := Merge(context.Background(), nil, filepath.Join(t.TempDir(), "out.ts"), MergeOptions{}); !errors.Is(err, ErrNoClips) {
		t.Errorf("Merge(nil) = %v, want ErrNoClips", err)
	}
}

func TestMergeMissingClipLeavesNoOutput(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	out := filepath.Join(dir, "out.ts")
	clips := []*Clip{NewClip(filepath.Join(dir, "gone.ts"), nil)}
	if err := Merge(context.Background(), clips, out, MergeOptions{}); err == nil {
		t.Fatal("Merge of a missing clip succeeded")
	}
	if _, err := os.Stat(out); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("output left behind: %v", err)
	}
}

func TestMergeRejectsMixedCodecs(t *testing.T) {
	t.Parallel()

	assets := []*Asset{
		{VideoCodec: media.CodecH264, VideoFrames: 1},
		{VideoCodec: media.CodecH265, VideoFrames: 1},
	}
	w, err := tswriter.New(filepath.Join(t.TempDir(), "out.ts"))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if err := addMergedTracks(w, assets); !errors.Is(err, ErrMixedCodecs) {
		t.Errorf("got %v, want ErrMixedCodecs", err)
	}
}

func TestMergeProgressReachesHundred(t *testing.T) {
	t.Parallel()

	s := recordTS(t, 0, time.Second)
	var last float64
	out := filepath.Join(t.TempDir(), "merged.ts")
	err := Merge(context.Background(), s.Clips(), out, MergeOptions{Progress: func(p float64) { last = p }})
	if err != nil {
		t.Fatal(err)
	}
	if last != 100 {
		t.Errorf("final progress = %v, want 100", last)
	}
}
