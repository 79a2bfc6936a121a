package tswriter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/internal/ffmpeg"
	"github.com/zsiec/reel/media"
	"github.com/zsiec/reel/mediaconfig"
)

var (
	testSPS = []byte{0x67, 0x42, 0xC0, 0x1E}
	testPPS = []byte{0x68, 0xCE, 0x3C, 0x80}
)

func encodedFrame(pts time.Duration, key bool) *media.VideoFrame {
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
		SPS:        testSPS,
		PPS:        testPPS,
		Codec:      media.CodecH264,
	}
}

func audioFrame(pts time.Duration) *media.AudioFrame {
	return &media.AudioFrame{PTS: pts, Duration: media.AACFrameDuration(48000), Data: []byte{0x21, 0x10, 0x04, 0x60}, SampleRate: 48000, Channels: 2}
}

func probe(t *testing.T, path string) *demux.Info {
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

func TestWriterEncodedRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "clip.ts")
	w, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AddVideoTrack(mediaconfig.Settings{mediaconfig.KeyCodec: media.CodecH264}, media.VideoFormat{Width: 640, Height: 480}); err != nil {
		t.Fatal(err)
	}
	if err := w.AddAudioTrack(mediaconfig.Settings{}, media.AudioFormat{SampleRate: 48000, Channels: 2}); err != nil {
		t.Fatal(err)
	}
	for i := range 5 {
		pts := time.Duration(i) * 40 * time.Millisecond
		if err := w.WriteVideo(encodedFrame(pts, i == 0)); err != nil {
			t.Fatalf("WriteVideo %d: %v", i, err)
		}
		if err := w.WriteAudio(audioFrame(pts)); err != nil {
			t.Fatalf("WriteAudio %d: %v", i, err)
		}
	}
	if v, a := w.Frames(); v != 5 || a != 5 {
		t.Errorf("Frames() = %d, %d, want 5, 5", v, a)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}

	info := probe(t, path)
	if info.VideoFrames != 5 || info.AudioFrames != 5 {
		t.Errorf("probe frames = %d video, %d audio, want 5, 5", info.VideoFrames, info.AudioFrames)
	}
	if info.Keyframes != 1 {
		t.Errorf("keyframes = %d, want 1", info.Keyframes)
	}
	if info.FirstPTS != ClockBase {
		t.Errorf("first PTS = %v, want %v", info.FirstPTS, ClockBase)
	}
	if want := ClockBase + 160*time.Millisecond; info.LastPTS != want {
		t.Errorf("last PTS = %v, want %v", info.LastPTS, want)
	}
	if info.VideoCodec != media.CodecH264 {
		t.Errorf("codec = %q, want h264", info.VideoCodec)
	}
}

func TestParameterSetDetection(t *testing.T) {
	t.Parallel()

	key := encodedFrame(0, true)
	if hasParameterSets(key.NALUs, false) {
		t.Fatal("test frame already carries an SPS")
	}
	withSPS := append([][]byte{append([]byte{0, 0, 1}, testSPS...)}, key.NALUs...)
	if !hasParameterSets(withSPS, false) {
		t.Error("SPS behind a 3-byte start code not found")
	}

	got := appendNAL(nil, testSPS)
	if len(got) != len(testSPS)+4 || got[3] != 1 {
		t.Errorf("appendNAL without start code = %x", got)
	}
	got = appendNAL(nil, key.NALUs[0])
	if len(got) != len(key.NALUs[0]) {
		t.Errorf("appendNAL with start code = %x", got)
	}
}

func TestWriterErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "clip.ts")
	w, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(path); err == nil {
		t.Error("New on an existing file = nil error")
	}

	if err := w.WriteVideo(encodedFrame(0, true)); !errors.Is(err, ErrNoVideoTrack) {
		t.Errorf("WriteVideo without track = %v, want ErrNoVideoTrack", err)
	}
	if err := w.WriteAudio(audioFrame(0)); !errors.Is(err, ErrNoAudioTrack) {
		t.Errorf("WriteAudio without track = %v, want ErrNoAudioTrack", err)
	}
	if err := w.WriteChapter(1, 1, 0, time.Second); !errors.Is(err, ErrNoCues) {
		t.Errorf("WriteChapter without cues = %v, want ErrNoCues", err)
	}
	if err := w.AddVideoTrack(mediaconfig.Settings{mediaconfig.KeyCodec: "vp8"}, media.VideoFormat{}); err == nil {
		t.Error("AddVideoTrack(vp8) = nil error")
	}
	if err := w.AddAudioTrack(mediaconfig.Settings{mediaconfig.KeyFormat: "opus"}, media.AudioFormat{}); err == nil {
		t.Error("AddAudioTrack(opus) = nil error")
	}
	if err := w.AddVideoTrack(mediaconfig.Settings{}, media.VideoFormat{Codec: media.CodecH265}); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteVideo(encodedFrame(0, true)); !errors.Is(err, ErrCodecMismatch) {
		t.Errorf("h264 frame into h265 track = %v, want ErrCodecMismatch", err)
	}

	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteVideo(encodedFrame(0, true)); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteVideo after Close = %v, want ErrClosed", err)
	}
}

func TestWriterTracksLockedAfterFirstWrite(t *testing.T) {
	t.Parallel()

	w, err := New(filepath.Join(t.TempDir(), "clip.ts"))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if err := w.AddVideoTrack(mediaconfig.Settings{}, media.VideoFormat{Codec: media.CodecH264}); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteVideo(encodedFrame(0, true)); err != nil {
		t.Fatal(err)
	}
	if err := w.AddAudioTrack(mediaconfig.Settings{}, media.AudioFormat{SampleRate: 44100, Channels: 1}); err == nil {
		t.Error("AddAudioTrack after first write = nil error")
	}
}

func TestWriterChapters(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "merged.ts")
	w, err := New(path, WithCues())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AddVideoTrack(mediaconfig.Settings{}, media.VideoFormat{Codec: media.CodecH264}); err != nil {
		t.Fatal(err)
	}
	for i, at := range []time.Duration{0, 2 * time.Second} {
		if err := w.WriteChapter(i+1, 2, at, 2*time.Second); err != nil {
			t.Fatal(err)
		}
		if err := w.WriteVideo(encodedFrame(at, true)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	info := probe(t, path)
	if len(info.Chapters) != 2 {
		t.Fatalf("got %d chapters, want 2", len(info.Chapters))
	}
	for i, ch := range info.Chapters {
		want := demux.Chapter{PTS: ClockBase + time.Duration(i)*2*time.Second, Number: i + 1, Total: 2}
		if ch != want {
			t.Errorf("chapter %d = %+v, want %+v", i, ch, want)
		}
	}
}

// fakeEncoder turns every picture into a one-NAL unit, key on the first.
type fakeEncoder struct {
	mu     sync.Mutex
	cfg    ffmpeg.EncoderConfig
	units  chan ffmpeg.Unit
	sizes  [][2]int
	frames int
}

func (e *fakeEncoder) Encode(pb *media.PixelBuffer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sizes = append(e.sizes, [2]int{pb.Width, pb.Height})
	e.units <- ffmpeg.Unit{NALUs: [][]byte{{0, 0, 0, 1, 0x65, byte(e.frames)}}, Keyframe: e.frames == 0}
	e.frames++
	return nil
}

func (e *fakeEncoder) Units() <-chan ffmpeg.Unit { return e.units }

func (e *fakeEncoder) Close() error {
	close(e.units)
	return nil
}

func TestWriterRawFramesUseEncoder(t *testing.T) {
	t.Parallel()

	enc := &fakeEncoder{units: make(chan ffmpeg.Unit, 16)}
	path := filepath.Join(t.TempDir(), "raw.ts")
	w, err := New(path, WithEncoder(func(_ context.Context, cfg ffmpeg.EncoderConfig) (Encoder, error) {
		enc.cfg = cfg
		return enc, nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	settings := mediaconfig.Settings{mediaconfig.KeyWidth: 32, mediaconfig.KeyHeight: 16, mediaconfig.KeyFrameRate: 25.0, mediaconfig.KeyBitRate: 500_000}
	if err := w.AddVideoTrack(settings, media.VideoFormat{Codec: media.CodecH264}); err != nil {
		t.Fatal(err)
	}

	for i := range 3 {
		// The second picture is BGRA at another size and must be rendered.
		format, width, height := media.PixelFormatI420, 32, 16
		if i == 1 {
			format, width, height = media.PixelFormatBGRA, 64, 64
		}
		pb, err := media.NewPixelBuffer(format, width, height)
		if err != nil {
			t.Fatal(err)
		}
		if err := w.WriteVideo(&media.VideoFrame{PTS: time.Duration(i) * 40 * time.Millisecond, Image: pb}); err != nil {
			t.Fatalf("WriteVideo %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	if enc.cfg.Width != 32 || enc.cfg.Height != 16 || enc.cfg.FrameRate != 25 || enc.cfg.BitRate != 500_000 {
		t.Errorf("encoder config = %+v", enc.cfg)
	}
	for i, s := range enc.sizes {
		if s != [2]int{32, 16} {
			t.Errorf("frame %d encoded at %v, want 32x16", i, s)
		}
	}

	info := probe(t, path)
	if info.VideoFrames != 3 {
		t.Fatalf("probe video frames = %d, want 3", info.VideoFrames)
	}
	if want := ClockBase + 80*time.Millisecond; info.LastPTS != want {
		t.Errorf("last PTS = %v, want %v", info.LastPTS, want)
	}
}
