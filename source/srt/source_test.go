package srt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/reel/capture"
	"github.com/zsiec/reel/capture/capturetest"
	"github.com/zsiec/reel/device"
	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/internal/mpegts"
	"github.com/zsiec/reel/media"
	"github.com/zsiec/reel/session"
)

// testSPS is a 640x480 25 fps baseline SPS.
var testSPS = []byte{
	0x67, 0x42, 0x00, 0x1E, 0xDA, 0x02, 0x80, 0xF6, 0x9B, 0x20,
	0x00, 0x00, 0x03, 0x00, 0x20, 0x00, 0x00, 0x06, 0x58,
}

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

// testStream muxes four 25 fps H.264 frames and two ADTS frames per video
// frame, starting at 100ms.
func testStream(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	m := mpegts.NewMuxer(&buf)
	if err := m.AddStream(0x100, mpegts.StreamTypeH264); err != nil {
		t.Fatal(err)
	}
	if err := m.AddStream(0x101, mpegts.StreamTypeAAC); err != nil {
		t.Fatal(err)
	}
	adts, err := demux.BuildADTS([]byte{0x21, 0x10, 0x05}, 48000, 2)
	if err != nil {
		t.Fatal(err)
	}
	pps := []byte{0x68, 0xCE, 0x38, 0x80}
	for i := range 4 {
		pts := int64(9000 + i*3600)
		au := annexB([]byte{0x41, 0x9A, byte(i + 1)})
		if i == 0 {
			au = annexB(testSPS, pps, []byte{0x65, 0x88, 0x84, 0x21})
		}
		if err := m.WritePES(0x100, pts, -1, au, i == 0); err != nil {
			t.Fatal(err)
		}
		if err := m.WritePES(0x101, pts, -1, append(append([]byte(nil), adts...), adts...), false); err != nil {
			t.Fatal(err)
		}
	}
	return buf.Bytes()
}

// fakeFeed hands out queued connections and reports each Next call.
type fakeFeed struct {
	conns  chan io.ReadCloser
	nexts  chan int
	calls  int
	closed chan struct{}
}

func newFakeFeed(conns ...[]byte) *fakeFeed {
	f := &fakeFeed{
		conns:  make(chan io.ReadCloser, len(conns)),
		nexts:  make(chan int, 16),
		closed: make(chan struct{}),
	}
	for _, c := range conns {
		f.conns <- io.NopCloser(bytes.NewReader(c))
	}
	return f
}

func (f *fakeFeed) Next(ctx context.Context) (io.ReadCloser, error) {
	f.calls++
	f.nexts <- f.calls
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case c := <-f.conns:
		return c, nil
	}
}

func (f *fakeFeed) Close() error {
	close(f.closed)
	return nil
}

// waitNext blocks until Next has been called n times.
func (f *fakeFeed) waitNext(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-f.nexts:
			if got >= n {
				return
			}
		case <-deadline:
			t.Fatalf("Next not called %d times", n)
		}
	}
}

type frameRecorder struct {
	mu    sync.Mutex
	video []*media.VideoFrame
	audio []*media.AudioFrame
}

func (r *frameRecorder) HandleVideoFrame(f *media.VideoFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.video = append(r.video, f)
}

func (r *frameRecorder) HandleAudioFrame(f *media.AudioFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio = append(r.audio, f)
}

func (r *frameRecorder) counts() (video, audio int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.video), len(r.audio)
}

func newTestSource(f *fakeFeed) *Source {
	s := New(Options{Addr: "test"})
	s.newFeed = func() (feed, error) { return f, nil }
	return s
}

func TestGraphForwardsAttachedInputs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name             string
		camera, mic      bool
		wantVideo, wantA int
	}{
		{"both", true, true, 4, 8},
		{"camera only", true, false, 4, 0},
		{"none", false, false, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFakeFeed(testStream(t))
			src := newTestSource(f)
			rec := &frameRecorder{}
			src.SetSink(rec)

			g := src.Graph()
			if tt.camera {
				if err := g.AddInput(g.Camera(device.PositionBack, "")); err != nil {
					t.Fatal(err)
				}
			}
			if tt.mic {
				if err := g.AddInput(g.Microphone()); err != nil {
					t.Fatal(err)
				}
			}
			if err := g.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			f.waitNext(t, 2)
			g.Stop()

			video, audio := rec.counts()
			if video != tt.wantVideo || audio != tt.wantA {
				t.Errorf("got %d video, %d audio; want %d, %d", video, audio, tt.wantVideo, tt.wantA)
			}
			snap := src.Stats().Snapshot()
			if snap.VideoFrames != 4 || snap.AudioFrames != 8 {
				t.Errorf("demuxed %d video, %d audio; want 4, 8", snap.VideoFrames, snap.AudioFrames)
			}
			if snap.VideoForwarded != int64(tt.wantVideo) {
				t.Errorf("got %d forwarded, want %d", snap.VideoForwarded, tt.wantVideo)
			}
			if snap.Connections != 1 || snap.BytesReceived == 0 {
				t.Errorf("got %d connections, %d bytes", snap.Connections, snap.BytesReceived)
			}
			if got := g.camera.ActiveFormat(); got.Width != 640 || got.Height != 480 {
				t.Errorf("active format %dx%d, want 640x480", got.Width, got.Height)
			}
			select {
			case <-f.closed:
			default:
				t.Error("feed not closed on Stop")
			}
		})
	}
}

func TestGraphServesSuccessiveConnections(t *testing.T) {
	t.Parallel()
	stream := testStream(t)
	f := newFakeFeed(stream, stream)
	src := newTestSource(f)
	rec := &frameRecorder{}
	src.SetSink(rec)

	g := src.Graph()
	if err := g.AddInput(g.Camera(device.PositionBack, "")); err != nil {
		t.Fatal(err)
	}
	if err := g.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.waitNext(t, 3)
	g.Stop()

	if video, _ := rec.counts(); video != 8 {
		t.Errorf("got %d video frames, want 8", video)
	}
	if got := src.Stats().Snapshot().Connections; got != 2 {
		t.Errorf("got %d connections, want 2", got)
	}
}

func TestGraphStartStop(t *testing.T) {
	t.Parallel()
	f := newFakeFeed()
	g := newTestSource(f).Graph()
	if g.IsRunning() {
		t.Fatal("running before Start")
	}
	if err := g.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if !g.IsRunning() {
		t.Error("not running after Start")
	}
	g.Stop()
	g.Stop()
	if g.IsRunning() {
		t.Error("running after Stop")
	}
}

func TestGraphStartError(t *testing.T) {
	t.Parallel()
	want := errors.New("bind failed")
	src := New(Options{Addr: "test"})
	src.newFeed = func() (feed, error) { return nil, want }
	g := src.Graph()
	if err := g.Start(context.Background()); !errors.Is(err, want) {
		t.Fatalf("got %v, want %v", err, want)
	}
	if g.IsRunning() {
		t.Error("running after failed Start")
	}
}

func TestGraphTopology(t *testing.T) {
	t.Parallel()
	g := New(Options{Addr: "test", Position: device.PositionFront}).Graph()

	if g.Camera(device.PositionFront, "") == nil {
		t.Error("no camera at the configured position")
	}
	if g.Camera(device.PositionFront, device.TypeNetwork) == nil {
		t.Error("no network camera")
	}
	if g.Camera(device.PositionBack, "") != nil {
		t.Error("camera at the wrong position")
	}
	if g.Camera(device.PositionFront, device.TypeTelephoto) != nil {
		t.Error("camera of the wrong type")
	}
	if g.Connection(capture.ConnectionVideo) != nil {
		t.Error("network feed offered an orientable connection")
	}

	other := device.NewFixed("other", device.PositionFront, device.TypeNetwork, media.TypeVideo)
	if err := g.AddInput(other); err == nil {
		t.Error("AddInput accepted a foreign device")
	}
	if err := g.AddOutput(capture.OutputPhoto); !errors.Is(err, ErrNoStills) {
		t.Errorf("AddOutput(photo): got %v, want %v", err, ErrNoStills)
	}
	if err := g.AddOutput(capture.OutputVideoData); err != nil {
		t.Fatal(err)
	}
	g.RemoveOutput(capture.OutputVideoData)
	if len(g.Outputs()) != 0 {
		t.Errorf("got outputs %v, want none", g.Outputs())
	}
	if _, err := g.CapturePhoto(context.Background(), nil); !errors.Is(err, ErrNoStills) {
		t.Errorf("CapturePhoto: got %v, want %v", err, ErrNoStills)
	}
}

func TestStreamKey(t *testing.T) {
	t.Parallel()
	tests := []struct{ id, want string }{
		{"live/cam1", "cam1"},
		{"/live/cam1", "cam1"},
		{"cam1", "cam1"},
		{"live/", defaultKey},
		{"", defaultKey},
	}
	for _, tt := range tests {
		if got := streamKey(tt.id); got != tt.want {
			t.Errorf("streamKey(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestControllerRecordsFeed(t *testing.T) {
	t.Parallel()
	f := newFakeFeed()
	src := newTestSource(f)
	writers := &capturetest.Writers{}
	c := capture.New(capture.Options{
		Mode:     capture.ModeVideo,
		NewGraph: src.Factory(),
		Session:  session.Options{Dir: t.TempDir(), NewWriter: writers.Create},
	})
	t.Cleanup(c.Close)
	src.SetSink(c)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Record()
	// Frames queue behind Record.
	f.conns <- io.NopCloser(bytes.NewReader(testStream(t)))
	f.waitNext(t, 2)

	done := make(chan error, 1)
	c.StopRecording(func(clip *session.Clip, err error) { done <- err })
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("StopRecording: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("StopRecording did not complete")
	}

	all := writers.All()
	if len(all) != 1 {
		t.Fatalf("got %d clip writers, want 1", len(all))
	}
	var video int
	for _, s := range all[0].Snapshot() {
		if s.Type == media.TypeVideo {
			video++
		}
	}
	if video == 0 {
		t.Error("no video reached the clip")
	}
}
