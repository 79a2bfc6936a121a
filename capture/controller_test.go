package capture_test

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/reel/capture"
	"github.com/zsiec/reel/capture/capturetest"
	"github.com/zsiec/reel/device"
	"github.com/zsiec/reel/device/devicetest"
	"github.com/zsiec/reel/media"
	"github.com/zsiec/reel/mediaconfig"
	"github.com/zsiec/reel/session"
)

// inline delivers notifications on the calling goroutine.
type inline struct{}

func (inline) Dispatch(fn func())     { fn() }
func (inline) DispatchSync(fn func()) { fn() }

// recorder implements every sink and keeps the events it cares about.
type recorder struct {
	capture.NopSessionSink
	capture.NopDeviceSink
	capture.NopVideoSink
	capture.NopPhotoSink

	mu       sync.Mutex
	events   []string
	errs     []error
	sessions chan *session.Session
	clips    chan *session.Clip
}

func newRecorder() *recorder {
	return &recorder{
		sessions: make(chan *session.Session, 8),
		clips:    make(chan *session.Clip, 8),
	}
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// matching returns the events containing substr, in order.
func (r *recorder) matching(substr string) []string {
	var out []string
	for _, e := range r.snapshot() {
		if strings.Contains(e, substr) {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) count(event string) int {
	n := 0
	for _, e := range r.snapshot() {
		if e == event {
			n++
		}
	}
	return n
}

func (r *recorder) DidStart()                            { r.add("start") }
func (r *recorder) DidStop()                             { r.add("stop") }
func (r *recorder) WasInterrupted()                      { r.add("interrupted") }
func (r *recorder) InterruptionEnded()                   { r.add("interruption-ended") }
func (r *recorder) WillChangeMode(from, to capture.Mode) { r.add("will-mode %s>%s", from, to) }
func (r *recorder) DidChangeMode(from, to capture.Mode)  { r.add("did-mode %s>%s", from, to) }

func (r *recorder) DidReceiveRuntimeError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) WillChangePosition(from, to device.Position) {
	r.add("will-position %s>%s", from, to)
}

func (r *recorder) DidChangePosition(from, to device.Position) {
	r.add("did-position %s>%s", from, to)
}

func (r *recorder) DidChangeOrientation(o capture.Orientation) { r.add("orientation %s", o) }
func (r *recorder) DidChangeDevice(d device.Device)            { r.add("device %s", d.ID()) }
func (r *recorder) DidStartClip(*session.Session)              { r.add("clip-start") }

func (r *recorder) DidCompleteClip(_ *session.Session, clip *session.Clip, err error) {
	r.add("clip-complete")
	if err == nil {
		r.clips <- clip
	}
}

func (r *recorder) DidCompleteSession(s *session.Session) {
	r.add("session-complete")
	r.sessions <- s
}

func (r *recorder) WillCapturePhoto(mediaconfig.Settings) { r.add("will-capture") }
func (r *recorder) DidCapturePhoto(mediaconfig.Settings)  { r.add("did-capture") }
func (r *recorder) DidProcessPhoto(*capture.Photo)        { r.add("processed") }
func (r *recorder) DidProcessRawPhoto(*capture.Photo)     { r.add("processed-raw") }
func (r *recorder) DidCompletePhotoCapture(err error)     { r.add("photo-complete %v", err) }

type harness struct {
	c       *capture.Controller
	g       *capturetest.Graph
	back    *devicetest.Fake
	front   *devicetest.Fake
	mic     *devicetest.Fake
	writers *capturetest.Writers
	rec     *recorder
}

func newHarness(t *testing.T, mode capture.Mode, opts ...func(*capture.Options)) *harness {
	t.Helper()
	h := &harness{
		back:    devicetest.NewFake("back"),
		front:   devicetest.NewFake("front"),
		mic:     devicetest.NewFake("mic"),
		writers: &capturetest.Writers{},
		rec:     newRecorder(),
	}
	h.front.Pos = device.PositionFront
	h.mic.Pos = device.PositionUnspecified
	h.mic.Kind = device.TypeMicrophone
	h.mic.Media = []media.Type{media.TypeAudio}
	h.g = capturetest.NewGraph(h.mic, h.back, h.front)

	o := capture.Options{
		Mode:       mode,
		NewGraph:   h.g.Factory(),
		Dispatcher: inline{},
		Session:    session.Options{Dir: t.TempDir(), NewWriter: h.writers.Create},
	}
	for _, fn := range opts {
		fn(&o)
	}
	h.c = capture.New(o)
	h.c.SetSleep(func(time.Duration) {})
	h.c.SetSessionSink(h.rec)
	h.c.SetDeviceSink(h.rec)
	h.c.SetVideoSink(h.rec)
	h.c.SetPhotoSink(h.rec)
	t.Cleanup(h.c.Close)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.c.Flush()
	if got := h.c.State(); got != capture.StateRunning {
		t.Fatalf("got state %s, want %s", got, capture.StateRunning)
	}
}

var testFormat = &media.VideoFormat{Width: 1280, Height: 720, Codec: media.CodecH264, FrameRate: 30}

func videoFrame(pts, dur time.Duration) *media.VideoFrame {
	return &media.VideoFrame{
		PTS:        pts,
		DTS:        pts,
		Duration:   dur,
		IsKeyframe: true,
		NALUs:      [][]byte{{0x65, 0x88}},
		Codec:      media.CodecH264,
		Format:     testFormat,
	}
}

func audioFrame(pts, dur time.Duration) *media.AudioFrame {
	return &media.AudioFrame{PTS: pts, Duration: dur, Data: []byte{0xff, 0xf1}, SampleRate: 48000, Channels: 2}
}

func waitSession(t *testing.T, r *recorder) *session.Session {
	t.Helper()
	select {
	case s := <-r.sessions:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session completion")
		return nil
	}
}

func TestStartTwice(t *testing.T) {
	t.Parallel()
	h := newHarness(t, capture.ModeVideo)
	h.start(t)
	if err := h.c.Start(); !errors.Is(err, capture.ErrAlreadyStarted) {
		t.Fatalf("got %v, want ErrAlreadyStarted", err)
	}
	if got := h.rec.count("start"); got != 1 {
		t.Errorf("got %d DidStart, want 1", got)
	}
}

func TestStartRequiresAuthorization(t *testing.T) {
	t.Parallel()
	granted := capture.AuthorizationAuthorized
	denied := capture.AuthorizationNotAuthorized
	tests := []struct {
		mode  capture.Mode
		video capture.AuthorizationStatus
		audio capture.AuthorizationStatus
		ok    bool
	}{
		{capture.ModeVideo, granted, granted, true},
		{capture.ModeVideo, granted, denied, false},
		{capture.ModeVideoWithoutAudio, granted, denied, true},
		{capture.ModePhoto, granted, denied, true},
		{capture.ModePhoto, denied, granted, false},
		{capture.ModeAudio, denied, granted, true},
		{capture.ModeAudio, granted, capture.AuthorizationNotDetermined, false},
		{capture.ModeMovie, granted, denied, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s/%s", tt.mode, tt.video, tt.audio), func(t *testing.T) {
			t.Parallel()
			auth := &capturetest.Authorizer{Statuses: map[media.Type]capture.AuthorizationStatus{
				media.TypeVideo: tt.video,
				media.TypeAudio: tt.audio,
			}}
			h := newHarness(t, tt.mode, func(o *capture.Options) { o.Authorizer = auth })
			err := h.c.Start()
			if tt.ok && err != nil {
				t.Fatalf("got %v, want nil", err)
			}
			if !tt.ok && !errors.Is(err, capture.ErrNotAuthorized) {
				t.Fatalf("got %v, want ErrNotAuthorized", err)
			}
		})
	}
}

func TestRequestAuthorizationNotifies(t *testing.T) {
	t.Parallel()
	auth := &capturetest.Authorizer{Grant: true}
	h := newHarness(t, capture.ModeVideo, func(o *capture.Options) { o.Authorizer = auth })
	if got := h.c.AuthorizationStatus(media.TypeAudio); got != capture.AuthorizationNotDetermined {
		t.Fatalf("got %s, want not-determined", got)
	}
	if got := h.c.RequestAuthorization(t.Context(), media.TypeAudio); got != capture.AuthorizationAuthorized {
		t.Fatalf("got %s, want authorized", got)
	}
	if got := h.c.AuthorizationStatus(media.TypeAudio); got != capture.AuthorizationAuthorized {
		t.Errorf("got %s after request, want authorized", got)
	}
}

func TestNestedConfigurationReachesGraphOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, capture.ModeVideo)
	h.start(t)
	begins, commits, _ := h.g.Snapshot()

	if got := h.c.NestConfiguration(5); got != capture.StateConfiguring {
		t.Errorf("got state %s inside, want configuring", got)
	}
	b, c, violations := h.g.Snapshot()
	if b-begins != 1 || c-commits != 1 {
		t.Errorf("got %d begins and %d commits, want 1 and 1", b-begins, c-commits)
	}
	if len(violations) > 0 {
		t.Errorf("got violations %v", violations)
	}
	if got := h.c.State(); got != capture.StateRunning {
		t.Errorf("got state %s after commit, want running", got)
	}
}

func TestModeSwitchReconfiguresGraph(t *testing.T) {
	t.Parallel()
	h := newHarness(t, capture.ModeVideo)
	h.start(t)

	for _, o := range []capture.Output{capture.OutputVideoData, capture.OutputAudioData, capture.OutputPhoto} {
		if !h.g.HasOutput(o) {
			t.Errorf("video mode: missing output %s", o)
		}
	}
	if !h.g.HasInput(h.back) || !h.g.HasInput(h.mic) {
		t.Fatalf("video mode: got inputs %v, want back camera and mic", h.g.Inputs())
	}

	h.c.SetMode(capture.ModeAudio)
	h.c.Flush()
	if got := h.g.Outputs(); !slices.Equal(got, []capture.Output{capture.OutputAudioData}) {
		t.Errorf("audio mode: got outputs %v, want [audio-data]", got)
	}
	if h.g.HasInput(h.back) {
		t.Error("audio mode: camera still attached")
	}
	if !h.g.HasInput(h.mic) {
		t.Error("audio mode: microphone detached")
	}

	h.c.SetMode(capture.ModeMovie)
	h.c.Flush()
	if !h.g.HasOutput(capture.OutputMovieFile) || h.g.HasOutput(capture.OutputPhoto) {
		t.Errorf("movie mode: got outputs %v", h.g.Outputs())
	}

	want := []string{"will-mode video>audio", "did-mode video>audio", "will-mode audio>movie", "did-mode audio>movie"}
	if got := h.rec.matching("-mode "); !slices.Equal(got, want) {
		t.Errorf("got mode events %v, want %v", got, want)
	}
	if _, _, v := h.g.Snapshot(); len(v) > 0 {
		t.Errorf("got violations %v", v)
	}
}

func TestFlipPositionNotifies(t *testing.T) {
	t.Parallel()
	h := newHarness(t, capture.ModeVideoWithoutAudio)
	h.start(t)

	h.c.FlipPosition()
	h.c.Flush()
	if !h.g.HasInput(h.front) || h.g.HasInput(h.back) {
		t.Fatalf("got inputs %v, want only the front camera", h.g.Inputs())
	}
	if got := h.c.Devices().Device(); got != h.front {
		t.Errorf("got device %v, want front", got)
	}

	want := []string{"will-position back>front", "did-position back>front"}
	if got := h.rec.matching("-position "); !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSetDeviceTypeKeepsPosition(t *testing.T) {
	t.Parallel()
	h := newHarness(t, capture.ModeVideoWithoutAudio)
	tele := devicetest.NewFake("tele")
	tele.Kind = device.TypeTelephoto
	h.g.Cameras = append(h.g.Cameras, tele)
	h.start(t)

	h.c.SetDeviceType(device.TypeTelephoto)
	h.c.Flush()
	if !h.g.HasInput(tele) || h.g.HasInput(h.back) {
		t.Fatalf("got inputs %v, want only the telephoto camera", h.g.Inputs())
	}
	if got := h.rec.matching("-position "); len(got) != 0 {
		t.Errorf("got position events %v, want none", got)
	}
	if got := h.rec.count("device tele"); got != 1 {
		t.Errorf("got %d device events for tele, want 1", got)
	}

	// Same type again is a no-op.
	h.c.SetDeviceType(device.TypeTelephoto)
	h.c.Flush()
	if got := h.rec.count("device tele"); got != 1 {
		t.Errorf("repeat: got %d device events for tele, want 1", got)
	}
}

func TestAutomaticOrientation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, capture.ModeVideoWithoutAudio)
	h.start(t)

	h.c.HandleDeviceOrientation(capture.OrientationLandscapeRight)
	h.c.Flush()
	if got := h.rec.count("orientation landscape-right"); got != 0 {
		t.Fatalf("manual orientation: got %d events, want 0", got)
	}

	h.c.SetAutomaticOrientation(true)
	h.c.HandleDeviceOrientation(capture.OrientationUnknown)
	h.c.HandleDeviceOrientation(capture.OrientationLandscapeRight)
	h.c.Flush()
	if got := h.c.Orientation(); got != capture.OrientationLandscapeRight {
		t.Errorf("got orientation %s, want landscape-right", got)
	}
	if got := h.rec.count("orientation landscape-right"); got != 1 {
		t.Errorf("got %d orientation events, want 1", got)
	}
	conn := h.g.Connection(capture.ConnectionVideo)
	if got := conn.Orientation(); got != capture.OrientationLandscapeRight {
		t.Errorf("got connection orientation %s, want landscape-right", got)
	}
}

func TestChangeDeviceRequiresStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, capture.ModeVideo)
	if err := h.c.ChangeDevice(h.front); !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Errorf("got %v, want ErrDeviceUnavailable", err)
	}
	if err := h.c.ChangeDevice(nil); !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Errorf("nil device: got %v, want ErrDeviceUnavailable", err)
	}
}

func TestStopTearsDown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, capture.ModeVideo)
	h.start(t)
	h.c.Stop()
	if got := h.c.State(); got != capture.StateIdle {
		t.Errorf("got state %s, want idle", got)
	}
	if len(h.g.Inputs()) != 0 || len(h.g.Outputs()) != 0 {
		t.Errorf("got inputs %v outputs %v, want none", h.g.Inputs(), h.g.Outputs())
	}
	if h.g.IsRunning() {
		t.Error("graph still running")
	}
	if got := h.rec.count("stop"); got != 1 {
		t.Errorf("got %d DidStop, want 1", got)
	}
	if err := h.c.Start(); err != nil {
		t.Errorf("restart: %v", err)
	}
}

func TestInterruptionPausesRecording(t *testing.T) {
	t.Parallel()
	h := newHarness(t, capture.ModeVideoWithoutAudio)
	h.start(t)
	h.c.Record()
	h.c.HandleVideoFrame(videoFrame(0, 33*time.Millisecond))
	h.c.HandleInterruption(true)
	h.c.Flush()

	if h.c.IsRecording() {
		t.Error("still recording after interruption")
	}
	if got := h.c.State(); got != capture.StateInterrupted {
		t.Errorf("got state %s, want interrupted", got)
	}
	select {
	case <-h.rec.clips:
	case <-time.After(5 * time.Second):
		t.Fatal("clip not finalized")
	}

	h.c.HandleInterruption(false)
	h.c.Flush()
	if got := h.c.State(); got != capture.StateRunning {
		t.Errorf("got state %s, want running", got)
	}
	want := []string{"interrupted", "interruption-ended"}
	if got := h.rec.matching("interrupt"); !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestApplyProfile(t *testing.T) {
	t.Parallel()
	h := newHarness(t, capture.ModeVideo)
	p := &mediaconfig.Profile{
		Mode:        "audio",
		Position:    device.PositionFront,
		Orientation: "landscape-left",
		Video:       &mediaconfig.VideoConfiguration{MaximumCaptureDuration: 10 * time.Second},
	}
	if err := h.c.ApplyProfile(p); err != nil {
		t.Fatal(err)
	}
	h.c.Flush()
	if got := h.c.Mode(); got != capture.ModeAudio {
		t.Errorf("got mode %s, want audio", got)
	}
	if got := h.c.Position(); got != device.PositionFront {
		t.Errorf("got position %s, want front", got)
	}
	if got := h.c.Orientation(); got != capture.OrientationLandscapeLeft {
		t.Errorf("got orientation %s, want landscape-left", got)
	}
	if got := h.c.VideoConfiguration().MaximumCaptureDuration; got != 10*time.Second {
		t.Errorf("got max duration %v, want 10s", got)
	}

	if err := h.c.ApplyProfile(&mediaconfig.Profile{Mode: "timelapse"}); err == nil {
		t.Error("unknown mode accepted")
	}
}

func TestMediaServicesResetRebuildsGraph(t *testing.T) {
	t.Parallel()
	h := newHarness(t, capture.ModeVideo)
	h.start(t)
	begins, commits, _ := h.g.Snapshot()

	h.c.HandleRuntimeError(capture.ErrBackgrounded)
	h.c.Flush()
	if b, _, _ := h.g.Snapshot(); b != begins {
		t.Errorf("backgrounded error reconfigured the graph (%d begins, want %d)", b, begins)
	}

	h.c.HandleRuntimeError(fmt.Errorf("daemon restarted: %w", capture.ErrMediaServicesReset))
	h.c.Flush()
	b, c, violations := h.g.Snapshot()
	if b-begins != 1 || c-commits != 1 {
		t.Errorf("got %d begins and %d commits, want 1 and 1", b-begins, c-commits)
	}
	if len(violations) > 0 {
		t.Errorf("got violations %v", violations)
	}
	if !h.g.HasInput(h.back) || !h.g.HasInput(h.mic) {
		t.Error("devices not reattached")
	}
	if !h.g.HasOutput(capture.OutputVideoData) || !h.g.HasOutput(capture.OutputAudioData) {
		t.Error("outputs not reattached")
	}
	if got := h.c.State(); got != capture.StateRunning {
		t.Errorf("got state %s, want running", got)
	}

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if len(h.rec.errs) != 2 || !errors.Is(h.rec.errs[1], capture.ErrMediaServicesReset) {
		t.Errorf("got runtime errors %v", h.rec.errs)
	}
}
