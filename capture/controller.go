package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/zsiec/reel/device"
	"github.com/zsiec/reel/internal/queue"
	"github.com/zsiec/reel/media"
	"github.com/zsiec/reel/mediaconfig"
	"github.com/zsiec/reel/session"
)

// Options configures a Controller.
type Options struct {
	Mode       Mode
	Position   device.Position // defaults to the back camera
	DeviceType device.Type     // empty picks any camera at Position
	NewGraph   GraphFactory
	Authorizer Authorizer // defaults to AllowAll
	Dispatcher Dispatcher // defaults to a serial queue
	Session    session.Options

	Video *mediaconfig.VideoConfiguration
	Audio *mediaconfig.AudioConfiguration
	Photo *mediaconfig.PhotoConfiguration

	Log *slog.Logger
}

// Controller orchestrates one capture graph and the recording session fed
// from it. Graph changes and frame routing run on the controller's capture
// queue; notifications go through the Dispatcher. Methods are safe for
// concurrent use.
type Controller struct {
	log         *slog.Logger
	q           *queue.Queue
	dispatch    Dispatcher
	ownDispatch *QueueDispatcher
	newGraph    GraphFactory
	auth        Authorizer
	devices     *device.Controller
	sessionOpts session.Options
	sleep       func(time.Duration)
	now         func() time.Time

	mu          sync.Mutex
	state       State
	mode        Mode
	position    device.Position
	deviceType  device.Type
	orientation Orientation
	autoOrient  bool
	mirrored    *bool
	graph       Graph
	recording   bool
	rec         *session.Session
	videoConfig *mediaconfig.VideoConfiguration
	audioConfig *mediaconfig.AudioConfiguration
	photoConfig *mediaconfig.PhotoConfiguration
	sessionSink SessionSink
	deviceSink  DeviceSink
	videoSink   VideoSink
	photoSink   PhotoSink
	renderer    FrameRenderer

	// capture queue only
	runCtx      context.Context
	cancel      context.CancelFunc
	configDepth int
	prevState   State
	videoDevice device.Device
	audioDevice device.Device
	lastVideo   *media.VideoFrame
	lastAudio   *media.AudioFrame
	lastImage   *media.PixelBuffer
	lastAppend  time.Time
}

// New creates an idle Controller.
func New(opts Options) *Controller {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		log:         log.With("component", "capture"),
		q:           queue.New("capture-session", log),
		dispatch:    opts.Dispatcher,
		newGraph:    opts.NewGraph,
		auth:        opts.Authorizer,
		devices:     device.NewController(log),
		sessionOpts: opts.Session,
		sleep:       time.Sleep,
		now:         time.Now,
		mode:        opts.Mode,
		position:    opts.Position,
		deviceType:  opts.DeviceType,
		videoConfig: opts.Video,
		audioConfig: opts.Audio,
		photoConfig: opts.Photo,
	}
	if c.dispatch == nil {
		c.ownDispatch = NewQueueDispatcher("capture-events", log)
		c.dispatch = c.ownDispatch
	}
	if c.auth == nil {
		c.auth = AllowAll{}
	}
	if c.position == device.PositionUnspecified {
		c.position = device.PositionBack
	}
	if c.videoConfig == nil {
		c.videoConfig = mediaconfig.DefaultVideoConfiguration()
	}
	if c.audioConfig == nil {
		c.audioConfig = mediaconfig.DefaultAudioConfiguration()
	}
	if c.photoConfig == nil {
		c.photoConfig = mediaconfig.DefaultPhotoConfiguration()
	}
	if c.sessionOpts.Log == nil {
		c.sessionOpts.Log = log
	}
	c.devices.SetObserver(deviceEvents{c})
	return c
}

// Close stops the graph, finishes the recording session's queued work and
// stops the controller's queues. Recorded clips are kept.
func (c *Controller) Close() {
	c.Stop()
	c.q.Close()
	c.mu.Lock()
	rec := c.rec
	c.mu.Unlock()
	if rec != nil {
		rec.Close()
	}
	if c.ownDispatch != nil {
		c.ownDispatch.Close()
	}
}

// Devices returns the controller adjusting the active camera.
func (c *Controller) Devices() *device.Controller { return c.devices }

// State returns the graph lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Mode returns the capture mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Position returns the requested camera position.
func (c *Controller) Position() device.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

// IsRecording reports whether incoming frames are being recorded.
func (c *Controller) IsRecording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// RecordingSession returns the session clips are recorded into, or nil
// before the first Start or Record.
func (c *Controller) RecordingSession() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec
}

func (c *Controller) currentGraph() Graph {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.graph
}

// VideoConfiguration returns the video configuration. Changes made to it
// apply to the next track setup.
func (c *Controller) VideoConfiguration() *mediaconfig.VideoConfiguration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoConfig
}

func (c *Controller) AudioConfiguration() *mediaconfig.AudioConfiguration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioConfig
}

func (c *Controller) PhotoConfiguration() *mediaconfig.PhotoConfiguration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.photoConfig
}

// SetVideoConfiguration replaces the video configuration. A nil cfg
// restores the default.
func (c *Controller) SetVideoConfiguration(cfg *mediaconfig.VideoConfiguration) {
	if cfg == nil {
		cfg = mediaconfig.DefaultVideoConfiguration()
	}
	c.mu.Lock()
	c.videoConfig = cfg
	c.mu.Unlock()
	c.emitSession(func(s SessionSink) { s.DidUpdateConfiguration(cfg) })
}

func (c *Controller) SetAudioConfiguration(cfg *mediaconfig.AudioConfiguration) {
	if cfg == nil {
		cfg = mediaconfig.DefaultAudioConfiguration()
	}
	c.mu.Lock()
	c.audioConfig = cfg
	c.mu.Unlock()
	c.emitSession(func(s SessionSink) { s.DidUpdateConfiguration(cfg) })
}

func (c *Controller) SetPhotoConfiguration(cfg *mediaconfig.PhotoConfiguration) {
	if cfg == nil {
		cfg = mediaconfig.DefaultPhotoConfiguration()
	}
	c.mu.Lock()
	c.photoConfig = cfg
	c.mu.Unlock()
	c.emitSession(func(s SessionSink) { s.DidUpdateConfiguration(cfg) })
}

// ApplyProfile sets the mode, position, orientation, mirroring and media
// configurations from p.
func (c *Controller) ApplyProfile(p *mediaconfig.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	mode, err := ParseMode(p.Mode)
	if err != nil {
		return err
	}
	orientation, err := ParseOrientation(p.Orientation)
	if err != nil {
		return err
	}
	if p.Video != nil {
		c.SetVideoConfiguration(p.Video)
	}
	if p.Audio != nil {
		c.SetAudioConfiguration(p.Audio)
	}
	if p.Photo != nil {
		c.SetPhotoConfiguration(p.Photo)
	}
	if p.Mirrored != nil {
		c.SetMirrored(*p.Mirrored)
	}
	c.SetMode(mode)
	if p.Position != device.PositionUnspecified {
		c.SetPosition(p.Position)
	}
	if orientation != OrientationUnknown {
		c.SetOrientation(orientation)
	}
	return nil
}

// Sink setters. A nil sink silences that family of notifications.

func (c *Controller) SetSessionSink(s SessionSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionSink = s
}

func (c *Controller) SetDeviceSink(s DeviceSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceSink = s
}

func (c *Controller) SetVideoSink(s VideoSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.videoSink = s
}

func (c *Controller) SetPhotoSink(s PhotoSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.photoSink = s
}

// SetFrameRenderer installs the custom render hook for raw video frames.
// nil disables it.
func (c *Controller) SetFrameRenderer(r FrameRenderer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renderer = r
}

func (c *Controller) emitSession(fn func(SessionSink)) {
	c.mu.Lock()
	s := c.sessionSink
	c.mu.Unlock()
	if s != nil {
		c.dispatch.Dispatch(func() { fn(s) })
	}
}

func (c *Controller) emitDevice(fn func(DeviceSink)) {
	c.mu.Lock()
	s := c.deviceSink
	c.mu.Unlock()
	if s != nil {
		c.dispatch.Dispatch(func() { fn(s) })
	}
}

func (c *Controller) emitVideo(fn func(VideoSink)) {
	c.mu.Lock()
	s := c.videoSink
	c.mu.Unlock()
	if s != nil {
		c.dispatch.Dispatch(func() { fn(s) })
	}
}

func (c *Controller) emitPhoto(fn func(PhotoSink)) {
	c.mu.Lock()
	s := c.photoSink
	c.mu.Unlock()
	if s != nil {
		c.dispatch.Dispatch(func() { fn(s) })
	}
}

func (c *Controller) runtimeError(err error) {
	c.emitSession(func(s SessionSink) { s.DidReceiveRuntimeError(err) })
}

// AuthorizationStatus returns the current permission for t.
func (c *Controller) AuthorizationStatus(t media.Type) AuthorizationStatus {
	return c.auth.Status(t)
}

// RequestAuthorization asks for permission to capture t and reports the
// answer to the session sink.
func (c *Controller) RequestAuthorization(ctx context.Context, t media.Type) AuthorizationStatus {
	st := c.auth.Request(ctx, t)
	c.log.Info("authorization", "media", t, "status", st)
	c.emitSession(func(s SessionSink) { s.DidUpdateAuthorization(t, st) })
	return st
}

// Start builds the capture graph for the current mode. It fails with
// ErrAlreadyStarted while a graph exists and with ErrNotAuthorized unless
// every media type the mode needs is authorized. Setup itself runs on the
// capture queue; the session sink hears WillStart and DidStart.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.graph != nil {
		return ErrAlreadyStarted
	}
	for _, t := range c.mode.mediaTypes() {
		if st := c.auth.Status(t); st != AuthorizationAuthorized {
			return fmt.Errorf("%w: %s is %s", ErrNotAuthorized, t, st)
		}
	}
	if c.newGraph == nil {
		return fmt.Errorf("%w: no capture graph", ErrDeviceUnavailable)
	}
	g, err := c.newGraph()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnknown, err)
	}
	c.graph = g
	mode := c.mode
	c.q.Async(func(context.Context) { c.setup(g, mode) })
	return nil
}

func (c *Controller) setup(g Graph, mode Mode) {
	c.log.Info("starting capture", "mode", mode)
	c.emitSession(func(s SessionSink) { s.WillStart() })
	c.ensureSession()

	commit := c.beginConfiguration()
	c.configureOutputs(g)
	c.configureDevices(g)
	commit()
	c.applyDeviceSettings()
	c.updateOrientation()

	c.runCtx, c.cancel = context.WithCancel(context.Background())
	if err := g.Start(c.runCtx); err != nil {
		c.log.Error("capture graph failed to start", "error", err)
		c.teardown(g)
		c.runtimeError(fmt.Errorf("%w: %w", ErrUnknown, err))
		return
	}
	c.setState(StateRunning)
	c.emitSession(func(s SessionSink) { s.DidStart() })
}

// ensureSession creates the recording session on first use.
func (c *Controller) ensureSession() *session.Session {
	c.mu.Lock()
	rec, mode := c.rec, c.mode
	c.mu.Unlock()
	if rec != nil {
		return rec
	}
	rec, err := session.New(c.sessionOpts)
	if err != nil {
		c.log.Error("recording session unavailable", "error", err)
		c.runtimeError(err)
		return nil
	}
	rec.SetRequirements(mode.NeedsVideo(), mode.NeedsAudio())
	c.mu.Lock()
	c.rec = rec
	c.mu.Unlock()
	return rec
}

// applyDeviceSettings pushes configuration the device controller owns.
func (c *Controller) applyDeviceSettings() {
	c.mu.Lock()
	vc, pc := c.videoConfig, c.photoConfig
	c.mu.Unlock()
	if vc.FrameRate > 0 {
		c.devices.SetFrameRate(vc.FrameRate)
	}
	c.devices.SetFlashMode(pc.FlashMode)
}

// Stop tears the graph down. It is a no-op when idle and must not be
// called from a FrameRenderer.
func (c *Controller) Stop() {
	if err := c.q.Sync(context.Background(), func(context.Context) { c.stop() }); err != nil {
		c.log.Debug("stop after close", "error", err)
	}
}

func (c *Controller) stop() {
	g := c.currentGraph()
	if g == nil {
		return
	}
	c.log.Info("stopping capture")
	c.setState(StateStopping)
	c.pause(nil)
	c.teardown(g)
	c.emitSession(func(s SessionSink) { s.DidStop() })
}

func (c *Controller) teardown(g Graph) {
	commit := c.beginConfiguration()
	for _, d := range g.Inputs() {
		g.RemoveInput(d)
	}
	for _, o := range g.Outputs() {
		g.RemoveOutput(o)
	}
	commit()
	g.Stop()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.videoDevice, c.audioDevice = nil, nil
	c.devices.SetDevice(nil)
	c.lastVideo, c.lastAudio, c.lastImage = nil, nil, nil

	c.mu.Lock()
	c.graph = nil
	c.state = StateIdle
	c.recording = false
	c.mu.Unlock()
}

// beginConfiguration opens a configuration transaction and returns its
// commit. Transactions nest; only the outermost pair reaches the graph.
// Both must be called on the capture queue.
func (c *Controller) beginConfiguration() (commit func()) {
	g := c.currentGraph()
	if c.configDepth == 0 {
		if g != nil {
			g.BeginConfiguration()
		}
		c.mu.Lock()
		c.prevState, c.state = c.state, StateConfiguring
		c.mu.Unlock()
	}
	c.configDepth++

	var once sync.Once
	return func() {
		once.Do(func() {
			c.configDepth--
			if c.configDepth > 0 {
				return
			}
			if g != nil {
				g.CommitConfiguration()
			}
			c.mu.Lock()
			if c.state == StateConfiguring {
				c.state = c.prevState
			}
			c.mu.Unlock()
		})
	}
}

// configureOutputs makes the graph's outputs match the mode. Unused outputs
// are removed before new ones are added.
func (c *Controller) configureOutputs(g Graph) {
	want := c.Mode().outputs()
	commit := c.beginConfiguration()
	defer commit()
	for _, o := range g.Outputs() {
		if !slices.Contains(want, o) {
			g.RemoveOutput(o)
		}
	}
	have := g.Outputs()
	for _, o := range want {
		if slices.Contains(have, o) {
			continue
		}
		if err := g.AddOutput(o); err != nil {
			c.log.Warn("output not added", "output", o, "error", err)
		}
	}
}

// configureDevices attaches the camera and microphone the mode needs and
// detaches the rest.
func (c *Controller) configureDevices(g Graph) {
	mode := c.Mode()
	commit := c.beginConfiguration()
	defer commit()

	if mode.NeedsVideo() {
		c.selectCamera(g)
	} else if c.videoDevice != nil {
		g.RemoveInput(c.videoDevice)
		c.videoDevice = nil
		c.devices.SetDevice(nil)
	}

	// AR audio arrives from the host, not from a graph input.
	if mode.NeedsAudio() && mode != ModeARTracking {
		if c.audioDevice == nil {
			if mic := g.Microphone(); mic != nil {
				c.swapAudioDevice(g, mic)
			} else {
				c.log.Warn("no microphone available")
			}
		}
	} else if c.audioDevice != nil {
		g.RemoveInput(c.audioDevice)
		c.audioDevice = nil
	}
}

// selectCamera attaches the camera for the requested position and type.
func (c *Controller) selectCamera(g Graph) {
	c.mu.Lock()
	pos, typ := c.position, c.deviceType
	c.mu.Unlock()
	cam := g.Camera(pos, typ)
	if cam == nil && typ != "" {
		cam = g.Camera(pos, "")
	}
	if cam == nil {
		c.log.Warn("no camera available", "position", pos, "type", typ)
		c.runtimeError(fmt.Errorf("%w: no %s camera", ErrDeviceUnavailable, pos))
		return
	}
	c.swapVideoDevice(g, cam)
}

// swapVideoDevice replaces the camera input. Position events fire only when
// the physical position changes.
func (c *Controller) swapVideoDevice(g Graph, cam device.Device) {
	old := c.videoDevice
	if old == cam {
		return
	}
	from, to := device.PositionUnspecified, cam.Position()
	moved := old != nil && old.Position() != to
	if old != nil {
		from = old.Position()
	}
	if moved {
		c.emitDevice(func(s DeviceSink) { s.WillChangePosition(from, to) })
	}

	commit := c.beginConfiguration()
	if old != nil {
		g.RemoveInput(old)
	}
	if err := g.AddInput(cam); err != nil {
		c.log.Warn("camera input rejected", "device", cam.ID(), "error", err)
		if old != nil {
			if err := g.AddInput(old); err != nil {
				c.log.Warn("previous camera not restored", "device", old.ID(), "error", err)
				old = nil
			}
		}
		c.videoDevice = old
		commit()
		c.runtimeError(fmt.Errorf("%w: %w", ErrDeviceUnavailable, err))
		return
	}
	commit()

	c.videoDevice = cam
	c.devices.SetDevice(cam)
	c.applyMirroring(g, to)
	c.log.Info("camera attached", "device", cam.ID(), "position", to, "type", cam.Type())
	if moved {
		c.emitDevice(func(s DeviceSink) { s.DidChangePosition(from, to) })
	}
	c.emitDevice(func(s DeviceSink) { s.DidChangeDevice(cam) })
}

func (c *Controller) swapAudioDevice(g Graph, mic device.Device) {
	old := c.audioDevice
	if old == mic {
		return
	}
	commit := c.beginConfiguration()
	defer commit()
	if old != nil {
		g.RemoveInput(old)
	}
	if err := g.AddInput(mic); err != nil {
		c.log.Warn("microphone input rejected", "device", mic.ID(), "error", err)
		c.audioDevice = nil
		c.runtimeError(fmt.Errorf("%w: %w", ErrDeviceUnavailable, err))
		return
	}
	c.audioDevice = mic
	c.log.Info("microphone attached", "device", mic.ID())
}

// SetMode switches the capture mode. Outputs and devices are reconfigured
// on the capture queue between WillChangeMode and DidChangeMode.
func (c *Controller) SetMode(m Mode) {
	c.mu.Lock()
	old := c.mode
	c.mode = m
	c.mu.Unlock()
	if old == m {
		return
	}
	c.q.Async(func(context.Context) { c.applyMode(old, m) })
}

func (c *Controller) applyMode(from, to Mode) {
	c.log.Info("mode change", "from", from, "to", to)
	c.emitSession(func(s SessionSink) { s.WillChangeMode(from, to) })
	if g := c.currentGraph(); g != nil {
		commit := c.beginConfiguration()
		c.configureOutputs(g)
		c.configureDevices(g)
		commit()
	}
	c.mu.Lock()
	rec := c.rec
	c.mu.Unlock()
	if rec != nil {
		rec.SetRequirements(to.NeedsVideo(), to.NeedsAudio())
	}
	c.updateOrientation()
	c.emitSession(func(s SessionSink) { s.DidChangeMode(from, to) })
}

// SetPosition selects the camera at p.
func (c *Controller) SetPosition(p device.Position) {
	c.mu.Lock()
	changed := c.position != p
	c.position = p
	c.mu.Unlock()
	if changed {
		c.q.Async(func(context.Context) { c.reselectCamera() })
	}
}

// FlipPosition toggles between the front and back cameras.
func (c *Controller) FlipPosition() {
	c.mu.Lock()
	c.position = c.position.Flip()
	c.mu.Unlock()
	c.q.Async(func(context.Context) { c.reselectCamera() })
}

// SetDeviceType prefers cameras of kind t at the current position.
func (c *Controller) SetDeviceType(t device.Type) {
	c.mu.Lock()
	changed := c.deviceType != t
	c.deviceType = t
	c.mu.Unlock()
	if changed {
		c.q.Async(func(context.Context) { c.reselectCamera() })
	}
}

func (c *Controller) reselectCamera() {
	g := c.currentGraph()
	if g == nil || !c.Mode().NeedsVideo() {
		return
	}
	c.selectCamera(g)
	c.updateOrientation()
}

// ChangeDevice attaches d in place of the current camera or microphone.
func (c *Controller) ChangeDevice(d device.Device) error {
	if d == nil {
		return ErrDeviceUnavailable
	}
	t := media.TypeAudio
	switch {
	case d.HasMediaType(media.TypeVideo):
		t = media.TypeVideo
	case d.HasMediaType(media.TypeAudio):
	default:
		return fmt.Errorf("%w: %s captures no media", ErrDeviceUnavailable, d.ID())
	}
	if st := c.auth.Status(t); st != AuthorizationAuthorized {
		return fmt.Errorf("%w: %s is %s", ErrNotAuthorized, t, st)
	}
	g := c.currentGraph()
	if g == nil {
		return fmt.Errorf("%w: capture not started", ErrDeviceUnavailable)
	}
	c.q.Async(func(context.Context) {
		if t == media.TypeAudio {
			c.swapAudioDevice(g, d)
			return
		}
		c.mu.Lock()
		c.position, c.deviceType = d.Position(), d.Type()
		c.mu.Unlock()
		c.swapVideoDevice(g, d)
		c.updateOrientation()
	})
	return nil
}

// HandleDeviceEvent passes a property change from the active camera to the
// device controller, which republishes it to the device sink.
func (c *Controller) HandleDeviceEvent(ev device.Event) { c.devices.HandleEvent(ev) }

// HandleInterruption records the start or end of an interruption. An open
// clip is finalized when the interruption begins.
func (c *Controller) HandleInterruption(began bool) {
	c.q.Async(func(context.Context) {
		c.mu.Lock()
		st := c.state
		switch {
		case began && st == StateRunning:
			c.state = StateInterrupted
		case !began && st == StateInterrupted:
			c.state = StateRunning
		default:
			c.mu.Unlock()
			return
		}
		recording := c.recording
		c.mu.Unlock()

		if !began {
			c.log.Info("interruption ended")
			c.emitSession(func(s SessionSink) { s.InterruptionEnded() })
			return
		}
		c.log.Info("capture interrupted", "recording", recording)
		if recording {
			c.pause(nil)
		}
		c.emitSession(func(s SessionSink) { s.WasInterrupted() })
	})
}

// HandleRuntimeError reports a graph failure. ErrMediaServicesReset rebuilds
// the graph; other errors are only surfaced.
func (c *Controller) HandleRuntimeError(err error) {
	c.q.Async(func(context.Context) {
		c.log.Warn("capture runtime error", "error", err)
		c.runtimeError(err)
		if errors.Is(err, ErrMediaServicesReset) {
			c.rebuild()
		}
	})
}

// rebuild detaches every input and output and attaches them again.
func (c *Controller) rebuild() {
	g := c.currentGraph()
	if g == nil {
		return
	}
	c.log.Info("rebuilding capture graph")
	commit := c.beginConfiguration()
	for _, d := range g.Inputs() {
		g.RemoveInput(d)
	}
	for _, o := range g.Outputs() {
		g.RemoveOutput(o)
	}
	c.videoDevice, c.audioDevice = nil, nil
	c.devices.SetDevice(nil)
	c.configureOutputs(g)
	c.configureDevices(g)
	commit()
	c.updateOrientation()

	if !g.IsRunning() && c.runCtx != nil {
		if err := g.Start(c.runCtx); err != nil {
			c.log.Error("capture graph restart failed", "error", err)
			c.runtimeError(fmt.Errorf("%w: %w", ErrUnknown, err))
		}
	}
}

// Context returns a context canceled when the running graph stops, or nil
// while idle.
func (c *Controller) Context() context.Context {
	var ctx context.Context
	_ = c.q.Sync(context.Background(), func(context.Context) { ctx = c.runCtx })
	return ctx
}
