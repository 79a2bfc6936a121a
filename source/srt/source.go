// Package srt feeds a capture controller from an MPEG-TS stream carried over
// SRT. A network camera either publishes to a local listener or is dialed as
// a caller; the stream is demuxed and delivered as encoded frames, so clips
// are remuxed without transcoding.
package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/zsiec/reel/capture"
	"github.com/zsiec/reel/device"
	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/media"
	"github.com/zsiec/reel/mediaconfig"
)

// ErrNoStills is returned by CapturePhoto; a network feed has no photo
// pipeline. Use Controller.CapturePhotoFromVideo instead.
var ErrNoStills = errors.New("srt: still capture is not supported on a network feed")

// FrameSink receives the frames of a running feed. *capture.Controller
// satisfies it.
type FrameSink interface {
	HandleVideoFrame(frame *media.VideoFrame)
	HandleAudioFrame(frame *media.AudioFrame)
}

// Options configures a Source.
type Options struct {
	// Addr is the local listen address, or the camera's address when Call
	// is set.
	Addr string
	// Call dials Addr instead of listening on it.
	Call bool
	// StreamKey restricts a listener to one stream id and names the stream
	// when calling. Empty accepts any publisher.
	StreamKey string
	// Position is the camera position the feed is offered at. Defaults to
	// back.
	Position device.Position
	Log      *slog.Logger
}

// Source hands out capture graphs backed by one SRT feed.
type Source struct {
	opts  Options
	log   *slog.Logger
	stats *Stats

	mu   sync.Mutex
	sink FrameSink

	// newFeed is replaced in tests.
	newFeed func() (feed, error)
}

// New returns a Source. The sink is attached with SetSink once the
// controller exists.
func New(opts Options) *Source {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Position == device.PositionUnspecified {
		opts.Position = device.PositionBack
	}
	s := &Source{
		opts:  opts,
		log:   opts.Log.With("component", "srt"),
		stats: newStats(),
	}
	s.newFeed = s.openFeed
	return s
}

// SetSink sets the receiver of frames for graphs started afterwards.
func (s *Source) SetSink(sink FrameSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// Stats returns the feed's telemetry.
func (s *Source) Stats() *Stats { return s.stats }

// Factory returns a GraphFactory for capture.Options.NewGraph.
func (s *Source) Factory() capture.GraphFactory {
	return func() (capture.Graph, error) { return s.Graph(), nil }
}

// Graph returns a new graph over the feed.
func (s *Source) Graph() *Graph {
	id := "srt:" + s.opts.Addr
	return &Graph{
		src: s,
		log: s.log,
		camera: device.NewFixed(id+"/video", s.opts.Position, device.TypeNetwork,
			media.TypeVideo),
		mic: device.NewFixed(id+"/audio", device.PositionUnspecified, device.TypeNetwork,
			media.TypeAudio),
	}
}

func (s *Source) openFeed() (feed, error) {
	if s.opts.Addr == "" {
		return nil, errors.New("srt: no address")
	}
	if s.opts.Call {
		return call(s.opts.Addr, s.opts.StreamKey, s.log), nil
	}
	return listen(s.opts.Addr, s.opts.StreamKey, s.log)
}

func (s *Source) frameSink() FrameSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}

// Graph is a capture graph whose single camera and microphone are the video
// and audio of an SRT feed. Frames flow only while the matching device is an
// input.
type Graph struct {
	src    *Source
	log    *slog.Logger
	camera *device.Fixed
	mic    *device.Fixed

	mu      sync.Mutex
	inputs  []device.Device
	outputs []capture.Output
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ capture.Graph = (*Graph)(nil)

func (g *Graph) Camera(p device.Position, t device.Type) device.Device {
	if p != g.camera.Position() || (t != "" && t != device.TypeNetwork) {
		return nil
	}
	return g.camera
}

func (g *Graph) Microphone() device.Device { return g.mic }
func (g *Graph) BeginConfiguration()       {}
func (g *Graph) CommitConfiguration()      {}

func (g *Graph) Inputs() []device.Device {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.inputs)
}

func (g *Graph) AddInput(d device.Device) error {
	if d != device.Device(g.camera) && d != device.Device(g.mic) {
		return fmt.Errorf("srt: %s is not part of this feed", d.ID())
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !slices.Contains(g.inputs, d) {
		g.inputs = append(g.inputs, d)
	}
	return nil
}

func (g *Graph) RemoveInput(d device.Device) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inputs = slices.DeleteFunc(g.inputs, func(in device.Device) bool { return in == d })
}

func (g *Graph) Outputs() []capture.Output {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.outputs)
}

func (g *Graph) AddOutput(o capture.Output) error {
	if o == capture.OutputPhoto {
		return ErrNoStills
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !slices.Contains(g.outputs, o) {
		g.outputs = append(g.outputs, o)
	}
	return nil
}

func (g *Graph) RemoveOutput(o capture.Output) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outputs = slices.DeleteFunc(g.outputs, func(out capture.Output) bool { return out == o })
}

// Connection returns nil: a network feed arrives already oriented.
func (g *Graph) Connection(capture.ConnectionKind) capture.Connection { return nil }

func (g *Graph) CapturePhoto(context.Context, mediaconfig.Settings) (*capture.Photo, error) {
	return nil, ErrNoStills
}

// Start opens the feed and begins delivering frames. A listener binds before
// Start returns, so address errors surface here.
func (g *Graph) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return nil
	}
	f, err := g.src.newFeed()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.done = make(chan struct{})
	go g.run(ctx, f, g.done)
	return nil
}

// Stop closes the feed and waits for the delivery loop to exit.
func (g *Graph) Stop() {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.cancel, g.done = nil, nil
	g.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (g *Graph) IsRunning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancel != nil
}

func (g *Graph) attached(d device.Device) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Contains(g.inputs, d)
}

// run serves one connection after another until ctx is done.
func (g *Graph) run(ctx context.Context, f feed, done chan struct{}) {
	defer close(done)
	defer f.Close()
	for {
		conn, err := f.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			g.log.Warn("feed unavailable", "error", err)
			continue
		}
		g.src.stats.recordConnection()
		if err := g.stream(ctx, conn); err != nil {
			g.log.Warn("stream ended", "error", err)
		} else {
			g.log.Info("stream ended")
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// stream demuxes conn and forwards its frames until the stream ends.
func (g *Graph) stream(ctx context.Context, conn io.ReadCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	pr, pw := io.Pipe()
	go pump(conn, pw, g.src.stats, g.log)

	d := demux.NewDemuxer(pr, g.log)
	d.SetStats(g.src.stats)
	demuxErr := make(chan error, 1)
	go func() {
		demuxErr <- d.Run(ctx)
		pr.Close()
	}()

	g.forward(ctx, d)
	cancel()
	err := <-demuxErr
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// forward drains the demuxer, video first, until its channels close.
func (g *Graph) forward(ctx context.Context, d *demux.Demuxer) {
	videoCh, audioCh := d.Video(), d.Audio()
	captionCh, cueCh := d.Captions(), d.Cues()
	for videoCh != nil || audioCh != nil {
		select {
		case frame, ok := <-videoCh:
			if !ok {
				videoCh = nil
				continue
			}
			g.forwardVideo(frame)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case frame, ok := <-videoCh:
			if !ok {
				videoCh = nil
				continue
			}
			g.forwardVideo(frame)
		case frame, ok := <-audioCh:
			if !ok {
				audioCh = nil
				continue
			}
			g.forwardAudio(frame)
		case cf, ok := <-captionCh:
			if !ok {
				captionCh = nil
				continue
			}
			g.log.Debug("caption", "channel", cf.Channel, "text", cf.Text)
		case cue, ok := <-cueCh:
			if !ok {
				cueCh = nil
				continue
			}
			g.log.Info("splice cue", "pid", cue.PID, "pts", cue.PTS, "immediate", cue.Immediate)
		}
	}
}

func (g *Graph) forwardVideo(frame *media.VideoFrame) {
	if f := frame.Format; f != nil {
		g.camera.SetActiveFormat(device.Format{
			Name:         f.Codec,
			Width:        f.Width,
			Height:       f.Height,
			MinFrameRate: f.FrameRate,
			MaxFrameRate: f.FrameRate,
			PixelFormats: []media.PixelFormat{f.PixelFormat},
		})
	}
	sink := g.src.frameSink()
	if sink == nil || !g.attached(g.camera) {
		return
	}
	sink.HandleVideoFrame(frame)
	g.src.stats.videoForwarded.Add(1)
}

func (g *Graph) forwardAudio(frame *media.AudioFrame) {
	// Secondary tracks are not recorded.
	if frame.TrackIndex != 0 {
		return
	}
	sink := g.src.frameSink()
	if sink == nil || !g.attached(g.mic) {
		return
	}
	sink.HandleAudioFrame(frame)
	g.src.stats.audioForwarded.Add(1)
}
