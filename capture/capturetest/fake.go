// Package capturetest provides in-memory capture graphs, authorizers and
// clip writers for tests.
package capturetest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/zsiec/reel/capture"
	"github.com/zsiec/reel/device"
	"github.com/zsiec/reel/media"
	"github.com/zsiec/reel/mediaconfig"
	"github.com/zsiec/reel/session"
)

// ErrOutsideConfiguration is recorded when inputs or outputs change outside a
// BeginConfiguration/CommitConfiguration pair.
var ErrOutsideConfiguration = errors.New("capturetest: graph changed outside configuration")

// Graph is a capture graph that only records what it is asked to do.
type Graph struct {
	mu sync.Mutex

	Cameras    []device.Device
	Mic        device.Device
	Conns      map[capture.ConnectionKind]*Connection
	StartErr   error
	PhotoErr   error
	PhotoImage *capture.Photo

	Begins     int
	Commits    int
	Violations []error
	Starts     int
	Stops      int

	depth   int
	inputs  []device.Device
	outputs []capture.Output
	running bool
}

var _ capture.Graph = (*Graph)(nil)

// NewGraph returns a graph offering cams and mic, with orientable preview,
// video and photo connections.
func NewGraph(mic device.Device, cams ...device.Device) *Graph {
	return &Graph{
		Cameras: cams,
		Mic:     mic,
		Conns: map[capture.ConnectionKind]*Connection{
			capture.ConnectionPreview: NewConnection(),
			capture.ConnectionVideo:   NewConnection(),
			capture.ConnectionPhoto:   NewConnection(),
		},
	}
}

// Factory returns a GraphFactory that always hands out g.
func (g *Graph) Factory() capture.GraphFactory {
	return func() (capture.Graph, error) { return g, nil }
}

func (g *Graph) Camera(p device.Position, t device.Type) device.Device {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, cam := range g.Cameras {
		if cam.Position() == p && (t == "" || cam.Type() == t) {
			return cam
		}
	}
	return nil
}

func (g *Graph) Microphone() device.Device {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Mic
}

func (g *Graph) BeginConfiguration() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.depth++
	g.Begins++
}

func (g *Graph) CommitConfiguration() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.depth == 0 {
		g.Violations = append(g.Violations, errors.New("capturetest: commit without begin"))
		return
	}
	g.depth--
	g.Commits++
}

func (g *Graph) checkConfiguring(op string) {
	if g.depth == 0 {
		g.Violations = append(g.Violations, fmt.Errorf("%w: %s", ErrOutsideConfiguration, op))
	}
}

func (g *Graph) Inputs() []device.Device {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.inputs)
}

func (g *Graph) AddInput(d device.Device) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkConfiguring("add input")
	if slices.Contains(g.inputs, d) {
		return fmt.Errorf("capturetest: input %s already attached", d.ID())
	}
	g.inputs = append(g.inputs, d)
	return nil
}

func (g *Graph) RemoveInput(d device.Device) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkConfiguring("remove input")
	g.inputs = slices.DeleteFunc(g.inputs, func(in device.Device) bool { return in == d })
}

func (g *Graph) Outputs() []capture.Output {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.outputs)
}

func (g *Graph) AddOutput(o capture.Output) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkConfiguring("add output")
	if slices.Contains(g.outputs, o) {
		return fmt.Errorf("capturetest: output %s already attached", o)
	}
	g.outputs = append(g.outputs, o)
	return nil
}

func (g *Graph) RemoveOutput(o capture.Output) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkConfiguring("remove output")
	g.outputs = slices.DeleteFunc(g.outputs, func(out capture.Output) bool { return out == o })
}

func (g *Graph) Connection(kind capture.ConnectionKind) capture.Connection {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.Conns[kind]; ok {
		return c
	}
	return nil
}

func (g *Graph) Start(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.StartErr != nil {
		return g.StartErr
	}
	g.Starts++
	g.running = true
	return nil
}

func (g *Graph) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Stops++
	g.running = false
}

func (g *Graph) IsRunning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

func (g *Graph) CapturePhoto(_ context.Context, settings mediaconfig.Settings) (*capture.Photo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.PhotoErr != nil {
		return nil, g.PhotoErr
	}
	if g.PhotoImage == nil {
		return &capture.Photo{Settings: settings}, nil
	}
	p := *g.PhotoImage
	return &p, nil
}

// HasOutput reports whether o is attached.
func (g *Graph) HasOutput(o capture.Output) bool {
	return slices.Contains(g.Outputs(), o)
}

// HasInput reports whether d is attached.
func (g *Graph) HasInput(d device.Device) bool {
	return slices.Contains(g.Inputs(), d)
}

// Snapshot returns the transaction counters and recorded violations.
func (g *Graph) Snapshot() (begins, commits int, violations []error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Begins, g.Commits, slices.Clone(g.Violations)
}

// Connection is an orientable, mirrorable connection.
type Connection struct {
	mu          sync.Mutex
	orientation capture.Orientation
	mirrored    bool
}

func NewConnection() *Connection { return &Connection{} }

func (c *Connection) SupportsOrientation() bool { return true }
func (c *Connection) SupportsMirroring() bool   { return true }

func (c *Connection) Orientation() capture.Orientation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orientation
}

func (c *Connection) SetOrientation(o capture.Orientation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orientation = o
}

func (c *Connection) SetMirrored(m bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mirrored = m
}

func (c *Connection) Mirrored() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mirrored
}

// Authorizer answers from a fixed table. Missing media types are not
// determined; Request grants them when Grant is set.
type Authorizer struct {
	mu       sync.Mutex
	Statuses map[media.Type]capture.AuthorizationStatus
	Grant    bool
}

func (a *Authorizer) Status(t media.Type) capture.AuthorizationStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.Statuses[t]; ok {
		return st
	}
	return capture.AuthorizationNotDetermined
}

func (a *Authorizer) Request(_ context.Context, t media.Type) capture.AuthorizationStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Statuses == nil {
		a.Statuses = make(map[media.Type]capture.AuthorizationStatus)
	}
	st := capture.AuthorizationNotAuthorized
	if a.Grant {
		st = capture.AuthorizationAuthorized
	}
	a.Statuses[t] = st
	return st
}

// Sample is one frame handed to a Writer.
type Sample struct {
	Type     media.Type
	PTS      time.Duration
	Duration time.Duration
}

// Writer records the samples of one clip.
type Writer struct {
	mu      sync.Mutex
	Path    string
	Video   bool
	Audio   bool
	Samples []Sample
	Closed  bool
}

var _ session.Writer = (*Writer)(nil)

func (w *Writer) AddVideoTrack(mediaconfig.Settings, media.VideoFormat) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Video = true
	return nil
}

func (w *Writer) AddAudioTrack(mediaconfig.Settings, media.AudioFormat) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Audio = true
	return nil
}

func (w *Writer) WriteVideo(f *media.VideoFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Samples = append(w.Samples, Sample{Type: media.TypeVideo, PTS: f.PTS, Duration: f.Duration})
	return nil
}

func (w *Writer) WriteAudio(f *media.AudioFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Samples = append(w.Samples, Sample{Type: media.TypeAudio, PTS: f.PTS, Duration: f.Duration})
	return nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Closed = true
	return nil
}

// Snapshot returns a copy of the recorded samples.
func (w *Writer) Snapshot() []Sample {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.Samples)
}

// Writers creates a Writer per clip and keeps them in creation order.
type Writers struct {
	mu  sync.Mutex
	all []*Writer
}

// Create is a session.WriterFactory. It touches the clip file so the
// session sees it on disk.
func (ws *Writers) Create(path string) (session.Writer, error) {
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return nil, err
	}
	w := &Writer{Path: path}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.all = append(ws.all, w)
	return w, nil
}

// All returns the writers created so far.
func (ws *Writers) All() []*Writer {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return slices.Clone(ws.all)
}
