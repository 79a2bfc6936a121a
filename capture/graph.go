package capture

import (
	"context"
	"image"
	"time"

	"github.com/zsiec/reel/device"
	"github.com/zsiec/reel/media"
	"github.com/zsiec/reel/mediaconfig"
)

// Output is a graph output a mode can attach.
type Output int

const (
	OutputVideoData Output = iota
	OutputAudioData
	OutputPhoto
	OutputMovieFile
)

func (o Output) String() string {
	switch o {
	case OutputVideoData:
		return "video-data"
	case OutputAudioData:
		return "audio-data"
	case OutputPhoto:
		return "photo"
	case OutputMovieFile:
		return "movie-file"
	default:
		return "unknown"
	}
}

// ConnectionKind names the connections whose orientation the controller
// keeps in step with the device.
type ConnectionKind int

const (
	ConnectionPreview ConnectionKind = iota
	ConnectionVideo
	ConnectionPhoto
)

// Connection links an input to an output or the preview.
type Connection interface {
	SupportsOrientation() bool
	Orientation() Orientation
	SetOrientation(o Orientation)
	SupportsMirroring() bool
	SetMirrored(mirrored bool)
}

// Graph is a capture graph: devices feeding outputs. Inputs and outputs may
// only be changed between BeginConfiguration and CommitConfiguration. A
// running graph delivers frames through Controller.HandleVideoFrame and
// Controller.HandleAudioFrame.
type Graph interface {
	// Camera returns the camera of kind t at p, or any camera at p when t is
	// empty. It returns nil when there is none.
	Camera(p device.Position, t device.Type) device.Device
	// Microphone returns the default audio device, or nil.
	Microphone() device.Device

	BeginConfiguration()
	CommitConfiguration()

	Inputs() []device.Device
	AddInput(d device.Device) error
	RemoveInput(d device.Device)
	Outputs() []Output
	AddOutput(o Output) error
	RemoveOutput(o Output)
	// Connection returns the connection of the given kind, or nil when the
	// graph has none.
	Connection(kind ConnectionKind) Connection

	Start(ctx context.Context) error
	Stop()
	IsRunning() bool

	// CapturePhoto takes a still with the photo output.
	CapturePhoto(ctx context.Context, settings mediaconfig.Settings) (*Photo, error)
}

// GraphFactory creates the graph for one Start/Stop cycle.
type GraphFactory func() (Graph, error)

// Authorizer reports and requests permission to capture each media type.
type Authorizer interface {
	Status(t media.Type) AuthorizationStatus
	Request(ctx context.Context, t media.Type) AuthorizationStatus
}

// AllowAll authorizes every media type.
type AllowAll struct{}

func (AllowAll) Status(media.Type) AuthorizationStatus { return AuthorizationAuthorized }

func (AllowAll) Request(context.Context, media.Type) AuthorizationStatus {
	return AuthorizationAuthorized
}

// Photo is a captured still.
type Photo struct {
	Data      []byte // encoded picture, JPEG unless the settings chose otherwise
	Raw       []byte // sensor data, when the graph delivered it
	Image     image.Image
	Thumbnail image.Image
	Width     int
	Height    int
	Settings  mediaconfig.Settings
	Timestamp time.Duration
}
