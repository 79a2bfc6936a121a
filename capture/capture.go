// Package capture drives a capture device graph and routes its frames into a
// recording session. A Controller owns the graph lifecycle, the capture mode,
// camera position and orientation, and decides for every incoming frame
// whether it sets up a track, starts a clip, is recorded, or is dropped.
package capture

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zsiec/reel/media"
	"github.com/zsiec/reel/session"
)

// Errors returned synchronously by Start and ChangeDevice, and carried by
// runtime error events.
var (
	ErrAlreadyStarted    = errors.New("capture: already started")
	ErrNotAuthorized     = errors.New("capture: not authorized")
	ErrDeviceUnavailable = errors.New("capture: device unavailable")
	ErrNotReadyToRecord  = errors.New("capture: not ready to record")
	ErrUnknown           = errors.New("capture: unknown error")

	// ErrFileAlreadyExists and ErrNothingRecorded are the session's errors.
	ErrFileAlreadyExists = session.ErrFileExists
	ErrNothingRecorded   = session.ErrNothingRecorded

	// ErrMediaServicesReset asks the controller to rebuild the graph.
	ErrMediaServicesReset = errors.New("capture: media services were reset")
	// ErrBackgrounded reports media services are unavailable while the host
	// is in the background. No recovery is attempted.
	ErrBackgrounded = errors.New("capture: media services unavailable in background")
)

// Mode selects which inputs and outputs are attached and which tracks a clip
// needs before it records.
type Mode int

const (
	ModeVideo Mode = iota
	ModePhoto
	ModeAudio
	ModeVideoWithoutAudio
	ModeMovie
	ModeARTracking
)

var modeNames = []string{"video", "photo", "audio", "video-without-audio", "movie", "ar"}

func (m Mode) String() string {
	if int(m) < len(modeNames) && m >= 0 {
		return modeNames[m]
	}
	return "unknown"
}

// ParseMode accepts the names String returns.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range modeNames {
		if s == name {
			return Mode(i), nil
		}
	}
	return 0, fmt.Errorf("capture: unknown mode %q", s)
}

// NeedsVideo reports whether the mode captures video.
func (m Mode) NeedsVideo() bool { return m != ModeAudio }

// NeedsAudio reports whether the mode captures audio.
func (m Mode) NeedsAudio() bool {
	switch m {
	case ModeVideo, ModeMovie, ModeAudio, ModeARTracking:
		return true
	}
	return false
}

// Records reports whether the mode records clips.
func (m Mode) Records() bool { return m != ModePhoto }

// mediaTypes lists the media a mode must be authorized for.
func (m Mode) mediaTypes() []media.Type {
	var out []media.Type
	if m.NeedsVideo() {
		out = append(out, media.TypeVideo)
	}
	if m.NeedsAudio() {
		out = append(out, media.TypeAudio)
	}
	return out
}

// outputs lists the graph outputs a mode attaches.
func (m Mode) outputs() []Output {
	switch m {
	case ModeVideo:
		return []Output{OutputVideoData, OutputAudioData, OutputPhoto}
	case ModeMovie:
		return []Output{OutputVideoData, OutputAudioData, OutputMovieFile}
	case ModePhoto, ModeVideoWithoutAudio:
		return []Output{OutputVideoData, OutputPhoto}
	case ModeAudio:
		return []Output{OutputAudioData}
	}
	return nil
}

// State is the capture graph lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConfiguring
	StateRunning
	StateInterrupted
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfiguring:
		return "configuring"
	case StateRunning:
		return "running"
	case StateInterrupted:
		return "interrupted"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Orientation is the orientation recorded video and photos are captured in.
type Orientation int

const (
	OrientationUnknown Orientation = iota
	OrientationPortrait
	OrientationPortraitUpsideDown
	OrientationLandscapeRight
	OrientationLandscapeLeft
)

var orientationNames = []string{"unknown", "portrait", "portrait-upside-down", "landscape-right", "landscape-left"}

func (o Orientation) String() string {
	if int(o) < len(orientationNames) && o >= 0 {
		return orientationNames[o]
	}
	return "unknown"
}

// ParseOrientation accepts the names String returns. The empty string is
// OrientationUnknown.
func ParseOrientation(s string) (Orientation, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return OrientationUnknown, nil
	}
	for i, name := range orientationNames {
		if s == name {
			return Orientation(i), nil
		}
	}
	return 0, fmt.Errorf("capture: unknown orientation %q", s)
}

// Rotation returns the clockwise rotation, in degrees, that brings a sensor
// picture upright for o.
func (o Orientation) Rotation() int {
	switch o {
	case OrientationPortrait:
		return 90
	case OrientationPortraitUpsideDown:
		return 270
	case OrientationLandscapeLeft:
		return 180
	}
	return 0
}

// AuthorizationStatus is the user's permission for a media type.
type AuthorizationStatus int

const (
	AuthorizationNotDetermined AuthorizationStatus = iota
	AuthorizationAuthorized
	AuthorizationNotAuthorized
)

func (a AuthorizationStatus) String() string {
	switch a {
	case AuthorizationAuthorized:
		return "authorized"
	case AuthorizationNotAuthorized:
		return "not-authorized"
	default:
		return "not-determined"
	}
}
