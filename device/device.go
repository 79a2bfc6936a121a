// Package device models a capture device as a capability black box and
// provides the Controller that serializes every mutation of it.
package device

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/zsiec/reel/media"
)

// ErrLocked is returned by LockForConfiguration when another client holds
// the device's configuration lock.
var ErrLocked = errors.New("device: configuration lock unavailable")

// Position is the physical side of the host a camera faces.
type Position int

const (
	PositionUnspecified Position = iota
	PositionBack
	PositionFront
)

func (p Position) String() string {
	switch p {
	case PositionBack:
		return "back"
	case PositionFront:
		return "front"
	default:
		return "unspecified"
	}
}

// Flip returns the opposite camera position. Unspecified flips to back.
func (p Position) Flip() Position {
	if p == PositionBack {
		return PositionFront
	}
	return PositionBack
}

// MirroredByDefault reports whether video from this position is mirrored
// unless the caller says otherwise.
func (p Position) MirroredByDefault() bool { return p == PositionFront }

// MarshalText implements encoding.TextMarshaler.
func (p Position) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Position) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "back":
		*p = PositionBack
	case "front":
		*p = PositionFront
	case "", "unspecified":
		*p = PositionUnspecified
	default:
		return fmt.Errorf("device: unknown position %q", text)
	}
	return nil
}

// Type names a kind of capture device.
type Type string

const (
	TypeWideAngle  Type = "wideAngle"
	TypeTelephoto  Type = "telephoto"
	TypeUltraWide  Type = "ultraWide"
	TypeDual       Type = "dual"
	TypeTrueDepth  Type = "trueDepth"
	TypeMicrophone Type = "microphone"
	TypeNetwork    Type = "network"
)

// FocusMode controls the lens focus behaviour.
type FocusMode int

const (
	FocusLocked FocusMode = iota
	FocusAuto
	FocusContinuousAuto
)

// ExposureMode controls the sensor exposure behaviour.
type ExposureMode int

const (
	ExposureLocked ExposureMode = iota
	ExposureAuto
	ExposureContinuousAuto
	ExposureCustom
)

// WhiteBalanceMode controls the white-balance behaviour.
type WhiteBalanceMode int

const (
	WhiteBalanceLocked WhiteBalanceMode = iota
	WhiteBalanceAuto
	WhiteBalanceContinuousAuto
)

// TorchMode controls the continuous light.
type TorchMode int

const (
	TorchOff TorchMode = iota
	TorchOn
	TorchAuto
)

// FlashMode controls the photo flash.
type FlashMode int

const (
	FlashOff FlashMode = iota
	FlashOn
	FlashAuto
)

func (m FlashMode) String() string {
	switch m {
	case FlashOn:
		return "on"
	case FlashAuto:
		return "auto"
	default:
		return "off"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m FlashMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *FlashMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "", "off":
		*m = FlashOff
	case "on":
		*m = FlashOn
	case "auto":
		*m = FlashAuto
	default:
		return fmt.Errorf("device: unknown flash mode %q", text)
	}
	return nil
}

// Point is a normalized point of interest; (0,0) is top-left and (1,1) is
// bottom-right of the unrotated sensor.
type Point struct {
	X, Y float64
}

// Center is the middle of the frame.
var Center = Point{X: 0.5, Y: 0.5}

// WhiteBalanceGains are per-channel device gains. Valid gains lie in
// [1, MaxWhiteBalanceGain].
type WhiteBalanceGains struct {
	Red, Green, Blue float64
}

// Format describes a device's active capture format.
type Format struct {
	Name         string
	Width        int
	Height       int
	MinFrameRate float64
	MaxFrameRate float64
	PixelFormats []media.PixelFormat
}

// SupportsFrameRate reports whether fps lies within the format's range.
func (f Format) SupportsFrameRate(fps float64) bool {
	return fps > 0 && fps >= f.MinFrameRate && fps <= f.MaxFrameRate
}

// Device is an opaque capture device. Implementations report capabilities
// and current values; setters are only valid between LockForConfiguration
// and UnlockForConfiguration and may assume the request is supported.
type Device interface {
	ID() string
	Position() Position
	Type() Type
	HasMediaType(t media.Type) bool

	LockForConfiguration() error
	UnlockForConfiguration()

	IsFocusModeSupported(m FocusMode) bool
	IsFocusPointOfInterestSupported() bool
	IsLockingFocusWithCustomLensPositionSupported() bool
	FocusMode() FocusMode
	LensPosition() float64
	IsAdjustingFocus() bool
	SetFocusMode(m FocusMode)
	SetFocusPointOfInterest(p Point)
	SetFocusModeLocked(lensPosition float64)

	IsExposureModeSupported(m ExposureMode) bool
	IsExposurePointOfInterestSupported() bool
	ExposureMode() ExposureMode
	ExposureDurationRange() (min, max time.Duration)
	ISORange() (min, max float64)
	ExposureTargetBiasRange() (min, max float64)
	IsAdjustingExposure() bool
	SetExposureMode(m ExposureMode)
	SetExposurePointOfInterest(p Point)
	SetExposureModeCustom(duration time.Duration, iso float64)
	SetExposureTargetBias(bias float64)

	IsWhiteBalanceModeSupported(m WhiteBalanceMode) bool
	WhiteBalanceMode() WhiteBalanceMode
	MaxWhiteBalanceGain() float64
	IsAdjustingWhiteBalance() bool
	SetWhiteBalanceMode(m WhiteBalanceMode)
	SetWhiteBalanceGains(g WhiteBalanceGains)

	HasTorch() bool
	IsTorchModeSupported(m TorchMode) bool
	TorchMode() TorchMode
	SetTorchMode(m TorchMode)
	SetTorchLevel(level float64) error

	HasFlash() bool
	IsFlashAvailable() bool
	IsFlashActive() bool

	ZoomRange() (min, max float64)
	ZoomFactor() float64
	SetZoomFactor(f float64)
	RampToZoomFactor(f, rate float64)
	CancelZoomRamp()

	ActiveFormat() Format
	SetFrameDurationRange(min, max time.Duration)
	Aperture() float64
}

// ExposureDuration maps a normalized slider position in [0,1] onto the device
// exposure range with a power curve: pow(fraction, power) * (max-min) + min.
// The minimum is floored at one millisecond. A power of zero selects the
// default curve of 5.
func ExposureDuration(fraction, power float64, min, max time.Duration) time.Duration {
	if power == 0 {
		power = 5
	}
	if min < time.Millisecond {
		min = time.Millisecond
	}
	if max < min {
		max = min
	}
	p := math.Pow(clamp(fraction, 0, 1), power)
	return min + time.Duration(p*float64(max-min))
}

// DeriveWhiteBalanceMode returns the white-balance mode implied by the
// exposure mode and the flash state. White balance follows exposure: it stays
// continuous while the flash fires or exposure adapts, and locks only with a
// locked exposure and an idle flash.
func DeriveWhiteBalanceMode(exposure ExposureMode, flashActive bool) WhiteBalanceMode {
	if flashActive {
		return WhiteBalanceContinuousAuto
	}
	if exposure == ExposureLocked {
		return WhiteBalanceLocked
	}
	return WhiteBalanceContinuousAuto
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
