package device

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/zsiec/reel/media"
)

// errFixed is returned by the few setters that report failure.
var errFixed = errors.New("device: fixed device has no adjustable controls")

// Fixed is a device with no adjustable controls, such as a network camera
// whose picture is produced elsewhere. Every support predicate is false and
// every setter is a no-op; the active format follows the stream.
type Fixed struct {
	id    string
	pos   Position
	kind  Type
	media []media.Type

	mu     sync.Mutex
	format Format
}

var _ Device = (*Fixed)(nil)

// NewFixed returns a fixed device capturing the given media types.
func NewFixed(id string, pos Position, kind Type, types ...media.Type) *Fixed {
	return &Fixed{id: id, pos: pos, kind: kind, media: types}
}

// SetActiveFormat records the format the stream turned out to carry.
func (f *Fixed) SetActiveFormat(format Format) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.format = format
}

func (f *Fixed) ID() string                     { return f.id }
func (f *Fixed) Position() Position             { return f.pos }
func (f *Fixed) Type() Type                     { return f.kind }
func (f *Fixed) HasMediaType(t media.Type) bool { return slices.Contains(f.media, t) }

func (f *Fixed) LockForConfiguration() error { return nil }
func (f *Fixed) UnlockForConfiguration()     {}

func (f *Fixed) IsFocusModeSupported(FocusMode) bool                 { return false }
func (f *Fixed) IsFocusPointOfInterestSupported() bool               { return false }
func (f *Fixed) IsLockingFocusWithCustomLensPositionSupported() bool { return false }
func (f *Fixed) FocusMode() FocusMode                                { return FocusLocked }
func (f *Fixed) LensPosition() float64                               { return 0 }
func (f *Fixed) IsAdjustingFocus() bool                              { return false }
func (f *Fixed) SetFocusMode(FocusMode)                              {}
func (f *Fixed) SetFocusPointOfInterest(Point)                       {}
func (f *Fixed) SetFocusModeLocked(float64)                          {}

func (f *Fixed) IsExposureModeSupported(ExposureMode) bool       { return false }
func (f *Fixed) IsExposurePointOfInterestSupported() bool        { return false }
func (f *Fixed) ExposureMode() ExposureMode                      { return ExposureLocked }
func (f *Fixed) ExposureDurationRange() (min, max time.Duration) { return 0, 0 }
func (f *Fixed) ISORange() (min, max float64)                    { return 0, 0 }
func (f *Fixed) ExposureTargetBiasRange() (min, max float64)     { return 0, 0 }
func (f *Fixed) IsAdjustingExposure() bool                       { return false }
func (f *Fixed) SetExposureMode(ExposureMode)                    {}
func (f *Fixed) SetExposurePointOfInterest(Point)                {}
func (f *Fixed) SetExposureModeCustom(time.Duration, float64)    {}
func (f *Fixed) SetExposureTargetBias(float64)                   {}

func (f *Fixed) IsWhiteBalanceModeSupported(WhiteBalanceMode) bool { return false }
func (f *Fixed) WhiteBalanceMode() WhiteBalanceMode                { return WhiteBalanceLocked }
func (f *Fixed) MaxWhiteBalanceGain() float64                      { return 1 }
func (f *Fixed) IsAdjustingWhiteBalance() bool                     { return false }
func (f *Fixed) SetWhiteBalanceMode(WhiteBalanceMode)              {}
func (f *Fixed) SetWhiteBalanceGains(WhiteBalanceGains)            {}

func (f *Fixed) HasTorch() bool                      { return false }
func (f *Fixed) IsTorchModeSupported(TorchMode) bool { return false }
func (f *Fixed) TorchMode() TorchMode                { return TorchOff }
func (f *Fixed) SetTorchMode(TorchMode)              {}
func (f *Fixed) SetTorchLevel(float64) error         { return errFixed }

func (f *Fixed) HasFlash() bool         { return false }
func (f *Fixed) IsFlashAvailable() bool { return false }
func (f *Fixed) IsFlashActive() bool    { return false }

func (f *Fixed) ZoomRange() (min, max float64) { return 1, 1 }
func (f *Fixed) ZoomFactor() float64           { return 1 }
func (f *Fixed) SetZoomFactor(float64)         {}
func (f *Fixed) RampToZoomFactor(_, _ float64) {}
func (f *Fixed) CancelZoomRamp()               {}

func (f *Fixed) ActiveFormat() Format {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.format
}

func (f *Fixed) SetFrameDurationRange(_, _ time.Duration) {}
func (f *Fixed) Aperture() float64                        { return 0 }
