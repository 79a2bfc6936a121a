// Package devicetest provides an in-memory device.Device for tests.
package devicetest

import (
	"slices"
	"sync"
	"time"

	"github.com/zsiec/reel/device"
	"github.com/zsiec/reel/media"
)

// Fake is a fully capable device whose support predicates and lock behaviour
// can be overridden. Setters record their arguments.
type Fake struct {
	mu sync.Mutex

	DeviceID    string
	Pos         device.Position
	Kind        device.Type
	Media       []media.Type
	LockErr     error
	Unsupported bool
	Torch       bool
	Flash       bool
	Format      device.Format

	// ExposureModes, when set, limits the supported exposure modes.
	ExposureModes []device.ExposureMode

	Locks   int
	Unlocks int
	Calls   []string

	focusMode    device.FocusMode
	focusPoint   device.Point
	lensPosition float64
	exposureMode device.ExposureMode
	exposurePt   device.Point
	exposureDur  time.Duration
	iso          float64
	bias         float64
	wbMode       device.WhiteBalanceMode
	wbGains      device.WhiteBalanceGains
	torchMode    device.TorchMode
	torchLevel   float64
	zoom         float64
	frameDur     [2]time.Duration
}

var _ device.Device = (*Fake)(nil)

// NewFake returns a back-facing wide-angle camera with a microphone, a torch,
// a flash, and a 1920x1080 format at up to 60 fps.
func NewFake(id string) *Fake {
	return &Fake{
		DeviceID:     id,
		Pos:          device.PositionBack,
		Kind:         device.TypeWideAngle,
		Media:        []media.Type{media.TypeVideo, media.TypeAudio},
		Torch:        true,
		Flash:        true,
		exposureMode: device.ExposureContinuousAuto,
		wbMode:       device.WhiteBalanceContinuousAuto,
		zoom:         1,
		Format: device.Format{
			Name:         "1080p",
			Width:        1920,
			Height:       1080,
			MinFrameRate: 1,
			MaxFrameRate: 60,
			PixelFormats: []media.PixelFormat{media.PixelFormatBGRA, media.PixelFormatNV12},
		},
	}
}

func (f *Fake) record(call string) {
	f.Calls = append(f.Calls, call)
}

// CallCount returns how many times the named setter ran.
func (f *Fake) CallCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == name {
			n++
		}
	}
	return n
}

// LockBalance returns Locks minus Unlocks.
func (f *Fake) LockBalance() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Locks - f.Unlocks
}

func (f *Fake) ID() string                { return f.DeviceID }
func (f *Fake) Position() device.Position { return f.Pos }
func (f *Fake) Type() device.Type         { return f.Kind }

func (f *Fake) HasMediaType(t media.Type) bool {
	for _, m := range f.Media {
		if m == t {
			return true
		}
	}
	return false
}

func (f *Fake) LockForConfiguration() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LockErr != nil {
		return f.LockErr
	}
	f.Locks++
	return nil
}

func (f *Fake) UnlockForConfiguration() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Unlocks++
}

func (f *Fake) IsFocusModeSupported(device.FocusMode) bool          { return !f.Unsupported }
func (f *Fake) IsFocusPointOfInterestSupported() bool               { return !f.Unsupported }
func (f *Fake) IsLockingFocusWithCustomLensPositionSupported() bool { return !f.Unsupported }

func (f *Fake) FocusMode() device.FocusMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.focusMode
}

func (f *Fake) LensPosition() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lensPosition
}

func (f *Fake) IsAdjustingFocus() bool { return false }

func (f *Fake) SetFocusMode(m device.FocusMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focusMode = m
	f.record("SetFocusMode")
}

func (f *Fake) SetFocusPointOfInterest(p device.Point) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focusPoint = p
	f.record("SetFocusPointOfInterest")
}

// FocusPoint returns the last focus point of interest.
func (f *Fake) FocusPoint() device.Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.focusPoint
}

func (f *Fake) SetFocusModeLocked(pos float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focusMode = device.FocusLocked
	f.lensPosition = pos
	f.record("SetFocusModeLocked")
}

func (f *Fake) IsExposureModeSupported(m device.ExposureMode) bool {
	if f.ExposureModes != nil {
		return !f.Unsupported && slices.Contains(f.ExposureModes, m)
	}
	return !f.Unsupported
}

func (f *Fake) IsExposurePointOfInterestSupported() bool { return !f.Unsupported }

func (f *Fake) ExposureMode() device.ExposureMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exposureMode
}

func (f *Fake) ExposureDurationRange() (time.Duration, time.Duration) {
	return 100 * time.Microsecond, time.Second
}

func (f *Fake) ISORange() (float64, float64)                { return 50, 3200 }
func (f *Fake) ExposureTargetBiasRange() (float64, float64) { return -8, 8 }
func (f *Fake) IsAdjustingExposure() bool                   { return false }

func (f *Fake) SetExposureMode(m device.ExposureMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exposureMode = m
	f.record("SetExposureMode")
}

func (f *Fake) SetExposurePointOfInterest(p device.Point) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exposurePt = p
	f.record("SetExposurePointOfInterest")
}

func (f *Fake) SetExposureModeCustom(d time.Duration, iso float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exposureMode = device.ExposureCustom
	f.exposureDur = d
	f.iso = iso
	f.record("SetExposureModeCustom")
}

// Exposure returns the last custom exposure duration and ISO.
func (f *Fake) Exposure() (time.Duration, float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exposureDur, f.iso
}

func (f *Fake) SetExposureTargetBias(b float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bias = b
	f.record("SetExposureTargetBias")
}

// Bias returns the last exposure target bias.
func (f *Fake) Bias() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bias
}

func (f *Fake) IsWhiteBalanceModeSupported(device.WhiteBalanceMode) bool { return !f.Unsupported }

func (f *Fake) WhiteBalanceMode() device.WhiteBalanceMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wbMode
}

func (f *Fake) MaxWhiteBalanceGain() float64  { return 4 }
func (f *Fake) IsAdjustingWhiteBalance() bool { return false }

func (f *Fake) SetWhiteBalanceMode(m device.WhiteBalanceMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wbMode = m
	f.record("SetWhiteBalanceMode")
}

func (f *Fake) SetWhiteBalanceGains(g device.WhiteBalanceGains) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wbMode = device.WhiteBalanceLocked
	f.wbGains = g
	f.record("SetWhiteBalanceGains")
}

// Gains returns the last white-balance gains.
func (f *Fake) Gains() device.WhiteBalanceGains {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wbGains
}

func (f *Fake) HasTorch() bool                             { return f.Torch }
func (f *Fake) IsTorchModeSupported(device.TorchMode) bool { return !f.Unsupported }

func (f *Fake) TorchMode() device.TorchMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.torchMode
}

func (f *Fake) SetTorchMode(m device.TorchMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.torchMode = m
	f.record("SetTorchMode")
}

func (f *Fake) SetTorchLevel(level float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.torchMode = device.TorchOn
	f.torchLevel = level
	f.record("SetTorchLevel")
	return nil
}

func (f *Fake) HasFlash() bool         { return f.Flash }
func (f *Fake) IsFlashAvailable() bool { return f.Flash }
func (f *Fake) IsFlashActive() bool    { return false }

func (f *Fake) ZoomRange() (float64, float64) { return 1, 10 }

func (f *Fake) ZoomFactor() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.zoom
}

func (f *Fake) SetZoomFactor(z float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.zoom = z
	f.record("SetZoomFactor")
}

func (f *Fake) RampToZoomFactor(z, _ float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.zoom = z
	f.record("RampToZoomFactor")
}

func (f *Fake) CancelZoomRamp() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CancelZoomRamp")
}

func (f *Fake) ActiveFormat() device.Format { return f.Format }

func (f *Fake) SetFrameDurationRange(min, max time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frameDur = [2]time.Duration{min, max}
	f.record("SetFrameDurationRange")
}

// FrameDurations returns the last min/max frame durations.
func (f *Fake) FrameDurations() (time.Duration, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frameDur[0], f.frameDur[1]
}

func (f *Fake) Aperture() float64 { return 1.8 }
