package device

import (
	"log/slog"
	"sync"
	"time"
)

// Controller is the single point of mutation for the active Device. Every
// change takes the device's configuration lock, applies the change, and
// releases the lock before returning. A failed lock abandons the change;
// requests the device does not support are dropped.
type Controller struct {
	log *slog.Logger

	mu        sync.Mutex
	dev       Device
	obs       Observer
	flashMode FlashMode
	state     map[EventKind]bool
	exposure  ExposureMode
	flashLit  bool
	flashOK   bool
	torchOK   bool
}

// NewController creates a Controller with no device attached.
func NewController(log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		log:   log.With("component", "device"),
		obs:   NopObserver{},
		state: make(map[EventKind]bool),
	}
}

// SetDevice attaches d (nil detaches). Edge-detection state resets.
func (c *Controller) SetDevice(d Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dev = d
	c.state = make(map[EventKind]bool)
	c.flashLit, c.flashOK, c.torchOK = false, false, false
	if d != nil {
		c.exposure = d.ExposureMode()
	}
}

// Device returns the attached device, or nil.
func (c *Controller) Device() Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dev
}

// SetObserver installs o as the receiver of derived device events. A nil o
// silences them.
func (c *Controller) SetObserver(o Observer) {
	if o == nil {
		o = NopObserver{}
	}
	c.mu.Lock()
	c.obs = o
	c.mu.Unlock()
}

// configure runs fn between lock and unlock. It reports whether fn ran.
func (c *Controller) configure(op string, fn func(d Device)) bool {
	d := c.Device()
	if d == nil {
		return false
	}
	if err := d.LockForConfiguration(); err != nil {
		c.log.Warn("device lock failed, adjustment dropped", "op", op, "device", d.ID(), "error", err)
		return false
	}
	defer d.UnlockForConfiguration()
	fn(d)
	return true
}

// SetFocusMode switches the focus mode when supported.
func (c *Controller) SetFocusMode(m FocusMode) {
	c.configure("focus-mode", func(d Device) {
		if d.IsFocusModeSupported(m) {
			d.SetFocusMode(m)
		}
	})
}

// FocusAtPoint moves the focus point of interest and triggers a single auto
// focus pass.
func (c *Controller) FocusAtPoint(p Point) {
	c.configure("focus-point", func(d Device) {
		if !d.IsFocusPointOfInterestSupported() || !d.IsFocusModeSupported(FocusAuto) {
			return
		}
		d.SetFocusPointOfInterest(p)
		d.SetFocusMode(FocusAuto)
	})
}

// ExposeAtPoint moves the exposure point of interest and resumes continuous
// exposure around it.
func (c *Controller) ExposeAtPoint(p Point) {
	c.configure("exposure-point", func(d Device) {
		if !d.IsExposurePointOfInterestSupported() || !d.IsExposureModeSupported(ExposureContinuousAuto) {
			return
		}
		d.SetExposurePointOfInterest(p)
		d.SetExposureMode(ExposureContinuousAuto)
	})
}

// FocusExposeAndAdjustWhiteBalance points focus and exposure at p and lets
// white balance adapt, in one lock.
func (c *Controller) FocusExposeAndAdjustWhiteBalance(p Point) {
	c.configure("focus-expose-wb", func(d Device) {
		if d.IsFocusPointOfInterestSupported() && d.IsFocusModeSupported(FocusAuto) {
			d.SetFocusPointOfInterest(p)
			d.SetFocusMode(FocusAuto)
		}
		if d.IsExposurePointOfInterestSupported() && d.IsExposureModeSupported(ExposureContinuousAuto) {
			d.SetExposurePointOfInterest(p)
			d.SetExposureMode(ExposureContinuousAuto)
		}
		if d.IsWhiteBalanceModeSupported(WhiteBalanceContinuousAuto) {
			d.SetWhiteBalanceMode(WhiteBalanceContinuousAuto)
		}
	})
}

// SetLensPosition locks focus at a lens position in [0,1].
func (c *Controller) SetLensPosition(pos float64) {
	c.configure("lens-position", func(d Device) {
		if d.IsLockingFocusWithCustomLensPositionSupported() {
			d.SetFocusModeLocked(clamp(pos, 0, 1))
		}
	})
}

// SetExposureMode switches the exposure mode when supported and re-derives
// white balance.
func (c *Controller) SetExposureMode(m ExposureMode) {
	applied := false
	c.configure("exposure-mode", func(d Device) {
		if d.IsExposureModeSupported(m) {
			d.SetExposureMode(m)
			applied = true
		}
	})
	if applied {
		c.HandleEvent(Event{Kind: EventExposureMode, ExposureMode: m})
	}
}

// SetCustomExposure maps fraction through the exposure curve and applies it
// with iso clamped to the device range.
func (c *Controller) SetCustomExposure(fraction, iso float64) {
	c.configure("custom-exposure", func(d Device) {
		if !d.IsExposureModeSupported(ExposureCustom) {
			return
		}
		lo, hi := d.ExposureDurationRange()
		isoMin, isoMax := d.ISORange()
		d.SetExposureModeCustom(ExposureDuration(fraction, 0, lo, hi), clamp(iso, isoMin, isoMax))
	})
}

// SetExposureTargetBias applies an exposure compensation clamped to the
// device range.
func (c *Controller) SetExposureTargetBias(bias float64) {
	c.configure("exposure-bias", func(d Device) {
		lo, hi := d.ExposureTargetBiasRange()
		if lo == hi {
			return
		}
		d.SetExposureTargetBias(clamp(bias, lo, hi))
	})
}

// SetWhiteBalanceMode switches the white-balance mode when supported.
func (c *Controller) SetWhiteBalanceMode(m WhiteBalanceMode) {
	c.configure("white-balance-mode", func(d Device) {
		if d.IsWhiteBalanceModeSupported(m) {
			d.SetWhiteBalanceMode(m)
		}
	})
}

// SetWhiteBalanceGains locks white balance with explicit gains, each clamped
// to [1, MaxWhiteBalanceGain].
func (c *Controller) SetWhiteBalanceGains(g WhiteBalanceGains) {
	c.configure("white-balance-gains", func(d Device) {
		if !d.IsWhiteBalanceModeSupported(WhiteBalanceLocked) {
			return
		}
		maxGain := d.MaxWhiteBalanceGain()
		d.SetWhiteBalanceGains(WhiteBalanceGains{
			Red:   clamp(g.Red, 1, maxGain),
			Green: clamp(g.Green, 1, maxGain),
			Blue:  clamp(g.Blue, 1, maxGain),
		})
	})
}

// SetTorchMode switches the torch when the device has one.
func (c *Controller) SetTorchMode(m TorchMode) {
	c.configure("torch-mode", func(d Device) {
		if d.HasTorch() && d.IsTorchModeSupported(m) {
			d.SetTorchMode(m)
		}
	})
}

// SetTorchLevel turns the torch on at level, clamped to (0,1].
func (c *Controller) SetTorchLevel(level float64) {
	c.configure("torch-level", func(d Device) {
		if !d.HasTorch() {
			return
		}
		if err := d.SetTorchLevel(clamp(level, 0.01, 1)); err != nil {
			c.log.Warn("torch level rejected", "device", d.ID(), "error", err)
		}
	})
}

// SetFlashMode records the flash mode for subsequent photo captures. The
// request is dropped when the device has no flash.
func (c *Controller) SetFlashMode(m FlashMode) {
	d := c.Device()
	if d == nil || !d.HasFlash() {
		return
	}
	c.mu.Lock()
	c.flashMode = m
	c.mu.Unlock()
}

// FlashMode returns the flash mode photo captures should use.
func (c *Controller) FlashMode() FlashMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flashMode
}

// SetZoomFactor applies a zoom factor clamped to the device range.
func (c *Controller) SetZoomFactor(f float64) {
	c.configure("zoom", func(d Device) {
		lo, hi := d.ZoomRange()
		d.SetZoomFactor(clamp(f, lo, hi))
	})
}

// RampZoom moves smoothly toward a zoom factor at rate (doublings per
// second). The target is clamped to the device range.
func (c *Controller) RampZoom(f, rate float64) {
	c.configure("zoom-ramp", func(d Device) {
		lo, hi := d.ZoomRange()
		d.RampToZoomFactor(clamp(f, lo, hi), rate)
	})
}

// CancelZoomRamp stops an in-flight zoom ramp.
func (c *Controller) CancelZoomRamp() {
	c.configure("zoom-ramp-cancel", func(d Device) { d.CancelZoomRamp() })
}

// SetFrameRate pins the device frame duration to 1/fps when the active
// format supports that rate.
func (c *Controller) SetFrameRate(fps float64) {
	c.configure("frame-rate", func(d Device) {
		if !d.ActiveFormat().SupportsFrameRate(fps) {
			c.log.Debug("frame rate unsupported by active format", "fps", fps, "device", d.ID())
			return
		}
		dur := time.Duration(float64(time.Second) / fps)
		d.SetFrameDurationRange(dur, dur)
	})
}

// ResetAutoAdjustments recentres focus and exposure, zeroes exposure bias,
// and returns white balance to continuous auto.
func (c *Controller) ResetAutoAdjustments() {
	c.configure("reset", func(d Device) {
		if d.IsFocusPointOfInterestSupported() {
			d.SetFocusPointOfInterest(Center)
		}
		if d.IsFocusModeSupported(FocusContinuousAuto) {
			d.SetFocusMode(FocusContinuousAuto)
		}
		if d.IsExposurePointOfInterestSupported() {
			d.SetExposurePointOfInterest(Center)
		}
		if d.IsExposureModeSupported(ExposureContinuousAuto) {
			d.SetExposureMode(ExposureContinuousAuto)
		}
		if lo, hi := d.ExposureTargetBiasRange(); lo != hi {
			d.SetExposureTargetBias(clamp(0, lo, hi))
		}
		if d.IsWhiteBalanceModeSupported(WhiteBalanceContinuousAuto) {
			d.SetWhiteBalanceMode(WhiteBalanceContinuousAuto)
		}
	})
}

// HandleEvent consumes a raw property change from the attached device and
// republishes it to the Observer. Boolean "adjusting" properties are
// edge-detected into will/did pairs. Exposure-mode and flash-active changes
// re-derive the white-balance mode.
func (c *Controller) HandleEvent(ev Event) {
	c.mu.Lock()
	d, obs := c.dev, c.obs
	if d == nil {
		c.mu.Unlock()
		return
	}
	prev := c.state[ev.Kind]
	c.state[ev.Kind] = ev.Flag
	rederive := false
	switch ev.Kind {
	case EventExposureMode:
		rederive = c.exposure != ev.ExposureMode
		c.exposure = ev.ExposureMode
	case EventFlashActive:
		rederive = c.flashLit != ev.Flag
		c.flashLit = ev.Flag
	case EventFlashAvailable:
		c.flashOK = ev.Flag
	case EventTorchAvailable:
		c.torchOK = ev.Flag
	}
	exposure, flashLit, flashOK, torchOK := c.exposure, c.flashLit, c.flashOK, c.torchOK
	c.mu.Unlock()

	switch ev.Kind {
	case EventAdjustingFocus:
		if ev.Flag && !prev {
			obs.WillStartFocus(d)
		} else if !ev.Flag && prev {
			obs.DidStopFocus(d)
		}
	case EventAdjustingExposure:
		if ev.Flag && !prev {
			obs.WillChangeExposure(d)
		} else if !ev.Flag && prev {
			obs.DidChangeExposure(d)
		}
	case EventAdjustingWhiteBalance:
		if ev.Flag && !prev {
			obs.WillChangeWhiteBalance(d)
		} else if !ev.Flag && prev {
			obs.DidChangeWhiteBalance(d)
		}
	case EventFlashActive:
		if ev.Flag != prev {
			obs.FlashActiveChanged(d, ev.Flag)
		}
	case EventTorchActive:
		if ev.Flag != prev {
			obs.TorchActiveChanged(d, ev.Flag)
		}
	case EventFlashAvailable, EventTorchAvailable:
		if ev.Flag != prev {
			obs.FlashAndTorchAvailabilityChanged(d, flashOK, torchOK)
		}
	case EventZoomFactor:
		obs.DidChangeZoomFactor(d, ev.Value)
	case EventLensPosition:
		obs.DidChangeLensPosition(d, ev.Value)
	case EventFormat:
		obs.DidChangeFormat(d, d.ActiveFormat())
	case EventAperture:
		obs.DidChangeAperture(d, ev.Value)
	}

	if rederive {
		wb := DeriveWhiteBalanceMode(exposure, flashLit)
		c.configure("white-balance-derive", func(d Device) {
			if d.WhiteBalanceMode() != wb && d.IsWhiteBalanceModeSupported(wb) {
				d.SetWhiteBalanceMode(wb)
			}
		})
	}
}
