package device

// EventKind identifies which observable device property changed.
type EventKind int

const (
	EventAdjustingFocus EventKind = iota
	EventAdjustingExposure
	EventAdjustingWhiteBalance
	EventExposureMode
	EventFlashAvailable
	EventFlashActive
	EventTorchAvailable
	EventTorchActive
	EventZoomFactor
	EventLensPosition
	EventFormat
	EventAperture
)

var eventKindNames = map[EventKind]string{
	EventAdjustingFocus:        "adjusting-focus",
	EventAdjustingExposure:     "adjusting-exposure",
	EventAdjustingWhiteBalance: "adjusting-white-balance",
	EventExposureMode:          "exposure-mode",
	EventFlashAvailable:        "flash-available",
	EventFlashActive:           "flash-active",
	EventTorchAvailable:        "torch-available",
	EventTorchActive:           "torch-active",
	EventZoomFactor:            "zoom-factor",
	EventLensPosition:          "lens-position",
	EventFormat:                "format",
	EventAperture:              "aperture",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is a property change pushed by a Device implementation. Flag carries
// boolean properties; Value carries numeric ones. ExposureMode is set for
// EventExposureMode.
type Event struct {
	Kind         EventKind
	Flag         bool
	Value        float64
	ExposureMode ExposureMode
}

// Observer receives the directional events the Controller derives from raw
// device events. All methods are called from the goroutine that delivered the
// event to Controller.HandleEvent.
type Observer interface {
	WillStartFocus(d Device)
	DidStopFocus(d Device)
	WillChangeExposure(d Device)
	DidChangeExposure(d Device)
	WillChangeWhiteBalance(d Device)
	DidChangeWhiteBalance(d Device)
	FlashActiveChanged(d Device, active bool)
	TorchActiveChanged(d Device, active bool)
	FlashAndTorchAvailabilityChanged(d Device, flash, torch bool)
	DidChangeZoomFactor(d Device, factor float64)
	DidChangeLensPosition(d Device, position float64)
	DidChangeFormat(d Device, f Format)
	DidChangeAperture(d Device, aperture float64)
}

// NopObserver implements Observer with no-ops. Embed it to implement only the
// callbacks of interest.
type NopObserver struct{}

func (NopObserver) WillStartFocus(Device)                               {}
func (NopObserver) DidStopFocus(Device)                                 {}
func (NopObserver) WillChangeExposure(Device)                           {}
func (NopObserver) DidChangeExposure(Device)                            {}
func (NopObserver) WillChangeWhiteBalance(Device)                       {}
func (NopObserver) DidChangeWhiteBalance(Device)                        {}
func (NopObserver) FlashActiveChanged(Device, bool)                     {}
func (NopObserver) TorchActiveChanged(Device, bool)                     {}
func (NopObserver) FlashAndTorchAvailabilityChanged(Device, bool, bool) {}
func (NopObserver) DidChangeZoomFactor(Device, float64)                 {}
func (NopObserver) DidChangeLensPosition(Device, float64)               {}
func (NopObserver) DidChangeFormat(Device, Format)                      {}
func (NopObserver) DidChangeAperture(Device, float64)                   {}
