package capture

import (
	"context"
	"log/slog"
	"time"

	"github.com/zsiec/reel/device"
	"github.com/zsiec/reel/internal/queue"
	"github.com/zsiec/reel/media"
	"github.com/zsiec/reel/mediaconfig"
	"github.com/zsiec/reel/session"
)

// SessionSink observes authorization, graph lifecycle, interruptions and
// mode changes.
type SessionSink interface {
	DidUpdateAuthorization(t media.Type, status AuthorizationStatus)
	DidUpdateConfiguration(cfg mediaconfig.Configuration)
	WillStart()
	DidStart()
	DidStop()
	WasInterrupted()
	InterruptionEnded()
	DidReceiveRuntimeError(err error)
	WillChangeMode(from, to Mode)
	DidChangeMode(from, to Mode)
}

// DeviceSink observes the active camera. The embedded device.Observer
// carries focus, exposure, white balance, flash, torch, zoom, lens, format
// and aperture changes.
type DeviceSink interface {
	device.Observer
	WillChangePosition(from, to device.Position)
	DidChangePosition(from, to device.Position)
	DidChangeDevice(d device.Device)
	DidChangeOrientation(o Orientation)
}

// VideoSink observes frames and the clip lifecycle of the recording session.
type VideoSink interface {
	WillProcessFrame(frame *media.VideoFrame)
	DidSetupVideo(s *session.Session, settings mediaconfig.Settings, ok bool)
	DidSetupAudio(s *session.Session, settings mediaconfig.Settings, ok bool)
	DidStartClip(s *session.Session)
	DidCompleteClip(s *session.Session, clip *session.Clip, err error)
	DidAppendVideo(s *session.Session, frame *media.VideoFrame)
	DidSkipVideo(s *session.Session, frame *media.VideoFrame)
	DidAppendAudio(s *session.Session, frame *media.AudioFrame)
	DidSkipAudio(s *session.Session, frame *media.AudioFrame)
	DidCompleteSession(s *session.Session)
}

// PhotoSink observes still captures.
type PhotoSink interface {
	WillCapturePhoto(settings mediaconfig.Settings)
	DidCapturePhoto(settings mediaconfig.Settings)
	DidProcessPhoto(p *Photo)
	DidProcessRawPhoto(p *Photo)
	DidCompletePhotoCapture(err error)
	DidCapturePhotoFromVideo(p *Photo, err error)
}

// FrameRenderer substitutes the picture about to be recorded. It runs on the
// capture queue with the source buffer locked; returning nil keeps the
// source.
type FrameRenderer interface {
	RenderFrame(pb *media.PixelBuffer, pts time.Duration) *media.PixelBuffer
}

// NopSessionSink implements SessionSink with no-ops. Embed it to implement
// only the callbacks of interest. The other Nop sinks work the same way.
type NopSessionSink struct{}

func (NopSessionSink) DidUpdateAuthorization(media.Type, AuthorizationStatus) {}
func (NopSessionSink) DidUpdateConfiguration(mediaconfig.Configuration)       {}
func (NopSessionSink) WillStart()                                             {}
func (NopSessionSink) DidStart()                                              {}
func (NopSessionSink) DidStop()                                               {}
func (NopSessionSink) WasInterrupted()                                        {}
func (NopSessionSink) InterruptionEnded()                                     {}
func (NopSessionSink) DidReceiveRuntimeError(error)                           {}
func (NopSessionSink) WillChangeMode(Mode, Mode)                              {}
func (NopSessionSink) DidChangeMode(Mode, Mode)                               {}

type NopDeviceSink struct{ device.NopObserver }

func (NopDeviceSink) WillChangePosition(device.Position, device.Position) {}
func (NopDeviceSink) DidChangePosition(device.Position, device.Position)  {}
func (NopDeviceSink) DidChangeDevice(device.Device)                       {}
func (NopDeviceSink) DidChangeOrientation(Orientation)                    {}

type NopVideoSink struct{}

func (NopVideoSink) WillProcessFrame(*media.VideoFrame)                         {}
func (NopVideoSink) DidSetupVideo(*session.Session, mediaconfig.Settings, bool) {}
func (NopVideoSink) DidSetupAudio(*session.Session, mediaconfig.Settings, bool) {}
func (NopVideoSink) DidStartClip(*session.Session)                              {}
func (NopVideoSink) DidCompleteClip(*session.Session, *session.Clip, error)     {}
func (NopVideoSink) DidAppendVideo(*session.Session, *media.VideoFrame)         {}
func (NopVideoSink) DidSkipVideo(*session.Session, *media.VideoFrame)           {}
func (NopVideoSink) DidAppendAudio(*session.Session, *media.AudioFrame)         {}
func (NopVideoSink) DidSkipAudio(*session.Session, *media.AudioFrame)           {}
func (NopVideoSink) DidCompleteSession(*session.Session)                        {}

type NopPhotoSink struct{}

func (NopPhotoSink) WillCapturePhoto(mediaconfig.Settings)  {}
func (NopPhotoSink) DidCapturePhoto(mediaconfig.Settings)   {}
func (NopPhotoSink) DidProcessPhoto(*Photo)                 {}
func (NopPhotoSink) DidProcessRawPhoto(*Photo)              {}
func (NopPhotoSink) DidCompletePhotoCapture(error)          {}
func (NopPhotoSink) DidCapturePhotoFromVideo(*Photo, error) {}

// Dispatcher delivers sink notifications off the capture queue, typically
// onto a UI goroutine. DispatchSync must run fn inline when called from a
// notification it is already delivering.
type Dispatcher interface {
	Dispatch(fn func())
	DispatchSync(fn func())
}

// QueueDispatcher runs notifications on a serial queue of its own.
type QueueDispatcher struct {
	q *queue.Queue
}

// NewQueueDispatcher returns a Dispatcher backed by a serial queue. Close
// stops it.
func NewQueueDispatcher(name string, log *slog.Logger) *QueueDispatcher {
	return &QueueDispatcher{q: queue.New(name, log)}
}

func (d *QueueDispatcher) Dispatch(fn func()) {
	d.q.Async(func(context.Context) { fn() })
}

// DispatchSync runs fn on the queue and waits. From inside a notification
// fn runs inline.
func (d *QueueDispatcher) DispatchSync(fn func()) {
	if err := d.q.Sync(context.Background(), func(context.Context) { fn() }); err != nil {
		fn()
	}
}

func (d *QueueDispatcher) Close() { d.q.Close() }

// deviceEvents forwards device.Controller observations to the DeviceSink
// through the dispatcher.
type deviceEvents struct {
	c *Controller
}

var _ device.Observer = deviceEvents{}

func (e deviceEvents) emit(fn func(DeviceSink)) { e.c.emitDevice(fn) }

func (e deviceEvents) WillStartFocus(d device.Device) {
	e.emit(func(s DeviceSink) { s.WillStartFocus(d) })
}

func (e deviceEvents) DidStopFocus(d device.Device) {
	e.emit(func(s DeviceSink) { s.DidStopFocus(d) })
}

func (e deviceEvents) WillChangeExposure(d device.Device) {
	e.emit(func(s DeviceSink) { s.WillChangeExposure(d) })
}

func (e deviceEvents) DidChangeExposure(d device.Device) {
	e.emit(func(s DeviceSink) { s.DidChangeExposure(d) })
}

func (e deviceEvents) WillChangeWhiteBalance(d device.Device) {
	e.emit(func(s DeviceSink) { s.WillChangeWhiteBalance(d) })
}

func (e deviceEvents) DidChangeWhiteBalance(d device.Device) {
	e.emit(func(s DeviceSink) { s.DidChangeWhiteBalance(d) })
}

func (e deviceEvents) FlashActiveChanged(d device.Device, active bool) {
	e.emit(func(s DeviceSink) { s.FlashActiveChanged(d, active) })
}

func (e deviceEvents) TorchActiveChanged(d device.Device, active bool) {
	e.emit(func(s DeviceSink) { s.TorchActiveChanged(d, active) })
}

func (e deviceEvents) FlashAndTorchAvailabilityChanged(d device.Device, flash, torch bool) {
	e.emit(func(s DeviceSink) { s.FlashAndTorchAvailabilityChanged(d, flash, torch) })
}

func (e deviceEvents) DidChangeZoomFactor(d device.Device, factor float64) {
	e.emit(func(s DeviceSink) { s.DidChangeZoomFactor(d, factor) })
}

func (e deviceEvents) DidChangeLensPosition(d device.Device, position float64) {
	e.emit(func(s DeviceSink) { s.DidChangeLensPosition(d, position) })
}

func (e deviceEvents) DidChangeFormat(d device.Device, f device.Format) {
	e.emit(func(s DeviceSink) { s.DidChangeFormat(d, f) })
}

func (e deviceEvents) DidChangeAperture(d device.Device, aperture float64) {
	e.emit(func(s DeviceSink) { s.DidChangeAperture(d, aperture) })
}
