package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"slices"

	"github.com/nfnt/resize"
	"github.com/zsiec/reel/mediaconfig"
)

const (
	thumbnailSize      = 160
	defaultJPEGQuality = 90
)

// CapturePhoto takes a still with the graph's photo output. Settings come
// from the photo configuration and the active flash mode. The photo sink
// hears WillCapturePhoto, DidCapturePhoto, DidProcessPhoto and, when the
// graph delivered sensor data, DidProcessRawPhoto, followed by
// DidCompletePhotoCapture in every case.
func (c *Controller) CapturePhoto(ctx context.Context) (*Photo, error) {
	g := c.currentGraph()
	if g == nil || !slices.Contains(g.Outputs(), OutputPhoto) {
		err := fmt.Errorf("%w: no photo output", ErrNotReadyToRecord)
		c.emitPhoto(func(s PhotoSink) { s.DidCompletePhotoCapture(err) })
		return nil, err
	}

	var hint mediaconfig.Hint
	if d := c.devices.Device(); d != nil {
		hint.PreviewFormats = d.ActiveFormat().PixelFormats
	}
	settings := c.PhotoConfiguration().Settings(hint)
	settings[mediaconfig.KeyFlashMode] = c.devices.FlashMode().String()

	c.emitPhoto(func(s PhotoSink) { s.WillCapturePhoto(settings) })
	p, err := g.CapturePhoto(ctx, settings)
	if err != nil {
		c.log.Warn("photo capture failed", "error", err)
		c.emitPhoto(func(s PhotoSink) { s.DidCompletePhotoCapture(err) })
		return nil, err
	}
	c.emitPhoto(func(s PhotoSink) { s.DidCapturePhoto(settings) })

	p.Settings = settings
	if c.PhotoConfiguration().GenerateThumbnail && p.Thumbnail == nil && p.Image != nil {
		p.Thumbnail = thumbnail(p.Image)
	}
	c.emitPhoto(func(s PhotoSink) { s.DidProcessPhoto(p) })
	if len(p.Raw) > 0 {
		c.emitPhoto(func(s PhotoSink) { s.DidProcessRawPhoto(p) })
	}
	c.emitPhoto(func(s PhotoSink) { s.DidCompletePhotoCapture(nil) })
	c.log.Info("photo captured", "width", p.Width, "height", p.Height)
	return p, nil
}

// CapturePhotoFromVideo grabs the most recent raw video frame as a JPEG
// still. The photo sink's DidCapturePhotoFromVideo runs before it returns.
func (c *Controller) CapturePhotoFromVideo() (*Photo, error) {
	var (
		p   *Photo
		err error
	)
	if serr := c.q.Sync(context.Background(), func(context.Context) { p, err = c.photoFromVideo() }); serr != nil {
		err = serr
	}
	c.mu.Lock()
	sink := c.photoSink
	c.mu.Unlock()
	if sink != nil {
		c.dispatch.DispatchSync(func() { sink.DidCapturePhotoFromVideo(p, err) })
	}
	return p, err
}

func (c *Controller) photoFromVideo() (*Photo, error) {
	if c.lastImage == nil {
		return nil, fmt.Errorf("%w: no video frame", ErrNotReadyToRecord)
	}
	pb := c.lastImage.Clone()
	img := pb.Image()

	cfg := c.PhotoConfiguration()
	quality := defaultJPEGQuality
	if cfg.Quality > 0 && cfg.Quality <= 1 {
		quality = int(cfg.Quality * 100)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("%w: encode still: %w", ErrUnknown, err)
	}

	p := &Photo{
		Data:     buf.Bytes(),
		Image:    img,
		Width:    pb.Width,
		Height:   pb.Height,
		Settings: mediaconfig.Settings{mediaconfig.KeyCodec: "jpeg", mediaconfig.KeyQuality: float64(quality) / 100},
	}
	if c.lastVideo != nil {
		p.Timestamp = c.lastVideo.PTS
	}
	if cfg.GenerateThumbnail {
		p.Thumbnail = thumbnail(img)
	}
	return p, nil
}

func thumbnail(img image.Image) image.Image {
	return resize.Thumbnail(thumbnailSize, thumbnailSize, img, resize.Bilinear)
}
