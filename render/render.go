// Package render draws images and pixel buffers into pooled I420 buffers at
// a fixed output size, the form the recording session and encoders accept.
package render

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"

	"github.com/zsiec/reel/media"
	"github.com/zsiec/reel/mediaconfig"
)

// ErrNilSource is returned when there is nothing to render.
var ErrNilSource = errors.New("render: nil source")

// Renderer scales sources into width x height full-range I420 buffers taken
// from its pool. Renderer is safe for concurrent use.
type Renderer struct {
	width  int
	height int
	mode   mediaconfig.ScalingMode
	scaler draw.Scaler
	pool   *media.PixelBufferPool
}

// New creates a Renderer for the given output size. An empty mode behaves as
// aspect fill.
func New(width, height int, mode mediaconfig.ScalingMode) (*Renderer, error) {
	pool, err := media.NewPixelBufferPool(media.PixelFormatI420, width, height)
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	if mode == "" {
		mode = mediaconfig.ScaleResizeAspectFill
	}
	return &Renderer{width: width, height: height, mode: mode, scaler: draw.BiLinear, pool: pool}, nil
}

// Size returns the output dimensions.
func (r *Renderer) Size() (int, int) { return r.width, r.height }

// Pool returns the pool output buffers come from.
func (r *Renderer) Pool() *media.PixelBufferPool { return r.pool }

// RenderImage draws img into a pooled buffer. The caller releases it.
func (r *Renderer) RenderImage(img image.Image) (*media.PixelBuffer, error) {
	if img == nil {
		return nil, ErrNilSource
	}
	out := r.pool.Get()
	out.FullRange = true

	if ycc, ok := img.(*image.YCbCr); ok && r.copyYCbCr(ycc, out) {
		return out, nil
	}

	canvas := image.NewRGBA(image.Rect(0, 0, r.width, r.height))
	srcRect, dstRect := Fit(img.Bounds(), canvas.Bounds(), r.mode)
	if dstRect != canvas.Bounds() {
		draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	}
	r.scaler.Scale(canvas, dstRect, img, srcRect, draw.Src, nil)
	rgbaToI420(canvas, out)
	return out, nil
}

// Render draws pb into a pooled buffer at the output size.
func (r *Renderer) Render(pb *media.PixelBuffer) (*media.PixelBuffer, error) {
	if pb == nil {
		return nil, ErrNilSource
	}
	pb.Lock()
	defer pb.Unlock()
	return r.RenderImage(pb.Image())
}

// Transform rotates and mirrors pb per t, then renders it at the output size.
func (r *Renderer) Transform(pb *media.PixelBuffer, t mediaconfig.Transform) (*media.PixelBuffer, error) {
	if pb == nil {
		return nil, ErrNilSource
	}
	pb.Lock()
	defer pb.Unlock()
	return r.RenderImage(Orient(pb.Image(), t))
}

// copyYCbCr copies a same-size 4:2:0 picture plane by plane.
func (r *Renderer) copyYCbCr(src *image.YCbCr, out *media.PixelBuffer) bool {
	b := src.Rect
	if src.SubsampleRatio != image.YCbCrSubsampleRatio420 || b.Dx() != r.width || b.Dy() != r.height || b.Min != (image.Point{}) {
		return false
	}
	cw, ch := (r.width+1)/2, (r.height+1)/2
	copyPlane(out.Planes[0], out.Strides[0], src.Y, src.YStride, r.width, r.height)
	copyPlane(out.Planes[1], out.Strides[1], src.Cb, src.CStride, cw, ch)
	copyPlane(out.Planes[2], out.Strides[2], src.Cr, src.CStride, cw, ch)
	return true
}

func copyPlane(dst []byte, dstStride int, src []byte, srcStride, w, h int) {
	for y := range h {
		copy(dst[y*dstStride:y*dstStride+w], src[y*srcStride:y*srcStride+w])
	}
}

// Fit returns the source and destination rectangles that place src into dst
// under mode. Aspect fill crops the source, aspect fit letterboxes the
// destination, and resize stretches.
func Fit(src, dst image.Rectangle, mode mediaconfig.ScalingMode) (image.Rectangle, image.Rectangle) {
	sw, sh := src.Dx(), src.Dy()
	dw, dh := dst.Dx(), dst.Dy()
	if sw <= 0 || sh <= 0 || dw <= 0 || dh <= 0 {
		return src, dst
	}
	switch mode {
	case mediaconfig.ScaleResize:
		return src, dst
	case mediaconfig.ScaleResizeAspect:
		w, h := dw, dw*sh/sw
		if h > dh {
			w, h = dh*sw/sh, dh
		}
		off := image.Pt((dw-w)/2, (dh-h)/2)
		return src, image.Rectangle{Min: dst.Min.Add(off), Max: dst.Min.Add(off).Add(image.Pt(w, h))}
	default:
		w, h := sw, sw*dh/dw
		if h > sh {
			w, h = sh*dw/dh, sh
		}
		off := image.Pt((sw-w)/2, (sh-h)/2)
		return image.Rectangle{Min: src.Min.Add(off), Max: src.Min.Add(off).Add(image.Pt(w, h))}, dst
	}
}

// Orient applies a clockwise rotation (a multiple of 90 degrees) followed by
// a horizontal mirror. The identity transform returns img unchanged.
func Orient(img image.Image, t mediaconfig.Transform) image.Image {
	rot := ((t.Rotation % 360) + 360) % 360
	rot -= rot % 90
	if rot == 0 && !t.Mirrored {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	ow, oh := w, h
	if rot == 90 || rot == 270 {
		ow, oh = h, w
	}
	out := image.NewRGBA(image.Rect(0, 0, ow, oh))
	for y := range h {
		for x := range w {
			var dx, dy int
			switch rot {
			case 90:
				dx, dy = h-1-y, x
			case 180:
				dx, dy = w-1-x, h-1-y
			case 270:
				dx, dy = y, w-1-x
			default:
				dx, dy = x, y
			}
			if t.Mirrored {
				dx = ow - 1 - dx
			}
			out.Set(dx, dy, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return out
}

// rgbaToI420 converts src into the planes of dst, averaging chroma over
// each 2x2 block.
func rgbaToI420(src *image.RGBA, dst *media.PixelBuffer) {
	w, h := dst.Width, dst.Height
	yPlane, uPlane, vPlane := dst.Planes[0], dst.Planes[1], dst.Planes[2]
	ys, cs := dst.Strides[0], dst.Strides[1]

	for y := 0; y < h; y += 2 {
		for x := 0; x < w; x += 2 {
			var cbSum, crSum, n int
			for j := range 2 {
				for i := range 2 {
					px, py := x+i, y+j
					if px >= w || py >= h {
						continue
					}
					o := py*src.Stride + px*4
					yy, cb, cr := color.RGBToYCbCr(src.Pix[o], src.Pix[o+1], src.Pix[o+2])
					yPlane[py*ys+px] = yy
					cbSum += int(cb)
					crSum += int(cr)
					n++
				}
			}
			uPlane[(y/2)*cs+x/2] = byte(cbSum / n)
			vPlane[(y/2)*cs+x/2] = byte(crSum / n)
		}
	}
}
