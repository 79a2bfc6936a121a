package media

import (
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"sync/atomic"
)

// PixelFormat identifies the memory layout of a PixelBuffer.
type PixelFormat int

const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatI420                // full-range 4:2:0 planar: Y, U, V
	PixelFormatNV12                // 4:2:0 bi-planar: Y, interleaved UV
	PixelFormatBGRA                // packed 32-bit BGRA
)

var errUnknownPixelFormat = errors.New("media: unknown pixel format")

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatI420:
		return "i420"
	case PixelFormatNV12:
		return "nv12"
	case PixelFormatBGRA:
		return "bgra"
	default:
		return "unknown"
	}
}

// Planes returns the number of memory planes for the format.
func (p PixelFormat) Planes() int {
	switch p {
	case PixelFormatI420:
		return 3
	case PixelFormatNV12:
		return 2
	case PixelFormatBGRA:
		return 1
	default:
		return 0
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p PixelFormat) MarshalText() ([]byte, error) {
	if p == PixelFormatUnknown {
		return nil, errUnknownPixelFormat
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PixelFormat) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "i420", "yuv420p":
		*p = PixelFormatI420
	case "nv12":
		*p = PixelFormatNV12
	case "bgra":
		*p = PixelFormatBGRA
	default:
		return fmt.Errorf("%w: %q", errUnknownPixelFormat, text)
	}
	return nil
}

// PixelBuffer is a raw picture in one of the supported layouts. Plane memory
// is owned by the buffer; buffers obtained from a PixelBufferPool go back to
// it on Release.
type PixelBuffer struct {
	Format    PixelFormat
	Width     int
	Height    int
	Planes    [][]byte
	Strides   []int
	FullRange bool

	locks atomic.Int32
	pool  *PixelBufferPool
}

// NewPixelBuffer allocates a zeroed buffer. Dimensions must be positive.
func NewPixelBuffer(format PixelFormat, width, height int) (*PixelBuffer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("media: invalid pixel buffer size %dx%d", width, height)
	}
	pb := &PixelBuffer{Format: format, Width: width, Height: height, FullRange: true}
	cw, ch := (width+1)/2, (height+1)/2
	switch format {
	case PixelFormatI420:
		pb.Strides = []int{width, cw, cw}
		pb.Planes = [][]byte{make([]byte, width*height), make([]byte, cw*ch), make([]byte, cw*ch)}
	case PixelFormatNV12:
		pb.Strides = []int{width, cw * 2}
		pb.Planes = [][]byte{make([]byte, width*height), make([]byte, cw*2*ch)}
	case PixelFormatBGRA:
		pb.Strides = []int{width * 4}
		pb.Planes = [][]byte{make([]byte, width*4*height)}
	default:
		return nil, errUnknownPixelFormat
	}
	return pb, nil
}

// Lock marks the buffer as being accessed by the CPU. Calls nest.
func (pb *PixelBuffer) Lock() { pb.locks.Add(1) }

// Unlock balances a prior Lock.
func (pb *PixelBuffer) Unlock() {
	if pb.locks.Add(-1) < 0 {
		pb.locks.Store(0)
	}
}

// Locked reports whether any Lock is outstanding.
func (pb *PixelBuffer) Locked() bool { return pb.locks.Load() > 0 }

// Size returns the total number of plane bytes.
func (pb *PixelBuffer) Size() int {
	n := 0
	for _, p := range pb.Planes {
		n += len(p)
	}
	return n
}

// Bytes returns the planes concatenated in order, the layout ffmpeg's
// rawvideo demuxer expects.
func (pb *PixelBuffer) Bytes() []byte {
	out := make([]byte, 0, pb.Size())
	for _, p := range pb.Planes {
		out = append(out, p...)
	}
	return out
}

// Clone returns an unpooled deep copy.
func (pb *PixelBuffer) Clone() *PixelBuffer {
	c := &PixelBuffer{
		Format:    pb.Format,
		Width:     pb.Width,
		Height:    pb.Height,
		FullRange: pb.FullRange,
		Strides:   append([]int(nil), pb.Strides...),
		Planes:    make([][]byte, len(pb.Planes)),
	}
	for i, p := range pb.Planes {
		c.Planes[i] = append([]byte(nil), p...)
	}
	return c
}

// Release returns a pooled buffer to its pool. Unpooled buffers are left to
// the garbage collector.
func (pb *PixelBuffer) Release() {
	if pb.pool != nil {
		pb.locks.Store(0)
		pb.pool.put(pb)
	}
}

// Image returns the buffer as an image.Image. I420 buffers are wrapped without
// copying; other layouts are converted.
func (pb *PixelBuffer) Image() image.Image {
	rect := image.Rect(0, 0, pb.Width, pb.Height)
	switch pb.Format {
	case PixelFormatI420:
		return &image.YCbCr{
			Y:              pb.Planes[0],
			Cb:             pb.Planes[1],
			Cr:             pb.Planes[2],
			YStride:        pb.Strides[0],
			CStride:        pb.Strides[1],
			SubsampleRatio: image.YCbCrSubsampleRatio420,
			Rect:           rect,
		}
	case PixelFormatNV12:
		img := image.NewYCbCr(rect, image.YCbCrSubsampleRatio420)
		copy(img.Y, pb.Planes[0])
		uv := pb.Planes[1]
		for i := 0; i < len(img.Cb) && 2*i+1 < len(uv); i++ {
			img.Cb[i] = uv[2*i]
			img.Cr[i] = uv[2*i+1]
		}
		return img
	case PixelFormatBGRA:
		img := image.NewRGBA(rect)
		src := pb.Planes[0]
		for i := 0; i+3 < len(src); i += 4 {
			img.Pix[i] = src[i+2]
			img.Pix[i+1] = src[i+1]
			img.Pix[i+2] = src[i]
			img.Pix[i+3] = src[i+3]
		}
		return img
	default:
		return image.NewGray(rect)
	}
}

// PixelBufferPool recycles buffers of a single format and size.
type PixelBufferPool struct {
	format PixelFormat
	width  int
	height int

	pool        sync.Pool
	outstanding atomic.Int64
}

// NewPixelBufferPool creates a pool for width x height buffers in format.
func NewPixelBufferPool(format PixelFormat, width, height int) (*PixelBufferPool, error) {
	if _, err := NewPixelBuffer(format, width, height); err != nil {
		return nil, err
	}
	p := &PixelBufferPool{format: format, width: width, height: height}
	p.pool.New = func() any {
		pb, _ := NewPixelBuffer(format, width, height)
		return pb
	}
	return p, nil
}

// Get returns a buffer from the pool. Its contents are unspecified.
func (p *PixelBufferPool) Get() *PixelBuffer {
	pb := p.pool.Get().(*PixelBuffer)
	pb.pool = p
	p.outstanding.Add(1)
	return pb
}

func (p *PixelBufferPool) put(pb *PixelBuffer) {
	pb.pool = nil
	p.outstanding.Add(-1)
	p.pool.Put(pb)
}

// Outstanding returns the number of buffers handed out and not yet released.
func (p *PixelBufferPool) Outstanding() int64 { return p.outstanding.Load() }

// Format returns the pool's pixel format.
func (p *PixelBufferPool) Format() PixelFormat { return p.format }

// Width returns the pool's buffer width.
func (p *PixelBufferPool) Width() int { return p.width }

// Height returns the pool's buffer height.
func (p *PixelBufferPool) Height() int { return p.height }
