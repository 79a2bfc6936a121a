package render

import (
	"image"
	"image/color"
	"testing"

	"github.com/zsiec/reel/media"
	"github.com/zsiec/reel/mediaconfig"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestFit(t *testing.T) {
	t.Parallel()

	src := image.Rect(0, 0, 1920, 1080)
	dst := image.Rect(0, 0, 1080, 1080)
	tests := []struct {
		mode    mediaconfig.ScalingMode
		wantSrc image.Rectangle
		wantDst image.Rectangle
	}{
		{mediaconfig.ScaleResize, src, dst},
		{mediaconfig.ScaleResizeAspectFill, image.Rect(420, 0, 1500, 1080), dst},
		{mediaconfig.ScaleResizeAspect, src, image.Rect(0, 236, 1080, 843)},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			t.Parallel()
			gotSrc, gotDst := Fit(src, dst, tt.mode)
			if gotSrc != tt.wantSrc || gotDst != tt.wantDst {
				t.Errorf("got %v -> %v, want %v -> %v", gotSrc, gotDst, tt.wantSrc, tt.wantDst)
			}
		})
	}
}

func TestRenderImageSolidColor(t *testing.T) {
	t.Parallel()

	r, err := New(32, 16, mediaconfig.ScaleResize)
	if err != nil {
		t.Fatal(err)
	}
	pb, err := r.RenderImage(solid(64, 64, color.RGBA{R: 255, A: 255}))
	if err != nil {
		t.Fatal(err)
	}
	defer pb.Release()

	if pb.Width != 32 || pb.Height != 16 || pb.Format != media.PixelFormatI420 {
		t.Fatalf("got %dx%d %s, want 32x16 i420", pb.Width, pb.Height, pb.Format)
	}
	wantY, wantCb, wantCr := color.RGBToYCbCr(255, 0, 0)
	if got := pb.Planes[0][5*32+7]; got != wantY {
		t.Errorf("luma = %d, want %d", got, wantY)
	}
	if got := pb.Planes[1][3]; got != wantCb {
		t.Errorf("cb = %d, want %d", got, wantCb)
	}
	if got := pb.Planes[2][3]; got != wantCr {
		t.Errorf("cr = %d, want %d", got, wantCr)
	}
	if got := r.Pool().Outstanding(); got != 1 {
		t.Errorf("outstanding = %d, want 1", got)
	}
}

func TestRenderLetterboxIsBlack(t *testing.T) {
	t.Parallel()

	r, err := New(16, 16, mediaconfig.ScaleResizeAspect)
	if err != nil {
		t.Fatal(err)
	}
	pb, err := r.RenderImage(solid(32, 8, color.White))
	if err != nil {
		t.Fatal(err)
	}
	defer pb.Release()

	if got := pb.Planes[0][0]; got != 0 {
		t.Errorf("letterbox luma = %d, want 0", got)
	}
	if got := pb.Planes[0][8*16+8]; got != 255 {
		t.Errorf("picture luma = %d, want 255", got)
	}
}

func TestRenderCopiesMatchingI420(t *testing.T) {
	t.Parallel()

	src, err := media.NewPixelBuffer(media.PixelFormatI420, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	for i := range src.Planes[0] {
		src.Planes[0][i] = byte(i)
	}
	src.Planes[1][3] = 77

	r, err := New(4, 4, "")
	if err != nil {
		t.Fatal(err)
	}
	out, err := r.Render(src)
	if err != nil {
		t.Fatal(err)
	}
	if out == src {
		t.Fatal("render returned the source buffer")
	}
	for i, v := range src.Planes[0] {
		if out.Planes[0][i] != v {
			t.Fatalf("luma[%d] = %d, want %d", i, out.Planes[0][i], v)
		}
	}
	if out.Planes[1][3] != 77 {
		t.Errorf("cb[3] = %d, want 77", out.Planes[1][3])
	}
	if src.Locked() {
		t.Error("source left locked")
	}
}

func TestOrient(t *testing.T) {
	t.Parallel()

	// 2x1 image: red at x=0, blue at x=1.
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	red, blue := color.RGBA{R: 255, A: 255}, color.RGBA{B: 255, A: 255}
	img.Set(0, 0, red)
	img.Set(1, 0, blue)

	tests := []struct {
		name   string
		t      mediaconfig.Transform
		size   image.Point
		redAt  image.Point
		blueAt image.Point
	}{
		{"rotate 90", mediaconfig.Transform{Rotation: 90}, image.Pt(1, 2), image.Pt(0, 0), image.Pt(0, 1)},
		{"rotate 180", mediaconfig.Transform{Rotation: 180}, image.Pt(2, 1), image.Pt(1, 0), image.Pt(0, 0)},
		{"rotate 270", mediaconfig.Transform{Rotation: -90}, image.Pt(1, 2), image.Pt(0, 1), image.Pt(0, 0)},
		{"mirror", mediaconfig.Transform{Mirrored: true}, image.Pt(2, 1), image.Pt(1, 0), image.Pt(0, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := Orient(img, tt.t)
			if got := out.Bounds().Size(); got != tt.size {
				t.Fatalf("size = %v, want %v", got, tt.size)
			}
			if got := color.RGBAModel.Convert(out.At(tt.redAt.X, tt.redAt.Y)); got != red {
				t.Errorf("at %v got %v, want red", tt.redAt, got)
			}
			if got := color.RGBAModel.Convert(out.At(tt.blueAt.X, tt.blueAt.Y)); got != blue {
				t.Errorf("at %v got %v, want blue", tt.blueAt, got)
			}
		})
	}

	if Orient(img, mediaconfig.Transform{Rotation: 360}) != image.Image(img) {
		t.Error("identity transform copied the image")
	}
}

func TestRenderNil(t *testing.T) {
	t.Parallel()

	r, err := New(2, 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.RenderImage(nil); err != ErrNilSource {
		t.Errorf("got %v, want ErrNilSource", err)
	}
	if _, err := New(0, 2, ""); err == nil {
		t.Error("New(0, 2) = nil error")
	}
}
