package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strconv"
	"time"
)

// ErrNoFrame is returned when ffmpeg decodes no picture at the requested
// position.
var ErrNoFrame = errors.New("ffmpeg: no frame decoded")

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// ExtractFrame decodes the picture shown at offset at in the file at path.
func ExtractFrame(ctx context.Context, path string, at time.Duration) (image.Image, error) {
	out, err := run(ctx,
		"-ss", seconds(at),
		"-i", path,
		"-frames:v", "1",
		"-an",
		"-f", "image2pipe", "-c:v", "png",
		"pipe:1",
	)
	if err != nil {
		return nil, err
	}
	return lastPNG(out)
}

// ExtractLastFrame decodes the final picture of the file at path. ffmpeg
// seeks to a short window before the end and the last decoded picture in
// that window wins.
func ExtractLastFrame(ctx context.Context, path string) (image.Image, error) {
	out, err := run(ctx,
		"-sseof", "-1",
		"-i", path,
		"-an",
		"-f", "image2pipe", "-c:v", "png",
		"pipe:1",
	)
	if err != nil {
		return nil, err
	}
	return lastPNG(out)
}

// lastPNG decodes the final image in a concatenation of PNG files.
func lastPNG(data []byte) (image.Image, error) {
	idx := bytes.LastIndex(data, pngSignature)
	if idx < 0 {
		return nil, ErrNoFrame
	}
	img, err := png.Decode(bytes.NewReader(data[idx:]))
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: decode frame: %w", err)
	}
	return img, nil
}

func seconds(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
