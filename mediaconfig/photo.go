package mediaconfig

import (
	"slices"

	"github.com/zsiec/reel/device"
	"github.com/zsiec/reel/media"
)

// thumbnailFormats are the preview pixel formats the engine can turn into
// thumbnails, in order of preference.
var thumbnailFormats = []media.PixelFormat{media.PixelFormatI420, media.PixelFormatNV12, media.PixelFormatBGRA}

// PhotoConfiguration describes still captures.
type PhotoConfiguration struct {
	Codec             string           `yaml:"codec"`
	FlashMode         device.FlashMode `yaml:"flash_mode"`
	GenerateThumbnail bool             `yaml:"generate_thumbnail"`
	DepthDataEnabled  bool             `yaml:"depth_data_enabled"`
	Quality           float64          `yaml:"quality"`

	// Options, when set, is returned verbatim by Settings.
	Options Settings `yaml:"options,omitempty"`
}

// DefaultPhotoConfiguration returns JPEG stills at 0.9 quality with flash
// off.
func DefaultPhotoConfiguration() *PhotoConfiguration {
	return &PhotoConfiguration{
		Codec:   "jpeg",
		Quality: 0.9,
	}
}

// Settings derives the photo settings. The thumbnail pixel format is the
// first preview format the device offers that the engine accepts.
func (c *PhotoConfiguration) Settings(hint Hint) Settings {
	if c.Options != nil {
		return c.Options.Clone()
	}
	s := Settings{
		KeyCodec:     c.Codec,
		KeyFlashMode: c.FlashMode.String(),
	}
	if c.Codec == "" {
		s[KeyCodec] = "jpeg"
	}
	if c.Quality > 0 {
		s[KeyQuality] = c.Quality
	}
	if c.DepthDataEnabled {
		s[KeyDepthData] = true
	}
	if c.GenerateThumbnail {
		for _, pf := range hint.PreviewFormats {
			if slices.Contains(thumbnailFormats, pf) {
				s[KeyThumbnailFormat] = pf
				break
			}
		}
	}
	return s
}
