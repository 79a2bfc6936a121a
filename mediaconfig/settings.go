// Package mediaconfig derives encoder settings for video, audio, and photo
// capture from caller configuration and the format of the first real sample.
package mediaconfig

import (
	"maps"

	"github.com/zsiec/reel/media"
)

// Settings is the encoder settings dictionary a configuration produces.
type Settings map[string]any

// Settings keys.
const (
	KeyCodec               = "codec"
	KeyWidth               = "width"
	KeyHeight              = "height"
	KeyScalingMode         = "scalingMode"
	KeyBitRate             = "averageBitRate"
	KeyMaxKeyFrameInterval = "maxKeyFrameInterval"
	KeyProfileLevel        = "profileLevel"
	KeyFrameRate           = "frameRate"
	KeySampleRate          = "sampleRate"
	KeyChannels            = "numberOfChannels"
	KeyFormat              = "formatID"
	KeyFlashMode           = "flashMode"
	KeyDepthData           = "depthDataDelivery"
	KeyQuality             = "quality"
	KeyThumbnailFormat     = "thumbnailPixelFormat"
)

// Hint carries what is known about the live media when settings are derived:
// the format of the first video or audio sample, and the preview pixel
// formats the device offers.
type Hint struct {
	Video          *media.VideoFormat
	Audio          *media.AudioFormat
	PreviewFormats []media.PixelFormat
}

// Configuration produces encoder settings for a hint.
type Configuration interface {
	Settings(hint Hint) Settings
}

// Clone returns a shallow copy so callers may modify the result.
func (s Settings) Clone() Settings {
	if s == nil {
		return nil
	}
	return maps.Clone(s)
}

// Int returns the integer stored under key.
func (s Settings) Int(key string) (int, bool) {
	switch v := s[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// Float returns the float stored under key.
func (s Settings) Float(key string) (float64, bool) {
	switch v := s[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// String returns the string stored under key.
func (s Settings) String(key string) (string, bool) {
	v, ok := s[key].(string)
	return v, ok
}

// Align16 floors d to a multiple of 16.
func Align16(d int) int {
	if d <= 0 {
		return 0
	}
	return d - d%16
}
