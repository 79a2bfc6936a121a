package mediaconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/zsiec/reel/media"
)

// AspectRatio selects how output dimensions are derived from the native
// dimensions of the first sample.
type AspectRatio int

const (
	AspectActive     AspectRatio = iota // native dimensions
	AspectStandard                      // 4:3
	AspectWidescreen                    // 16:9
	AspectSquare                        // min(w, h) on both axes
)

var aspectNames = []string{"active", "standard", "widescreen", "square"}

func (a AspectRatio) String() string {
	if int(a) >= 0 && int(a) < len(aspectNames) {
		return aspectNames[a]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (a AspectRatio) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *AspectRatio) UnmarshalText(text []byte) error {
	s := strings.ToLower(string(text))
	for i, n := range aspectNames {
		if n == s {
			*a = AspectRatio(i)
			return nil
		}
	}
	return fmt.Errorf("mediaconfig: unknown aspect ratio %q", text)
}

// Derive returns output dimensions for native w x h. Width drives: the height
// follows from the ratio, and both axes are floored to a multiple of 16.
func (a AspectRatio) Derive(w, h int) (int, int) {
	switch a {
	case AspectStandard:
		return Align16(w), Align16(w * 3 / 4)
	case AspectWidescreen:
		return Align16(w), Align16(w * 9 / 16)
	case AspectSquare:
		m := Align16(min(w, h))
		return m, m
	default:
		return Align16(w), Align16(h)
	}
}

// ScalingMode controls how source pictures are fit into the output size.
type ScalingMode string

const (
	ScaleResizeAspectFill ScalingMode = "resizeAspectFill"
	ScaleResizeAspect     ScalingMode = "resizeAspect"
	ScaleResize           ScalingMode = "resize"
)

// Dimensions is an explicit output size.
type Dimensions struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// Transform is the rotation (degrees clockwise, a multiple of 90) and
// mirroring applied to recorded video.
type Transform struct {
	Rotation int  `yaml:"rotation"`
	Mirrored bool `yaml:"mirrored"`
}

// VideoConfiguration describes the recorded video track.
type VideoConfiguration struct {
	BitRate                int           `yaml:"bit_rate"`
	Dimensions             *Dimensions   `yaml:"dimensions"`
	AspectRatio            AspectRatio   `yaml:"aspect_ratio"`
	Codec                  string        `yaml:"codec"`
	ProfileLevel           string        `yaml:"profile_level"`
	ScalingMode            ScalingMode   `yaml:"scaling_mode"`
	MaxKeyFrameInterval    int           `yaml:"max_key_frame_interval"`
	Transform              Transform     `yaml:"transform"`
	MaximumCaptureDuration time.Duration `yaml:"maximum_capture_duration"`
	FrameRate              float64       `yaml:"frame_rate"`
	Timescale              float64       `yaml:"timescale"`

	// Options, when set, is returned verbatim by Settings.
	Options Settings `yaml:"options,omitempty"`
}

// DefaultVideoConfiguration returns 2 Mbps H.264 at the native aspect ratio
// with a key frame at least every 30 frames.
func DefaultVideoConfiguration() *VideoConfiguration {
	return &VideoConfiguration{
		BitRate:             2_000_000,
		AspectRatio:         AspectActive,
		Codec:               media.CodecH264,
		ScalingMode:         ScaleResizeAspectFill,
		MaxKeyFrameInterval: 30,
		FrameRate:           30,
		Timescale:           1,
	}
}

// Settings derives the video encoder settings. Derivation has no side
// effects: the same hint always yields the same dimensions.
func (c *VideoConfiguration) Settings(hint Hint) Settings {
	if c.Options != nil {
		return c.Options.Clone()
	}
	s := Settings{}
	switch {
	case c.Dimensions != nil:
		s[KeyWidth] = c.Dimensions.Width
		s[KeyHeight] = c.Dimensions.Height
	case hint.Video != nil && hint.Video.Width > 0 && hint.Video.Height > 0:
		w, h := c.AspectRatio.Derive(hint.Video.Width, hint.Video.Height)
		s[KeyWidth] = w
		s[KeyHeight] = h
	}
	if c.Codec != "" {
		s[KeyCodec] = c.Codec
	}
	if c.BitRate > 0 {
		s[KeyBitRate] = c.BitRate
	}
	if c.ScalingMode != "" {
		s[KeyScalingMode] = string(c.ScalingMode)
	}
	if c.MaxKeyFrameInterval > 0 {
		s[KeyMaxKeyFrameInterval] = c.MaxKeyFrameInterval
	}
	if c.ProfileLevel != "" {
		s[KeyProfileLevel] = c.ProfileLevel
	}
	switch {
	case c.FrameRate > 0:
		s[KeyFrameRate] = c.FrameRate
	case hint.Video != nil && hint.Video.FrameRate > 0:
		s[KeyFrameRate] = hint.Video.FrameRate
	}
	return s
}
