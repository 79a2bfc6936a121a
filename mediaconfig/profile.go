package mediaconfig

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/reel/device"
	"github.com/zsiec/reel/media"
)

// ErrInvalid is wrapped by every ValidationError.
var ErrInvalid = errors.New("mediaconfig: invalid value")

// ValidationError reports a configuration field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("mediaconfig: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

// Profile bundles everything needed to set up a capture: the capture mode
// and camera position plus the three media configurations. Mode and
// orientation are kept as names; the capture package resolves them.
type Profile struct {
	Mode        string          `yaml:"mode"`
	Position    device.Position `yaml:"position"`
	Orientation string          `yaml:"orientation"`
	Mirrored    *bool           `yaml:"mirrored"`

	Video *VideoConfiguration `yaml:"video"`
	Audio *AudioConfiguration `yaml:"audio"`
	Photo *PhotoConfiguration `yaml:"photo"`
}

// DefaultProfile records video with audio from the back camera.
func DefaultProfile() *Profile {
	return &Profile{
		Mode:     "video",
		Position: device.PositionBack,
		Video:    DefaultVideoConfiguration(),
		Audio:    DefaultAudioConfiguration(),
		Photo:    DefaultPhotoConfiguration(),
	}
}

// LoadProfile reads a YAML profile from path. Sections missing from the file
// keep their defaults.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes a YAML profile and validates it.
func ParseProfile(data []byte) (*Profile, error) {
	p := DefaultProfile()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if p.Video == nil {
		p.Video = DefaultVideoConfiguration()
	}
	if p.Audio == nil {
		p.Audio = DefaultAudioConfiguration()
	}
	if p.Photo == nil {
		p.Photo = DefaultPhotoConfiguration()
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Marshal encodes the profile as YAML.
func (p *Profile) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}

// Validate checks ranges and enumerations. It returns the first problem as a
// *ValidationError.
func (p *Profile) Validate() error {
	if v := p.Video; v != nil {
		if v.BitRate < 0 {
			return &ValidationError{Field: "video.bit_rate", Reason: "must not be negative"}
		}
		if d := v.Dimensions; d != nil && (d.Width <= 0 || d.Height <= 0) {
			return &ValidationError{Field: "video.dimensions", Reason: fmt.Sprintf("%dx%d is not a valid size", d.Width, d.Height)}
		}
		switch v.Codec {
		case "", media.CodecH264, media.CodecH265:
		default:
			return &ValidationError{Field: "video.codec", Reason: fmt.Sprintf("unsupported codec %q", v.Codec)}
		}
		if v.Transform.Rotation%90 != 0 {
			return &ValidationError{Field: "video.transform.rotation", Reason: "must be a multiple of 90"}
		}
		if v.MaximumCaptureDuration < 0 {
			return &ValidationError{Field: "video.maximum_capture_duration", Reason: "must not be negative"}
		}
		if v.FrameRate < 0 || v.FrameRate > 240 {
			return &ValidationError{Field: "video.frame_rate", Reason: "must be between 0 and 240"}
		}
	}
	if a := p.Audio; a != nil {
		if a.SampleRate < 0 || a.SampleRate > 96000 {
			return &ValidationError{Field: "audio.sample_rate", Reason: "must be between 0 and 96000"}
		}
		if a.ChannelCount < 0 || a.ChannelCount > 8 {
			return &ValidationError{Field: "audio.channel_count", Reason: "must be between 0 and 8"}
		}
		if a.Format != "" && a.Format != media.CodecAAC {
			return &ValidationError{Field: "audio.format", Reason: fmt.Sprintf("unsupported format %q", a.Format)}
		}
	}
	if ph := p.Photo; ph != nil && (ph.Quality < 0 || ph.Quality > 1) {
		return &ValidationError{Field: "photo.quality", Reason: "must be between 0 and 1"}
	}
	return nil
}
