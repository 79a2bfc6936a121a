package mediaconfig

import "github.com/zsiec/reel/media"

// Audio defaults applied when neither the configuration nor the first sample
// says otherwise.
const (
	DefaultSampleRate   = 44100
	DefaultChannelCount = 2
	DefaultAudioBitRate = 128000
)

// AudioConfiguration describes the recorded audio track.
type AudioConfiguration struct {
	BitRate      int    `yaml:"bit_rate"`
	SampleRate   int    `yaml:"sample_rate"`
	ChannelCount int    `yaml:"channel_count"`
	Format       string `yaml:"format"`

	// Options, when set, is returned verbatim by Settings.
	Options Settings `yaml:"options,omitempty"`
}

// DefaultAudioConfiguration returns 128 kbps AAC with the sample rate and
// channel count left to the first sample.
func DefaultAudioConfiguration() *AudioConfiguration {
	return &AudioConfiguration{
		BitRate: DefaultAudioBitRate,
		Format:  media.CodecAAC,
	}
}

// Settings derives the audio encoder settings. A missing sample rate or
// channel count is taken from the hint and stored on c, so a session keeps
// the format it started with.
func (c *AudioConfiguration) Settings(hint Hint) Settings {
	if c.Options != nil {
		return c.Options.Clone()
	}
	if c.SampleRate <= 0 && hint.Audio != nil && hint.Audio.SampleRate > 0 {
		c.SampleRate = hint.Audio.SampleRate
	}
	if c.ChannelCount <= 0 && hint.Audio != nil && hint.Audio.Channels > 0 {
		c.ChannelCount = hint.Audio.Channels
	}

	s := Settings{
		KeySampleRate: DefaultSampleRate,
		KeyChannels:   DefaultChannelCount,
		KeyBitRate:    DefaultAudioBitRate,
		KeyFormat:     media.CodecAAC,
	}
	if c.SampleRate > 0 {
		s[KeySampleRate] = c.SampleRate
	}
	if c.ChannelCount > 0 {
		s[KeyChannels] = c.ChannelCount
	}
	if c.BitRate > 0 {
		s[KeyBitRate] = c.BitRate
	}
	if c.Format != "" {
		s[KeyFormat] = c.Format
	}
	return s
}
