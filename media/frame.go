// Package media defines the frame and pixel-buffer types that flow through the
// reel capture pipeline, from device backends through the recording session.
package media

import "time"

// Channel buffer sizes used by frame producers (backends) and consumers
// (preview viewers). Sized to absorb jitter: ~2 seconds of video, ~2.5s of
// audio.
const (
	VideoBufferSize = 60
	AudioBufferSize = 120
)

// Codec names carried on frames and formats.
const (
	CodecH264 = "h264"
	CodecH265 = "h265"
	CodecAAC  = "aac"
)

// Type distinguishes the two media streams a capture session interleaves.
type Type int

const (
	TypeVideo Type = iota
	TypeAudio
)

func (t Type) String() string {
	switch t {
	case TypeVideo:
		return "video"
	case TypeAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// VideoFormat is the format hint a video frame carries. A session sets up its
// video track from the first hint it sees.
type VideoFormat struct {
	Width       int
	Height      int
	Codec       string
	PixelFormat PixelFormat
	FrameRate   float64
}

// AudioFormat is the format hint an audio frame carries.
type AudioFormat struct {
	SampleRate int
	Channels   int
	Codec      string
}

// VideoFrame is a single video sample. Encoded frames carry an access unit as
// Annex B NAL units plus the parameter sets a decoder needs; raw frames carry
// a PixelBuffer in Image instead. Timestamps are presentation-clock offsets.
type VideoFrame struct {
	PTS        time.Duration
	DTS        time.Duration
	Duration   time.Duration
	IsKeyframe bool
	NALUs      [][]byte
	SPS        []byte
	PPS        []byte
	VPS        []byte
	Codec      string // "h264" or "h265"
	Image      *PixelBuffer
	Format     *VideoFormat
}

// Encoded reports whether the frame carries compressed NAL units.
func (f *VideoFrame) Encoded() bool { return len(f.NALUs) > 0 }

// End returns the presentation time at which the frame stops being shown.
func (f *VideoFrame) End() time.Duration { return f.PTS + f.Duration }

// AudioFrame is a single AAC frame (ADTS-wrapped) belonging to a specific
// audio track.
type AudioFrame struct {
	PTS        time.Duration
	Duration   time.Duration
	Data       []byte
	SampleRate int
	Channels   int
	TrackIndex int
	Format     *AudioFormat
}

// End returns the presentation time of the last sample in the frame.
func (f *AudioFrame) End() time.Duration { return f.PTS + f.Duration }

// AACFrameDuration returns the playback duration of one 1024-sample AAC
// frame at sampleRate. It returns 0 for a non-positive rate.
func AACFrameDuration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(1024) * time.Second / time.Duration(sampleRate)
}
