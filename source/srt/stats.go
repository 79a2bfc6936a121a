package srt

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/reel/internal/demux"
)

var _ demux.StatsRecorder = (*Stats)(nil)

// Snapshot is a point-in-time view of a feed.
type Snapshot struct {
	Connections    int64   `json:"connections"`
	BytesReceived  int64   `json:"bytesReceived"`
	Reads          int64   `json:"reads"`
	VideoFrames    int64   `json:"videoFrames"`
	KeyFrames      int64   `json:"keyFrames"`
	VideoForwarded int64   `json:"videoForwarded"`
	AudioFrames    int64   `json:"audioFrames"`
	AudioForwarded int64   `json:"audioForwarded"`
	Captions       int64   `json:"captions"`
	Cues           int64   `json:"cues"`
	Codec          string  `json:"codec,omitempty"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
	SampleRate     int     `json:"sampleRate,omitempty"`
	Channels       int     `json:"channels,omitempty"`
	UptimeMs       int64   `json:"uptimeMs"`
	IngestKbps     float64 `json:"ingestKbps"`
}

// Stats accumulates feed telemetry from the reader and the demuxer.
type Stats struct {
	start time.Time

	connections    atomic.Int64
	bytes          atomic.Int64
	reads          atomic.Int64
	videoFrames    atomic.Int64
	keyFrames      atomic.Int64
	videoForwarded atomic.Int64
	audioFrames    atomic.Int64
	audioForwarded atomic.Int64
	captions       atomic.Int64
	cues           atomic.Int64
	width          atomic.Int32
	height         atomic.Int32
	sampleRate     atomic.Int32
	channels       atomic.Int32

	mu    sync.Mutex
	codec string
}

func newStats() *Stats { return &Stats{start: time.Now()} }

func (s *Stats) recordConnection() { s.connections.Add(1) }

func (s *Stats) recordRead(n int) {
	s.reads.Add(1)
	s.bytes.Add(int64(n))
}

func (s *Stats) RecordVideoFrame(_ int64, keyframe bool, _ time.Duration) {
	s.videoFrames.Add(1)
	if keyframe {
		s.keyFrames.Add(1)
	}
}

func (s *Stats) RecordAudioFrame(_ int, _ int64, _ time.Duration, sampleRate, channels int) {
	s.audioFrames.Add(1)
	s.sampleRate.Store(int32(sampleRate))
	s.channels.Store(int32(channels))
}

func (s *Stats) RecordCaption(int)   { s.captions.Add(1) }
func (s *Stats) RecordCue(demux.Cue) { s.cues.Add(1) }

func (s *Stats) RecordResolution(width, height int) {
	s.width.Store(int32(width))
	s.height.Store(int32(height))
}

func (s *Stats) RecordVideoCodec(codec string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codec = codec
}

// Snapshot returns the counters accumulated so far.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	codec := s.codec
	s.mu.Unlock()

	uptime := time.Since(s.start)
	snap := Snapshot{
		Connections:    s.connections.Load(),
		BytesReceived:  s.bytes.Load(),
		Reads:          s.reads.Load(),
		VideoFrames:    s.videoFrames.Load(),
		KeyFrames:      s.keyFrames.Load(),
		VideoForwarded: s.videoForwarded.Load(),
		AudioFrames:    s.audioFrames.Load(),
		AudioForwarded: s.audioForwarded.Load(),
		Captions:       s.captions.Load(),
		Cues:           s.cues.Load(),
		Codec:          codec,
		Width:          int(s.width.Load()),
		Height:         int(s.height.Load()),
		SampleRate:     int(s.sampleRate.Load()),
		Channels:       int(s.channels.Load()),
		UptimeMs:       uptime.Milliseconds(),
	}
	if secs := uptime.Seconds(); secs > 0 {
		snap.IngestKbps = float64(snap.BytesReceived*8) / secs / 1000
	}
	return snap
}
