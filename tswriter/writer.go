// Package tswriter writes recorded clips as MPEG transport streams. Encoded
// H.264/H.265 access units and ADTS AAC frames are muxed directly; raw
// pixel buffers go through a pluggable encoder first.
package tswriter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/internal/ffmpeg"
	"github.com/zsiec/reel/internal/mpegts"
	"github.com/zsiec/reel/internal/scte35"
	"github.com/zsiec/reel/media"
	"github.com/zsiec/reel/mediaconfig"
	"github.com/zsiec/reel/render"
)

// Elementary stream PIDs.
const (
	VideoPID uint16 = 0x100
	AudioPID uint16 = 0x101
	CuePID   uint16 = 0x102
)

// ClockBase is added to every timestamp written, so frames that start at
// zero keep a positive decode time after reordering.
const ClockBase = time.Second

var (
	ErrClosed        = errors.New("tswriter: writer closed")
	ErrNoVideoTrack  = errors.New("tswriter: no video track")
	ErrNoAudioTrack  = errors.New("tswriter: no audio track")
	ErrCodecMismatch = errors.New("tswriter: frame codec does not match track")
	ErrNoCues        = errors.New("tswriter: cue stream not enabled")
)

// Encoder compresses raw pictures. Units must come out in Encode order.
type Encoder interface {
	Encode(pb *media.PixelBuffer) error
	Units() <-chan ffmpeg.Unit
	Close() error
}

// EncoderFunc starts an Encoder for a video track.
type EncoderFunc func(ctx context.Context, cfg ffmpeg.EncoderConfig) (Encoder, error)

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option { return func(w *Writer) { w.log = log } }

// WithEncoder replaces the ffmpeg encoder used for raw pixel buffers.
func WithEncoder(fn EncoderFunc) Option { return func(w *Writer) { w.newEncoder = fn } }

// WithCues declares a SCTE-35 stream so WriteChapter can be used.
func WithCues() Option { return func(w *Writer) { w.cues = true } }

type videoTrack struct {
	codec     string
	width     int
	height    int
	frameRate float64
	bitRate   int
	gop       int
	profile   string
	scaling   mediaconfig.ScalingMode
}

type audioTrack struct {
	sampleRate int
	channels   int
}

// Writer writes one clip file. Tracks are added before the first frame.
// Frame writes for one track must not be issued concurrently.
type Writer struct {
	path       string
	log        *slog.Logger
	newEncoder EncoderFunc
	cues       bool

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	f        *os.File
	bw       *bufio.Writer
	mux      *mpegts.Muxer
	video    *videoTrack
	audio    *audioTrack
	closed   bool
	err      error
	renderer *render.Renderer

	enc     Encoder
	encDone chan struct{}
	pending []time.Duration // PTS of raw frames awaiting encoded output
	lastRaw time.Duration

	videoFrames int64
	audioFrames int64
}

// New creates the file at path. It fails if the file already exists.
func New(path string, opts ...Option) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("tswriter: %w", err)
	}
	w := &Writer{path: path, f: f, bw: bufio.NewWriterSize(f, 256<<10)}
	for _, o := range opts {
		o(w)
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	w.log = w.log.With("component", "tswriter", "path", path)
	if w.newEncoder == nil {
		log := w.log
		w.newEncoder = func(ctx context.Context, cfg ffmpeg.EncoderConfig) (Encoder, error) {
			return ffmpeg.NewEncoder(ctx, cfg, log)
		}
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.mux = mpegts.NewMuxer(w.bw)
	if w.cues {
		if err := w.mux.AddStream(CuePID, mpegts.StreamTypeSCTE35); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return w, nil
}

// Path returns the file path.
func (w *Writer) Path() string { return w.path }

// Frames returns how many video and audio frames have been written.
func (w *Writer) Frames() (video, audio int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.videoFrames, w.audioFrames
}

// BytesWritten returns the bytes muxed so far, including buffered output.
func (w *Writer) BytesWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mux.BytesWritten()
}

// AddVideoTrack declares the video stream. The codec, size, rate and
// encoder parameters come from settings, falling back to format.
func (w *Writer) AddVideoTrack(settings mediaconfig.Settings, format media.VideoFormat) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.video != nil {
		return errors.New("tswriter: video track already added")
	}

	t := &videoTrack{codec: format.Codec, width: format.Width, height: format.Height, frameRate: format.FrameRate}
	if c, ok := settings.String(mediaconfig.KeyCodec); ok && c != "" {
		t.codec = c
	}
	if t.codec == "" {
		t.codec = media.CodecH264
	}
	if v, ok := settings.Int(mediaconfig.KeyWidth); ok && v > 0 {
		t.width = v
	}
	if v, ok := settings.Int(mediaconfig.KeyHeight); ok && v > 0 {
		t.height = v
	}
	if v, ok := settings.Float(mediaconfig.KeyFrameRate); ok && v > 0 {
		t.frameRate = v
	}
	t.bitRate, _ = settings.Int(mediaconfig.KeyBitRate)
	t.gop, _ = settings.Int(mediaconfig.KeyMaxKeyFrameInterval)
	t.profile, _ = settings.String(mediaconfig.KeyProfileLevel)
	if s, ok := settings.String(mediaconfig.KeyScalingMode); ok {
		t.scaling = mediaconfig.ScalingMode(s)
	}

	var st mpegts.StreamType
	switch t.codec {
	case media.CodecH264:
		st = mpegts.StreamTypeH264
	case media.CodecH265:
		st = mpegts.StreamTypeH265
	default:
		return fmt.Errorf("tswriter: unsupported video codec %q", t.codec)
	}
	if err := w.mux.AddStream(VideoPID, st); err != nil {
		return err
	}
	w.video = t
	w.log.Debug("video track added", "codec", t.codec, "width", t.width, "height", t.height)
	return nil
}

// AddAudioTrack declares the AAC audio stream.
func (w *Writer) AddAudioTrack(settings mediaconfig.Settings, format media.AudioFormat) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.audio != nil {
		return errors.New("tswriter: audio track already added")
	}
	if f, ok := settings.String(mediaconfig.KeyFormat); ok && f != "" && f != media.CodecAAC {
		return fmt.Errorf("tswriter: unsupported audio format %q", f)
	}
	t := &audioTrack{sampleRate: format.SampleRate, channels: format.Channels}
	if v, ok := settings.Int(mediaconfig.KeySampleRate); ok && v > 0 {
		t.sampleRate = v
	}
	if v, ok := settings.Int(mediaconfig.KeyChannels); ok && v > 0 {
		t.channels = v
	}
	if err := w.mux.AddStream(AudioPID, mpegts.StreamTypeAAC); err != nil {
		return err
	}
	w.audio = t
	w.log.Debug("audio track added", "sample_rate", t.sampleRate, "channels", t.channels)
	return nil
}

func (w *Writer) usable() error {
	switch {
	case w.closed:
		return ErrClosed
	case w.err != nil:
		return w.err
	}
	return nil
}

// WriteVideo writes an encoded access unit, or hands a raw picture to the
// encoder. Raw pictures that do not match the track are rendered to it.
func (w *Writer) WriteVideo(frame *media.VideoFrame) error {
	w.mu.Lock()
	if err := w.usable(); err != nil {
		w.mu.Unlock()
		return err
	}
	if w.video == nil {
		w.mu.Unlock()
		return ErrNoVideoTrack
	}

	if frame.Encoded() {
		defer w.mu.Unlock()
		if frame.Codec != "" && frame.Codec != w.video.codec {
			return fmt.Errorf("%w: %s into %s", ErrCodecMismatch, frame.Codec, w.video.codec)
		}
		return w.writeAccessUnit(frame.NALUs, frame, frame.PTS, frame.DTS, frame.IsKeyframe)
	}
	if frame.Image == nil {
		w.mu.Unlock()
		return errors.New("tswriter: video frame has neither NAL units nor a picture")
	}

	enc, err := w.encoderLocked(frame.Image)
	if err != nil {
		w.err = err
		w.mu.Unlock()
		return err
	}
	pb, converted, err := w.conform(frame.Image)
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.pending = append(w.pending, frame.PTS)
	w.lastRaw = frame.PTS
	w.mu.Unlock()

	err = enc.Encode(pb)
	if converted {
		pb.Release()
	}
	if err != nil {
		w.mu.Lock()
		if n := len(w.pending); n > 0 {
			w.pending = w.pending[:n-1]
		}
		w.mu.Unlock()
	}
	return err
}

// conform returns pb, or a rendered copy when it is not an I420 picture of
// the track's size.
func (w *Writer) conform(pb *media.PixelBuffer) (*media.PixelBuffer, bool, error) {
	if pb.Format == media.PixelFormatI420 && pb.Width == w.video.width && pb.Height == w.video.height {
		return pb, false, nil
	}
	if w.renderer == nil {
		r, err := render.New(w.video.width, w.video.height, w.video.scaling)
		if err != nil {
			return nil, false, err
		}
		w.renderer = r
	}
	out, err := w.renderer.Render(pb)
	return out, err == nil, err
}

// encoderLocked starts the encoder on the first raw picture. A track with
// no configured size takes the picture's.
func (w *Writer) encoderLocked(pb *media.PixelBuffer) (Encoder, error) {
	if w.enc != nil {
		return w.enc, nil
	}
	if w.video.width <= 0 || w.video.height <= 0 {
		w.video.width, w.video.height = pb.Width, pb.Height
	}
	cfg := ffmpeg.EncoderConfig{
		Codec:       w.video.codec,
		Width:       w.video.width,
		Height:      w.video.height,
		FrameRate:   w.video.frameRate,
		BitRate:     w.video.bitRate,
		KeyInterval: w.video.gop,
		Profile:     w.video.profile,
	}
	enc, err := w.newEncoder(w.ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tswriter: start encoder: %w", err)
	}
	w.enc = enc
	w.encDone = make(chan struct{})
	go w.drain(enc)
	return enc, nil
}

func (w *Writer) drain(enc Encoder) {
	defer close(w.encDone)
	step := media.FrameDuration(w.video.frameRate)
	for u := range enc.Units() {
		w.mu.Lock()
		pts := w.lastRaw + step
		if len(w.pending) > 0 {
			pts = w.pending[0]
			w.pending = w.pending[1:]
		}
		if w.err == nil {
			if err := w.writeAccessUnit(u.NALUs, nil, pts, pts, u.Keyframe); err != nil {
				w.log.Warn("encoded frame write failed", "error", err)
			}
		}
		w.mu.Unlock()
	}
}

// writeAccessUnit muxes one access unit. Key frames without in-band
// parameter sets get them from params.
func (w *Writer) writeAccessUnit(nalus [][]byte, params *media.VideoFrame, pts, dts time.Duration, key bool) error {
	hevc := w.video.codec == media.CodecH265
	size := 0
	for _, n := range nalus {
		size += len(n) + 4
	}
	data := make([]byte, 0, size+256)
	if key && params != nil && !hasParameterSets(nalus, hevc) {
		for _, ps := range [][]byte{params.VPS, params.SPS, params.PPS} {
			if len(ps) > 0 {
				data = appendNAL(data, ps)
			}
		}
	}
	for _, n := range nalus {
		data = appendNAL(data, n)
	}

	dtsTicks := int64(-1)
	if dts != pts {
		dtsTicks = media.ToTicks(dts + ClockBase)
	}
	if err := w.mux.WritePES(VideoPID, media.ToTicks(pts+ClockBase), dtsTicks, data, key); err != nil {
		w.err = fmt.Errorf("tswriter: write video: %w", err)
		return w.err
	}
	w.videoFrames++
	return nil
}

// WriteAudio writes one AAC frame. Raw AAC payloads are wrapped in ADTS.
func (w *Writer) WriteAudio(frame *media.AudioFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.usable(); err != nil {
		return err
	}
	if w.audio == nil {
		return ErrNoAudioTrack
	}
	data := frame.Data
	if len(data) < 2 || data[0] != 0xFF || data[1]&0xF0 != 0xF0 {
		rate, ch := frame.SampleRate, frame.Channels
		if rate <= 0 {
			rate = w.audio.sampleRate
		}
		if ch <= 0 {
			ch = w.audio.channels
		}
		wrapped, err := demux.BuildADTS(data, rate, ch)
		if err != nil {
			return fmt.Errorf("tswriter: %w", err)
		}
		data = wrapped
	}
	if err := w.mux.WritePES(AudioPID, media.ToTicks(frame.PTS+ClockBase), -1, data, false); err != nil {
		w.err = fmt.Errorf("tswriter: write audio: %w", err)
		return w.err
	}
	w.audioFrames++
	return nil
}

// WriteChapter writes a chapter marker for chapter n of total starting at
// at and lasting dur.
func (w *Writer) WriteChapter(n, total int, at, dur time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.usable(); err != nil {
		return err
	}
	if !w.cues {
		return ErrNoCues
	}
	marker := scte35.ChapterMarker(uint32(n), uint64(media.ToTicks(at+ClockBase)), uint64(media.ToTicks(dur)), n, total)
	if err := w.mux.WriteSection(CuePID, marker.Encode()); err != nil {
		w.err = fmt.Errorf("tswriter: write chapter: %w", err)
		return w.err
	}
	return nil
}

// Close flushes the encoder and the file. It is safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	enc, done := w.enc, w.encDone
	w.mu.Unlock()

	var encErr error
	if enc != nil {
		encErr = enc.Close()
		<-done
	}
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	flushErr := w.bw.Flush()
	closeErr := w.f.Close()
	w.log.Debug("clip file closed", "video_frames", w.videoFrames, "audio_frames", w.audioFrames, "bytes", w.mux.BytesWritten())
	return errors.Join(w.err, encErr, flushErr, closeErr)
}

func hasParameterSets(nalus [][]byte, hevc bool) bool {
	for _, n := range nalus {
		h := nalHeader(n)
		if h < 0 {
			continue
		}
		if hevc {
			if t := demux.HEVCNALType(byte(h)); demux.IsHEVCSPS(t) {
				return true
			}
		} else if demux.IsSPS(byte(h) & 0x1F) {
			return true
		}
	}
	return false
}

// nalHeader returns the first header byte of n, skipping any start code.
func nalHeader(n []byte) int {
	i := startCodeLen(n)
	if i >= len(n) {
		return -1
	}
	return int(n[i])
}

func startCodeLen(n []byte) int {
	switch {
	case len(n) >= 4 && n[0] == 0 && n[1] == 0 && n[2] == 0 && n[3] == 1:
		return 4
	case len(n) >= 3 && n[0] == 0 && n[1] == 0 && n[2] == 1:
		return 3
	default:
		return 0
	}
}

func appendNAL(dst, n []byte) []byte {
	if startCodeLen(n) == 0 {
		dst = append(dst, 0, 0, 0, 1)
	}
	return append(dst, n...)
}
