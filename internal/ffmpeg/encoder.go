package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"

	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/media"
)

// ErrEncoderClosed is returned by Encode after Close.
var ErrEncoderClosed = errors.New("ffmpeg: encoder closed")

// EncoderConfig describes the elementary stream an Encoder produces.
type EncoderConfig struct {
	Codec       string // media.CodecH264 or media.CodecH265
	Width       int
	Height      int
	FrameRate   float64
	BitRate     int // bits per second; 0 lets the encoder choose
	KeyInterval int // frames between keyframes; 0 means one per second
	Profile     string
}

func (c EncoderConfig) validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("ffmpeg: invalid encoder size %dx%d", c.Width, c.Height)
	}
	if c.Codec != media.CodecH264 && c.Codec != media.CodecH265 {
		return fmt.Errorf("ffmpeg: unsupported encoder codec %q", c.Codec)
	}
	return nil
}

func (c EncoderConfig) args() []string {
	fps := c.FrameRate
	if fps <= 0 {
		fps = 30
	}
	gop := c.KeyInterval
	if gop <= 0 {
		gop = int(fps + 0.5)
	}
	rate := strconv.FormatFloat(fps, 'f', -1, 64)

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo", "-pix_fmt", "yuv420p",
		"-s", fmt.Sprintf("%dx%d", c.Width, c.Height),
		"-r", rate,
		"-i", "pipe:0",
	}
	switch c.Codec {
	case media.CodecH265:
		args = append(args, "-c:v", "libx265", "-preset", "veryfast", "-tune", "zerolatency",
			"-x265-params", "bframes=0:repeat-headers=1")
	default:
		args = append(args, "-c:v", "libx264", "-preset", "veryfast", "-tune", "zerolatency", "-bf", "0")
		if c.Profile != "" {
			args = append(args, "-profile:v", c.Profile)
		}
	}
	args = append(args, "-g", strconv.Itoa(gop))
	if c.BitRate > 0 {
		args = append(args, "-b:v", strconv.Itoa(c.BitRate))
	}
	bsf, format := "h264_metadata=aud=insert", "h264"
	if c.Codec == media.CodecH265 {
		bsf, format = "hevc_metadata=aud=insert", "hevc"
	}
	return append(args, "-bsf:v", bsf, "-f", format, "pipe:1")
}

// Unit is one encoded access unit. NALUs carry Annex B start codes; the
// access unit delimiter is stripped.
type Unit struct {
	NALUs    [][]byte
	Keyframe bool
}

// Encoder compresses raw I420 pictures into H.264 or H.265 access units with
// an ffmpeg subprocess. Units come out in input order, one per Encode.
type Encoder struct {
	cfg   EncoderConfig
	log   *slog.Logger
	cmd   *exec.Cmd
	stdin io.WriteCloser
	units chan Unit

	stderr   *tailBuffer
	done     chan struct{}
	readErr  error
	mu       sync.Mutex
	closed   bool
	closeErr error
}

// NewEncoder starts ffmpeg for cfg. The subprocess lives until Close or ctx
// is canceled.
func NewEncoder(ctx context.Context, cfg EncoderConfig, log *slog.Logger) (*Encoder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := Available(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	cmd := exec.CommandContext(ctx, Binary, cfg.args()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	e := &Encoder{
		cfg:    cfg,
		log:    log.With("component", "encoder", "codec", cfg.Codec),
		cmd:    cmd,
		stdin:  stdin,
		units:  make(chan Unit, media.VideoBufferSize),
		stderr: &tailBuffer{},
		done:   make(chan struct{}),
	}
	cmd.Stderr = e.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	go e.read(stdout)
	e.log.Debug("encoder started", "width", cfg.Width, "height", cfg.Height, "fps", cfg.FrameRate)
	return e, nil
}

// Units delivers encoded access units. It is closed once the encoder has
// flushed after Close.
func (e *Encoder) Units() <-chan Unit { return e.units }

// Encode queues pb for compression. The buffer must be I420 and match the
// configured size; it may be released as soon as Encode returns.
func (e *Encoder) Encode(pb *media.PixelBuffer) error {
	if pb.Format != media.PixelFormatI420 {
		return fmt.Errorf("ffmpeg: encoder wants i420, got %s", pb.Format)
	}
	if pb.Width != e.cfg.Width || pb.Height != e.cfg.Height {
		return fmt.Errorf("ffmpeg: frame is %dx%d, encoder is %dx%d", pb.Width, pb.Height, e.cfg.Width, e.cfg.Height)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEncoderClosed
	}
	if _, err := e.stdin.Write(packedI420(pb)); err != nil {
		return fmt.Errorf("ffmpeg: write frame: %w, stderr: %s", err, e.stderr)
	}
	return nil
}

// packedI420 returns the planes without row padding.
func packedI420(pb *media.PixelBuffer) []byte {
	cw, ch := (pb.Width+1)/2, (pb.Height+1)/2
	out := make([]byte, 0, pb.Width*pb.Height+2*cw*ch)
	out = appendPlane(out, pb.Planes[0], pb.Strides[0], pb.Width, pb.Height)
	out = appendPlane(out, pb.Planes[1], pb.Strides[1], cw, ch)
	return appendPlane(out, pb.Planes[2], pb.Strides[2], cw, ch)
}

func appendPlane(out, plane []byte, stride, w, h int) []byte {
	if stride == w {
		return append(out, plane[:w*h]...)
	}
	for y := range h {
		out = append(out, plane[y*stride:y*stride+w]...)
	}
	return out
}

// Close flushes pending frames, waits for the last units to be delivered,
// and stops ffmpeg.
func (e *Encoder) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return e.closeErr
	}
	e.closed = true
	e.mu.Unlock()

	stdinErr := e.stdin.Close()
	<-e.done
	waitErr := e.cmd.Wait()
	if waitErr != nil {
		waitErr = fmt.Errorf("ffmpeg failed: %w, stderr: %s", waitErr, e.stderr)
	}
	e.closeErr = errors.Join(stdinErr, e.readErr, waitErr)
	return e.closeErr
}

func (e *Encoder) read(r io.Reader) {
	defer close(e.done)
	defer close(e.units)

	split := newAUSplitter(e.cfg.Codec == media.CodecH265)
	br := bufio.NewReaderSize(r, 64<<10)
	buf := make([]byte, 32<<10)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			for _, au := range split.push(buf[:n]) {
				e.emit(au)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.readErr = err
			}
			break
		}
	}
	if au := split.flush(); au != nil {
		e.emit(au)
	}
}

func (e *Encoder) emit(au []byte) {
	u, ok := makeUnit(au, e.cfg.Codec == media.CodecH265)
	if ok {
		e.units <- u
	}
}

func makeUnit(au []byte, hevc bool) (Unit, bool) {
	nalus := demux.ParseAnnexB(au)
	if hevc {
		nalus = demux.ParseAnnexBHEVC(au)
	}
	var u Unit
	for _, n := range nalus {
		if hevc {
			if n.Type == demux.HEVCNALAUD {
				continue
			}
			u.Keyframe = u.Keyframe || demux.IsHEVCKeyframe(n.Type)
		} else {
			if n.Type == demux.NALTypeAUD {
				continue
			}
			u.Keyframe = u.Keyframe || demux.IsKeyframe(n.Type)
		}
		u.NALUs = append(u.NALUs, append([]byte{0, 0, 0, 1}, n.Data...))
	}
	return u, len(u.NALUs) > 0
}

// auSplitter cuts an Annex B byte stream into access units at each access
// unit delimiter.
type auSplitter struct {
	hevc bool
	buf  []byte
	scan int // offset up to which buf has been searched
}

func newAUSplitter(hevc bool) *auSplitter { return &auSplitter{hevc: hevc} }

func (s *auSplitter) isAUD(header byte) bool {
	if s.hevc {
		return demux.HEVCNALType(header) == demux.HEVCNALAUD
	}
	return header&0x1F == demux.NALTypeAUD
}

// push appends data and returns every access unit completed by it.
func (s *auSplitter) push(data []byte) [][]byte {
	s.buf = append(s.buf, data...)
	var out [][]byte
	i := max(s.scan, 0)
	for ; i+3 < len(s.buf); i++ {
		if s.buf[i] != 0 || s.buf[i+1] != 0 || s.buf[i+2] != 1 || !s.isAUD(s.buf[i+3]) {
			continue
		}
		cut := i
		if cut > 0 && s.buf[cut-1] == 0 {
			cut--
		}
		if cut > 0 {
			out = append(out, append([]byte(nil), s.buf[:cut]...))
			s.buf = s.buf[cut:]
			i -= cut
		}
	}
	s.scan = i
	return out
}

// flush returns whatever remains buffered as the final access unit.
func (s *auSplitter) flush() []byte {
	if len(s.buf) == 0 {
		return nil
	}
	au := s.buf
	s.buf, s.scan = nil, 0
	return au
}
