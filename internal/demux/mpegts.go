package demux

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/zsiec/ccx"
	"github.com/zsiec/reel/internal/mpegts"
	"github.com/zsiec/reel/internal/scte35"
	"github.com/zsiec/reel/media"
)

// Side-channel buffer sizes. Captions and cues are dropped rather than
// blocking the demux loop when nobody drains them.
const (
	captionBufferSize = 32
	cueBufferSize     = 8
)

// AudioTrackInfo associates an MPEG-TS PID with its zero-based track index.
type AudioTrackInfo struct {
	PID        uint16
	TrackIndex int
}

// StatsRecorder receives telemetry for every unit the Demuxer emits.
type StatsRecorder interface {
	RecordVideoFrame(bytes int64, keyframe bool, pts time.Duration)
	RecordAudioFrame(track int, bytes int64, pts time.Duration, sampleRate, channels int)
	RecordCaption(channel int)
	RecordResolution(width, height int)
	RecordVideoCodec(codec string)
	RecordCue(cue Cue)
}

// Cue is a SCTE-35 splice section found in the stream. PTS is the splice
// time on the stream's clock; Immediate cues carry no time and apply at
// ReceivedAt.
type Cue struct {
	PID        uint16
	PTS        time.Duration
	Immediate  bool
	Section    *scte35.SpliceInfoSection
	ReceivedAt time.Time
}

// Chapter returns the first segmentation descriptor on the cue, if any.
func (c Cue) Chapter() (*scte35.SegmentationDescriptor, bool) {
	for _, d := range c.Section.Descriptors {
		if d.SegmentationTypeID == scte35.SegmentationTypeChapterStart {
			return d, true
		}
	}
	return nil, false
}

// Demuxer splits an MPEG-TS byte stream into video frames, audio frames,
// CEA-608/708 captions, and SCTE-35 cues. Video and audio channels apply
// backpressure; caption and cue channels drop when full.
type Demuxer struct {
	log       *slog.Logger
	reader    io.Reader
	videoCh   chan *media.VideoFrame
	audioCh   chan *media.AudioFrame
	captionCh chan *ccx.CaptionFrame
	cueCh     chan Cue
	stats     StatsRecorder

	videoPID    uint16
	hevc        bool
	audioPIDs   map[uint16]int
	audioTracks []AudioTrackInfo
	cuePIDs     map[uint16]bool
	pmtReady    chan struct{}
	pmtSeen     bool

	sps, pps, vps []byte
	format        *media.VideoFormat
	videoCount    int64

	captions *captionDecoder
}

// NewDemuxer creates a Demuxer that reads MPEG-TS packets from r. If log is
// nil, slog.Default() is used.
func NewDemuxer(r io.Reader, log *slog.Logger) *Demuxer {
	if log == nil {
		log = slog.Default()
	}
	return &Demuxer{
		log:       log.With("component", "demux"),
		reader:    r,
		videoCh:   make(chan *media.VideoFrame, media.VideoBufferSize),
		audioCh:   make(chan *media.AudioFrame, media.AudioBufferSize),
		captionCh: make(chan *ccx.CaptionFrame, captionBufferSize),
		cueCh:     make(chan Cue, cueBufferSize),
		audioPIDs: make(map[uint16]int),
		cuePIDs:   make(map[uint16]bool),
		pmtReady:  make(chan struct{}),
		captions:  newCaptionDecoder(),
	}
}

// Video returns the channel of parsed video access units.
func (d *Demuxer) Video() <-chan *media.VideoFrame { return d.videoCh }

// Audio returns the channel of parsed AAC frames.
func (d *Demuxer) Audio() <-chan *media.AudioFrame { return d.audioCh }

// Captions returns decoded caption text. Caption PTS values are in
// microseconds.
func (d *Demuxer) Captions() <-chan *ccx.CaptionFrame { return d.captionCh }

// Cues returns SCTE-35 cues.
func (d *Demuxer) Cues() <-chan Cue { return d.cueCh }

// AudioTracks returns the audio tracks discovered so far.
func (d *Demuxer) AudioTracks() []AudioTrackInfo { return d.audioTracks }

// PMTReady is closed once the first PMT has been parsed.
func (d *Demuxer) PMTReady() <-chan struct{} { return d.pmtReady }

// SetStats attaches a StatsRecorder. It must be called before Run.
func (d *Demuxer) SetStats(s StatsRecorder) { d.stats = s }

// Run demuxes until EOF or context cancellation and closes every output
// channel on return. EOF is not an error.
func (d *Demuxer) Run(ctx context.Context) error {
	defer close(d.videoCh)
	defer close(d.audioCh)
	defer close(d.captionCh)
	defer close(d.cueCh)

	dmx := mpegts.NewDemuxer(ctx, d.reader)
	for {
		data, err := dmx.NextData()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch {
		case data.PMT != nil:
			d.handlePMT(data.PMT)
		case data.Section != nil:
			if d.cuePIDs[data.PID()] && data.Section.TableID == 0xFC {
				d.handleCue(data.PID(), data.Section.Data)
			}
		case data.PES != nil:
			if pid := data.PID(); pid == d.videoPID {
				d.handleVideo(ctx, data.PES)
			} else if track, ok := d.audioPIDs[pid]; ok {
				d.handleAudio(ctx, data.PES, track)
			}
		}
	}
}

func (d *Demuxer) handlePMT(pmt *mpegts.PMTData) {
	for _, es := range pmt.ElementaryStreams {
		switch es.StreamType {
		case mpegts.StreamTypeH264, mpegts.StreamTypeH265:
			if d.videoPID == 0 {
				d.videoPID = es.ElementaryPID
				d.hevc = es.StreamType == mpegts.StreamTypeH265
				d.log.Info("found video PID", "pid", es.ElementaryPID, "hevc", d.hevc)
			}
		case mpegts.StreamTypeAAC:
			if _, ok := d.audioPIDs[es.ElementaryPID]; !ok {
				idx := len(d.audioTracks)
				d.audioPIDs[es.ElementaryPID] = idx
				d.audioTracks = append(d.audioTracks, AudioTrackInfo{PID: es.ElementaryPID, TrackIndex: idx})
				d.log.Info("found audio PID", "pid", es.ElementaryPID, "track", idx)
			}
		case mpegts.StreamTypeSCTE35:
			d.cuePIDs[es.ElementaryPID] = true
		}
	}
	if d.pmtSeen {
		return
	}
	d.pmtSeen = true
	if d.stats != nil && d.videoPID != 0 {
		codec := media.CodecH264
		if d.hevc {
			codec = media.CodecH265
		}
		d.stats.RecordVideoCodec(codec)
	}
	close(d.pmtReady)
}

func pesTimestamps(pes *mpegts.PESData) (pts, dts time.Duration) {
	if pes.Header == nil || pes.Header.OptionalHeader == nil {
		return 0, 0
	}
	opt := pes.Header.OptionalHeader
	if opt.PTS != nil {
		pts = media.FromTicks(opt.PTS.Base)
	}
	dts = pts
	if opt.DTS != nil {
		dts = media.FromTicks(opt.DTS.Base)
	}
	return pts, dts
}

func annexB(nalu []byte) []byte {
	return append([]byte{0, 0, 0, 1}, nalu...)
}

func (d *Demuxer) handleVideo(ctx context.Context, pes *mpegts.PESData) {
	if len(pes.Data) == 0 {
		return
	}
	pts, dts := pesTimestamps(pes)

	codec := media.CodecH264
	nalus := ParseAnnexB(pes.Data)
	if d.hevc {
		codec = media.CodecH265
		nalus = ParseAnnexBHEVC(pes.Data)
	}
	if len(nalus) == 0 {
		return
	}

	frame := &media.VideoFrame{PTS: pts, DTS: dts, Codec: codec}
	var size int64
	for _, n := range nalus {
		if d.hevc {
			d.inspectHEVC(ctx, frame, n, pts)
			if n.Type == HEVCNALAUD || n.Type == HEVCNALFillerData {
				continue
			}
		} else {
			d.inspectH264(ctx, frame, n, pts)
			if n.Type == NALTypeAUD || n.Type == NALTypeFillerData {
				continue
			}
		}
		frame.NALUs = append(frame.NALUs, annexB(n.Data))
		size += int64(len(n.Data)) + 4
	}
	if len(frame.NALUs) == 0 {
		return
	}
	frame.SPS = clone(d.sps)
	frame.PPS = clone(d.pps)
	frame.VPS = clone(d.vps)
	if d.format != nil {
		f := *d.format
		frame.Format = &f
		frame.Duration = media.FrameDuration(f.FrameRate)
	}

	d.videoCount++
	if d.stats != nil {
		d.stats.RecordVideoFrame(size, frame.IsKeyframe, pts)
	}
	select {
	case d.videoCh <- frame:
	case <-ctx.Done():
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (d *Demuxer) inspectH264(ctx context.Context, frame *media.VideoFrame, n NALUnit, pts time.Duration) {
	switch {
	case IsSPS(n.Type):
		d.sps = clone(n.Data)
		frame.IsKeyframe = true
		if info, err := ParseSPS(n.Data); err == nil {
			d.setFormat(info.Width, info.Height, media.CodecH264, info.FrameRate)
		}
	case IsPPS(n.Type):
		d.pps = clone(n.Data)
	case IsKeyframe(n.Type):
		frame.IsKeyframe = true
	case n.Type == NALTypeSEI:
		d.emitCaptions(ctx, n.Data, pts)
	}
}

func (d *Demuxer) inspectHEVC(ctx context.Context, frame *media.VideoFrame, n NALUnit, pts time.Duration) {
	switch {
	case IsHEVCVPS(n.Type):
		d.vps = clone(n.Data)
	case IsHEVCSPS(n.Type):
		d.sps = clone(n.Data)
		if info, err := ParseHEVCSPS(n.Data); err == nil {
			d.setFormat(info.Width, info.Height, media.CodecH265, 0)
		}
	case IsHEVCPPS(n.Type):
		d.pps = clone(n.Data)
	case IsHEVCKeyframe(n.Type):
		frame.IsKeyframe = true
	case n.Type == HEVCNALSEIPrefix && len(n.Data) > 2:
		d.emitCaptions(ctx, n.Data, pts)
	}
}

func (d *Demuxer) setFormat(w, h int, codec string, fps float64) {
	if d.format != nil && d.format.Width == w && d.format.Height == h {
		return
	}
	d.format = &media.VideoFormat{Width: w, Height: h, Codec: codec, PixelFormat: media.PixelFormatI420, FrameRate: fps}
	d.log.Info("video format", "width", w, "height", h, "codec", codec, "fps", fps)
	if d.stats != nil {
		d.stats.RecordResolution(w, h)
	}
}

func (d *Demuxer) emitCaptions(ctx context.Context, sei []byte, pts time.Duration) {
	for _, frame := range d.captions.decode(sei, pts.Microseconds(), d.videoCount) {
		if d.stats != nil {
			d.stats.RecordCaption(frame.Channel)
		}
		select {
		case d.captionCh <- frame:
		case <-ctx.Done():
			return
		default:
			d.log.Debug("caption dropped", "channel", frame.Channel)
		}
	}
}

func (d *Demuxer) handleCue(pid uint16, section []byte) {
	sis, err := scte35.DecodeBytes(section)
	if err != nil {
		d.log.Warn("failed to parse SCTE-35", "pid", pid, "error", err)
		return
	}
	cue := Cue{PID: pid, Section: sis, ReceivedAt: time.Now()}
	if pts, ok := sis.PTS(); ok {
		cue.PTS = media.FromTicks(int64(pts))
	} else {
		cue.Immediate = true
	}
	d.log.Debug("SCTE-35 cue", "pid", pid, "command", sis.SpliceCommand.Type(), "pts", cue.PTS)
	if d.stats != nil {
		d.stats.RecordCue(cue)
	}
	select {
	case d.cueCh <- cue:
	default:
		d.log.Debug("cue dropped", "pid", pid)
	}
}

func (d *Demuxer) handleAudio(ctx context.Context, pes *mpegts.PESData, track int) {
	if len(pes.Data) == 0 {
		return
	}
	pts, _ := pesTimestamps(pes)

	frames, err := ParseADTS(pes.Data)
	if err != nil {
		d.log.Warn("failed to parse ADTS", "error", err)
		return
	}
	for i, aac := range frames {
		dur := media.AACFrameDuration(aac.SampleRate)
		frame := &media.AudioFrame{
			PTS:        pts + time.Duration(i)*dur,
			Duration:   dur,
			Data:       aac.Data,
			SampleRate: aac.SampleRate,
			Channels:   aac.Channels,
			TrackIndex: track,
			Format:     &media.AudioFormat{SampleRate: aac.SampleRate, Channels: aac.Channels, Codec: media.CodecAAC},
		}
		if d.stats != nil {
			d.stats.RecordAudioFrame(track, int64(len(aac.Data)), frame.PTS, aac.SampleRate, aac.Channels)
		}
		select {
		case d.audioCh <- frame:
		case <-ctx.Done():
			return
		}
	}
}
