package demux

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/zsiec/reel/internal/mpegts"
	"github.com/zsiec/reel/internal/scte35"
	"github.com/zsiec/reel/media"
)

const (
	testVideoPID = 0x100
	testAudioPID = 0x101
	testCuePID   = 0x102
	testStart    = 9000 // 100ms
	testStep     = 3600 // 40ms at 25 fps
)

func startCode(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

// buildTestStream muxes four 25 fps H.264 frames (one IDR), two 48 kHz ADTS
// frames per video frame, and a chapter cue.
func buildTestStream(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	m := mpegts.NewMuxer(&buf)
	for pid, st := range map[uint16]mpegts.StreamType{
		testVideoPID: mpegts.StreamTypeH264,
		testAudioPID: mpegts.StreamTypeAAC,
		testCuePID:   mpegts.StreamTypeSCTE35,
	} {
		if err := m.AddStream(pid, st); err != nil {
			t.Fatal(err)
		}
	}

	sps := baselineSPS(40, 30, 1, 50)
	pps := []byte{0x68, 0xCE, 0x38, 0x80}
	aud := []byte{0x09, 0xF0}
	adts, err := BuildADTS([]byte{0x21, 0x10, 0x05}, 48000, 2)
	if err != nil {
		t.Fatal(err)
	}

	for i := range 4 {
		pts := int64(testStart + i*testStep)
		au := startCode(aud, []byte{0x41, 0x9A, byte(i + 1)})
		if i == 0 {
			au = startCode(aud, sps, pps, []byte{0x65, 0x88, 0x84, 0x21})
		}
		if err := m.WritePES(testVideoPID, pts, -1, au, i == 0); err != nil {
			t.Fatal(err)
		}
		if err := m.WritePES(testAudioPID, pts, -1, append(append([]byte(nil), adts...), adts...), false); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.WriteSection(testCuePID, scte35.ChapterMarker(1, testStart, 0, 1, 2).Encode()); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type recorder struct {
	video, audio, captions int
	keyframes              int
	codec                  string
	width, height          int
	cues                   []Cue
}

func (r *recorder) RecordVideoFrame(_ int64, key bool, _ time.Duration) {
	r.video++
	if key {
		r.keyframes++
	}
}

func (r *recorder) RecordAudioFrame(int, int64, time.Duration, int, int) { r.audio++ }
func (r *recorder) RecordCaption(int)                                    { r.captions++ }
func (r *recorder) RecordResolution(w, h int)                            { r.width, r.height = w, h }
func (r *recorder) RecordVideoCodec(codec string)                        { r.codec = codec }
func (r *recorder) RecordCue(cue Cue)                                    { r.cues = append(r.cues, cue) }

func TestDemuxerFrames(t *testing.T) {
	t.Parallel()
	d := NewDemuxer(bytes.NewReader(buildTestStream(t)), nil)
	rec := &recorder{}
	d.SetStats(rec)

	// Output is small enough to fit the channel buffers.
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	select {
	case <-d.PMTReady():
	default:
		t.Error("PMTReady not closed")
	}

	var video []*media.VideoFrame
	for f := range d.Video() {
		video = append(video, f)
	}
	if len(video) != 4 {
		t.Fatalf("got %d video frames, want 4", len(video))
	}
	key := video[0]
	if !key.IsKeyframe || video[1].IsKeyframe {
		t.Errorf("keyframes = %v/%v, want true/false", key.IsKeyframe, video[1].IsKeyframe)
	}
	if len(key.NALUs) != 3 {
		t.Errorf("key frame NALUs = %d, want 3 (AUD dropped)", len(key.NALUs))
	}
	for _, n := range key.NALUs {
		if !bytes.HasPrefix(n, []byte{0, 0, 0, 1}) {
			t.Errorf("NALU % x lacks a start code", n[:4])
		}
	}
	if key.SPS == nil || key.PPS == nil || video[3].SPS == nil {
		t.Error("parameter sets not carried")
	}
	if key.Format == nil || key.Format.Width != 640 || key.Format.Height != 480 || key.Format.FrameRate != 25 {
		t.Fatalf("format = %+v, want 640x480@25", key.Format)
	}
	for i, f := range video {
		want := media.FromTicks(int64(testStart + i*testStep))
		if f.PTS != want || f.DTS != want {
			t.Errorf("frame %d PTS/DTS = %v/%v, want %v", i, f.PTS, f.DTS, want)
		}
		if f.Duration != 40*time.Millisecond {
			t.Errorf("frame %d duration = %v, want 40ms", i, f.Duration)
		}
	}

	var audio []*media.AudioFrame
	for f := range d.Audio() {
		audio = append(audio, f)
	}
	if len(audio) != 8 {
		t.Fatalf("got %d audio frames, want 8", len(audio))
	}
	aacDur := media.AACFrameDuration(48000)
	if got, want := audio[1].PTS, audio[0].PTS+aacDur; got != want {
		t.Errorf("second ADTS frame PTS = %v, want %v", got, want)
	}
	if audio[0].Format == nil || audio[0].Format.SampleRate != 48000 || audio[0].Format.Channels != 2 {
		t.Errorf("audio format = %+v", audio[0].Format)
	}

	var cues []Cue
	for c := range d.Cues() {
		cues = append(cues, c)
	}
	if len(cues) != 1 {
		t.Fatalf("got %d cues, want 1", len(cues))
	}
	if cues[0].PTS != 100*time.Millisecond || cues[0].Immediate {
		t.Errorf("cue PTS = %v immediate = %v", cues[0].PTS, cues[0].Immediate)
	}
	if ch, ok := cues[0].Chapter(); !ok || ch.SegmentNum != 1 || ch.SegmentsExpected != 2 {
		t.Errorf("chapter = %+v, %v", ch, ok)
	}

	if rec.video != 4 || rec.keyframes != 1 || rec.audio != 8 || len(rec.cues) != 1 {
		t.Errorf("stats = %+v", rec)
	}
	if rec.codec != media.CodecH264 || rec.width != 640 || rec.height != 480 {
		t.Errorf("stats codec/size = %s %dx%d", rec.codec, rec.width, rec.height)
	}
	if tracks := d.AudioTracks(); len(tracks) != 1 || tracks[0].PID != testAudioPID {
		t.Errorf("audio tracks = %+v", tracks)
	}
}

func TestProbe(t *testing.T) {
	t.Parallel()
	info, err := Probe(context.Background(), bytes.NewReader(buildTestStream(t)), nil)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !info.HasVideo() || !info.HasAudio() {
		t.Fatalf("info = %+v", info)
	}
	if info.VideoFrames != 4 || info.Keyframes != 1 || info.AudioFrames != 8 {
		t.Errorf("counts = %d/%d/%d", info.VideoFrames, info.Keyframes, info.AudioFrames)
	}
	if info.VideoCodec != media.CodecH264 || info.Width != 640 || info.Height != 480 {
		t.Errorf("video = %s %dx%d", info.VideoCodec, info.Width, info.Height)
	}
	if info.SampleRate != 48000 || info.Channels != 2 || info.AudioTracks != 1 {
		t.Errorf("audio = %d Hz %d ch %d tracks", info.SampleRate, info.Channels, info.AudioTracks)
	}
	if info.FirstPTS != 100*time.Millisecond || info.LastPTS != 220*time.Millisecond {
		t.Errorf("PTS range = %v..%v, want 100ms..220ms", info.FirstPTS, info.LastPTS)
	}
	// Audio outlasts video: the last ADTS pair starts at 220ms.
	want := media.FromTicks(testStart+3*testStep) + 2*media.AACFrameDuration(48000) - media.FromTicks(testStart)
	if info.Duration != want {
		t.Errorf("Duration = %v, want %v", info.Duration, want)
	}
	if len(info.Chapters) != 1 || info.Chapters[0] != (Chapter{PTS: 100 * time.Millisecond, Number: 1, Total: 2}) {
		t.Errorf("chapters = %+v", info.Chapters)
	}
}

func TestProbeEmpty(t *testing.T) {
	t.Parallel()
	info, err := Probe(context.Background(), bytes.NewReader(nil), nil)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.HasVideo() || info.HasAudio() || info.Duration != 0 {
		t.Errorf("info = %+v, want empty", info)
	}
}

func TestDemuxerCanceled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := NewDemuxer(bytes.NewReader(buildTestStream(t)), nil)
	if err := d.Run(ctx); err != context.Canceled {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
	if _, ok := <-d.Video(); ok {
		t.Error("video channel not closed")
	}
}

func TestCaptionDecoderIgnoresPlainSEI(t *testing.T) {
	t.Parallel()
	c := newCaptionDecoder()
	// user_data_unregistered SEI, no A/53 payload.
	sei := []byte{0x06, 0x05, 0x01, 0xAA, 0x80}
	if got := c.decode(sei, 0, 0); len(got) != 0 {
		t.Errorf("decode = %d frames, want 0", len(got))
	}
}

func TestDuplicateControlCodes(t *testing.T) {
	t.Parallel()
	c := newCaptionDecoder()
	if c.duplicateControl(0, 0x14, 0x2C, 10) {
		t.Error("first control pair treated as duplicate")
	}
	if !c.duplicateControl(0, 0x14, 0x2C, 11) {
		t.Error("repeated control pair not dropped")
	}
	if c.duplicateControl(0, 0x14, 0x2C, 12) {
		t.Error("third send dropped; only the immediate repeat is")
	}
	if c.duplicateControl(0, 0x14, 0x2C, 20) {
		t.Error("repeat after a long gap dropped")
	}
	if c.duplicateControl(1, 0x41, 0x42, 21) {
		t.Error("text pair treated as control")
	}
}
