package preview

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/zsiec/reel/media"
)

// testSPS is a 640x480 25 fps baseline SPS.
var testSPS = []byte{
	0x67, 0x42, 0x00, 0x1E, 0xDA, 0x02, 0x80, 0xF6, 0x9B, 0x20,
	0x00, 0x00, 0x03, 0x00, 0x20, 0x00, 0x00, 0x06, 0x58,
}

var testPPS = []byte{0x68, 0xCE, 0x38, 0x80}

func keyframe(pts time.Duration) *media.VideoFrame {
	return &media.VideoFrame{
		PTS:        pts,
		IsKeyframe: true,
		Codec:      media.CodecH264,
		SPS:        testSPS,
		PPS:        testPPS,
		NALUs: [][]byte{
			append([]byte{0, 0, 0, 1}, testSPS...),
			append([]byte{0, 0, 0, 1}, testPPS...),
			{0, 0, 0, 1, 0x65, 0x88, 0x84},
		},
	}
}

func delta(pts time.Duration) *media.VideoFrame {
	return &media.VideoFrame{PTS: pts, Codec: media.CodecH264, NALUs: [][]byte{{0, 0, 1, 0x41, 0x9A}}}
}

func TestObjectFraming(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w, err := newObjectWriter(&buf, 7, 3, priorityVideo)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.writeVideo(keyframe(40 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if _, err := w.writeVideo(delta(80 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	adts := []byte{0xFF, 0xF1, 0x4C, 0x80, 0x01, 0x3F, 0xFC, 0xAA, 0xBB}
	if _, err := w.writeAudio(&media.AudioFrame{PTS: 100 * time.Millisecond, Data: adts}); err != nil {
		t.Fatal(err)
	}

	r, err := newObjectReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if r.Alias != 7 || r.Group != 3 {
		t.Errorf("got alias %d group %d, want 7, 3", r.Alias, r.Group)
	}

	key, err := r.next()
	if err != nil {
		t.Fatal(err)
	}
	if key.ID != 0 || !key.Keyframe || key.Timestamp != 40000 {
		t.Errorf("key object: id=%d keyframe=%v ts=%d", key.ID, key.Keyframe, key.Timestamp)
	}
	if want := avcConfig(testSPS, testPPS); !bytes.Equal(key.Config, want) {
		t.Errorf("config = % x, want % x", key.Config, want)
	}
	// Three NAL units, each behind a 4-byte length.
	if got, want := len(key.Payload), 3*4+len(testSPS)+len(testPPS)+3; got != want {
		t.Errorf("payload length %d, want %d", got, want)
	}

	d, err := r.next()
	if err != nil {
		t.Fatal(err)
	}
	if d.ID != 1 || d.Keyframe || d.Config != nil {
		t.Errorf("delta object: id=%d keyframe=%v config=%v", d.ID, d.Keyframe, d.Config)
	}
	if want := []byte{0, 0, 0, 2, 0x41, 0x9A}; !bytes.Equal(d.Payload, want) {
		t.Errorf("delta payload = % x, want % x", d.Payload, want)
	}

	a, err := r.next()
	if err != nil {
		t.Fatal(err)
	}
	if a.Timestamp != 100000 || !bytes.Equal(a.Payload, []byte{0xAA, 0xBB}) {
		t.Errorf("audio object: ts=%d payload=% x", a.Timestamp, a.Payload)
	}
	if _, err := r.next(); !errors.Is(err, io.EOF) {
		t.Errorf("after last object: got %v, want EOF", err)
	}
}

func TestObjectReaderRejectsOtherStreams(t *testing.T) {
	t.Parallel()
	if _, err := newObjectReader(bytes.NewReader([]byte{0x04, 1, 0, 0, 0})); err == nil {
		t.Error("accepted a non-subgroup stream")
	}
	var pe *ParseError
	if _, err := newObjectReader(bytes.NewReader([]byte{0x0d, 1})); !errors.As(err, &pe) || pe.Field != "group_id" {
		t.Errorf("truncated header: got %v, want group_id parse error", err)
	}
}

func TestStripADTS(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   []byte
		want []byte
	}{
		{"no crc", []byte{0xFF, 0xF1, 0, 0, 0, 0, 0, 0x01}, []byte{0x01}},
		{"crc", []byte{0xFF, 0xF0, 0, 0, 0, 0, 0, 0, 0, 0x02}, []byte{0x02}},
		{"raw", []byte{0x21, 0x10, 0x05}, []byte{0x21, 0x10, 0x05}},
		{"header only", []byte{0xFF, 0xF1, 0, 0, 0, 0, 0}, []byte{0xFF, 0xF1, 0, 0, 0, 0, 0}},
	}
	for _, tt := range tests {
		if got := stripADTS(tt.in); !bytes.Equal(got, tt.want) {
			t.Errorf("%s: got % x, want % x", tt.name, got, tt.want)
		}
	}
}

func TestAVCConfig(t *testing.T) {
	t.Parallel()
	cfg := avcConfig(testSPS, testPPS)
	if len(cfg) != 11+len(testSPS)+len(testPPS) {
		t.Fatalf("got %d bytes", len(cfg))
	}
	if cfg[0] != 1 || cfg[1] != 0x42 || cfg[3] != 0x1E || cfg[4] != 0xFF || cfg[5] != 0xE1 {
		t.Errorf("header = % x", cfg[:6])
	}
	if avcConfig(testSPS[:3], testPPS) != nil || avcConfig(testSPS, nil) != nil {
		t.Error("built a record from incomplete parameter sets")
	}
}

func TestControlFraming(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := writeControl(&buf, msgSubscribe, subscribeMsg{RequestID: 9, Track: TrackAudio}.encode()); err != nil {
		t.Fatal(err)
	}
	if err := writeControl(&buf, msgUnsubscribe, encodeUnsubscribe(9)); err != nil {
		t.Fatal(err)
	}
	if err := writeControl(&buf, msgCatalog, make([]byte, maxPayload+1)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("oversized payload: got %v, want %v", err, ErrPayloadTooLarge)
	}

	r := bufio.NewReader(&buf)
	typ, payload, err := readControl(r)
	if err != nil || typ != msgSubscribe {
		t.Fatalf("got type %#x, %v", typ, err)
	}
	sub, err := parseSubscribe(payload)
	if err != nil || sub.RequestID != 9 || sub.Track != TrackAudio {
		t.Errorf("got %+v, %v", sub, err)
	}
	typ, payload, err = readControl(r)
	if err != nil || typ != msgUnsubscribe {
		t.Fatalf("got type %#x, %v", typ, err)
	}
	if id, err := parseUnsubscribe(payload); err != nil || id != 9 {
		t.Errorf("got %d, %v", id, err)
	}
	if _, _, err := readControl(r); !errors.Is(err, io.EOF) {
		t.Errorf("at end: got %v, want EOF", err)
	}
}

func TestParseSubscribeTruncated(t *testing.T) {
	t.Parallel()
	// Track name claims five bytes, carries two.
	_, err := parseSubscribe([]byte{0x01, 0x05, 'v', 'i'})
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Field != "track_name" || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("got %v, want track_name unexpected EOF", err)
	}
}
