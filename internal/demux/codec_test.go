package demux

import (
	"bytes"
	"testing"
)

func TestParseAnnexB(t *testing.T) {
	t.Parallel()
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42, // SPS, 4-byte start code
		0x00, 0x00, 0x01, 0x68, 0xCE, // PPS, 3-byte start code
		0x00, 0x00, 0x00, 0x01, 0x06, 0xFF, 0xFE, // SEI
		0x00, 0x00, 0x01, 0x65, 0x88, // IDR
	}

	nalus := ParseAnnexB(data)
	wantTypes := []byte{NALTypeSPS, NALTypePPS, NALTypeSEI, NALTypeIDR}
	if len(nalus) != len(wantTypes) {
		t.Fatalf("got %d NAL units, want %d", len(nalus), len(wantTypes))
	}
	for i, want := range wantTypes {
		if nalus[i].Type != want {
			t.Errorf("NALU[%d]: got type %d, want %d", i, nalus[i].Type, want)
		}
	}
	if !bytes.Equal(nalus[2].Data, []byte{0x06, 0xFF, 0xFE}) {
		t.Errorf("SEI data: got % x", nalus[2].Data)
	}
	if !IsKeyframe(nalus[3].Type) || IsKeyframe(nalus[0].Type) {
		t.Error("IsKeyframe should only accept IDR")
	}
	if !IsSPS(nalus[0].Type) || !IsPPS(nalus[1].Type) {
		t.Error("IsSPS/IsPPS mismatch")
	}
}

func TestParseAnnexBTrailingZeroBelongsToStartCode(t *testing.T) {
	t.Parallel()
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x06, 0xAA, 0xBB, 0x00,
		0x00, 0x00, 0x01, 0x41, 0x9A,
	}
	nalus := ParseAnnexB(data)
	if len(nalus) != 2 {
		t.Fatalf("got %d NAL units, want 2", len(nalus))
	}
	if len(nalus[0].Data) != 3 {
		t.Errorf("SEI length: got %d, want 3", len(nalus[0].Data))
	}
	if nalus[1].Type != NALTypeSlice {
		t.Errorf("got type %d, want slice", nalus[1].Type)
	}
}

func TestParseAnnexBShortInput(t *testing.T) {
	t.Parallel()
	if got := ParseAnnexB(nil); got != nil {
		t.Errorf("nil input: got %d units", len(got))
	}
	if got := ParseAnnexB([]byte{0x00, 0x01}); got != nil {
		t.Errorf("short input: got %d units", len(got))
	}
}

func TestParseSPS(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		sps  []byte
		w, h int
	}{
		{"720p-high", []byte{
			0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
			0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
			0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
			0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
		}, 1280, 720},
		{"256x192-main", []byte{
			0x67, 0x4d, 0x40, 0x1f, 0xb9, 0x08, 0x08, 0x0c,
			0xd8, 0x0b, 0x50, 0x10, 0x10, 0x14, 0x00, 0x00,
			0x0f, 0xa4, 0x00, 0x02, 0xee, 0x03, 0x81, 0x80,
			0x04, 0x93, 0xc0, 0x02, 0x49, 0xe8, 0xa0, 0xc0,
			0x3a, 0x8e, 0x18, 0xc9,
		}, 256, 192},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			info, err := ParseSPS(tt.sps)
			if err != nil {
				t.Fatalf("ParseSPS: %v", err)
			}
			if info.Width != tt.w || info.Height != tt.h {
				t.Errorf("got %dx%d, want %dx%d", info.Width, info.Height, tt.w, tt.h)
			}
		})
	}
}

func TestParseSPSCodecString(t *testing.T) {
	t.Parallel()
	info := SPSInfo{ProfileIDC: 0x42, ConstraintFlags: 0xE0, LevelIDC: 0x1E}
	if got, want := info.CodecString(), "avc1.42E01E"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

// bitWriter builds RBSP payloads for hand-made parameter sets.
type bitWriter struct {
	buf  []byte
	bits int
}

func (w *bitWriter) u(n int, v uint) {
	for i := n - 1; i >= 0; i-- {
		if w.bits%8 == 0 {
			w.buf = append(w.buf, 0)
		}
		if v>>uint(i)&1 == 1 {
			w.buf[len(w.buf)-1] |= 1 << (7 - w.bits%8)
		}
		w.bits++
	}
}

func (w *bitWriter) ue(v uint) {
	v++
	n := 0
	for x := v; x > 1; x >>= 1 {
		n++
	}
	w.u(n, 0)
	w.u(n+1, v)
}

// escaped returns the payload with emulation-prevention bytes inserted.
func (w *bitWriter) escaped() []byte {
	var out []byte
	zeros := 0
	for _, b := range w.buf {
		if zeros >= 2 && b <= 3 {
			out = append(out, 3)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

func baselineSPS(widthMbs, heightMbs uint, unitsInTick, timeScale uint) []byte {
	w := &bitWriter{}
	w.u(8, 66) // profile_idc baseline
	w.u(8, 0)  // constraint flags
	w.u(8, 30) // level_idc
	w.ue(0)    // sps id
	w.ue(0)    // log2_max_frame_num_minus4
	w.ue(2)    // pic_order_cnt_type
	w.ue(1)    // max_num_ref_frames
	w.u(1, 0)  // gaps
	w.ue(widthMbs - 1)
	w.ue(heightMbs - 1)
	w.u(1, 1) // frame_mbs_only
	w.u(1, 1) // direct_8x8
	w.u(1, 0) // cropping
	w.u(1, 1) // vui present
	w.u(1, 0) // aspect ratio
	w.u(1, 0) // overscan
	w.u(1, 1) // video signal type
	w.u(3, 5)
	w.u(1, 1) // full range
	w.u(1, 0) // colour description
	w.u(1, 0) // chroma loc
	w.u(1, 1) // timing info
	w.u(32, unitsInTick)
	w.u(32, timeScale)
	w.u(1, 1) // fixed frame rate
	w.u(1, 1) // rbsp stop bit
	return append([]byte{0x67}, w.escaped()...)
}

func TestParseSPSTiming(t *testing.T) {
	t.Parallel()
	info, err := ParseSPS(baselineSPS(40, 30, 1, 50))
	if err != nil {
		t.Fatalf("ParseSPS: %v", err)
	}
	if info.Width != 640 || info.Height != 480 {
		t.Errorf("size: got %dx%d, want 640x480", info.Width, info.Height)
	}
	if info.FrameRate != 25 {
		t.Errorf("frame rate: got %v, want 25", info.FrameRate)
	}
	if !info.FullRange {
		t.Error("expected full range")
	}
}

func TestParseSPSTooShort(t *testing.T) {
	t.Parallel()
	for _, in := range [][]byte{nil, {}, {0x67, 0x64, 0x00}} {
		if _, err := ParseSPS(in); err == nil {
			t.Errorf("expected error for % x", in)
		}
	}
}

func TestHEVCNALType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		first byte
		want  byte
	}{
		{0x40, HEVCNALVPS},
		{0x42, HEVCNALSPS},
		{0x44, HEVCNALPPS},
		{0x26, HEVCNALIDRWRadl},
		{0x2A, HEVCNALCraNut},
	}
	for _, tt := range tests {
		if got := HEVCNALType(tt.first); got != tt.want {
			t.Errorf("HEVCNALType(%#x): got %d, want %d", tt.first, got, tt.want)
		}
	}
	if IsHEVCKeyframe(HEVCNALVPS) || !IsHEVCKeyframe(HEVCNALIDRWRadl) {
		t.Error("IsHEVCKeyframe mismatch")
	}
	if !IsHEVCVPS(HEVCNALVPS) || !IsHEVCSPS(HEVCNALSPS) || !IsHEVCPPS(HEVCNALPPS) {
		t.Error("parameter set predicates mismatch")
	}
}

func TestParseAnnexBHEVC(t *testing.T) {
	t.Parallel()
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x40, 0x01, 0x0C,
		0x00, 0x00, 0x00, 0x01, 0x42, 0x01, 0x01,
		0x00, 0x00, 0x00, 0x01, 0x26, 0x01, 0xAF,
	}
	nalus := ParseAnnexBHEVC(data)
	if len(nalus) != 3 {
		t.Fatalf("got %d NAL units, want 3", len(nalus))
	}
	if nalus[0].Type != HEVCNALVPS || nalus[1].Type != HEVCNALSPS || nalus[2].Type != HEVCNALIDRWRadl {
		t.Errorf("types: got %d %d %d", nalus[0].Type, nalus[1].Type, nalus[2].Type)
	}
}

func TestParseHEVCSPS(t *testing.T) {
	t.Parallel()
	// Main profile, 320x240, Level 3.1.
	sps := []byte{
		0x42, 0x01,
		0x01,
		0x01,
		0x40, 0x00, 0x00, 0x00,
		0xB0, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x5D,
		0xA0, 0x0A, 0x08, 0x0F, 0x10,
	}
	info, err := ParseHEVCSPS(sps)
	if err != nil {
		t.Fatalf("ParseHEVCSPS: %v", err)
	}
	if info.Width != 320 || info.Height != 240 {
		t.Errorf("size: got %dx%d, want 320x240", info.Width, info.Height)
	}
	if info.ProfileIDC != 1 || info.LevelIDC != 93 || info.TierFlag != 0 {
		t.Errorf("ptl: got %d/%d/%d", info.ProfileIDC, info.LevelIDC, info.TierFlag)
	}
	if got, want := info.CodecString(), "hev1.1.2.L93.B0"; got != want {
		t.Errorf("codec string: got %q, want %q", got, want)
	}
}

func TestHEVCCodecStringHighTier(t *testing.T) {
	t.Parallel()
	info := HEVCSPSInfo{ProfileIDC: 2, TierFlag: 1, LevelIDC: 120, ProfileCompatibilityFlags: 0x20000000}
	if got, want := info.CodecString(), "hev1.2.4.H120"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestParseHEVCSPSTooShort(t *testing.T) {
	t.Parallel()
	if _, err := ParseHEVCSPS([]byte{0x42, 0x01, 0x01}); err == nil {
		t.Error("expected error for short SPS")
	}
}

func TestADTSBuildAndParse(t *testing.T) {
	t.Parallel()
	a, err := BuildADTS([]byte{0xDE, 0xAD, 0xBE, 0xEF}, 48000, 2)
	if err != nil {
		t.Fatalf("BuildADTS: %v", err)
	}
	b, _ := BuildADTS([]byte{0x01}, 48000, 2)
	stream := append([]byte{0x00, 0x13}, a...)
	stream = append(stream, b...)
	stream = append(stream, a[:5]...) // truncated tail

	frames, err := ParseADTS(stream)
	if err != nil {
		t.Fatalf("ParseADTS: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].SampleRate != 48000 || frames[0].Channels != 2 {
		t.Errorf("format: got %d Hz %d ch", frames[0].SampleRate, frames[0].Channels)
	}
	if !bytes.Equal(frames[0].Data, a) {
		t.Errorf("frame 0: got % x, want % x", frames[0].Data, a)
	}
	if len(frames[1].Data) != 8 {
		t.Errorf("frame 1 length: got %d, want 8", len(frames[1].Data))
	}
}

func TestBuildADTSRejectsUnknownRate(t *testing.T) {
	t.Parallel()
	if _, err := BuildADTS(nil, 12345, 2); err == nil {
		t.Error("expected error for unsupported sample rate")
	}
}
