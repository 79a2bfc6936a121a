package mpegts

import (
	"bytes"
	"testing"
)

func TestRetimerShift(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	m := newTestMuxer(t, &buf)
	for i := range 4 {
		pts := int64(90000 + i*3600)
		if err := m.WritePES(0x100, pts+3600, pts, fill(300, byte(i)), i == 0); err != nil {
			t.Fatal(err)
		}
		if err := m.WritePES(0x101, pts, -1, fill(50, byte(i)), false); err != nil {
			t.Fatal(err)
		}
	}
	data := buf.Bytes()

	r := NewRetimer(data)
	if got, want := r.Span(), int64(4*3600); got != want {
		t.Errorf("Span = %d, want %d", got, want)
	}
	// Per access unit: video PTS, DTS and PCR, audio PTS.
	if got, want := r.Stamps(), 4*4; got != want {
		t.Errorf("Stamps = %d, want %d", got, want)
	}

	r.Shift(r.Span())
	out := demuxAll(t, bytes.NewReader(data))
	vid := out.pes[0x100]
	if len(vid) != 4 {
		t.Fatalf("got %d video units, want 4", len(vid))
	}
	for i, d := range vid {
		oh := d.PES.Header.OptionalHeader
		wantDTS := int64(90000 + 4*3600 + i*3600)
		if oh.DTS.Base != wantDTS || oh.PTS.Base != wantDTS+3600 {
			t.Errorf("unit %d: got pts %d dts %d, want %d, %d", i, oh.PTS.Base, oh.DTS.Base, wantDTS+3600, wantDTS)
		}
		if !bytes.Equal(d.PES.Data, fill(300, byte(i))) {
			t.Errorf("unit %d: payload changed", i)
		}
	}
	if aud := out.pes[0x101]; len(aud) != 4 || aud[3].PES.Header.OptionalHeader.PTS.Base != 90000+7*3600 {
		t.Errorf("audio not shifted: %d units", len(aud))
	}
}

func TestShiftPCRKeepsExtension(t *testing.T) {
	t.Parallel()
	b := adaptation{hasPCR: true, pcr: 1<<33 - 2}.body()[1:]
	b[4] |= 0x01
	b[5] = 0x2A
	shiftPCR(b, 5)
	base := int64(b[0])<<25 | int64(b[1])<<17 | int64(b[2])<<9 | int64(b[3])<<1 | int64(b[4]>>7)
	if base != 3 {
		t.Errorf("got base %d, want 3 after wrapping", base)
	}
	if b[4]&0x01 != 0x01 || b[5] != 0x2A {
		t.Errorf("extension bits changed: % x", b[4:6])
	}
}

func TestRetimerShortStream(t *testing.T) {
	t.Parallel()
	r := NewRetimer([]byte{0x47, 0x1F, 0xFF, 0x10})
	if r.Span() != 0 || r.Stamps() != 0 {
		t.Errorf("got span %d stamps %d from a partial packet", r.Span(), r.Stamps())
	}
}
