package mpegts

// stampKind says how a clock value is encoded at a stamp offset.
type stampKind uint8

const (
	stampPES stampKind = iota // 5-byte PTS or DTS
	stampPCR                  // 6-byte PCR base and extension
)

type stamp struct {
	off  int
	kind stampKind
}

// Retimer shifts every PTS, DTS and PCR of an in-memory transport stream in
// place. Replaying a file in a loop shifts it by Span after each pass so the
// clock keeps rising across the seam.
type Retimer struct {
	data   []byte
	stamps []stamp
	span   int64
}

// NewRetimer indexes the clock values in data. data is modified by Shift.
func NewRetimer(data []byte) *Retimer {
	r := &Retimer{data: data}
	first, last := int64(-1), int64(0)
	var frames int64
	for off := 0; off+PacketSize <= len(data); off += PacketSize {
		pkt := data[off : off+PacketSize]
		if pkt[0] != syncByte {
			continue
		}
		pos := 4
		if pkt[3]&0x20 != 0 {
			afLen := int(pkt[pos])
			if afLen >= 7 && pkt[pos+1]&0x10 != 0 {
				r.stamps = append(r.stamps, stamp{off: off + pos + 2, kind: stampPCR})
			}
			pos += 1 + afLen
		}
		if pkt[1]&0x40 == 0 || pkt[3]&0x10 == 0 || pos+14 > PacketSize {
			continue
		}
		pes := pkt[pos:]
		if !isPESPayload(pes) {
			continue
		}
		id := pes[3]
		video := id >= StreamIDVideo && id <= 0xEF
		if !video && (id < StreamIDAudio || id > 0xDF) {
			continue
		}
		if pes[7]&0x80 != 0 {
			r.stamps = append(r.stamps, stamp{off: off + pos + 9, kind: stampPES})
			if video {
				pts := decodeTimestamp(pes[9:14]).Base
				if first < 0 || pts < first {
					first = pts
				}
				last = max(last, pts)
				frames++
			}
		}
		if pes[7]&0x40 != 0 && pos+19 <= PacketSize {
			r.stamps = append(r.stamps, stamp{off: off + pos + 14, kind: stampPES})
		}
	}
	if frames > 1 {
		// One frame interval past the last frame, so the next pass does not
		// reuse its timestamp.
		r.span = last - first + (last-first)/(frames-1)
	}
	return r
}

// Span is the video running time in 90 kHz ticks, or 0 when the stream has
// fewer than two video frames.
func (r *Retimer) Span() int64 { return r.span }

// Stamps reports how many clock values were found.
func (r *Retimer) Stamps() int { return len(r.stamps) }

// Shift adds delta 90 kHz ticks to every indexed clock value.
func (r *Retimer) Shift(delta int64) {
	for _, s := range r.stamps {
		b := r.data[s.off:]
		switch s.kind {
		case stampPES:
			ts := decodeTimestamp(b[:5]).Base + delta
			copy(b, encodeTimestamp(b[0]>>4, ts))
		case stampPCR:
			shiftPCR(b, delta)
		}
	}
}

func shiftPCR(b []byte, delta int64) {
	base := int64(b[0])<<25 | int64(b[1])<<17 | int64(b[2])<<9 | int64(b[3])<<1 | int64(b[4]>>7)
	base = (base + delta) & 0x1FFFFFFFF
	ext := b[4] & 0x01
	b[0] = byte(base >> 25)
	b[1] = byte(base >> 17)
	b[2] = byte(base >> 9)
	b[3] = byte(base >> 1)
	b[4] = byte(base&1)<<7 | 0x7E | ext
}
