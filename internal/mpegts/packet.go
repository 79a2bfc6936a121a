package mpegts

import "fmt"

func parsePacket(buf []byte) (*Packet, error) {
	if len(buf) != PacketSize {
		return nil, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), PacketSize)
	}
	if buf[0] != syncByte {
		return nil, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	p := &Packet{}
	h := &p.Header
	h.TransportErrorIndicator = buf[1]&0x80 != 0
	h.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	h.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	h.HasAdaptationField = buf[3]&0x20 != 0
	h.HasPayload = buf[3]&0x10 != 0
	h.ContinuityCounter = buf[3] & 0x0F

	off := 4
	if h.HasAdaptationField {
		afLen := int(buf[off])
		if afLen > 0 {
			h.DiscontinuityIndicator = buf[off+1]&0x80 != 0
			h.RandomAccessIndicator = buf[off+1]&0x40 != 0
		}
		off = min(off+1+afLen, PacketSize)
	}
	if h.HasPayload && off < PacketSize {
		p.Payload = append([]byte(nil), buf[off:]...)
	}
	return p, nil
}

// adaptation describes the optional fields placed in the first packet of a
// payload unit.
type adaptation struct {
	randomAccess bool
	hasPCR       bool
	pcr          int64
}

func (a adaptation) body() []byte {
	if !a.randomAccess && !a.hasPCR {
		return nil
	}
	var flags byte
	if a.randomAccess {
		flags |= 0x40
	}
	if !a.hasPCR {
		return []byte{flags}
	}
	flags |= 0x10
	base := a.pcr & 0x1FFFFFFFF
	return []byte{
		flags,
		byte(base >> 25),
		byte(base >> 17),
		byte(base >> 9),
		byte(base >> 1),
		byte(base&1)<<7 | 0x7E,
		0x00,
	}
}

// packetize splits payload into transport packets on pid, advancing *cc.
// The first packet carries PUSI when pusi is set and the adaptation fields
// from first. Short tails are padded with adaptation-field stuffing.
func packetize(payload []byte, pid uint16, cc *uint8, pusi bool, first adaptation) []byte {
	var out []byte
	body := first.body()
	for off := 0; off < len(payload) || off == 0; {
		var pkt [PacketSize]byte
		pkt[0] = syncByte
		pkt[1] = byte(pid>>8) & 0x1F
		pkt[2] = byte(pid)
		if off == 0 && pusi {
			pkt[1] |= 0x40
		}
		pkt[3] = 0x10 | *cc&0x0F
		*cc = (*cc + 1) & 0x0F

		minAF := 0
		if len(body) > 0 {
			minAF = 1 + len(body)
		}
		n := min(len(payload)-off, PacketSize-4-minAF)
		afTotal := PacketSize - 4 - n
		if afTotal > 0 {
			pkt[3] |= 0x20
			pkt[4] = byte(afTotal - 1)
			if afTotal > 1 {
				copy(pkt[5:], body) // flags byte is zero when body is empty
				for i := 5 + max(len(body), 1); i < 4+afTotal; i++ {
					pkt[i] = 0xFF
				}
			}
		}
		copy(pkt[4+afTotal:], payload[off:off+n])
		out = append(out, pkt[:]...)
		off += n
		body = nil
		if n == 0 {
			break
		}
	}
	return out
}
