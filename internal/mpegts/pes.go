package mpegts

import "fmt"

// isPESPayload checks for the PES start code prefix (0x000001).
func isPESPayload(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

// hasOptionalHeader reports whether a stream ID carries the optional PES
// header (everything except padding, private_stream_2, ECM/EMM, DSMCC,
// H.222.1 type E, and the program stream directory).
func hasOptionalHeader(streamID byte) bool {
	switch streamID {
	case 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

func parsePES(payload []byte) (*PESData, error) {
	if len(payload) < 6 {
		return nil, fmt.Errorf("mpegts: PES packet too short (%d bytes)", len(payload))
	}
	if !isPESPayload(payload) {
		return nil, fmt.Errorf("mpegts: invalid PES start code")
	}

	streamID := payload[3]
	packetLength := int(payload[4])<<8 | int(payload[5])
	end := len(payload)
	if packetLength > 0 && 6+packetLength <= len(payload) {
		end = 6 + packetLength
	}
	pes := &PESData{Header: &PESHeader{StreamID: streamID}}

	if !hasOptionalHeader(streamID) {
		pes.Data = payload[6:end]
		return pes, nil
	}
	if len(payload) < 9 {
		return nil, fmt.Errorf("mpegts: PES optional header too short")
	}

	opt := &PESOptionalHeader{}
	switch payload[7] >> 6 {
	case 2:
		if len(payload) >= 14 {
			opt.PTS = decodeTimestamp(payload[9:14])
		}
	case 3:
		if len(payload) >= 19 {
			opt.PTS = decodeTimestamp(payload[9:14])
			opt.DTS = decodeTimestamp(payload[14:19])
		}
	}
	pes.Header.OptionalHeader = opt

	start := min(9+int(payload[8]), end)
	pes.Data = payload[start:end]
	return pes, nil
}

// decodeTimestamp extracts a 33-bit timestamp from 5 PES bytes.
func decodeTimestamp(bs []byte) *ClockReference {
	base := int64(bs[0]>>1&0x07)<<30 |
		int64(bs[1])<<22 |
		int64(bs[2]>>1&0x7F)<<15 |
		int64(bs[3])<<7 |
		int64(bs[4]>>1&0x7F)
	return &ClockReference{Base: base}
}

// encodeTimestamp writes a 33-bit timestamp with the 4-bit prefix and marker
// bits.
func encodeTimestamp(prefix byte, ts int64) []byte {
	ts &= 0x1FFFFFFFF
	return []byte{
		prefix<<4 | byte(ts>>29)&0x0E | 0x01,
		byte(ts >> 22),
		byte(ts>>14)&0xFE | 0x01,
		byte(ts >> 7),
		byte(ts<<1)&0xFE | 0x01,
	}
}

// buildPES returns a PES packet for data. A negative dts omits the DTS.
// Unbounded video packets (length 0) are used when the packet would not fit
// the 16-bit length field.
func buildPES(streamID byte, pts, dts int64, data []byte) []byte {
	indicator := byte(0x80)
	ts := encodeTimestamp(0x02, pts)
	if dts >= 0 && dts != pts {
		indicator = 0xC0
		ts = append(encodeTimestamp(0x03, pts), encodeTimestamp(0x01, dts)...)
	}
	length := 3 + len(ts) + len(data)
	if length > 0xFFFF {
		length = 0
	}
	out := make([]byte, 0, 9+len(ts)+len(data))
	out = append(out, 0x00, 0x00, 0x01, streamID, byte(length>>8), byte(length))
	out = append(out, 0x84, indicator, byte(len(ts))) // marker bits + data_alignment_indicator
	out = append(out, ts...)
	return append(out, data...)
}
