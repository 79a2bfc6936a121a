package preview

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/media"
)

// streamTypeSubgroup marks a data stream carrying one subgroup of a group,
// with per-object extension headers (MoQ Transport draft-15).
const streamTypeSubgroup uint64 = 0x0d

// LOC header extension IDs. Even IDs carry a varint, odd IDs a
// length-prefixed byte string.
const (
	extCaptureTimestamp  uint64 = 2
	extVideoFrameMarking uint64 = 4
	extVideoConfig       uint64 = 13
)

// RFC 9626 frame marking flags for a single-layer stream.
const (
	markKeyframe uint64 = 0xE0
	markDelta    uint64 = 0xC0
)

// Object is one frame as delivered to a preview client.
type Object struct {
	Group     uint64
	ID        uint64
	Timestamp uint64 // capture time in microseconds
	Keyframe  bool
	Config    []byte // decoder configuration record, on video keyframes
	Payload   []byte // AVCC/HVCC access unit or raw AAC
}

// objectWriter frames the objects of one group on one stream.
type objectWriter struct {
	w        io.Writer
	objectID uint64
}

// newObjectWriter writes the subgroup header for group on w.
func newObjectWriter(w io.Writer, alias, group uint64, priority byte) (*objectWriter, error) {
	hdr := quicvarint.Append(nil, streamTypeSubgroup)
	hdr = quicvarint.Append(hdr, alias)
	hdr = quicvarint.Append(hdr, group)
	hdr = quicvarint.Append(hdr, 0) // subgroup
	hdr = append(hdr, priority)
	if _, err := w.Write(hdr); err != nil {
		return nil, err
	}
	return &objectWriter{w: w}, nil
}

func (o *objectWriter) writeVideo(frame *media.VideoFrame) (int64, error) {
	exts := quicvarint.Append(nil, extCaptureTimestamp)
	exts = quicvarint.Append(exts, uint64(max(frame.PTS.Microseconds(), 0)))
	exts = quicvarint.Append(exts, extVideoFrameMarking)
	if frame.IsKeyframe {
		exts = quicvarint.Append(exts, markKeyframe)
	} else {
		exts = quicvarint.Append(exts, markDelta)
	}
	if frame.IsKeyframe {
		if cfg := decoderConfig(frame); cfg != nil {
			exts = quicvarint.Append(exts, extVideoConfig)
			exts = quicvarint.Append(exts, uint64(len(cfg)))
			exts = append(exts, cfg...)
		}
	}
	return o.write(exts, lengthPrefixed(frame.NALUs))
}

func (o *objectWriter) writeAudio(frame *media.AudioFrame) (int64, error) {
	exts := quicvarint.Append(nil, extCaptureTimestamp)
	exts = quicvarint.Append(exts, uint64(max(frame.PTS.Microseconds(), 0)))
	return o.write(exts, stripADTS(frame.Data))
}

func (o *objectWriter) write(exts, payload []byte) (int64, error) {
	hdr := quicvarint.Append(nil, o.objectID)
	hdr = quicvarint.Append(hdr, uint64(len(exts)))
	hdr = append(hdr, exts...)
	hdr = quicvarint.Append(hdr, uint64(len(payload)))
	o.objectID++

	if _, err := o.w.Write(hdr); err != nil {
		return 0, err
	}
	if _, err := o.w.Write(payload); err != nil {
		return 0, err
	}
	return int64(len(hdr) + len(payload)), nil
}

// objectReader parses the objects of one data stream.
type objectReader struct {
	r     *bufio.Reader
	Alias uint64
	Group uint64
}

func newObjectReader(r io.Reader) (*objectReader, error) {
	br := bufio.NewReader(r)
	typ, err := quicvarint.Read(br)
	if err != nil {
		return nil, err
	}
	if typ != streamTypeSubgroup {
		return nil, fmt.Errorf("preview: unexpected stream type %#x", typ)
	}
	or := &objectReader{r: br}
	if or.Alias, err = quicvarint.Read(br); err != nil {
		return nil, &ParseError{Field: "track_alias", Err: err}
	}
	if or.Group, err = quicvarint.Read(br); err != nil {
		return nil, &ParseError{Field: "group_id", Err: err}
	}
	if _, err = quicvarint.Read(br); err != nil {
		return nil, &ParseError{Field: "subgroup_id", Err: err}
	}
	if _, err = br.ReadByte(); err != nil {
		return nil, &ParseError{Field: "priority", Err: err}
	}
	return or, nil
}

// next returns the following object, or io.EOF at the end of the group.
func (or *objectReader) next() (*Object, error) {
	id, err := quicvarint.Read(or.r)
	if err != nil {
		return nil, err
	}
	obj := &Object{Group: or.Group, ID: id}
	extLen, err := quicvarint.Read(or.r)
	if err != nil {
		return nil, &ParseError{Field: "extensions_length", Err: err}
	}
	exts := make([]byte, extLen)
	if _, err := io.ReadFull(or.r, exts); err != nil {
		return nil, &ParseError{Field: "extensions", Err: err}
	}
	if err := obj.parseExtensions(exts); err != nil {
		return nil, err
	}
	n, err := quicvarint.Read(or.r)
	if err != nil {
		return nil, &ParseError{Field: "payload_length", Err: err}
	}
	obj.Payload = make([]byte, n)
	if _, err := io.ReadFull(or.r, obj.Payload); err != nil {
		return nil, &ParseError{Field: "payload", Err: err}
	}
	return obj, nil
}

func (o *Object) parseExtensions(data []byte) error {
	r := &bufReader{data: data}
	for r.pos < len(data) {
		id, err := r.varint()
		if err != nil {
			return &ParseError{Field: "extension_id", Err: err}
		}
		if id%2 == 1 {
			v, err := r.bytes()
			if err != nil {
				return &ParseError{Field: "extension_value", Err: err}
			}
			if id == extVideoConfig {
				o.Config = v
			}
			continue
		}
		v, err := r.varint()
		if err != nil {
			return &ParseError{Field: "extension_value", Err: err}
		}
		switch id {
		case extCaptureTimestamp:
			o.Timestamp = v
		case extVideoFrameMarking:
			o.Keyframe = v == markKeyframe
		}
	}
	return nil
}

// lengthPrefixed converts start-code delimited NAL units to 4-byte length
// prefixes.
func lengthPrefixed(nalus [][]byte) []byte {
	var total int
	for _, n := range nalus {
		total += 4 + len(trimStartCode(n))
	}
	out := make([]byte, 0, total)
	for _, n := range nalus {
		raw := trimStartCode(n)
		out = binary.BigEndian.AppendUint32(out, uint32(len(raw)))
		out = append(out, raw...)
	}
	return out
}

func trimStartCode(n []byte) []byte {
	switch {
	case len(n) >= 4 && n[0] == 0 && n[1] == 0 && n[2] == 0 && n[3] == 1:
		return n[4:]
	case len(n) >= 3 && n[0] == 0 && n[1] == 0 && n[2] == 1:
		return n[3:]
	}
	return n
}

// stripADTS returns the raw AAC payload of an ADTS frame, or data unchanged
// when it carries no ADTS header.
func stripADTS(data []byte) []byte {
	if len(data) < 7 || data[0] != 0xFF || data[1]&0xF0 != 0xF0 {
		return data
	}
	size := 7
	if data[1]&0x01 == 0 {
		size = 9 // CRC present
	}
	if len(data) <= size {
		return data
	}
	return data[size:]
}

func decoderConfig(frame *media.VideoFrame) []byte {
	sps, pps := trimStartCode(frame.SPS), trimStartCode(frame.PPS)
	if frame.Codec == media.CodecH265 {
		return hevcConfig(trimStartCode(frame.VPS), sps, pps)
	}
	return avcConfig(sps, pps)
}

// avcConfig builds an AVCDecoderConfigurationRecord (ISO 14496-15 5.2.4.1).
func avcConfig(sps, pps []byte) []byte {
	if len(sps) < 4 || len(pps) == 0 {
		return nil
	}
	buf := make([]byte, 0, 11+len(sps)+len(pps))
	buf = append(buf, 1, sps[1], sps[2], sps[3])
	buf = append(buf, 0xFF) // 4-byte lengths
	buf = append(buf, 0xE1) // one SPS
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(sps)))
	buf = append(buf, sps...)
	buf = append(buf, 1)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(pps)))
	return append(buf, pps...)
}

// hevcConfig builds an HEVCDecoderConfigurationRecord (ISO 14496-15 8.3.3.1)
// with one VPS, SPS and PPS.
func hevcConfig(vps, sps, pps []byte) []byte {
	if len(vps) == 0 || len(sps) < 4 || len(pps) == 0 {
		return nil
	}
	info, err := demux.ParseHEVCSPS(sps)
	if err != nil {
		return nil
	}
	buf := make([]byte, 0, 38+len(vps)+len(sps)+len(pps))
	buf = append(buf, 1, info.TierFlag<<5|info.ProfileIDC)
	buf = binary.BigEndian.AppendUint32(buf, info.ProfileCompatibilityFlags)
	for i := 5; i >= 0; i-- {
		buf = append(buf, byte(info.ConstraintIndicatorFlags>>(i*8)))
	}
	buf = append(buf, info.LevelIDC)
	buf = append(buf, 0xF0, 0x00) // min_spatial_segmentation_idc
	buf = append(buf, 0xFC)       // parallelismType
	buf = append(buf, 0xFC|info.ChromaFormatIdc&0x03)
	buf = append(buf, 0xF8, 0xF8) // 8-bit luma and chroma
	buf = append(buf, 0x00, 0x00) // avgFrameRate
	buf = append(buf, 0x0F)       // one temporal layer, nested, 4-byte lengths
	buf = append(buf, 3)
	for _, a := range []struct {
		typ  byte
		nalu []byte
	}{{0x20, vps}, {0x21, sps}, {0x22, pps}} {
		buf = append(buf, a.typ, 0x00, 0x01)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(a.nalu)))
		buf = append(buf, a.nalu...)
	}
	return buf
}
