// Package scte35 encodes and decodes SCTE-35 splice_info_sections. Merged
// exports carry a time_signal with a chapter segmentation descriptor at every
// clip boundary; SRT feeds may carry splice_insert and time_signal cues that
// are surfaced while probing.
package scte35

import (
	"errors"
	"fmt"

	"github.com/zsiec/reel/internal/mpegts"
)

const tableID = 0xFC

// Splice command types.
const (
	SpliceNullType   uint8 = 0x00
	SpliceInsertType uint8 = 0x05
	TimeSignalType   uint8 = 0x06
)

var (
	ErrShortSection = errors.New("scte35: section too short")
	ErrTableID      = errors.New("scte35: not a splice_info_section")
	ErrCRC          = errors.New("scte35: CRC mismatch")
)

// SpliceCommand is one of SpliceNull, SpliceInsert, TimeSignal, or
// UnknownCommand.
type SpliceCommand interface {
	Type() uint8
	decode(r *bitReader)
	encode(w *bitWriter)
}

// SpliceInfoSection is a decoded splice_info_section. Only segmentation
// descriptors are retained; other descriptors are skipped.
type SpliceInfoSection struct {
	SAPType       uint8
	PTSAdjustment uint64
	Tier          uint16
	SpliceCommand SpliceCommand
	Descriptors   []*SegmentationDescriptor
}

// PTS returns the command's splice time plus the section's PTS adjustment,
// modulo 2^33. ok is false when the command carries no time.
func (s *SpliceInfoSection) PTS() (pts uint64, ok bool) {
	var t *uint64
	switch c := s.SpliceCommand.(type) {
	case *TimeSignal:
		t = c.PTSTime
	case *SpliceInsert:
		t = c.PTSTime
	}
	if t == nil {
		return 0, false
	}
	return (*t + s.PTSAdjustment) & (1<<33 - 1), true
}

// DecodeBytes decodes a complete section, table_id through CRC.
func DecodeBytes(data []byte) (*SpliceInfoSection, error) {
	if len(data) < 20 {
		return nil, ErrShortSection
	}
	if data[0] != tableID {
		return nil, ErrTableID
	}
	r := &bitReader{data: data}
	r.skip(8 + 2) // table_id, section_syntax_indicator, private_indicator
	s := &SpliceInfoSection{SAPType: uint8(r.bits(2))}
	n := 3 + int(r.bits(12))
	if n > len(data) {
		return nil, ErrShortSection
	}
	if mpegts.CRC32(data[:n]) != 0 {
		return nil, ErrCRC
	}
	r.data = data[:n-4]

	r.skip(8) // protocol_version
	if encrypted := r.flag(); encrypted {
		return nil, fmt.Errorf("scte35: encrypted sections are not supported")
	}
	r.skip(6) // encryption_algorithm
	s.PTSAdjustment = r.bits(33)
	r.skip(8) // cw_index
	s.Tier = uint16(r.bits(12))

	cmdLen := int(r.bits(12))
	cmdType := uint8(r.bits(8))
	cmdStart := r.pos
	switch cmdType {
	case SpliceNullType:
		s.SpliceCommand = &SpliceNull{}
	case SpliceInsertType:
		s.SpliceCommand = &SpliceInsert{}
	case TimeSignalType:
		s.SpliceCommand = &TimeSignal{}
	default:
		// The legacy 0xFFF length cannot be resolved for a command we
		// do not know.
		if cmdLen == 0xFFF {
			return nil, fmt.Errorf("scte35: unknown command 0x%02X with unspecified length", cmdType)
		}
		s.SpliceCommand = &UnknownCommand{CommandType: cmdType, Data: r.bytes(cmdLen)}
	}
	s.SpliceCommand.decode(r)
	if cmdLen != 0xFFF {
		r.pos = cmdStart + cmdLen*8
	}

	loop := &bitReader{data: r.bytes(int(r.bits(16)))}
	for loop.left() >= 16 && !loop.short {
		tag := uint8(loop.bits(8))
		body := loop.bytes(int(loop.bits(8)))
		if tag != SegmentationDescriptorTag || len(body) < 4 || identifier(body) != CUEIdentifier {
			continue
		}
		d := &SegmentationDescriptor{}
		d.decode(&bitReader{data: body[4:]})
		s.Descriptors = append(s.Descriptors, d)
	}

	if r.short || loop.short {
		return nil, ErrShortSection
	}
	return s, nil
}

func identifier(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Encode serializes the section with section_length and CRC filled in. A nil
// command is written as splice_null.
func (s *SpliceInfoSection) Encode() []byte {
	cmd := s.SpliceCommand
	if cmd == nil {
		cmd = &SpliceNull{}
	}
	var cw bitWriter
	cmd.encode(&cw)

	var dw bitWriter
	for _, d := range s.Descriptors {
		var body bitWriter
		body.put(32, uint64(CUEIdentifier))
		d.encode(&body)
		dw.put(8, uint64(SegmentationDescriptorTag))
		dw.put(8, uint64(len(body.data)))
		dw.putBytes(body.data)
	}

	var w bitWriter
	w.put(8, tableID)
	w.put(2, 0) // section_syntax_indicator, private_indicator
	w.put(2, uint64(s.SAPType))
	w.put(12, 0) // section_length, patched below
	w.put(8, 0)  // protocol_version
	w.put(7, 0)  // encrypted_packet, encryption_algorithm
	w.put(33, s.PTSAdjustment)
	w.put(8, 0) // cw_index
	w.put(12, uint64(s.Tier))
	w.put(12, uint64(len(cw.data)))
	w.put(8, uint64(cmd.Type()))
	w.putBytes(cw.data)
	w.put(16, uint64(len(dw.data)))
	w.putBytes(dw.data)

	out := w.data
	n := len(out) - 3 + 4
	out[1] |= byte(n>>8) & 0x0F
	out[2] = byte(n)
	crc := mpegts.CRC32(out)
	return append(out, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
}
