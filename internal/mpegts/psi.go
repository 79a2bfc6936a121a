package mpegts

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	tableIDPAT    = 0x00
	tableIDPMT    = 0x02
	tableIDSCTE35 = 0xFC
)

var errShortSection = errors.New("mpegts: section too short")

// parseSections walks the sections in a section-PID payload (pointer field
// first) and decodes PAT and PMT; anything else is surfaced raw.
func parseSections(payload []byte, first *Packet) ([]*DemuxerData, error) {
	if len(payload) < 1 {
		return nil, errShortSection
	}
	off := 1 + int(payload[0])
	if off >= len(payload) {
		return nil, fmt.Errorf("mpegts: pointer field out of range")
	}

	var results []*DemuxerData
	for off+3 <= len(payload) {
		if payload[off] == 0xFF || !validSectionHeader(payload[off:]) {
			break
		}
		end := off + 3 + sectionLength(payload[off:])
		if end > len(payload) {
			break
		}
		section := payload[off:end]
		off = end

		switch section[0] {
		case tableIDPAT:
			pat, err := parsePAT(section)
			if err != nil {
				return results, err
			}
			results = append(results, &DemuxerData{FirstPacket: first, PAT: pat})
		case tableIDPMT:
			pmt, err := parsePMT(section)
			if err != nil {
				return results, err
			}
			results = append(results, &DemuxerData{FirstPacket: first, PMT: pmt})
		default:
			results = append(results, &DemuxerData{
				FirstPacket: first,
				Section:     &SectionData{TableID: section[0], Data: section},
			})
		}
	}
	return results, nil
}

// parsePAT decodes a PAT section: an 8-byte header, 4-byte program entries,
// and a CRC.
func parsePAT(data []byte) (*PATData, error) {
	if len(data) < 12 {
		return nil, errShortSection
	}
	if err := verifyCRC(data); err != nil {
		return nil, fmt.Errorf("mpegts: PAT: %w", err)
	}
	pat := &PATData{}
	for i := 8; i+4 <= len(data)-4; i += 4 {
		number := binary.BigEndian.Uint16(data[i:])
		if number == 0 {
			continue // network PID
		}
		pat.Programs = append(pat.Programs, &PATProgram{
			ProgramNumber: number,
			ProgramMapID:  binary.BigEndian.Uint16(data[i+2:]) & 0x1FFF,
		})
	}
	return pat, nil
}

// parsePMT decodes a PMT section: a 12-byte header, program descriptors,
// elementary stream entries, and a CRC.
func parsePMT(data []byte) (*PMTData, error) {
	if len(data) < 16 {
		return nil, errShortSection
	}
	if err := verifyCRC(data); err != nil {
		return nil, fmt.Errorf("mpegts: PMT: %w", err)
	}
	pmt := &PMTData{PCRPID: binary.BigEndian.Uint16(data[8:]) & 0x1FFF}
	off := 12 + int(binary.BigEndian.Uint16(data[10:])&0x0FFF)
	for off+5 <= len(data)-4 {
		pmt.ElementaryStreams = append(pmt.ElementaryStreams, &PMTElementaryStream{
			StreamType:    StreamType(data[off]),
			ElementaryPID: binary.BigEndian.Uint16(data[off+1:]) & 0x1FFF,
		})
		off += 5 + int(binary.BigEndian.Uint16(data[off+3:])&0x0FFF)
	}
	return pmt, nil
}

// finishSection fills in section_length and appends the CRC. The header must
// already hold table_id and the syntax bits in b[1].
func finishSection(b []byte) []byte {
	n := len(b) - 3 + 4
	b[1] = b[1]&0xF0 | byte(n>>8)&0x0F
	b[2] = byte(n)
	return binary.BigEndian.AppendUint32(b, CRC32(b))
}

// buildPAT returns a PAT section announcing one program.
func buildPAT(tsID, program, pmtPID uint16) []byte {
	b := []byte{
		tableIDPAT, 0xB0, 0x00,
		byte(tsID >> 8), byte(tsID),
		0xC1, 0x00, 0x00,
		byte(program >> 8), byte(program),
		0xE0 | byte(pmtPID>>8)&0x1F, byte(pmtPID),
	}
	return finishSection(b)
}

// buildPMT returns a PMT section for streams.
func buildPMT(program, pcrPID uint16, streams []PMTElementaryStream) []byte {
	b := []byte{
		tableIDPMT, 0xB0, 0x00,
		byte(program >> 8), byte(program),
		0xC1, 0x00, 0x00,
		0xE0 | byte(pcrPID>>8)&0x1F, byte(pcrPID),
		0xF0, 0x00,
	}
	for _, s := range streams {
		b = append(b,
			byte(s.StreamType),
			0xE0|byte(s.ElementaryPID>>8)&0x1F, byte(s.ElementaryPID),
			0xF0, 0x00,
		)
	}
	return finishSection(b)
}
