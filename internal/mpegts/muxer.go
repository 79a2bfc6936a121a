package mpegts

import (
	"errors"
	"fmt"
	"io"
)

// Fixed identifiers for the single program the Muxer writes.
const (
	ProgramNumber = 1
	PMTPID        = 0x1000
	transportID   = 1
)

// Stream IDs for PES packets.
const (
	StreamIDVideo = 0xE0
	StreamIDAudio = 0xC0
)

// tableInterval is how many packets may pass before PAT/PMT are repeated.
const tableInterval = 400

// ErrStreamsLocked is returned by AddStream once tables have been written.
var ErrStreamsLocked = errors.New("mpegts: streams cannot change after the first write")

// Muxer writes a single-program transport stream. Streams are declared up
// front; PAT/PMT are written before the first packet, before every video
// random access point, and at least every tableInterval packets.
type Muxer struct {
	w       io.Writer
	streams []PMTElementaryStream
	pcrPID  uint16
	cc      map[uint16]uint8
	started bool
	since   int
	written int64
}

// NewMuxer creates a Muxer writing to w.
func NewMuxer(w io.Writer) *Muxer {
	return &Muxer{w: w, cc: make(map[uint16]uint8)}
}

// AddStream declares an elementary stream. The first video stream carries
// the PCR.
func (m *Muxer) AddStream(pid uint16, st StreamType) error {
	if m.started {
		return ErrStreamsLocked
	}
	if pid == pidPAT || pid == PMTPID || pid >= 0x1FFF {
		return fmt.Errorf("mpegts: reserved PID 0x%X", pid)
	}
	for _, s := range m.streams {
		if s.ElementaryPID == pid {
			return fmt.Errorf("mpegts: duplicate PID 0x%X", pid)
		}
	}
	m.streams = append(m.streams, PMTElementaryStream{ElementaryPID: pid, StreamType: st})
	if m.pcrPID == 0 && st.IsVideo() {
		m.pcrPID = pid
	}
	return nil
}

// BytesWritten returns the number of bytes written so far.
func (m *Muxer) BytesWritten() int64 { return m.written }

func (m *Muxer) write(b []byte) error {
	n, err := m.w.Write(b)
	m.written += int64(n)
	m.since += n / PacketSize
	return err
}

// WriteTables writes PAT and PMT.
func (m *Muxer) WriteTables() error {
	if m.pcrPID == 0 {
		for _, s := range m.streams {
			if s.StreamType != StreamTypeSCTE35 {
				m.pcrPID = s.ElementaryPID
				break
			}
		}
	}
	m.started = true
	if err := m.writeSection(pidPAT, buildPAT(transportID, ProgramNumber, PMTPID)); err != nil {
		return err
	}
	if err := m.writeSection(PMTPID, buildPMT(ProgramNumber, m.pcrPID, m.streams)); err != nil {
		return err
	}
	m.since = 0
	return nil
}

// WriteSection writes a complete private section (e.g. SCTE-35) on pid.
func (m *Muxer) WriteSection(pid uint16, section []byte) error {
	if !m.started {
		if err := m.WriteTables(); err != nil {
			return err
		}
	}
	return m.writeSection(pid, section)
}

func (m *Muxer) writeSection(pid uint16, section []byte) error {
	payload := make([]byte, 0, 1+len(section)+PacketSize)
	payload = append(payload, 0x00) // pointer_field
	payload = append(payload, section...)
	for len(payload)%(PacketSize-4) != 0 {
		payload = append(payload, 0xFF)
	}
	cc := m.cc[pid]
	err := m.write(packetize(payload, pid, &cc, true, adaptation{}))
	m.cc[pid] = cc
	return err
}

// WritePES writes one access unit on pid. Timestamps are 90 kHz ticks; a
// negative dts means the unit has no separate decode time. randomAccess
// marks video key frames.
func (m *Muxer) WritePES(pid uint16, pts, dts int64, data []byte, randomAccess bool) error {
	var st StreamType
	for _, s := range m.streams {
		if s.ElementaryPID == pid {
			st = s.StreamType
		}
	}
	if st == 0 {
		return fmt.Errorf("mpegts: undeclared PID 0x%X", pid)
	}

	if !m.started || m.since >= tableInterval || (randomAccess && st.IsVideo()) {
		if err := m.WriteTables(); err != nil {
			return err
		}
	}

	streamID := byte(StreamIDAudio)
	if st.IsVideo() {
		streamID = StreamIDVideo
	}
	af := adaptation{randomAccess: randomAccess}
	if pid == m.pcrPID {
		af.hasPCR = true
		af.pcr = pts
		if dts >= 0 {
			af.pcr = dts
		}
	}
	cc := m.cc[pid]
	err := m.write(packetize(buildPES(streamID, pts, dts, data), pid, &cc, true, af))
	m.cc[pid] = cc
	return err
}
