// Package mpegts reads and writes MPEG transport streams. The Demuxer
// discovers programs through PAT/PMT, reassembles PES packets with their
// timestamps, and surfaces private sections such as SCTE-35. The Muxer writes
// a single-program stream with periodic tables and PCR on the video PID.
package mpegts

// PacketSize is the size of a transport stream packet.
const PacketSize = 188

const syncByte = 0x47

// StreamType is the PMT stream_type of an elementary stream.
type StreamType uint8

const (
	StreamTypeAAC    StreamType = 0x0F // ADTS
	StreamTypeH264   StreamType = 0x1B
	StreamTypeH265   StreamType = 0x24
	StreamTypeSCTE35 StreamType = 0x86
)

// IsVideo reports whether the stream type carries video.
func (t StreamType) IsVideo() bool { return t == StreamTypeH264 || t == StreamTypeH265 }

// Packet is a parsed transport stream packet.
type Packet struct {
	Header  PacketHeader
	Payload []byte
}

// PacketHeader contains the parsed header fields of a transport stream packet
// plus the adaptation-field flags the demuxer uses.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
	RandomAccessIndicator     bool
}

// DemuxerData is one logical unit read from the stream. Exactly one of PAT,
// PMT, PES, or Section is non-nil.
type DemuxerData struct {
	FirstPacket *Packet
	PAT         *PATData
	PMT         *PMTData
	PES         *PESData
	Section     *SectionData
}

// PID returns the PID the unit was carried on.
func (d *DemuxerData) PID() uint16 {
	if d.FirstPacket == nil {
		return 0
	}
	return d.FirstPacket.Header.PID
}

// PATData contains the parsed Program Association Table.
type PATData struct {
	Programs []*PATProgram
}

// PATProgram maps a program number to its PMT PID.
type PATProgram struct {
	ProgramMapID  uint16
	ProgramNumber uint16
}

// PMTData contains the parsed Program Map Table.
type PMTData struct {
	PCRPID            uint16
	ElementaryStreams []*PMTElementaryStream
}

// PMTElementaryStream describes a single elementary stream in a PMT.
type PMTElementaryStream struct {
	ElementaryPID uint16
	StreamType    StreamType
}

// PESData contains a reassembled Packetized Elementary Stream packet.
type PESData struct {
	Data   []byte
	Header *PESHeader
}

// PESHeader contains the parsed PES packet header.
type PESHeader struct {
	OptionalHeader *PESOptionalHeader
	StreamID       uint8
}

// PESOptionalHeader carries the optional PES timestamps.
type PESOptionalHeader struct {
	PTS *ClockReference
	DTS *ClockReference
}

// ClockReference holds a 33-bit timestamp on the 90 kHz clock.
type ClockReference struct {
	Base int64
}

// SectionData is a complete private section (any table other than PAT/PMT)
// from a PID the PMT declared as section-carrying.
type SectionData struct {
	TableID uint8
	Data    []byte // whole section, table_id through CRC
}
