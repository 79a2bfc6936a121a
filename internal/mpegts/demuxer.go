package mpegts

import (
	"context"
	"errors"
	"io"
)

// Demuxer reads transport packets from a reader and produces DemuxerData
// for each PAT, PMT, private section, and PES packet.
type Demuxer struct {
	ctx        context.Context
	reader     io.Reader
	readBuf    []byte
	pool       *packetPool
	programMap *programMap
	pending    []*DemuxerData
	pktSize    int
	eof        bool
}

// NewDemuxer creates a Demuxer reading from r.
func NewDemuxer(ctx context.Context, r io.Reader, opts ...func(*Demuxer)) *Demuxer {
	pm := newProgramMap()
	d := &Demuxer{
		ctx:        ctx,
		reader:     r,
		pktSize:    PacketSize,
		programMap: pm,
		pool:       newPacketPool(pm),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.readBuf = make([]byte, d.pktSize)
	return d
}

// DemuxerOptPacketSize sets the on-wire packet size (188, or 192/204 for
// streams with timecode or FEC suffixes). Only the first 188 bytes are
// parsed.
func DemuxerOptPacketSize(size int) func(*Demuxer) {
	return func(d *Demuxer) {
		if size >= PacketSize {
			d.pktSize = size
		}
	}
}

// NextData returns the next unit from the stream, or io.EOF once the reader
// is exhausted and every partial unit has been flushed.
func (d *Demuxer) NextData() (*DemuxerData, error) {
	for {
		if len(d.pending) > 0 {
			data := d.pending[0]
			d.pending = d.pending[1:]
			return data, nil
		}
		if d.eof {
			return nil, io.EOF
		}
		if err := d.ctx.Err(); err != nil {
			return nil, err
		}

		if _, err := io.ReadFull(d.reader, d.readBuf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.eof = true
				for _, packets := range d.pool.dump() {
					d.pending = append(d.pending, d.process(packets)...)
				}
				continue
			}
			return nil, err
		}

		pkt, err := parsePacket(d.readBuf[:PacketSize])
		if err != nil {
			continue
		}
		if flushed := d.pool.add(pkt); flushed != nil {
			d.pending = append(d.pending, d.process(flushed)...)
		}
	}
}

// process parses one flushed unit. Corrupt units are dropped.
func (d *Demuxer) process(packets []*Packet) []*DemuxerData {
	if len(packets) == 0 {
		return nil
	}
	first := packets[0]
	payload := joinPayloads(packets)
	if len(payload) == 0 {
		return nil
	}

	if d.programMap.isSectionPID(first.Header.PID) {
		results, _ := parseSections(payload, first)
		for _, r := range results {
			d.programMap.learn(r)
		}
		return results
	}
	if !isPESPayload(payload) {
		return nil
	}
	pes, err := parsePES(payload)
	if err != nil {
		return nil
	}
	return []*DemuxerData{{FirstPacket: first, PES: pes}}
}
