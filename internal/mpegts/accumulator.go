package mpegts

import "slices"

const pidPAT = 0x0000

// programMap tracks which PIDs carry sections rather than PES packets: PMT
// PIDs announced by the PAT and private-section PIDs announced by a PMT.
type programMap struct {
	pmt     map[uint16]bool
	private map[uint16]bool
}

func newProgramMap() *programMap {
	return &programMap{pmt: make(map[uint16]bool), private: make(map[uint16]bool)}
}

func (pm *programMap) isSectionPID(pid uint16) bool {
	return pid == pidPAT || pm.pmt[pid] || pm.private[pid]
}

func (pm *programMap) learn(d *DemuxerData) {
	if d.PAT != nil {
		for _, p := range d.PAT.Programs {
			pm.pmt[p.ProgramMapID] = true
		}
	}
	if d.PMT != nil {
		for _, es := range d.PMT.ElementaryStreams {
			if es.StreamType == StreamTypeSCTE35 {
				pm.private[es.ElementaryPID] = true
			}
		}
	}
}

// packetAccumulator buffers packets for a single PID until a flush trigger.
type packetAccumulator struct {
	pid        uint16
	packets    []*Packet
	programMap *programMap
}

func (pa *packetAccumulator) add(p *Packet) []*Packet {
	if p.Header.TransportErrorIndicator {
		pa.packets = nil
		return nil
	}
	if !p.Header.HasPayload {
		return nil
	}

	// A continuity jump without a signaled discontinuity invalidates the
	// partial unit; a repeated counter is a duplicate packet.
	if n := len(pa.packets); n > 0 && !p.Header.DiscontinuityIndicator {
		prev := pa.packets[n-1].Header.ContinuityCounter
		if p.Header.ContinuityCounter != (prev+1)&0x0F {
			if p.Header.ContinuityCounter == prev {
				return nil
			}
			pa.packets = nil
		}
	}

	var flushed []*Packet
	if p.Header.PayloadUnitStartIndicator && len(pa.packets) > 0 {
		flushed = pa.packets
		pa.packets = nil
	}
	if !p.Header.PayloadUnitStartIndicator && len(pa.packets) == 0 {
		return flushed // continuation without a start
	}
	pa.packets = append(pa.packets, p)

	if flushed == nil && pa.programMap.isSectionPID(pa.pid) && sectionsComplete(pa.packets) {
		flushed = pa.packets
		pa.packets = nil
	}
	return flushed
}

func (pa *packetAccumulator) flush() []*Packet {
	flushed := pa.packets
	pa.packets = nil
	return flushed
}

func joinPayloads(packets []*Packet) []byte {
	var payload []byte
	for _, p := range packets {
		payload = append(payload, p.Payload...)
	}
	return payload
}

// sectionsComplete reports whether the accumulated payload holds every
// section it announces.
func sectionsComplete(packets []*Packet) bool {
	payload := joinPayloads(packets)
	if len(payload) < 1 {
		return false
	}
	off := 1 + int(payload[0])
	if off >= len(payload) {
		return false
	}
	for off < len(payload) {
		if payload[off] == 0xFF {
			return true
		}
		if off+3 > len(payload) {
			return false
		}
		if !validSectionHeader(payload[off:]) {
			return true
		}
		end := off + 3 + sectionLength(payload[off:])
		if end > len(payload) {
			return false
		}
		off = end
	}
	return true
}

// validSectionHeader rejects padding. PAT and PMT set
// section_syntax_indicator; SCTE-35 splice_info_section clears it.
func validSectionHeader(b []byte) bool {
	if b[0] == tableIDSCTE35 {
		return true
	}
	return b[1]&0x80 != 0
}

func sectionLength(b []byte) int {
	return int(b[1]&0x0F)<<8 | int(b[2])
}

// packetPool manages per-PID accumulators.
type packetPool struct {
	accs       map[uint16]*packetAccumulator
	programMap *programMap
}

func newPacketPool(pm *programMap) *packetPool {
	return &packetPool{accs: make(map[uint16]*packetAccumulator), programMap: pm}
}

func (pp *packetPool) add(p *Packet) []*Packet {
	acc, ok := pp.accs[p.Header.PID]
	if !ok {
		acc = &packetAccumulator{pid: p.Header.PID, programMap: pp.programMap}
		pp.accs[p.Header.PID] = acc
	}
	return acc.add(p)
}

// dump flushes every accumulator in PID order so PAT precedes PMT PIDs.
func (pp *packetPool) dump() [][]*Packet {
	pids := make([]uint16, 0, len(pp.accs))
	for pid := range pp.accs {
		pids = append(pids, pid)
	}
	slices.Sort(pids)

	var all [][]*Packet
	for _, pid := range pids {
		if packets := pp.accs[pid].flush(); packets != nil {
			all = append(all, packets)
		}
	}
	return all
}
