package demux

import "github.com/zsiec/ccx"

// captionDecoder turns A/53 caption SEI payloads into caption text. CEA-608
// channels 1-4 map to caption channels 1-4; CEA-708 services 1-6 map to
// 7-12.
type captionDecoder struct {
	cea608 map[int]*ccx.CEA608Decoder
	cea708 map[int]*ccx.CEA708Service
	dtvcc  []byte

	// Broadcasters send each 608 control pair twice; the repeat within two
	// frames is dropped per field.
	lastCtrl      [2][2]byte
	lastWasCtrl   [2]bool
	lastCtrlFrame [2]int64
}

func newCaptionDecoder() *captionDecoder {
	c := &captionDecoder{
		cea608: make(map[int]*ccx.CEA608Decoder),
		cea708: make(map[int]*ccx.CEA708Service),
	}
	for ch := 1; ch <= 4; ch++ {
		c.cea608[ch] = ccx.NewCEA608Decoder()
	}
	for svc := 1; svc <= 6; svc++ {
		c.cea708[svc] = ccx.NewCEA708Service()
	}
	return c
}

// decode returns the caption frames completed by one SEI NAL unit. pts is in
// microseconds; frame is the running video frame count used for control-code
// deduplication.
func (c *captionDecoder) decode(sei []byte, pts, frame int64) []*ccx.CaptionFrame {
	cd := ccx.ExtractCaptions(sei)
	if cd == nil {
		return nil
	}

	var out []*ccx.CaptionFrame
	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]
		if c.duplicateControl(int(pair.Field), cc1, cc2, frame) {
			continue
		}
		dec := c.cea608[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			out = append(out, &ccx.CaptionFrame{PTS: pts, Text: text, Channel: pair.Channel, Regions: dec.StyledRegions()})
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			out = append(out, c.drainDTVCC(pts)...)
			c.dtvcc = c.dtvcc[:0]
		}
		c.dtvcc = append(c.dtvcc, t.Data[0], t.Data[1])
	}
	return out
}

func (c *captionDecoder) duplicateControl(field int, cc1, cc2 byte, frame int64) bool {
	if cc1 < 0x10 || cc1 > 0x1F {
		c.lastWasCtrl[field] = false
		return false
	}
	pair := [2]byte{cc1, cc2}
	if c.lastWasCtrl[field] && c.lastCtrl[field] == pair && frame-c.lastCtrlFrame[field] <= 2 {
		c.lastWasCtrl[field] = false
		return true
	}
	c.lastCtrl[field] = pair
	c.lastWasCtrl[field] = true
	c.lastCtrlFrame[field] = frame
	return false
}

// drainDTVCC decodes the buffered DTVCC packet once it is complete.
func (c *captionDecoder) drainDTVCC(pts int64) []*ccx.CaptionFrame {
	if len(c.dtvcc) < 1 {
		return nil
	}
	size := ccx.DTVCCPacketSize(c.dtvcc[0])
	if len(c.dtvcc) < size {
		return nil
	}

	var out []*ccx.CaptionFrame
	for _, block := range ccx.ParseDTVCCPacket(c.dtvcc[:size]) {
		svc := c.cea708[block.ServiceNum]
		if svc == nil || !svc.ProcessBlock(block.Data) {
			continue
		}
		if text := svc.DisplayText(); text != "" {
			out = append(out, &ccx.CaptionFrame{PTS: pts, Text: text, Channel: block.ServiceNum + 6, Regions: svc.StyledRegions()})
		}
	}
	return out
}
