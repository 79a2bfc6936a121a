package demux

import "fmt"

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	NALTypeSlice      = 1
	NALTypeIDR        = 5
	NALTypeSEI        = 6
	NALTypeSPS        = 7
	NALTypePPS        = 8
	NALTypeAUD        = 9
	NALTypeFillerData = 12
)

// SPSInfo holds the parameters a recorder needs from an H.264 Sequence
// Parameter Set: the cropped picture size, profile/level, and the nominal
// frame rate when the VUI carries timing information.
type SPSInfo struct {
	Width           int
	Height          int
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte
	FullRange       bool
	FrameRate       float64
}

// CodecString returns the RFC 6381 codec parameter string (e.g. "avc1.42E01E").
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// highProfiles carry chroma format and scaling matrices in the SPS.
var highProfiles = map[uint]bool{
	100: true, 110: true, 122: true, 244: true, 44: true, 83: true,
	86: true, 118: true, 128: true, 138: true, 139: true, 134: true,
}

// ParseSPS parses an H.264 SPS NAL unit (header byte included, start code
// excluded).
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, errSPSTooShort
	}
	br := newBitReader(unescapeRBSP(nalu[1:]))

	info := SPSInfo{
		ProfileIDC:      byte(br.u(8)),
		ConstraintFlags: byte(br.u(8)),
		LevelIDC:        byte(br.u(8)),
	}
	br.ue() // seq_parameter_set_id

	chromaFormat := uint(1)
	separatePlanes := false
	if highProfiles[uint(info.ProfileIDC)] {
		chromaFormat = br.ue()
		if chromaFormat == 3 {
			separatePlanes = br.flag()
		}
		br.ue() // bit_depth_luma_minus8
		br.ue() // bit_depth_chroma_minus8
		br.u(1) // qpprime_y_zero_transform_bypass_flag
		if br.flag() {
			lists := 8
			if chromaFormat == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				if br.flag() {
					size := 16
					if i >= 6 {
						size = 64
					}
					br.skipScalingList(size)
				}
			}
		}
	}

	br.ue() // log2_max_frame_num_minus4
	switch br.ue() {
	case 0:
		br.ue() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		br.u(1)
		br.se()
		br.se()
		n := br.ue()
		for i := uint(0); i < n && br.err == nil; i++ {
			br.se()
		}
	}
	br.ue() // max_num_ref_frames
	br.u(1) // gaps_in_frame_num_value_allowed_flag

	widthMbs := br.ue() + 1
	heightMapUnits := br.ue() + 1
	frameMbsOnly := br.u(1)
	if frameMbsOnly == 0 {
		br.u(1) // mb_adaptive_frame_field_flag
	}
	br.u(1) // direct_8x8_inference_flag

	var cropLeft, cropRight, cropTop, cropBottom uint
	if br.flag() {
		cropLeft, cropRight, cropTop, cropBottom = br.ue(), br.ue(), br.ue(), br.ue()
	}
	if br.err != nil {
		return SPSInfo{}, br.err
	}

	chromaArrayType := chromaFormat
	if separatePlanes {
		chromaArrayType = 0
	}
	cropUnitX, cropUnitY := uint(1), 2-frameMbsOnly
	switch chromaArrayType {
	case 1:
		cropUnitX, cropUnitY = 2, 2*(2-frameMbsOnly)
	case 2:
		cropUnitX, cropUnitY = 2, 2-frameMbsOnly
	}

	info.Width = int(widthMbs*16 - cropUnitX*(cropLeft+cropRight))
	info.Height = int((2-frameMbsOnly)*heightMapUnits*16 - cropUnitY*(cropTop+cropBottom))

	if br.flag() {
		parseVUI(br, &info)
	}
	return info, nil
}

// parseVUI reads the VUI fields up to and including timing_info. A truncated
// VUI leaves the optional fields at their zero values.
func parseVUI(br *bitReader, info *SPSInfo) {
	if br.flag() { // aspect_ratio_info_present_flag
		if br.u(8) == 255 {
			br.u(16)
			br.u(16)
		}
	}
	if br.flag() { // overscan_info_present_flag
		br.u(1)
	}
	if br.flag() { // video_signal_type_present_flag
		br.u(3)
		info.FullRange = br.flag()
		if br.flag() {
			br.u(24)
		}
	}
	if br.flag() { // chroma_loc_info_present_flag
		br.ue()
		br.ue()
	}
	if br.flag() { // timing_info_present_flag
		unitsInTick := br.u(32)
		timeScale := br.u(32)
		if br.err == nil && unitsInTick > 0 {
			info.FrameRate = float64(timeScale) / float64(2*unitsInTick)
		}
	}
	if br.err != nil {
		info.FullRange = false
		info.FrameRate = 0
	}
}

// NALUnit represents a parsed H.264 or H.265 NAL unit.
type NALUnit struct {
	Type byte   // NAL type (codec-specific: 5-bit for H.264, 6-bit for H.265)
	Data []byte // raw NAL data including the NAL header byte(s), without start code
}

// splitAnnexB scans an Annex B byte stream for 3- and 4-byte start codes and
// returns the NAL units between them. Zero bytes preceding a start code
// belong to the start code, not to the previous unit.
func splitAnnexB(data []byte, minNALBytes int, nalType func([]byte) byte) []NALUnit {
	n := len(data)
	if n < 4 {
		return nil
	}

	type span struct{ sc, start int }
	var spans []span
	for i := 0; i < n-2; {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				spans = append(spans, span{i, i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				spans = append(spans, span{i, i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units []NALUnit
	for idx, s := range spans {
		end := n
		if idx+1 < len(spans) {
			end = spans[idx+1].sc
		}
		if s.start >= end || end-s.start < minNALBytes {
			continue
		}
		nal := data[s.start:end]
		units = append(units, NALUnit{Type: nalType(nal), Data: nal})
	}
	return units
}

// ParseAnnexB parses an H.264 Annex B byte stream into NAL units.
func ParseAnnexB(data []byte) []NALUnit {
	return splitAnnexB(data, 1, func(d []byte) byte { return d[0] & 0x1F })
}

// IsKeyframe returns true if the NAL type is an IDR slice (type 5).
func IsKeyframe(nalType byte) bool { return nalType == NALTypeIDR }

// IsSPS returns true if the NAL type is SPS (type 7).
func IsSPS(nalType byte) bool { return nalType == NALTypeSPS }

// IsPPS returns true if the NAL type is PPS (type 8).
func IsPPS(nalType byte) bool { return nalType == NALTypePPS }
