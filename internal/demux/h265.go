package demux

import (
	"fmt"
	"math/bits"
	"strings"
)

// H.265/HEVC NAL unit type constants as defined in ITU-T H.265 Table 7-1.
const (
	HEVCNALBlaWLP     = 16
	HEVCNALIDRWRadl   = 19
	HEVCNALIDRNlp     = 20
	HEVCNALCraNut     = 21
	HEVCNALVPS        = 32
	HEVCNALSPS        = 33
	HEVCNALPPS        = 34
	HEVCNALAUD        = 35
	HEVCNALFillerData = 38
	HEVCNALSEIPrefix  = 39
)

// HEVCNALType extracts the NAL unit type from the first byte of an HEVC
// 2-byte NAL header: forbidden(1) | type(6) | layerID_high(1).
func HEVCNALType(firstByte byte) byte {
	return (firstByte >> 1) & 0x3F
}

// IsHEVCKeyframe returns true if the NAL type is a random access point
// (BLA, IDR, or CRA).
func IsHEVCKeyframe(nalType byte) bool {
	return nalType >= HEVCNALBlaWLP && nalType <= HEVCNALCraNut
}

// IsHEVCVPS returns true if the NAL type is a Video Parameter Set.
func IsHEVCVPS(nalType byte) bool { return nalType == HEVCNALVPS }

// IsHEVCSPS returns true if the NAL type is a Sequence Parameter Set.
func IsHEVCSPS(nalType byte) bool { return nalType == HEVCNALSPS }

// IsHEVCPPS returns true if the NAL type is a Picture Parameter Set.
func IsHEVCPPS(nalType byte) bool { return nalType == HEVCNALPPS }

// ParseAnnexBHEVC parses an Annex B byte stream into NAL units using the
// HEVC 2-byte NAL header for type extraction.
func ParseAnnexBHEVC(data []byte) []NALUnit {
	return splitAnnexB(data, 2, func(d []byte) byte { return HEVCNALType(d[0]) })
}

// HEVCSPSInfo holds the picture size and profile/tier/level of an HEVC SPS.
type HEVCSPSInfo struct {
	Width      int
	Height     int
	ProfileIDC byte
	TierFlag   byte
	LevelIDC   byte

	ProfileCompatibilityFlags uint32
	ConstraintIndicatorFlags  uint64
	ChromaFormatIdc           byte
}

// CodecString returns the RFC 6381 codec parameter string (e.g.
// "hev1.1.6.L93.B0").
func (s HEVCSPSInfo) CodecString() string {
	tier := "L"
	if s.TierFlag == 1 {
		tier = "H"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "hev1.%d.%X.%s%d", s.ProfileIDC, bits.Reverse32(s.ProfileCompatibilityFlags), tier, s.LevelIDC)

	// Six constraint bytes with trailing zero bytes trimmed.
	last := -1
	var cb [6]byte
	for i := range cb {
		cb[i] = byte(s.ConstraintIndicatorFlags >> uint((5-i)*8))
		if cb[i] != 0 {
			last = i
		}
	}
	for i := 0; i <= last; i++ {
		fmt.Fprintf(&b, ".%X", cb[i])
	}
	return b.String()
}

// ParseHEVCSPS parses an HEVC SPS NAL unit (2-byte header included).
func ParseHEVCSPS(nalu []byte) (HEVCSPSInfo, error) {
	if len(nalu) < 4 {
		return HEVCSPSInfo{}, errSPSTooShort
	}
	br := newBitReader(unescapeRBSP(nalu[2:]))

	br.u(4) // sps_video_parameter_set_id
	maxSubLayersMinus1 := br.u(3)
	br.u(1) // sps_temporal_id_nesting_flag

	var info HEVCSPSInfo
	parseProfileTierLevel(br, &info, maxSubLayersMinus1)

	br.ue() // sps_seq_parameter_set_id
	chroma := br.ue()
	info.ChromaFormatIdc = byte(chroma)
	if chroma == 3 {
		br.u(1) // separate_colour_plane_flag
	}
	width, height := br.ue(), br.ue()
	if br.err != nil {
		return HEVCSPSInfo{}, br.err
	}
	info.Width, info.Height = int(width), int(height)

	if br.flag() { // conformance_window_flag
		left, right, top, bottom := br.ue(), br.ue(), br.ue(), br.ue()
		if br.err != nil {
			return info, nil
		}
		subW, subH := uint(1), uint(1)
		switch chroma {
		case 1:
			subW, subH = 2, 2
		case 2:
			subW = 2
		}
		info.Width -= int((left + right) * subW)
		info.Height -= int((top + bottom) * subH)
	}
	return info, nil
}

func parseProfileTierLevel(br *bitReader, info *HEVCSPSInfo, maxSubLayersMinus1 uint) {
	br.u(2) // general_profile_space
	info.TierFlag = byte(br.u(1))
	info.ProfileIDC = byte(br.u(5))
	info.ProfileCompatibilityFlags = uint32(br.u(16))<<16 | uint32(br.u(16))
	info.ConstraintIndicatorFlags = uint64(br.u(24))<<24 | uint64(br.u(24))
	info.LevelIDC = byte(br.u(8))

	if maxSubLayersMinus1 == 0 {
		return
	}
	var profilePresent, levelPresent [8]bool
	for i := uint(0); i < maxSubLayersMinus1; i++ {
		profilePresent[i] = br.flag()
		levelPresent[i] = br.flag()
	}
	for i := maxSubLayersMinus1; i < 8; i++ {
		br.u(2) // reserved_zero_2bits
	}
	for i := uint(0); i < maxSubLayersMinus1; i++ {
		if profilePresent[i] {
			br.u(32) // sub-layer profile: 88 bits
			br.u(32)
			br.u(24)
		}
		if levelPresent[i] {
			br.u(8)
		}
	}
}
