package demux

import (
	"errors"
	"fmt"
)

// ErrInvalidADTS is returned when the ADTS sync word or header is malformed.
var ErrInvalidADTS = errors.New("invalid ADTS header")

// AAC sample rate index table (ISO 14496-3).
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// AACFrame represents a single AAC audio frame parsed from ADTS.
type AACFrame struct {
	Data       []byte // complete ADTS frame (header + payload)
	SampleRate int
	Channels   int
}

// ParseADTS splits an ADTS byte stream into frames. Garbage before a sync
// word is skipped; a truncated trailing frame is dropped.
func ParseADTS(data []byte) ([]AACFrame, error) {
	var frames []AACFrame
	for off := 0; len(data)-off >= 7; {
		if data[off] != 0xFF || data[off+1]&0xF0 != 0xF0 {
			off++
			continue
		}
		headerSize := 7
		if data[off+1]&0x01 == 0 {
			headerSize = 9 // CRC present
		}
		rateIdx := (data[off+2] >> 2) & 0x0F
		if int(rateIdx) >= len(aacSampleRates) {
			return frames, ErrInvalidADTS
		}
		channels := int((data[off+2]&0x01)<<2 | (data[off+3]>>6)&0x03)
		frameLen := int(data[off+3]&0x03)<<11 | int(data[off+4])<<3 | int(data[off+5]>>5)
		if frameLen < headerSize || off+frameLen > len(data) {
			break
		}
		frames = append(frames, AACFrame{
			Data:       data[off : off+frameLen],
			SampleRate: aacSampleRates[rateIdx],
			Channels:   channels,
		})
		off += frameLen
	}
	return frames, nil
}

// BuildADTS wraps a raw AAC-LC payload in a 7-byte ADTS header.
func BuildADTS(payload []byte, sampleRate, channels int) ([]byte, error) {
	rateIdx := -1
	for i, r := range aacSampleRates {
		if r == sampleRate {
			rateIdx = i
			break
		}
	}
	if rateIdx < 0 {
		return nil, fmt.Errorf("%w: unsupported sample rate %d", ErrInvalidADTS, sampleRate)
	}
	if channels < 1 || channels > 7 {
		return nil, fmt.Errorf("%w: unsupported channel count %d", ErrInvalidADTS, channels)
	}
	frameLen := 7 + len(payload)
	if frameLen > 0x1FFF {
		return nil, fmt.Errorf("%w: frame too long", ErrInvalidADTS)
	}
	const profileLC = 1 // audio object type 2, minus one
	out := make([]byte, 7, frameLen)
	out[0] = 0xFF
	out[1] = 0xF1
	out[2] = byte(profileLC<<6 | rateIdx<<2 | channels>>2)
	out[3] = byte((channels&0x03)<<6 | frameLen>>11)
	out[4] = byte(frameLen >> 3)
	out[5] = byte((frameLen&0x07)<<5 | 0x1F)
	out[6] = 0xFC
	return append(out, payload...), nil
}
