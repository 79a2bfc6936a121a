package preview

import (
	"encoding/base64"
	"encoding/json"
	"strconv"

	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/media"
)

// Track names.
const (
	TrackVideo = "video"
	TrackAudio = "audio"
)

// Catalog describes the published tracks, after the MoQ catalog format
// (draft-ietf-moq-catalogformat-01).
type Catalog struct {
	Version   int            `json:"version"`
	Namespace string         `json:"namespace"`
	Packaging string         `json:"packaging"`
	Tracks    []CatalogTrack `json:"tracks"`
}

// CatalogTrack is one track and the parameters a decoder needs for it.
type CatalogTrack struct {
	Name          string `json:"name"`
	Codec         string `json:"codec"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
	InitData      string `json:"initData,omitempty"`
	SampleRate    int    `json:"samplerate,omitempty"`
	ChannelConfig string `json:"channelConfig,omitempty"`
}

// Track returns the named track.
func (c Catalog) Track(name string) (CatalogTrack, bool) {
	for _, t := range c.Tracks {
		if t.Name == name {
			return t, true
		}
	}
	return CatalogTrack{}, false
}

// trackInfo is what the server has learned about the feed so far.
type trackInfo struct {
	videoCodec string
	width      int
	height     int
	config     []byte

	sampleRate int
	channels   int
}

// learnVideo updates the video parameters from a keyframe. It reports
// whether anything changed.
func (ti *trackInfo) learnVideo(frame *media.VideoFrame) bool {
	if !frame.IsKeyframe || len(frame.SPS) == 0 {
		return false
	}
	codec, w, h := videoCodecString(frame)
	if codec == "" {
		return false
	}
	if f := frame.Format; f != nil {
		w, h = f.Width, f.Height
	}
	changed := codec != ti.videoCodec || w != ti.width || h != ti.height
	ti.videoCodec, ti.width, ti.height = codec, w, h
	ti.config = decoderConfig(frame)
	return changed
}

func (ti *trackInfo) learnAudio(frame *media.AudioFrame) bool {
	if frame.SampleRate == 0 || (frame.SampleRate == ti.sampleRate && frame.Channels == ti.channels) {
		return false
	}
	ti.sampleRate, ti.channels = frame.SampleRate, frame.Channels
	return true
}

func (ti *trackInfo) catalog(namespace string) Catalog {
	c := Catalog{Version: 1, Namespace: namespace, Packaging: "loc"}
	if ti.videoCodec != "" {
		t := CatalogTrack{Name: TrackVideo, Codec: ti.videoCodec, Width: ti.width, Height: ti.height}
		if len(ti.config) > 0 {
			t.InitData = base64.StdEncoding.EncodeToString(ti.config)
		}
		c.Tracks = append(c.Tracks, t)
	}
	if ti.sampleRate > 0 {
		c.Tracks = append(c.Tracks, CatalogTrack{
			Name:          TrackAudio,
			Codec:         "mp4a.40.2",
			SampleRate:    ti.sampleRate,
			ChannelConfig: strconv.Itoa(ti.channels),
		})
	}
	return c
}

func (ti *trackInfo) encode(namespace string) ([]byte, error) {
	return json.Marshal(ti.catalog(namespace))
}

// videoCodecString returns the RFC 6381 codec string and coded size from
// the frame's SPS.
func videoCodecString(frame *media.VideoFrame) (string, int, int) {
	sps := trimStartCode(frame.SPS)
	if frame.Codec == media.CodecH265 {
		info, err := demux.ParseHEVCSPS(sps)
		if err != nil {
			return "", 0, 0
		}
		return info.CodecString(), info.Width, info.Height
	}
	info, err := demux.ParseSPS(sps)
	if err != nil {
		return "", 0, 0
	}
	return info.CodecString(), info.Width, info.Height
}
