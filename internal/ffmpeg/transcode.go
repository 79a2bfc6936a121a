package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Preset names a re-encode profile for merged recordings.
type Preset string

const (
	PresetPassthrough Preset = "passthrough"
	PresetLow         Preset = "low"
	PresetMedium      Preset = "medium"
	PresetHigh        Preset = "high"
	PresetHEVC        Preset = "hevc"
)

// Presets lists every preset, passthrough first.
var Presets = []Preset{PresetPassthrough, PresetLow, PresetMedium, PresetHigh, PresetHEVC}

// ParsePreset maps a name to a Preset, case-insensitively.
func ParsePreset(name string) (Preset, error) {
	p := Preset(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Presets {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("ffmpeg: unknown preset %q", name)
}

// args returns the output codec arguments for p. Passthrough copies streams.
func (p Preset) args() []string {
	switch p {
	case PresetLow:
		return []string{"-c:v", "libx264", "-preset", "veryfast", "-crf", "28", "-vf", "scale=-2:'min(480,ih)'", "-c:a", "aac", "-b:a", "96k"}
	case PresetMedium:
		return []string{"-c:v", "libx264", "-preset", "fast", "-crf", "23", "-vf", "scale=-2:'min(720,ih)'", "-c:a", "aac", "-b:a", "128k"}
	case PresetHigh:
		return []string{"-c:v", "libx264", "-preset", "medium", "-crf", "18", "-c:a", "aac", "-b:a", "192k"}
	case PresetHEVC:
		return []string{"-c:v", "libx265", "-preset", "medium", "-crf", "24", "-c:a", "aac", "-b:a", "160k"}
	default:
		return []string{"-c", "copy"}
	}
}

// Transcode re-encodes input into an MPEG-TS at output using preset. total
// is the expected duration for percentage reporting and may be zero.
func Transcode(ctx context.Context, input, output string, preset Preset, total time.Duration, report func(Progress)) error {
	args := []string{"-y", "-i", input}
	args = append(args, preset.args()...)
	args = append(args, "-f", "mpegts", output)
	return runWithProgress(ctx, total, report, args...)
}

// Concat joins inputs with ffmpeg's concat demuxer and encodes the result
// with preset.
func Concat(ctx context.Context, inputs []string, output string, preset Preset, total time.Duration, report func(Progress)) error {
	if len(inputs) == 0 {
		return fmt.Errorf("ffmpeg: nothing to concatenate")
	}
	list, err := os.CreateTemp(filepath.Dir(output), "concat-*.txt")
	if err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}
	defer func() { _ = os.Remove(list.Name()) }()

	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			abs = in
		}
		if _, err := fmt.Fprintf(list, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`)); err != nil {
			_ = list.Close()
			return fmt.Errorf("failed to write concat list: %w", err)
		}
	}
	if err := list.Close(); err != nil {
		return fmt.Errorf("failed to write concat list: %w", err)
	}

	args := []string{"-y", "-f", "concat", "-safe", "0", "-i", list.Name()}
	args = append(args, preset.args()...)
	args = append(args, "-f", "mpegts", output)
	return runWithProgress(ctx, total, report, args...)
}
