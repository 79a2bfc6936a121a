package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zsiec/reel/session"
)

type probeResult struct {
	Path  string         `json:"path"`
	Asset *session.Asset `json:"asset,omitempty"`
	Error string         `json:"error,omitempty"`
}

func newProbeCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "probe FILE...",
		Short: "Describe the tracks, captions and chapters of recorded files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results := make([]probeResult, len(args))
			failed := 0
			for i, path := range args {
				results[i].Path = path
				a, err := session.NewClip(path, nil).Asset(cmd.Context())
				if err != nil {
					results[i].Error = err.Error()
					failed++
					continue
				}
				results[i].Asset = a
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(results); err != nil {
					return err
				}
			} else {
				writeProbeTable(cmd.OutOrStdout(), results)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files could not be probed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func writeProbeTable(out io.Writer, results []probeResult) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tVIDEO\tAUDIO\tDURATION\tKEYFRAMES\tCAPTIONS\tCHAPTERS")
	for _, r := range results {
		if r.Asset == nil {
			fmt.Fprintf(tw, "%s\terror: %s\t\t\t\t\t\n", r.Path, r.Error)
			continue
		}
		a := r.Asset
		video, audio := "-", "-"
		if a.HasVideo() {
			video = fmt.Sprintf("%s %dx%d@%.2f", a.VideoCodec, a.Width, a.Height, a.FrameRate)
		}
		if a.HasAudio() {
			audio = fmt.Sprintf("%dHz %dch x%d", a.SampleRate, a.Channels, a.AudioTracks)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%d\n",
			r.Path, video, audio, a.Duration.Round(time.Millisecond), a.Keyframes, captionSummary(a.Captions), len(a.Chapters))
	}
	tw.Flush()
}

// captionSummary renders per-channel caption frame counts as "CC1:12 CC3:4".
func captionSummary(counts map[int]int) string {
	if len(counts) == 0 {
		return "-"
	}
	channels := make([]int, 0, len(counts))
	for ch := range counts {
		channels = append(channels, ch)
	}
	slices.Sort(channels)
	var s string
	for i, ch := range channels {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("CC%d:%d", ch, counts[ch])
	}
	return s
}
