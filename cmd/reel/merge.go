package main

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/spf13/cobra"

	"github.com/zsiec/reel/internal/ffmpeg"
	"github.com/zsiec/reel/session"
)

func newMergeCmd() *cobra.Command {
	var (
		output string
		preset string
	)
	cmd := &cobra.Command{
		Use:   "merge -o OUTPUT CLIP...",
		Short: "Concatenate recorded clips into one file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := ffmpeg.ParsePreset(preset)
			if err != nil {
				return err
			}
			clips := make([]*session.Clip, len(args))
			for i, path := range args {
				clips[i] = session.NewClip(path, nil)
				if !clips[i].Exists() {
					return fmt.Errorf("%s: no such clip", path)
				}
			}

			log := slog.Default()
			last := -1.0
			err = session.Merge(cmd.Context(), clips, output, session.MergeOptions{
				Preset: p,
				Log:    log,
				Progress: func(pct float64) {
					// Log every tenth of the way.
					if step := math.Floor(pct / 10); step > last {
						last = step
						log.Info("merging", "percent", fmt.Sprintf("%.0f", pct))
					}
				},
			})
			if err != nil {
				return err
			}
			printf(cmd, "%s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "merged.ts", "output file")
	cmd.Flags().StringVar(&preset, "preset", string(session.PresetPassthrough), "encoding preset (passthrough, low, medium, high, hevc)")
	return cmd
}
