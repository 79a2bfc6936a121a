package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/reel/device"
	"github.com/zsiec/reel/internal/certs"
	"github.com/zsiec/reel/preview"
	"github.com/zsiec/reel/source/srt"
)

func newPreviewCmd() *cobra.Command {
	var (
		srtAddr, streamKey string
		call               bool
		addr               string
		certFile, keyFile  string
	)
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Serve a live QUIC preview of an SRT camera feed without recording",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := preview.Config{Addr: addr, Log: slog.Default()}
			if certFile != "" {
				c, err := certs.Load(certFile, keyFile)
				if err != nil {
					return err
				}
				cfg.Cert = c
			}
			pv, err := preview.New(cfg)
			if err != nil {
				return err
			}
			return runPreview(cmd.Context(), srt.Options{
				Addr:      srtAddr,
				Call:      call,
				StreamKey: streamKey,
				Log:       slog.Default(),
			}, pv)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&srtAddr, "srt", envOr("SRT_ADDR", ":6000"), "SRT listen address, or the camera address with --call")
	fl.BoolVar(&call, "call", false, "dial the camera instead of listening")
	fl.StringVar(&streamKey, "stream-key", envOr("STREAM_KEY", ""), "accept only this stream key")
	fl.StringVar(&addr, "addr", envOr("PREVIEW_ADDR", ":4443"), "QUIC listen address")
	fl.StringVar(&certFile, "cert", "", "PEM certificate (self-signed when empty)")
	fl.StringVar(&keyFile, "key", "", "PEM private key for --cert")
	return cmd
}

// runPreview feeds pv straight from the SRT graph with no capture
// controller in between.
func runPreview(ctx context.Context, opts srt.Options, pv *preview.Server) error {
	src := srt.New(opts)
	src.SetSink(pv)
	g := src.Graph()
	if err := g.AddInput(g.Camera(device.PositionBack, device.TypeNetwork)); err != nil {
		return err
	}
	if err := g.AddInput(g.Microphone()); err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return pv.ListenAndServe(ctx) })
	eg.Go(func() error {
		if err := g.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		g.Stop()
		return nil
	})
	eg.Go(func() error {
		logStats(ctx, slog.Default(), src, pv)
		return nil
	})
	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newWatchCmd() *cobra.Command {
	var (
		fingerprint string
		tracks      []string
		limit       int
	)
	cmd := &cobra.Command{
		Use:   "watch ADDR",
		Short: "Subscribe to a preview server and print the objects it sends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fp, err := parseFingerprint(fingerprint)
			if err != nil {
				return err
			}
			c, err := preview.Dial(cmd.Context(), args[0], preview.PinnedTLSConfig(fp))
			if err != nil {
				return err
			}
			defer c.Close()

			cat := c.Catalog()
			for _, t := range cat.Tracks {
				printf(cmd, "track %s codec=%s %dx%d rate=%d channels=%s\n",
					t.Name, t.Codec, t.Width, t.Height, t.SampleRate, t.ChannelConfig)
			}
			names := make(map[uint64]string)
			for _, name := range tracks {
				alias, err := c.Subscribe(name)
				if err != nil {
					return err
				}
				names[alias] = name
			}
			err = watch(cmd, c, names, limit)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&fingerprint, "fingerprint", "", "server certificate SHA-256, hex (printed by the server at startup)")
	fl.StringSliceVar(&tracks, "track", []string{preview.TrackVideo, preview.TrackAudio}, "tracks to subscribe to")
	fl.IntVar(&limit, "groups", 0, "exit after this many groups (0 to run until interrupted)")
	_ = cmd.MarkFlagRequired("fingerprint")
	return cmd
}

// watch prints one line per group with its object count and time span.
func watch(cmd *cobra.Command, c *preview.Client, names map[uint64]string, limit int) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)
	// Closing the connection unblocks readers parked in Next.
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()
	lines := make(chan string)
	eg.Go(func() error {
		for n := 0; limit == 0 || n < limit; n++ {
			grp, err := c.AcceptGroup(ctx)
			if err != nil {
				return err
			}
			eg.Go(func() error {
				var (
					count       int
					first, last uint64
					keyframe    bool
					size        int
				)
				for {
					obj, err := grp.Next()
					if err != nil {
						break
					}
					if count == 0 {
						first, keyframe = obj.Timestamp, obj.Keyframe
					}
					last = obj.Timestamp
					size += len(obj.Payload)
					count++
				}
				line := fmt.Sprintf("%s group=%d objects=%d bytes=%d ts=%d..%d keyframe=%v",
					names[grp.Alias], grp.ID, count, size, first, last, keyframe)
				select {
				case lines <- line:
				case <-ctx.Done():
				}
				return nil
			})
		}
		return nil
	})
	go func() {
		_ = eg.Wait()
		close(lines)
	}()
	for line := range lines {
		printf(cmd, "%s\n", line)
	}
	return eg.Wait()
}

func parseFingerprint(s string) ([32]byte, error) {
	var fp [32]byte
	b, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
	if err != nil {
		return fp, fmt.Errorf("fingerprint: %w", err)
	}
	if len(b) != len(fp) {
		return fp, fmt.Errorf("fingerprint: got %d bytes, want %d", len(b), len(fp))
	}
	copy(fp[:], b)
	return fp, nil
}
