package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/reel/internal/mpegts"
	"github.com/zsiec/reel/session"
)

const (
	// pushChunk is seven transport packets, the usual SRT payload.
	pushChunk       = 7 * mpegts.PacketSize
	pushLogInterval = 10 * time.Second
	pushRedial      = time.Second
)

type pushFlags struct {
	addr      string
	streamKey string
	loop      bool
}

func newPushCmd() *cobra.Command {
	var f pushFlags
	cmd := &cobra.Command{
		Use:   "push FILE",
		Short: "Play a recorded clip into an SRT listener in real time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := runPush(cmd.Context(), args[0], f, slog.Default())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.addr, "srt", envOr("SRT_ADDR", "127.0.0.1:6000"), "SRT listener address")
	fl.StringVar(&f.streamKey, "stream-key", envOr("STREAM_KEY", ""), "SRT stream ID")
	fl.BoolVar(&f.loop, "loop", false, "replay the file until interrupted, reconnecting when the listener drops")
	return cmd
}

func runPush(ctx context.Context, path string, f pushFlags, log *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data)%mpegts.PacketSize != 0 {
		log.Warn("file is not a whole number of packets", "path", path, "size", len(data))
	}
	asset, err := session.NewClip(path, nil).Asset(ctx)
	if err != nil {
		return fmt.Errorf("probe %s: %w", path, err)
	}
	if asset.Duration <= 0 {
		return fmt.Errorf("%s: no running time to pace against", path)
	}
	p := &pusher{
		data:   data,
		rate:   float64(len(data)) / asset.Duration.Seconds(),
		retime: mpegts.NewRetimer(data),
		loop:   f.loop,
		log:    log.With("component", "push", "srt", f.addr),
	}
	p.log.Info("pushing", "path", path, "duration", asset.Duration, "bytes_per_sec", int(p.rate))

	for {
		cfg := srtgo.DefaultConfig()
		cfg.StreamID = f.streamKey
		conn, err := srtgo.Dial(f.addr, cfg)
		if err == nil {
			err = p.send(ctx, conn)
			conn.Close()
			if err == nil {
				return nil
			}
		}
		if ctx.Err() != nil || !f.loop {
			return errors.Join(ctx.Err(), err)
		}
		p.log.Warn("connection lost, retrying", "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pushRedial):
		}
	}
}

// pusher paces a transport stream against the wall clock. The clock spans
// reconnects and loop passes so the receiver sees a steady rate.
type pusher struct {
	data   []byte
	rate   float64 // bytes per second
	retime *mpegts.Retimer
	loop   bool
	log    *slog.Logger

	start   time.Time
	sent    int64
	passes  int
	lastLog time.Time
}

// send writes the file until it ends, or forever when looping. It returns
// nil only when a single pass completes.
func (p *pusher) send(ctx context.Context, conn *srtgo.Conn) error {
	if p.start.IsZero() {
		p.start = time.Now()
		p.lastLog = p.start
	}
	for {
		for off := 0; off < len(p.data); off += pushChunk {
			if err := ctx.Err(); err != nil {
				return err
			}
			end := min(off+pushChunk, len(p.data))
			if _, err := conn.Write(p.data[off:end]); err != nil {
				return err
			}
			p.sent += int64(end - off)

			due := time.Duration(float64(p.sent) / p.rate * float64(time.Second))
			if wait := due - time.Since(p.start); wait > 0 {
				time.Sleep(wait)
			}
			if time.Since(p.lastLog) >= pushLogInterval {
				p.lastLog = time.Now()
				p.log.Info("push progress", "pass", p.passes+1,
					"offset_pct", fmt.Sprintf("%.1f", float64(off)/float64(len(p.data))*100),
					"sent_mb", fmt.Sprintf("%.1f", float64(p.sent)/(1<<20)))
			}
		}
		p.passes++
		if !p.loop {
			return nil
		}
		p.retime.Shift(p.retime.Span())
	}
}
