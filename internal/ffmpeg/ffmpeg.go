// Package ffmpeg drives the ffmpeg binary for the work reel does not do in
// Go: encoding raw pictures, decoding still frames, and re-encoding merged
// recordings.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Binary is the ffmpeg executable name or path.
var Binary = "ffmpeg"

// ErrNotFound is returned when the ffmpeg binary cannot be located.
var ErrNotFound = errors.New("ffmpeg: binary not found")

// stderrLimit caps how much ffmpeg diagnostic output is kept for errors.
const stderrLimit = 8 << 10

var lookOnce = sync.OnceValue(func() error {
	if _, err := exec.LookPath(Binary); err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return nil
})

// Available reports whether the ffmpeg binary can be found on PATH.
func Available() error { return lookOnce() }

// Version returns the first line of `ffmpeg -version`.
func Version(ctx context.Context) (string, error) {
	if err := Available(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, Binary, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("ffmpeg -version: %w", err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

// tailBuffer keeps the last stderrLimit bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - stderrLimit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf))
}

// run executes ffmpeg to completion and returns its stdout.
func run(ctx context.Context, args ...string) ([]byte, error) {
	if err := Available(); err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, Binary, append([]string{"-hide_banner", "-loglevel", "error"}, args...)...)
	var stdout bytes.Buffer
	stderr := &tailBuffer{}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("ffmpeg failed: %w, stderr: %s", err, stderr)
	}
	return stdout.Bytes(), nil
}

// Progress reports how far a long-running ffmpeg job has gotten.
type Progress struct {
	OutTime time.Duration
	Percent float64
}

// runWithProgress runs ffmpeg with -progress on stdout and reports the
// output position as it advances. total is the expected output duration;
// when it is zero Percent stays 0.
func runWithProgress(ctx context.Context, total time.Duration, report func(Progress), args ...string) error {
	if err := Available(); err != nil {
		return err
	}
	full := append([]string{"-hide_banner", "-loglevel", "error", "-progress", "pipe:1", "-stats_period", "0.5", "-nostats"}, args...)
	cmd := exec.CommandContext(ctx, Binary, full...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr := &tailBuffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	if report != nil {
		report(Progress{})
	}
	parseProgress(stdout, total, report)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg failed: %w, stderr: %s", err, stderr)
	}
	if report != nil && total > 0 {
		report(Progress{OutTime: total, Percent: 100})
	}
	return nil
}

// parseProgress consumes ffmpeg's key=value progress stream. Only
// out_time_us is used; its value is "N/A" until the first packet is muxed.
func parseProgress(r io.Reader, total time.Duration, report func(Progress)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		v, ok := strings.CutPrefix(scanner.Text(), "out_time_us=")
		if !ok || v == "N/A" {
			continue
		}
		us, err := strconv.ParseInt(v, 10, 64)
		if err != nil || us < 0 || report == nil {
			continue
		}
		p := Progress{OutTime: time.Duration(us) * time.Microsecond}
		if total > 0 {
			p.Percent = min(float64(p.OutTime)/float64(total)*100, 100)
		}
		report(p)
	}
}
