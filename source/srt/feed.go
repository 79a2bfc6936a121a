package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// readBufferSize holds ten SRT payloads of seven TS packets each.
const readBufferSize = 1316 * 10

// latencyNs is the SRT receiver latency (120ms).
const latencyNs = 120_000_000

const (
	dialTimeout  = 10 * time.Second
	redialDelay  = 2 * time.Second
	defaultKey   = "default"
	streamPrefix = "live/"
)

// feed hands out one camera connection at a time.
type feed interface {
	// Next blocks until a connection is available or ctx is done.
	Next(ctx context.Context) (io.ReadCloser, error)
	Close() error
}

// srtConn adapts an SRT connection to io.ReadCloser.
type srtConn struct{ c *srtgo.Conn }

func (s srtConn) Read(p []byte) (int, error) { return s.c.Read(p) }

func (s srtConn) Close() error {
	s.c.Close()
	return nil
}

// listenFeed accepts publish connections from a camera.
type listenFeed struct {
	log    *slog.Logger
	key    string
	accept func() (*srtgo.Conn, error)
	close  func()
}

func listen(addr, key string, log *slog.Logger) (*listenFeed, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs

	l, err := srtgo.Listen(addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("srt: listen on %s: %w", addr, err)
	}
	f := &listenFeed{log: log, key: key, accept: l.Accept, close: func() { l.Close() }}
	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		if f.key != "" && streamKey(req.StreamID) != f.key {
			return srtgo.RejPeer
		}
		return 0
	})
	log.Info("listening", "addr", addr, "stream_key", key)
	return f, nil
}

func (f *listenFeed) Next(ctx context.Context) (io.ReadCloser, error) {
	stop := context.AfterFunc(ctx, f.close)
	defer stop()
	for {
		conn, err := f.accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			f.log.Warn("accept error", "error", err)
			continue
		}
		f.log.Info("publish", "stream_key", streamKey(conn.StreamID()), "remote", conn.RemoteAddr())
		return srtConn{conn}, nil
	}
}

func (f *listenFeed) Close() error {
	f.close()
	return nil
}

// callFeed dials a camera that listens, redialing after each disconnect.
type callFeed struct {
	log      *slog.Logger
	addr     string
	streamID string
	dialed   bool
}

func call(addr, key string, log *slog.Logger) *callFeed {
	id := key
	if id != "" && !strings.HasPrefix(id, streamPrefix) {
		id = streamPrefix + id
	}
	return &callFeed{log: log, addr: addr, streamID: id}
}

func (f *callFeed) Next(ctx context.Context) (io.ReadCloser, error) {
	if f.dialed {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(redialDelay):
		}
	}
	f.dialed = true

	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs
	cfg.StreamID = f.streamID

	type result struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := srtgo.Dial(f.addr, cfg)
		ch <- result{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	// A dial that loses the race is closed when it completes.
	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("srt: dial %s: %w", f.addr, res.err)
		}
		f.log.Info("connected", "addr", f.addr, "stream_id", f.streamID)
		return srtConn{res.conn}, nil
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("srt: dial %s timed out after %s", f.addr, dialTimeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

func (f *callFeed) Close() error { return nil }

// streamKey strips the leading slash and live/ prefix from an SRT stream id.
func streamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, streamPrefix)
	if streamID == "" {
		return defaultKey
	}
	return streamID
}

// pump copies a connection into w until either fails, then closes w with the
// read error. EOF ends the copy cleanly.
func pump(conn io.Reader, w *io.PipeWriter, stats *Stats, log *slog.Logger) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			stats.recordRead(n)
			if _, werr := w.Write(buf[:n]); werr != nil {
				log.Debug("pipe write error", "error", werr)
				w.CloseWithError(werr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("read error", "error", err)
			}
			w.CloseWithError(err)
			return
		}
	}
}
