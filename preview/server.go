// Package preview serves a live preview of a capture feed over QUIC.
//
// A viewer opens one bidirectional control stream, requests the catalog and
// subscribes to the video or audio track. Each video group (one GOP) and each
// run of audio frames arrives on its own unidirectional stream, framed as MoQ
// Transport subgroup objects with LOC header extensions, so a viewer that
// falls behind skips whole groups rather than stalling.
package preview

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/zsiec/reel/internal/certs"
	"github.com/zsiec/reel/media"
)

// ALPN is the application protocol negotiated by viewers.
const ALPN = "reel-preview"

const (
	subscriberQueue = 64
	audioGroupSize  = 50 // about one second of AAC
	maxGOPCache     = 300
	idleTimeout     = 30 * time.Second

	priorityAudio byte = 64
	priorityVideo byte = 128
)

// Config configures a Server.
type Config struct {
	Addr      string
	Cert      *certs.Cert // generated for localhost when nil
	Namespace string      // catalog namespace; defaults to "reel"
	Log       *slog.Logger
}

// Stats counts preview delivery.
type Stats struct {
	Viewers       int   `json:"viewers"`
	Subscriptions int   `json:"subscriptions"`
	ObjectsSent   int64 `json:"objectsSent"`
	BytesSent     int64 `json:"bytesSent"`
	Dropped       int64 `json:"dropped"`
}

// Server publishes the frames it is handed to every subscribed viewer.
type Server struct {
	cfg  Config
	log  *slog.Logger
	cert *certs.Cert

	ready chan struct{}
	addr  net.Addr

	mu        sync.Mutex
	info      trackInfo
	gop       []*media.VideoFrame
	viewers   map[*viewer]struct{}
	nextAlias uint64

	sent    atomic.Int64
	bytes   atomic.Int64
	dropped atomic.Int64
}

// New returns a Server. It generates a self-signed certificate when
// cfg.Cert is nil.
func New(cfg Config) (*Server, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "reel"
	}
	if cfg.Cert == nil {
		cert, err := certs.Generate(nil, 0)
		if err != nil {
			return nil, fmt.Errorf("preview: certificate: %w", err)
		}
		cfg.Cert = cert
	}
	return &Server{
		cfg:     cfg,
		log:     cfg.Log.With("component", "preview"),
		cert:    cfg.Cert,
		ready:   make(chan struct{}),
		viewers: make(map[*viewer]struct{}),
	}, nil
}

// Cert returns the certificate the server presents.
func (s *Server) Cert() *certs.Cert { return s.cert }

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address. It is nil before Ready is closed.
func (s *Server) Addr() net.Addr {
	select {
	case <-s.ready:
		return s.addr
	default:
		return nil
	}
}

// ListenAndServe accepts viewers until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := quic.ListenAddr(s.cfg.Addr, s.cert.TLSConfig(ALPN), &quic.Config{
		MaxIdleTimeout:  idleTimeout,
		KeepAlivePeriod: idleTimeout / 3,
	})
	if err != nil {
		return fmt.Errorf("preview: listen on %s: %w", s.cfg.Addr, err)
	}
	s.addr = ln.Addr()
	close(s.ready)
	s.log.Info("preview listening", "addr", s.addr, "fingerprint", s.cert.FingerprintHex())

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("preview: accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serve(ctx, conn)
		}()
	}
}

// Stats returns delivery counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	st := Stats{Viewers: len(s.viewers)}
	for v := range s.viewers {
		st.Subscriptions += v.subscriptionCount()
	}
	s.mu.Unlock()
	st.ObjectsSent = s.sent.Load()
	st.BytesSent = s.bytes.Load()
	st.Dropped = s.dropped.Load()
	return st
}

// HandleVideoFrame publishes an encoded video frame. Raw frames are ignored.
func (s *Server) HandleVideoFrame(frame *media.VideoFrame) {
	if frame == nil || !frame.Encoded() {
		return
	}
	s.mu.Lock()
	changed := s.info.learnVideo(frame)
	if frame.IsKeyframe {
		s.gop = s.gop[:0]
	}
	if (len(s.gop) > 0 || frame.IsKeyframe) && len(s.gop) < maxGOPCache {
		s.gop = append(s.gop, frame)
	}
	viewers := s.viewerList()
	s.mu.Unlock()

	if changed {
		s.pushCatalog(viewers)
	}
	for _, v := range viewers {
		v.publish(TrackVideo, frame)
	}
}

// HandleAudioFrame publishes an AAC frame of the first track.
func (s *Server) HandleAudioFrame(frame *media.AudioFrame) {
	if frame == nil || frame.TrackIndex != 0 {
		return
	}
	s.mu.Lock()
	changed := s.info.learnAudio(frame)
	viewers := s.viewerList()
	s.mu.Unlock()

	if changed {
		s.pushCatalog(viewers)
	}
	for _, v := range viewers {
		v.publish(TrackAudio, frame)
	}
}

func (s *Server) viewerList() []*viewer {
	out := make([]*viewer, 0, len(s.viewers))
	for v := range s.viewers {
		out = append(out, v)
	}
	return out
}

func (s *Server) catalogJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.encode(s.cfg.Namespace)
}

func (s *Server) pushCatalog(viewers []*viewer) {
	data, err := s.catalogJSON()
	if err != nil {
		s.log.Error("encoding catalog", "error", err)
		return
	}
	for _, v := range viewers {
		if err := v.writeControl(msgCatalog, data); err != nil {
			v.log.Debug("catalog update failed", "error", err)
		}
	}
}

// serve runs one viewer's control stream until it closes.
func (s *Server) serve(ctx context.Context, conn quic.Connection) {
	log := s.log.With("remote", conn.RemoteAddr())
	ctl, err := conn.AcceptStream(ctx)
	if err != nil {
		log.Debug("no control stream", "error", err)
		conn.CloseWithError(0, "no control stream")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	v := &viewer{
		srv:  s,
		log:  log,
		conn: conn,
		ctl:  ctl,
		subs: make(map[uint64]*subscription),
	}
	s.mu.Lock()
	s.viewers[v] = struct{}{}
	s.mu.Unlock()
	log.Info("viewer connected")
	stopClose := context.AfterFunc(ctx, func() { conn.CloseWithError(0, "shutting down") })

	defer func() {
		stopClose()
		s.mu.Lock()
		delete(s.viewers, v)
		s.mu.Unlock()
		cancel()
		conn.CloseWithError(0, "")
		v.wg.Wait()
		log.Info("viewer disconnected")
	}()

	r := bufio.NewReader(ctl)
	for {
		msgType, payload, err := readControl(r)
		if err != nil {
			if ctx.Err() == nil {
				log.Debug("control stream closed", "error", err)
			}
			return
		}
		if err := v.handle(ctx, msgType, payload); err != nil {
			log.Warn("control message rejected", "type", msgType, "error", err)
			return
		}
	}
}

// viewer is one connected preview client.
type viewer struct {
	srv  *Server
	log  *slog.Logger
	conn quic.Connection
	ctl  quic.Stream

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[uint64]*subscription
	wg   sync.WaitGroup
}

func (v *viewer) writeControl(msgType uint64, payload []byte) error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	return writeControl(v.ctl, msgType, payload)
}

func (v *viewer) subscriptionCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.subs)
}

func (v *viewer) handle(ctx context.Context, msgType uint64, payload []byte) error {
	switch msgType {
	case msgCatalog:
		data, err := v.srv.catalogJSON()
		if err != nil {
			return err
		}
		return v.writeControl(msgCatalog, data)
	case msgSubscribe:
		m, err := parseSubscribe(payload)
		if err != nil {
			return err
		}
		return v.subscribe(ctx, m)
	case msgUnsubscribe:
		id, err := parseUnsubscribe(payload)
		if err != nil {
			return err
		}
		v.unsubscribe(id)
		return nil
	default:
		return fmt.Errorf("preview: unexpected control message %#x", msgType)
	}
}

func (v *viewer) subscribe(ctx context.Context, m subscribeMsg) error {
	if m.Track != TrackVideo && m.Track != TrackAudio {
		return v.writeControl(msgSubscribeError, subscribeErrorMsg{
			RequestID: m.RequestID,
			Code:      errCodeUnknownTrack,
			Reason:    ErrUnknownTrack.Error(),
		}.encode())
	}

	v.srv.mu.Lock()
	v.srv.nextAlias++
	alias := v.srv.nextAlias
	var replay []*media.VideoFrame
	if m.Track == TrackVideo {
		replay = append(replay, v.srv.gop...)
	}
	v.srv.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		viewer: v,
		id:     m.RequestID,
		alias:  alias,
		track:  m.Track,
		queue:  make(chan any, subscriberQueue+len(replay)),
		cancel: cancel,
	}
	for _, f := range replay {
		sub.queue <- f
	}

	v.mu.Lock()
	if old, ok := v.subs[m.RequestID]; ok {
		old.cancel()
	}
	v.subs[m.RequestID] = sub
	v.mu.Unlock()

	if err := v.writeControl(msgSubscribeOK, subscribeOKMsg{RequestID: m.RequestID, TrackAlias: alias}.encode()); err != nil {
		cancel()
		return err
	}
	v.log.Info("subscribed", "track", m.Track, "request_id", m.RequestID, "alias", alias, "replay", len(replay))

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		sub.run(ctx)
	}()
	return nil
}

func (v *viewer) unsubscribe(id uint64) {
	v.mu.Lock()
	sub, ok := v.subs[id]
	delete(v.subs, id)
	v.mu.Unlock()
	if ok {
		sub.cancel()
		v.log.Info("unsubscribed", "track", sub.track, "request_id", id)
	}
}

func (v *viewer) publish(track string, frame any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, sub := range v.subs {
		if sub.track == track {
			sub.push(frame)
		}
	}
}

// subscription delivers one track to one viewer.
type subscription struct {
	viewer *viewer
	id     uint64
	alias  uint64
	track  string
	queue  chan any
	cancel context.CancelFunc

	// behind is set when a frame was dropped; video resumes at the next
	// keyframe.
	behind atomic.Bool
}

func (sub *subscription) push(frame any) {
	select {
	case sub.queue <- frame:
	default:
		sub.behind.Store(true)
		sub.viewer.srv.dropped.Add(1)
	}
}

func (sub *subscription) run(ctx context.Context) {
	var (
		stream quic.SendStream
		w      *objectWriter
		group  uint64
		count  int
	)
	closeGroup := func() {
		if stream != nil {
			stream.Close()
			stream, w = nil, nil
		}
	}
	defer closeGroup()

	for {
		var frame any
		select {
		case <-ctx.Done():
			return
		case frame = <-sub.queue:
		}

		var rotate, skip bool
		switch f := frame.(type) {
		case *media.VideoFrame:
			if f.IsKeyframe {
				sub.behind.Store(false)
				rotate = true
			} else {
				skip = w == nil || sub.behind.Load()
			}
		case *media.AudioFrame:
			rotate = w == nil || count >= audioGroupSize
		}
		if skip {
			continue
		}
		if rotate {
			closeGroup()
			s, err := sub.viewer.conn.OpenUniStreamSync(ctx)
			if err != nil {
				sub.viewer.log.Debug("open group stream", "error", err)
				return
			}
			priority := priorityVideo
			if sub.track == TrackAudio {
				priority = priorityAudio
			}
			if w, err = newObjectWriter(s, sub.alias, group, priority); err != nil {
				s.CancelWrite(0)
				sub.viewer.log.Debug("write group header", "error", err)
				return
			}
			stream = s
			group++
			count = 0
		}

		var n int64
		var err error
		switch f := frame.(type) {
		case *media.VideoFrame:
			n, err = w.writeVideo(f)
		case *media.AudioFrame:
			n, err = w.writeAudio(f)
		}
		if err != nil {
			sub.viewer.log.Debug("write object", "track", sub.track, "error", err)
			return
		}
		count++
		sub.viewer.srv.sent.Add(1)
		sub.viewer.srv.bytes.Add(n)
	}
}

// PinnedTLSConfig returns a client config that accepts only the certificate
// whose SHA-256 digest is fingerprint, as printed by the server.
func PinnedTLSConfig(fingerprint [32]byte) *tls.Config {
	return &tls.Config{
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true, // verified below against the pinned digest
		VerifyPeerCertificate: func(raw [][]byte, _ [][]*x509.Certificate) error {
			if len(raw) == 0 || sha256.Sum256(raw[0]) != fingerprint {
				return errors.New("preview: certificate fingerprint mismatch")
			}
			return nil
		},
	}
}
