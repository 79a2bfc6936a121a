package preview

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/quic-go/quic-go"
)

// Client is a preview viewer.
type Client struct {
	conn quic.Connection
	ctl  quic.Stream
	r    *bufio.Reader

	mu      sync.Mutex
	catalog Catalog
	nextID  uint64
}

// Dial connects to a preview server and fetches its catalog. tlsConf
// usually comes from PinnedTLSConfig.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config) (*Client, error) {
	tlsConf = tlsConf.Clone()
	tlsConf.NextProtos = []string{ALPN}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{MaxIdleTimeout: idleTimeout})
	if err != nil {
		return nil, fmt.Errorf("preview: dial %s: %w", addr, err)
	}
	ctl, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("preview: open control stream: %w", err)
	}
	c := &Client{conn: conn, ctl: ctl, r: bufio.NewReader(ctl)}
	if err := c.RefreshCatalog(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Catalog returns the most recent catalog received.
func (c *Client) Catalog() Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.catalog
}

// RefreshCatalog requests the current catalog and waits for it.
func (c *Client) RefreshCatalog() error {
	if err := writeControl(c.ctl, msgCatalog, nil); err != nil {
		return err
	}
	for {
		msgType, payload, err := readControl(c.r)
		if err != nil {
			return err
		}
		if msgType == msgCatalog {
			return c.setCatalog(payload)
		}
	}
}

// Subscribe asks for a track and returns its alias. Catalog updates that
// arrive meanwhile are applied.
func (c *Client) Subscribe(track string) (uint64, error) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.mu.Unlock()

	if err := writeControl(c.ctl, msgSubscribe, subscribeMsg{RequestID: id, Track: track}.encode()); err != nil {
		return 0, err
	}
	for {
		msgType, payload, err := readControl(c.r)
		if err != nil {
			return 0, err
		}
		switch msgType {
		case msgCatalog:
			if err := c.setCatalog(payload); err != nil {
				return 0, err
			}
		case msgSubscribeOK:
			m, err := parseSubscribeOK(payload)
			if err != nil {
				return 0, err
			}
			if m.RequestID == id {
				return m.TrackAlias, nil
			}
		case msgSubscribeError:
			m, err := parseSubscribeError(payload)
			if err != nil {
				return 0, err
			}
			if m.RequestID == id {
				if m.Code == errCodeUnknownTrack {
					return 0, fmt.Errorf("%w: %s", ErrUnknownTrack, track)
				}
				return 0, fmt.Errorf("preview: subscribe %s: %s", track, m.Reason)
			}
		}
	}
}

// Group is one group of objects of a track.
type Group struct {
	Alias uint64
	ID    uint64
	r     *objectReader
}

// Next returns the group's next object, or io.EOF after the last one.
func (g *Group) Next() (*Object, error) { return g.r.next() }

// AcceptGroup waits for the next group stream from the server.
func (c *Client) AcceptGroup(ctx context.Context) (*Group, error) {
	s, err := c.conn.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	r, err := newObjectReader(s)
	if err != nil {
		return nil, err
	}
	return &Group{Alias: r.Alias, ID: r.Group, r: r}, nil
}

// Close disconnects from the server.
func (c *Client) Close() error { return c.conn.CloseWithError(0, "") }

func (c *Client) setCatalog(payload []byte) error {
	var cat Catalog
	if err := json.Unmarshal(payload, &cat); err != nil {
		return fmt.Errorf("preview: decode catalog: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catalog = cat
	return nil
}
