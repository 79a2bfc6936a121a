package capture

import (
	"context"

	"github.com/zsiec/reel/device"
)

var orientedConnections = []ConnectionKind{ConnectionPreview, ConnectionVideo, ConnectionPhoto}

// Orientation returns the capture orientation.
func (c *Controller) Orientation() Orientation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orientation
}

// SetOrientation sets the capture orientation explicitly.
func (c *Controller) SetOrientation(o Orientation) {
	c.mu.Lock()
	c.orientation = o
	c.mu.Unlock()
	c.q.Async(func(context.Context) { c.updateOrientation() })
}

// SetAutomaticOrientation makes HandleDeviceOrientation drive the capture
// orientation.
func (c *Controller) SetAutomaticOrientation(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoOrient = on
}

// HandleDeviceOrientation reports the host's physical orientation. It is
// ignored unless automatic orientation is on; unknown orientations (face up,
// face down) are ignored too.
func (c *Controller) HandleDeviceOrientation(o Orientation) {
	c.mu.Lock()
	auto := c.autoOrient
	c.mu.Unlock()
	if !auto || o == OrientationUnknown {
		return
	}
	c.SetOrientation(o)
}

// SetMirrored overrides the position's default mirroring.
func (c *Controller) SetMirrored(mirrored bool) {
	c.mu.Lock()
	c.mirrored = &mirrored
	c.mu.Unlock()
	c.q.Async(func(context.Context) {
		if g := c.currentGraph(); g != nil {
			c.applyMirroring(g, c.Position())
		}
	})
}

func (c *Controller) applyMirroring(g Graph, p device.Position) {
	c.mu.Lock()
	mirrored := p.MirroredByDefault()
	if c.mirrored != nil {
		mirrored = *c.mirrored
	}
	c.mu.Unlock()
	if conn := g.Connection(ConnectionVideo); conn != nil && conn.SupportsMirroring() {
		conn.SetMirrored(mirrored)
	}
}

// updateOrientation pushes the capture orientation to every connection that
// accepts it and notifies once if any changed. Session setup with nothing
// recorded since is reset so the next clip starts in the new orientation.
func (c *Controller) updateOrientation() {
	c.mu.Lock()
	o, g, rec := c.orientation, c.graph, c.rec
	c.mu.Unlock()
	if o == OrientationUnknown {
		return
	}

	changed := false
	if g != nil {
		for _, kind := range orientedConnections {
			conn := g.Connection(kind)
			if conn == nil || !conn.SupportsOrientation() || conn.Orientation() == o {
				continue
			}
			conn.SetOrientation(o)
			changed = true
		}
	}
	if changed {
		c.log.Debug("orientation changed", "orientation", o)
		c.emitDevice(func(s DeviceSink) { s.DidChangeOrientation(o) })
	}

	if rec == nil {
		return
	}
	// Paused sessions included.
	if !rec.CurrentClipHasVideo() && !rec.CurrentClipHasAudio() {
		c.log.Debug("resetting session setup after orientation change", "clip", rec.ClipState())
		rec.Reset()
	}
}
