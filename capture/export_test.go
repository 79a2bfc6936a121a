package capture

import (
	"context"
	"time"
)

func (c *Controller) SetSleep(fn func(time.Duration)) {
	_ = c.q.Sync(context.Background(), func(context.Context) { c.sleep = fn })
}

func (c *Controller) SetClock(fn func() time.Time) {
	_ = c.q.Sync(context.Background(), func(context.Context) { c.now = fn })
}

// Flush waits for the work queued on the capture queue so far.
func (c *Controller) Flush() {
	_ = c.q.Sync(context.Background(), func(context.Context) {})
}

// NestConfiguration opens depth nested configuration transactions and
// commits them innermost first. It returns the state seen inside.
func (c *Controller) NestConfiguration(depth int) State {
	var inside State
	_ = c.q.Sync(context.Background(), func(context.Context) {
		commits := make([]func(), 0, depth)
		for range depth {
			commits = append(commits, c.beginConfiguration())
		}
		inside = c.State()
		for i := len(commits) - 1; i >= 0; i-- {
			commits[i]()
		}
	})
	return inside
}
