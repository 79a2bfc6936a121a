package capture

import "sync"

var (
	sharedMu sync.Mutex
	shared   *Controller
)

// Shared returns the process-wide controller, creating one with default
// options on first use. Hosts that need a graph factory install their own
// with SetShared before first use.
func Shared() *Controller {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		shared = New(Options{})
	}
	return shared
}

// SetShared replaces the process-wide controller. The previous one is not
// closed.
func SetShared(c *Controller) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	shared = c
}
