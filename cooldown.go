package tierblocks

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const defaultCooldownWindow = 5 * time.Minute

// CooldownTracker records rate-limit responses from the indexed graph service
// and reports whether the service should be skipped entirely. One tracker
// exists per process; any successful query resets it.
type CooldownTracker struct {
	clock  clockwork.Clock
	window time.Duration

	mu          sync.Mutex
	lastLimited time.Time
}

func NewCooldownTracker(clock clockwork.Clock, window time.Duration) *CooldownTracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if window <= 0 {
		window = defaultCooldownWindow
	}
	return &CooldownTracker{clock: clock, window: window}
}

// Record notes a rate-limit signal, opening (or extending) the cooldown.
func (c *CooldownTracker) Record() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastLimited = c.clock.Now()
}

// Reset clears the cooldown after a successful query.
func (c *CooldownTracker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastLimited = time.Time{}
}

// Active reports whether the cooldown window is still open.
func (c *CooldownTracker) Active() bool {
	return c.Remaining() > 0
}

// Remaining returns the time left before the indexed service may be queried
// again, or zero when no cooldown is active.
func (c *CooldownTracker) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastLimited.IsZero() {
		return 0
	}
	remaining := c.window - c.clock.Since(c.lastLimited)
	if remaining < 0 {
		return 0
	}
	return remaining
}
