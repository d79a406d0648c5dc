// Package status exposes the save/queued/error state of the sync core as a
// small observable machine. It reflects decisions made elsewhere and never
// initiates retries itself.
package status

import (
	"sync"
	"time"

	"github.com/marcus/qoda/internal/models"
)

// DefaultSavedHold is how long "saved" is shown before reverting to idle.
const DefaultSavedHold = 2 * time.Second

// Coordinator tracks the current SyncState and notifies subscribers on
// every transition.
type Coordinator struct {
	mu     sync.Mutex
	state  models.SyncState
	hold   time.Duration
	revert *time.Timer
	subs   map[int]func(models.SyncState)
	nextID int
}

// NewCoordinator creates a coordinator in the idle state. hold <= 0 uses
// DefaultSavedHold.
func NewCoordinator(hold time.Duration) *Coordinator {
	if hold <= 0 {
		hold = DefaultSavedHold
	}
	return &Coordinator{
		state: models.SyncIdle,
		hold:  hold,
		subs:  make(map[int]func(models.SyncState)),
	}
}

// State returns the current state.
func (c *Coordinator) State() models.SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers fn for state transitions and returns an unsubscribe
// func. fn is called immediately with the current state.
func (c *Coordinator) Subscribe(fn func(models.SyncState)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	current := c.state
	c.mu.Unlock()

	fn(current)
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// WriteStarted marks a remote write in flight.
func (c *Coordinator) WriteStarted() { c.set(models.SyncSaving) }

// WriteSucceeded marks an acknowledged write; the state reverts to idle
// after the configured hold unless another transition intervenes.
func (c *Coordinator) WriteSucceeded() {
	c.set(models.SyncSaved)
	c.mu.Lock()
	if c.revert != nil {
		c.revert.Stop()
	}
	c.revert = time.AfterFunc(c.hold, func() {
		c.mu.Lock()
		still := c.state == models.SyncSaved
		c.mu.Unlock()
		if still {
			c.set(models.SyncIdle)
		}
	})
	c.mu.Unlock()
}

// WriteFailed marks a non-retryable failure.
func (c *Coordinator) WriteFailed() { c.set(models.SyncError) }

// WriteQueued marks a write redirected to the offline queue.
func (c *Coordinator) WriteQueued() { c.set(models.SyncQueued) }

// QueueDrained returns to idle after a successful flush.
func (c *Coordinator) QueueDrained() { c.set(models.SyncIdle) }

func (c *Coordinator) set(state models.SyncState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	fns := make([]func(models.SyncState), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	// Notify outside the lock; subscribers may call back in.
	for _, fn := range fns {
		fn(state)
	}
}
