// Package events holds the per-session ordered event queue that feeds the
// UI push stream.
package events

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Next once the channel is closed and drained.
var ErrClosed = errors.New("events: channel closed")

// Event is one UI-facing message. Data always carries session_id.
type Event struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// Channel is an unbounded FIFO with a single consumer. Push never blocks.
type Channel struct {
	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	closed bool
}

func NewChannel() *Channel {
	return &Channel{wake: make(chan struct{}, 1)}
}

// Push appends ev. Pushes after Close are dropped and report false.
func (c *Channel) Push(ev Event) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, ev)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// Next blocks until an event is available, the channel is closed and empty,
// or ctx ends.
func (c *Channel) Next(ctx context.Context) (Event, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			ev := c.queue[0]
			c.queue[0] = Event{}
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return ev, nil
		}
		if c.closed {
			c.mu.Unlock()
			return Event{}, ErrClosed
		}
		c.mu.Unlock()

		select {
		case <-c.wake:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Close marks the channel closed and wakes a blocked consumer. Queued events
// remain readable.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
