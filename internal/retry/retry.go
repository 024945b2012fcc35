// Package retry implements the reconnect delay schedule: exponential
// doubling from an initial delay up to a cap, with the attempt counter
// wrapping back to zero once the cap is reached.
package retry

import (
	"time"

	"github.com/jpillora/backoff"
)

// Controller computes successive reconnect delays. It is owned by a single
// goroutine (the connection's engine loop) and is not safe for concurrent
// use.
type Controller struct {
	b        *backoff.Backoff
	attempts int
}

// New creates a Controller with the given initial delay and cap.
func New(initial, max time.Duration) *Controller {
	return &Controller{
		b: &backoff.Backoff{
			Min:    initial,
			Max:    max,
			Factor: 2,
			Jitter: false,
		},
	}
}

// NextDelay returns the delay for the current attempt and advances the
// counter. Hitting the cap resets the counter so the schedule cycles
// instead of growing without bound.
func (c *Controller) NextDelay() time.Duration {
	d := c.b.ForAttempt(float64(c.attempts))
	c.attempts++
	if d >= c.b.Max {
		c.attempts = 0
	}
	return d
}

// Reset rewinds the schedule to the initial delay.
func (c *Controller) Reset() {
	c.attempts = 0
}

// Attempts reports how many delays have been handed out since the last
// reset or cap wrap.
func (c *Controller) Attempts() int {
	return c.attempts
}

// Schedule arranges for task to run after NextDelay. The returned timer can
// be stopped to cancel the retry.
func (c *Controller) Schedule(task func()) *time.Timer {
	return time.AfterFunc(c.NextDelay(), task)
}
