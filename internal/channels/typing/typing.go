// Package typing implements the keepalive-ticker pattern the teacher's
// channel adapters use for a platform's typing indicator: most chat APIs
// expire the indicator after a few seconds, so showing it for the
// duration of an agent invocation means re-firing it on an interval
// shorter than that expiry, with a hard cap so a leaked controller can't
// tick forever.
package typing

import (
	"sync"
	"time"
)

// Options configures a Controller.
type Options struct {
	// StartFn fires the platform's "user is typing" signal. Called
	// immediately on Start, then again every KeepaliveInterval.
	StartFn func() error
	// KeepaliveInterval is how often StartFn re-fires. Discord's
	// indicator lasts 10s; the bus refreshes every 8s per §4.6.
	KeepaliveInterval time.Duration
	// MaxDuration stops the controller automatically even if Stop is
	// never called, so a bug elsewhere can't wedge it on forever.
	MaxDuration time.Duration
}

// Controller runs StartFn on an interval until Stop is called or
// MaxDuration elapses.
type Controller struct {
	opts Options
	stop chan struct{}
	once sync.Once
}

// New constructs a Controller. Call Start to begin firing.
func New(opts Options) *Controller {
	return &Controller{opts: opts, stop: make(chan struct{})}
}

// Start fires opts.StartFn once immediately, then launches the
// background keepalive goroutine.
func (c *Controller) Start() {
	if c.opts.StartFn != nil {
		_ = c.opts.StartFn()
	}
	go c.loop()
}

func (c *Controller) loop() {
	interval := c.opts.KeepaliveInterval
	if interval <= 0 {
		interval = 8 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if c.opts.MaxDuration > 0 {
		timer := time.NewTimer(c.opts.MaxDuration)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-c.stop:
			return
		case <-deadline:
			return
		case <-ticker.C:
			if c.opts.StartFn != nil {
				_ = c.opts.StartFn()
			}
		}
	}
}

// Stop ends the keepalive loop. Safe to call more than once or
// concurrently.
func (c *Controller) Stop() {
	c.once.Do(func() { close(c.stop) })
}
