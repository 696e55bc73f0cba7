// Package housekeeping gives a periodic sweep an optional cron-expression
// schedule, on top of the fixed-interval ticker the sweep already has as
// its correctness fallback. The dispatcher's stuck-message recovery is
// its only user; pending-message pruning in the adapters runs on a plain
// ticker and does not use it. This mirrors the teacher's
// own habit of expressing background jobs as cron schedules rather than
// bare durations.
package housekeeping

import (
	"time"

	"github.com/adhocore/gronx"
)

// CronTicker fires on cron's schedule. It is a drop-in companion to
// time.Ticker: read from C, call Stop when done. An invalid or empty
// expression falls back to never firing (the caller's ticker-based sweep
// remains in sole control).
type CronTicker struct {
	C    <-chan time.Time
	stop chan struct{}
}

// NewCronTicker parses expr (standard 5-field cron) and starts a
// goroutine that checks gronx.IsDue once per minute — cron's own
// granularity floor — sending the current time on C whenever due.
func NewCronTicker(expr string) *CronTicker {
	c := make(chan time.Time, 1)
	stop := make(chan struct{})
	ct := &CronTicker{C: c, stop: stop}

	if expr == "" || !gronx.IsValid(expr) {
		return ct
	}

	go func() {
		checkInterval := 1 * time.Minute
		ticker := time.NewTicker(checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				due, err := gronx.IsDue(expr, now)
				if err == nil && due {
					select {
					case c <- now:
					default:
					}
				}
			}
		}
	}()
	return ct
}

// Stop ends the cron check goroutine. Safe to call on a ticker built
// from an empty/invalid expression.
func (ct *CronTicker) Stop() {
	select {
	case <-ct.stop:
	default:
		close(ct.stop)
	}
}
