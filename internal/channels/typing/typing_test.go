package typing

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestControllerFiresImmediatelyAndOnInterval(t *testing.T) {
	var calls int32
	c := New(Options{
		StartFn:           func() error { atomic.AddInt32(&calls, 1); return nil },
		KeepaliveInterval: 10 * time.Millisecond,
	})
	c.Start()
	defer c.Stop()

	time.Sleep(35 * time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(3))
}

func TestControllerStopEndsTicks(t *testing.T) {
	var calls int32
	c := New(Options{
		StartFn:           func() error { atomic.AddInt32(&calls, 1); return nil },
		KeepaliveInterval: 5 * time.Millisecond,
	})
	c.Start()
	time.Sleep(12 * time.Millisecond)
	c.Stop()
	after := atomic.LoadInt32(&calls)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&calls))
}

func TestControllerMaxDurationStopsAutomatically(t *testing.T) {
	var calls int32
	c := New(Options{
		StartFn:           func() error { atomic.AddInt32(&calls, 1); return nil },
		KeepaliveInterval: 5 * time.Millisecond,
		MaxDuration:       15 * time.Millisecond,
	})
	c.Start()
	time.Sleep(40 * time.Millisecond)
	after := atomic.LoadInt32(&calls)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&calls))
}

func TestControllerStopIsIdempotent(t *testing.T) {
	c := New(Options{KeepaliveInterval: time.Second})
	c.Start()
	assert.NotPanics(t, func() {
		c.Stop()
		c.Stop()
	})
}
