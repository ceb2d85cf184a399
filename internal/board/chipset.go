package board

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/power-arbiter/internal/gpio"
	"github.com/sweeney/power-arbiter/internal/power"
)

// Chipset derives the host power state from the SLP_S3 and SLP_S5 sleep
// signals, logically active while the host sleeps.
type Chipset struct {
	s3, s5 gpio.Input
	state  atomic.Int32
	log    *zap.Logger

	mu        sync.Mutex
	listeners []func(from, to power.SystemState)
}

// NewChipset reads the initial state.
func NewChipset(slpS3, slpS5 gpio.Input, log *zap.Logger) *Chipset {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Chipset{s3: slpS3, s5: slpS5, log: log}
	c.state.Store(int32(c.read()))
	return c
}

// OnChange registers f, called from the scheduler goroutine on every
// transition.
func (c *Chipset) OnChange(f func(from, to power.SystemState)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, f)
	c.mu.Unlock()
}

// SystemState returns the last sampled state.
func (c *Chipset) SystemState() power.SystemState {
	return power.SystemState(c.state.Load())
}

// An unreadable sleep signal counts as running, the state that restricts
// the most.
func (c *Chipset) read() power.SystemState {
	s5, err := c.s5.Active()
	if err != nil {
		c.log.Warn("SLP_S5 unreadable", zap.Error(err))
		return power.SystemRunning
	}
	if s5 {
		return power.SystemOff
	}
	s3, err := c.s3.Active()
	if err != nil {
		c.log.Warn("SLP_S3 unreadable", zap.Error(err))
		return power.SystemRunning
	}
	if s3 {
		return power.SystemSuspended
	}
	return power.SystemRunning
}

// Tick resamples the sleep signals.
func (c *Chipset) Tick(time.Time) (time.Duration, bool) {
	next := c.read()
	prev := power.SystemState(c.state.Swap(int32(next)))
	if prev == next {
		return 0, false
	}
	c.log.Info("system power state changed", zap.Stringer("from", prev), zap.Stringer("to", next))

	c.mu.Lock()
	ls := append([]func(from, to power.SystemState){}, c.listeners...)
	c.mu.Unlock()
	for _, f := range ls {
		f(prev, next)
	}
	return 0, false
}
