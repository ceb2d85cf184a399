// Package board binds the arbitration and throttling components to the
// board's pins and its USB-C controller.
package board

import (
	"sync/atomic"
	"time"

	"github.com/sweeney/power-arbiter/internal/gpio"
)

// Signal is an input event the board routes to a component.
type Signal int

const (
	SignalAdapterPresent Signal = iota
	SignalOvercurrent
	SignalPowerState
	SignalTypeCReport
)

func (s Signal) String() string {
	switch s {
	case SignalAdapterPresent:
		return "adapter_present"
	case SignalOvercurrent:
		return "overcurrent"
	case SignalPowerState:
		return "power_state"
	case SignalTypeCReport:
		return "typec_report"
	default:
		return "unknown"
	}
}

// Deferred is a rescheduleable task.
type Deferred interface {
	Schedule(delay time.Duration)
}

// Targets are the components signals are routed to. A nil target drops
// its signal.
type Targets struct {
	Adapter    interface{ OnLevelChange() }
	Monitor    interface{ Kick() }
	PowerState Deferred
	TypeC      Deferred
}

// Dispatcher routes signals to their targets. Dispatch runs in the event
// goroutine and only schedules work. Edge handlers may fire before Wire;
// those signals are dropped.
type Dispatcher struct {
	targets atomic.Pointer[Targets]
}

// Wire installs the targets. It may race with Dispatch.
func (d *Dispatcher) Wire(t Targets) { d.targets.Store(&t) }

// Dispatch delivers one signal.
func (d *Dispatcher) Dispatch(s Signal) {
	t := d.targets.Load()
	if t == nil {
		return
	}
	switch s {
	case SignalAdapterPresent:
		if t.Adapter != nil {
			t.Adapter.OnLevelChange()
		}
	case SignalOvercurrent:
		if t.Monitor != nil {
			t.Monitor.Kick()
		}
	case SignalPowerState:
		if t.PowerState != nil {
			t.PowerState.Schedule(0)
		}
	case SignalTypeCReport:
		if t.TypeC != nil {
			t.TypeC.Schedule(0)
		}
	}
}

// Handler returns an edge handler delivering s.
func (d *Dispatcher) Handler(s Signal) gpio.EdgeHandler {
	return func() { d.Dispatch(s) }
}
