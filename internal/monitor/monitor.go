// Package monitor keeps the system's power draw within the charger's budget
// and the shared low-voltage rail within its capacity, by driving throttles
// in a configured priority order.
package monitor

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/power-arbiter/internal/power"
	"github.com/sweeney/power-arbiter/internal/throttle"
	"github.com/sweeney/power-arbiter/internal/window"
)

// Sensor reads the main supply.
type Sensor interface {
	BusMilliV() (int32, error)
	ShuntMilliA() (int32, error)
}

// BudgetSource supplies the current input power limit.
type BudgetSource interface {
	// BudgetMilliW returns the limit; zero means not yet configured.
	BudgetMilliW() (uint32, error)
	Supplier() power.Supplier
}

// PortStatus reports Type-C source activity.
type PortStatus interface {
	IsSourcing(p power.Port) bool
}

// Level is a digital input such as an overcurrent pin.
type Level interface {
	Active() (bool, error)
}

// Applier drives one throttle bit.
type Applier interface {
	Apply(b throttle.Bit, asserted bool) error
}

// Observer receives a report after every tick.
type Observer interface {
	Observe(r Report)
}

// Deferred is a rescheduleable timer.
type Deferred interface {
	Schedule(delay time.Duration)
}

// Sample is one power reading.
type Sample struct {
	MilliW int32
	At     time.Time
}

// Report describes one tick.
type Report struct {
	At           time.Time
	System       power.SystemState
	Supplier     power.Supplier
	BudgetMilliW uint32
	// Sample is zero when the budget step did not run.
	Sample         Sample
	AvgMilliW      int32
	MaxMilliW      int32
	GapMilliW      int32
	HeadroomMilliW int32
	Throttle       throttle.State
	Changed        throttle.State
	// Failed holds bits whose actuation failed this tick.
	Failed throttle.State
	Err    error
	Period time.Duration
}

// Monitor is the power budget control loop. Tick must only be called from
// the scheduler goroutine.
type Monitor struct {
	cfg      Config
	sensor   Sensor
	budget   BudgetSource
	ports    PortStatus
	system   power.SystemStateSource
	actuator Applier
	observer Observer
	timer    Deferred
	log      *zap.Logger

	// Owned by the tick.
	window     *window.SampleWindow
	current    throttle.State
	budgetBits throttle.State
	linger     int
	baseLoad   int32
	typeCOC    uint32 // bit per Type-C port in overcurrent

	railDirty atomic.Bool
	snapshot  atomic.Uint32
}

// New creates a monitor. The rail load is evaluated on the first tick.
func New(cfg Config, sensor Sensor, budget BudgetSource, ports PortStatus,
	system power.SystemStateSource, actuator Applier, log *zap.Logger) (*Monitor, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("monitor config: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Monitor{
		cfg:      cfg,
		sensor:   sensor,
		budget:   budget,
		ports:    ports,
		system:   system,
		actuator: actuator,
		log:      log,
		window:   window.New(cfg.WindowSize),
		linger:   cfg.LingerThreshold,
	}
	m.railDirty.Store(true)
	return m, nil
}

// Attach sets the timer that runs Tick, used by Kick.
func (m *Monitor) Attach(t Deferred) { m.timer = t }

// SetObserver registers o for per-tick reports.
func (m *Monitor) SetObserver(o Observer) { m.observer = o }

// State returns the throttle state after the last tick. Safe from any
// goroutine.
func (m *Monitor) State() throttle.State {
	return throttle.State(m.snapshot.Load())
}

// Kick re-reads the rail loads and runs the monitor as soon as possible.
// Safe to call from GPIO event handlers.
func (m *Monitor) Kick() {
	m.railDirty.Store(true)
	if m.timer != nil {
		m.timer.Schedule(0)
	}
}

// Tick runs one pass of the control loop and returns the delay to the next.
func (m *Monitor) Tick(now time.Time) (time.Duration, bool) {
	if m.railDirty.Swap(false) {
		m.updateRailLoad()
	}

	rep := Report{At: now, System: m.system.SystemState()}
	next := throttle.State(0)
	headroom := m.cfg.Rail.CapacityMilliW - m.baseLoad

	if rep.System != power.SystemRunning {
		rep.Period = m.cfg.SlowPeriod
		// Re-prime when the host resumes.
		m.window.Reset()
		m.linger = m.cfg.LingerThreshold
		m.budgetBits = 0
	} else {
		rep.Period = m.cfg.FastPeriod
		bits, relief := m.evaluateBudget(now, &rep)
		next = bits
		headroom += relief
	}

	next = m.evaluateRail(next, headroom, &rep)
	m.apply(next, &rep)

	if m.observer != nil {
		m.observer.Observe(rep)
	}
	return rep.Period, true
}

// evaluateBudget runs the budget step and returns the budget-derived bits
// and the rail relief they provide.
func (m *Monitor) evaluateBudget(now time.Time, rep *Report) (throttle.State, int32) {
	budget, err := m.budget.BudgetMilliW()
	rep.Supplier = m.budget.Supplier()
	if err != nil {
		return m.carryBudget(rep, fmt.Errorf("read budget: %w", err))
	}
	rep.BudgetMilliW = budget
	if budget == 0 {
		m.skipBudget()
		return 0, 0
	}

	sample, err := m.readSample(now)
	if err != nil {
		return m.carryBudget(rep, err)
	}
	rep.Sample = sample

	m.window.Push(sample.MilliW)
	rep.AvgMilliW = m.window.Avg()
	rep.MaxMilliW = m.window.Max()

	reading := rep.AvgMilliW
	if rep.Supplier == power.SupplierPD {
		reading = rep.MaxMilliW
	}

	gap := int64(budget) - int64(reading)
	bits := throttle.State(0)
	var relief int32
	for _, mit := range m.cfg.Priority {
		if gap > 0 {
			break
		}
		if mit.Bit.Kind() == throttle.KindTypeC && !m.ports.IsSourcing(power.Port(mit.Bit.Index())) {
			continue
		}
		bits = bits.With(mit.Bit)
		relief += m.cfg.Relief[mit.Bit]
		if !m.current.Has(mit.Bit) {
			gap += int64(mit.GainMilliW)
		}
	}
	rep.GapMilliW = clamp32(gap)

	if gap <= 0 {
		bits = bits.With(throttle.Prochot)
		m.linger = 0
	} else if m.linger < m.cfg.LingerThreshold {
		bits = bits.With(throttle.Prochot)
		m.linger++
	}

	m.budgetBits = bits
	return bits, relief
}

func (m *Monitor) skipBudget() {
	m.budgetBits = 0
	m.linger = m.cfg.LingerThreshold
}

// carryBudget keeps the last good budget-derived bits when this tick's
// inputs could not be read.
func (m *Monitor) carryBudget(rep *Report, err error) (throttle.State, int32) {
	rep.Err = err
	m.log.Warn("power budget step skipped", zap.Error(err), zap.Stringer("carried", m.budgetBits))
	var relief int32
	for _, b := range m.budgetBits.Bits() {
		relief += m.cfg.Relief[b]
	}
	return m.budgetBits, relief
}

func (m *Monitor) readSample(now time.Time) (Sample, error) {
	mv, err := m.sensor.BusMilliV()
	if err != nil {
		return Sample{}, fmt.Errorf("read bus voltage: %w", err)
	}
	ma, err := m.sensor.ShuntMilliA()
	if err != nil {
		return Sample{}, fmt.Errorf("read shunt current: %w", err)
	}
	return Sample{MilliW: clamp32(int64(mv) * int64(ma) / 1000), At: now}, nil
}

// evaluateRail adds throttles until the rail fits: unthrottled Type-C ports
// not in overcurrent, then Type-A groups, then any Type-C port.
func (m *Monitor) evaluateRail(next throttle.State, headroom int32, rep *Report) throttle.State {
	rep.HeadroomMilliW = headroom
	if headroom >= 0 {
		return next
	}
	for p := 0; p < m.cfg.TypeCPorts && headroom < 0; p++ {
		b := throttle.TypeC(p)
		if next.Has(b) || m.typeCOC&(1<<p) != 0 {
			continue
		}
		next = next.With(b)
		headroom += m.cfg.Relief[b]
	}
	for g := 0; g < m.cfg.TypeAGroups && headroom < 0; g++ {
		b := throttle.TypeA(g)
		if next.Has(b) {
			continue
		}
		next = next.With(b)
		headroom += m.cfg.Relief[b]
	}
	for p := 0; p < m.cfg.TypeCPorts && headroom < 0; p++ {
		b := throttle.TypeC(p)
		if next.Has(b) {
			continue
		}
		next = next.With(b)
		headroom += m.cfg.Relief[b]
	}
	rep.HeadroomMilliW = headroom
	return next
}

// apply drives the bits that changed. A failed bit keeps its previous value
// so the next tick retries it.
func (m *Monitor) apply(next throttle.State, rep *Report) {
	diff := uint32(next.Diff(m.current))
	persisted := next
	for diff != 0 {
		b := throttle.Bit(diff & -diff)
		diff &^= uint32(b)
		on := next.Has(b)
		if err := m.actuator.Apply(b, on); err != nil {
			m.log.Error("throttle actuation failed", zap.Stringer("bit", b), zap.Bool("asserted", on), zap.Error(err))
			rep.Failed = rep.Failed.With(b)
			if on {
				persisted = persisted.Without(b)
			} else {
				persisted = persisted.With(b)
			}
			continue
		}
		m.log.Info("throttle changed", zap.Stringer("bit", b), zap.Bool("asserted", on))
	}
	rep.Changed = persisted.Diff(m.current)
	rep.Throttle = persisted
	m.current = persisted
	m.snapshot.Store(uint32(persisted))
}

// updateRailLoad recomputes the rail load from the overcurrent inputs,
// assuming no throttling. An unreadable input counts as inactive.
func (m *Monitor) updateRailLoad() {
	load := m.cfg.Rail.BaseMilliW
	groups := map[string]bool{}
	var oc uint32
	for _, l := range m.cfg.Rail.Loads {
		if l.Input == nil {
			continue
		}
		active, err := l.Input.Active()
		if err != nil {
			m.log.Warn("overcurrent input unreadable", zap.String("load", l.Name), zap.Error(err))
			continue
		}
		if !active {
			continue
		}
		load += l.MilliW
		if l.Group != "" && !groups[l.Group] {
			groups[l.Group] = true
			load += m.cfg.Rail.GroupExtra[l.Group]
		}
		if l.TypeCPort >= 0 {
			oc |= 1 << l.TypeCPort
		}
	}
	m.baseLoad = load
	m.typeCOC = oc
	m.log.Debug("rail load updated", zap.Int32("load_mw", load), zap.Uint32("typec_overcurrent", oc))
}

func clamp32(v int64) int32 {
	switch {
	case v > math.MaxInt32:
		return math.MaxInt32
	case v < math.MinInt32:
		return math.MinInt32
	}
	return int32(v)
}
