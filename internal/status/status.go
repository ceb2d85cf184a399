// Package status provides a thread-safe view of the arbiter and monitor
// state for the HTTP handlers and lifecycle events.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/power-arbiter/internal/monitor"
	"github.com/sweeney/power-arbiter/internal/power"
	"github.com/sweeney/power-arbiter/internal/throttle"
)

// NetworkInfo contains network state.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	Board        string
	TypeCPorts   int
	HasAdapter   bool
	FastPeriodMs int64
	SlowPeriodMs int64
	WindowMs     int64
	DebounceMs   int64
	HeartbeatMs  int64
	Broker       string
	TopicPrefix  string
	HTTPPort     string
	WSBroker     string // websocket broker URL for browser MQTT, empty = disabled
}

// Counts tallies events since startup.
type Counts struct {
	PortChanges       int
	PortRefusals      int
	ThrottleChanges   int
	ActuationFailures int
	ReadErrors        int
}

// Power is the last monitor pass.
type Power struct {
	At             time.Time
	BudgetMilliW   uint32
	Supplier       power.Supplier
	SampleMilliW   int32
	AvgMilliW      int32
	MaxMilliW      int32
	HeadroomMilliW int32
	Throttle       throttle.State
}

// Snapshot is a point-in-time view of daemon state. It is a value type,
// safe to use after the lock is released.
type Snapshot struct {
	AdapterKnown   bool
	AdapterPresent bool
	AdapterRating  power.Rating

	ActivePort     power.Port
	ChargePort     power.Port
	ChargeSupplier power.Supplier
	ChargeRating   power.Rating

	System power.SystemState
	Power  Power
	Counts Counts

	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			ActivePort:     power.PortNone,
			ChargePort:     power.PortNone,
			ChargeSupplier: power.SupplierNone,
			Power:          Power{Supplier: power.SupplierNone},
			System:         power.SystemRunning,
			StartTime:      startTime,
			Config:         cfg,
		},
	}
}

// SetAdapter records the debounced adapter state and its rating.
func (t *Tracker) SetAdapter(present, known bool, rating power.Rating) {
	t.mu.Lock()
	t.snap.AdapterPresent = present
	t.snap.AdapterKnown = known
	t.snap.AdapterRating = rating
	t.mu.Unlock()
}

// SetActivePort records an arbiter decision.
func (t *Tracker) SetActivePort(p power.Port) {
	t.mu.Lock()
	if p != t.snap.ActivePort {
		t.snap.Counts.PortChanges++
	}
	t.snap.ActivePort = p
	t.mu.Unlock()
}

// PortRefused counts a refused port request.
func (t *Tracker) PortRefused() {
	t.mu.Lock()
	t.snap.Counts.PortRefusals++
	t.mu.Unlock()
}

// SetCharge records the charge manager's selection.
func (t *Tracker) SetCharge(p power.Port, s power.Supplier, r power.Rating) {
	t.mu.Lock()
	t.snap.ChargePort = p
	t.snap.ChargeSupplier = s
	t.snap.ChargeRating = r
	t.mu.Unlock()
}

// SetSystem records the host power state.
func (t *Tracker) SetSystem(s power.SystemState) {
	t.mu.Lock()
	t.snap.System = s
	t.mu.Unlock()
}

// Observe records one monitor pass.
func (t *Tracker) Observe(r monitor.Report) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := &t.snap.Power
	p.At = r.At
	p.BudgetMilliW = r.BudgetMilliW
	p.Supplier = r.Supplier
	p.HeadroomMilliW = r.HeadroomMilliW
	p.Throttle = r.Throttle
	if !r.Sample.At.IsZero() {
		p.SampleMilliW = r.Sample.MilliW
		p.AvgMilliW = r.AvgMilliW
		p.MaxMilliW = r.MaxMilliW
	}
	t.snap.System = r.System
	t.snap.Counts.ThrottleChanges += r.Changed.Len()
	t.snap.Counts.ActuationFailures += r.Failed.Len()
	if r.Err != nil {
		t.snap.Counts.ReadErrors++
	}
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
