// Package adapter debounces the dedicated adapter's presence signal and
// reports its charge capability to the charge manager.
package adapter

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/power-arbiter/internal/gpio"
	"github.com/sweeney/power-arbiter/internal/power"
)

// DefaultDebounce is the time the presence signal must be stable.
const DefaultDebounce = 1000 * time.Millisecond

// Reporter ingests charge availability. A nil rating means "nothing to
// report yet"; a zero rating means "no charge available".
type Reporter interface {
	ReportCharge(s power.Supplier, p power.Port, r *power.Rating)
}

// Deferred is a rescheduleable one-shot timer.
type Deferred interface {
	Schedule(delay time.Duration)
}

// Config describes the adapter slot and its rating table.
type Config struct {
	Debounce time.Duration
	// Slot is the port number of the adapter.
	Slot power.Port
	// Ports is the total number of charge ports, adapter slot included.
	Ports int
	// Ratings is indexed by the strap field of FWConfig.
	Ratings    []power.Rating
	FWConfig   uint32
	StrapMask  uint32
	StrapShift uint
}

const (
	unknown int32 = -1
	absent  int32 = 0
	present int32 = 1
)

// Debouncer turns presence edges into stable connect/disconnect reports.
type Debouncer struct {
	cfg       Config
	in        gpio.Input
	rep       Reporter
	timer     Deferred
	rating    power.Rating
	debounced atomic.Int32
	log       *zap.Logger
}

// New creates a debouncer reading in and reporting to rep. The rating is
// resolved from the strap once, here.
func New(cfg Config, in gpio.Input, rep Reporter, log *zap.Logger) *Debouncer {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Debouncer{cfg: cfg, in: in, rep: rep, log: log}
	d.debounced.Store(unknown)
	d.rating = d.lookupRating()
	return d
}

// Attach sets the timer that runs Tick.
func (d *Debouncer) Attach(t Deferred) { d.timer = t }

func (d *Debouncer) lookupRating() power.Rating {
	if len(d.cfg.Ratings) == 0 {
		return power.Rating{}
	}
	idx := (d.cfg.FWConfig & d.cfg.StrapMask) >> d.cfg.StrapShift
	if idx >= uint32(len(d.cfg.Ratings)) {
		d.log.Debug("adapter strap out of range, using entry 0",
			zap.Uint32("index", idx), zap.Int("entries", len(d.cfg.Ratings)))
		idx = 0
	}
	return d.cfg.Ratings[idx]
}

// Rating returns the adapter rating selected at init.
func (d *Debouncer) Rating() power.Rating { return d.rating }

// OnLevelChange restarts the debounce interval. Called from the GPIO event
// path; it only reschedules the timer.
func (d *Debouncer) OnLevelChange() {
	if d.timer != nil {
		d.timer.Schedule(d.cfg.Debounce)
	}
}

// Tick runs OnDebounceElapsed when the timer fires.
func (d *Debouncer) Tick(time.Time) (time.Duration, bool) {
	d.OnDebounceElapsed()
	return 0, false
}

// OnDebounceElapsed samples the current level and reports a transition if
// it differs from the debounced state. An unreadable input counts as absent.
func (d *Debouncer) OnDebounceElapsed() {
	connected, err := d.in.Active()
	if err != nil {
		d.log.Warn("adapter presence unreadable, treating as absent", zap.Error(err))
		connected = false
	}

	next := absent
	if connected {
		next = present
	}
	prev := d.debounced.Load()
	if prev == next {
		return
	}
	// Publish before reporting so the arbiter sees the new presence when the
	// charge manager reacts to the report.
	d.debounced.Store(next)

	rating := power.Rating{}
	if connected {
		rating = d.rating
	}
	d.log.Info("adapter presence changed",
		zap.Bool("connected", connected),
		zap.Uint32("voltage_mv", rating.MilliV),
		zap.Uint32("current_ma", rating.MilliA))
	d.rep.ReportCharge(power.SupplierDedicated, d.cfg.Slot, &rating)
}

// Init reports a nil rating for every supplier and port, so the charge
// manager hears from every source, then reports the state found at boot.
func (d *Debouncer) Init() {
	for p := 0; p < d.cfg.Ports; p++ {
		for _, s := range power.Suppliers {
			d.rep.ReportCharge(s, power.Port(p), nil)
		}
	}
	d.OnDebounceElapsed()
}

// Connected returns the debounced presence; known is false until the first
// debounce completes.
func (d *Debouncer) Connected() (connected, known bool) {
	switch d.debounced.Load() {
	case present:
		return true, true
	case absent:
		return false, true
	default:
		return false, false
	}
}

// Present reports whether the adapter is debounced-connected.
func (d *Debouncer) Present() bool {
	c, _ := d.Connected()
	return c
}
