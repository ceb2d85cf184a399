package main

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/power-arbiter/internal/adapter"
	"github.com/sweeney/power-arbiter/internal/arbiter"
	"github.com/sweeney/power-arbiter/internal/board"
	"github.com/sweeney/power-arbiter/internal/chargemgr"
	"github.com/sweeney/power-arbiter/internal/config"
	"github.com/sweeney/power-arbiter/internal/gpio"
	"github.com/sweeney/power-arbiter/internal/metrics"
	"github.com/sweeney/power-arbiter/internal/monitor"
	"github.com/sweeney/power-arbiter/internal/mqtt"
	"github.com/sweeney/power-arbiter/internal/pd"
	"github.com/sweeney/power-arbiter/internal/power"
	"github.com/sweeney/power-arbiter/internal/sched"
	"github.com/sweeney/power-arbiter/internal/status"
	"github.com/sweeney/power-arbiter/internal/throttle"
)

// hardware is the board surface the daemon drives.
type hardware struct {
	adapterPresent gpio.Input // nil without an adapter slot
	adapterSink    gpio.Output
	prochot        gpio.Output
	typeA          []gpio.Output
	slpS3, slpS5   gpio.Input
	// overcurrent opens a rail load's overcurrent line; nil leaves the
	// loads unmonitored.
	overcurrent func(config.Line) (monitor.Level, error)
	sensor      monitor.Sensor
}

// daemon holds the wired components. Everything except the dispatcher runs
// on the scheduler goroutine once start has returned.
type daemon struct {
	sched   *sched.Scheduler
	disp    *board.Dispatcher
	adapter *adapter.Debouncer
	arbiter *arbiter.Arbiter
	charge  *chargemgr.Manager
	monitor *monitor.Monitor
	chipset *board.Chipset
	pd      *pd.Remote
	tel     *telemetry

	ports       int
	monitorTask *sched.Task
	typecTask   *sched.Task
	chipsetTask *sched.Task
	adapterTask *sched.Task
}

// slotPresence lets the arbiter ask the debouncer, which is built after it.
type slotPresence struct{ d *adapter.Debouncer }

func (s *slotPresence) Present() bool { return s.d != nil && s.d.Present() }

// countingRequester records every port request outcome.
type countingRequester struct {
	*arbiter.Arbiter
	tel *telemetry
}

func (c countingRequester) RequestPort(p power.Port) error {
	err := c.Arbiter.RequestPort(p)
	c.tel.portRequest(p, err)
	return err
}

// build wires the components. disp may already be referenced by GPIO edge
// handlers; its targets are installed last.
func build(cfg *config.Config, hw hardware, disp *board.Dispatcher, pub mqtt.Publisher,
	tel *telemetry, clock func() time.Time, log *zap.Logger) (*daemon, error) {
	layout := cfg.ArbiterConfig()
	d := &daemon{
		sched: sched.New(clock, log.Named("sched")),
		disp:  disp,
		tel:   tel,
		ports: layout.Ports(),
	}

	d.pd = pd.NewRemote(pub, cfg.MQTT.TopicPrefix, cfg.TypeCPorts, log.Named("pd"))
	sinks := &board.Sinks{TypeCPorts: cfg.TypeCPorts, PD: d.pd, Adapter: hw.adapterSink}
	d.chipset = board.NewChipset(hw.slpS3, hw.slpS5, log.Named("chipset"))

	slot := &slotPresence{}
	var presence arbiter.Presence
	if cfg.HasAdapter {
		presence = slot
	}
	d.arbiter = arbiter.New(layout, sinks, presence, d.chipset, log.Named("arbiter"))
	d.arbiter.SetListener(tel)
	d.charge = chargemgr.New(d.ports, countingRequester{d.arbiter, tel}, log.Named("charge"))
	d.charge.SetListener(tel)

	mc, err := cfg.MonitorConfig(hw.overcurrent)
	if err != nil {
		return nil, fmt.Errorf("monitor config: %w", err)
	}
	actuator := throttle.NewActuator(&board.Throttles{Prochot: hw.prochot, TypeA: hw.typeA, PD: d.pd})
	d.monitor, err = monitor.New(mc, hw.sensor, d.charge, sinks, d.chipset, actuator, log.Named("monitor"))
	if err != nil {
		return nil, err
	}
	d.monitor.SetObserver(tel)

	d.monitorTask = d.sched.Add("monitor", d.monitor)
	d.monitor.Attach(d.monitorTask)
	d.chipsetTask = d.sched.Add("chipset", d.chipset)
	d.typecTask = d.sched.Add("typec", board.NewTypeCCharge(d.pd, d.charge, log.Named("typec")))

	targets := board.Targets{Monitor: d.monitor, PowerState: d.chipsetTask, TypeC: d.typecTask}
	if cfg.HasAdapter {
		d.adapter = adapter.New(cfg.AdapterConfig(), hw.adapterPresent, d.charge, log.Named("adapter"))
		slot.d = d.adapter
		tel.rating = d.adapter.Rating()
		deb := d.adapter
		d.adapterTask = d.sched.Add("adapter", sched.Func(func(now time.Time) {
			deb.Tick(now)
			tel.adapterChanged(deb.Connected())
		}))
		deb.Attach(d.adapterTask)
		targets.Adapter = deb
	}

	d.chipset.OnChange(func(from, to power.SystemState) {
		tel.systemChanged(to)
		// Leaving the running state may unblock a better port.
		d.charge.Reevaluate()
		d.monitor.Kick()
	})
	disp.Wire(targets)
	return d, nil
}

// start seeds the charge manager and queues the first monitor pass. Call it
// before the scheduler runs.
func (d *daemon) start() error {
	d.tel.systemChanged(d.chipset.SystemState())
	if err := d.pd.Start(func() { d.typecTask.Schedule(0) }); err != nil {
		return fmt.Errorf("subscribe to pd reports: %w", err)
	}
	if d.adapter != nil {
		d.adapter.Init()
		d.tel.adapterChanged(d.adapter.Connected())
	} else {
		for p := 0; p < d.ports; p++ {
			for _, s := range power.Suppliers {
				d.charge.ReportCharge(s, power.Port(p), nil)
			}
		}
	}
	d.monitorTask.Schedule(0)
	return nil
}

// telemetry fans component events out to the status tracker, the metrics
// and MQTT. Its methods run on the scheduler goroutine; pub must not block.
type telemetry struct {
	pub     mqtt.Publisher
	tracker *status.Tracker
	metrics *metrics.Metrics
	now     func() time.Time
	log     *zap.Logger
	// rating is the adapter's strapped rating, shown while it is present.
	rating power.Rating
}

func newTelemetry(pub mqtt.Publisher, tracker *status.Tracker, m *metrics.Metrics,
	now func() time.Time, log *zap.Logger) *telemetry {
	if now == nil {
		now = time.Now
	}
	return &telemetry{pub: pub, tracker: tracker, metrics: m, now: now, log: log}
}

// Observe publishes monitor passes that changed or failed to change a
// throttle.
func (t *telemetry) Observe(r monitor.Report) {
	t.tracker.Observe(r)
	t.metrics.Observe(r)
	if r.Changed.Empty() && r.Failed.Empty() {
		return
	}
	err := t.pub.PublishThrottle(mqtt.ThrottleEvent{
		Timestamp:    r.At,
		State:        r.Throttle,
		Changed:      r.Changed,
		Failed:       r.Failed,
		Supplier:     r.Supplier,
		BudgetMilliW: r.BudgetMilliW,
		AvgMilliW:    r.AvgMilliW,
		MaxMilliW:    r.MaxMilliW,
	})
	if err != nil {
		t.log.Warn("publish throttle event failed", zap.Error(err))
	}
}

func (t *telemetry) ActivePortChanged(from, to power.Port) {
	t.tracker.SetActivePort(to)
	t.metrics.SetActivePort(to)
	if err := t.pub.PublishPort(mqtt.PortEvent{Timestamp: t.now(), From: from, To: to}); err != nil {
		t.log.Warn("publish port event failed", zap.Error(err))
	}
}

func (t *telemetry) SelectionChanged(sel chargemgr.Selection) {
	t.tracker.SetCharge(sel.Port, sel.Supplier, sel.Rating)
	t.metrics.SetSupplier(sel.Supplier)
	err := t.pub.PublishCharge(mqtt.ChargeEvent{
		Timestamp: t.now(),
		Port:      sel.Port,
		Supplier:  sel.Supplier,
		Rating:    sel.Rating,
	})
	if err != nil {
		t.log.Warn("publish charge event failed", zap.Error(err))
	}
}

func (t *telemetry) portRequest(p power.Port, err error) {
	t.metrics.PortRequest(err)
	if err != nil {
		t.tracker.PortRefused()
		t.log.Debug("port request refused", zap.Stringer("port", p), zap.Error(err))
	}
}

func (t *telemetry) adapterChanged(present, known bool) {
	t.tracker.SetAdapter(present, known, t.rating)
	t.metrics.SetAdapterPresent(present, known)
}

func (t *telemetry) systemChanged(s power.SystemState) {
	t.tracker.SetSystem(s)
	t.metrics.SetSystemState(s)
}
