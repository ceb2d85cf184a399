package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sweeney/power-arbiter/internal/board"
	"github.com/sweeney/power-arbiter/internal/config"
	"github.com/sweeney/power-arbiter/internal/gpio"
	"github.com/sweeney/power-arbiter/internal/metrics"
	"github.com/sweeney/power-arbiter/internal/mqtt"
	"github.com/sweeney/power-arbiter/internal/pd"
	"github.com/sweeney/power-arbiter/internal/power"
	"github.com/sweeney/power-arbiter/internal/sensor"
	"github.com/sweeney/power-arbiter/internal/status"
	"github.com/sweeney/power-arbiter/internal/throttle"
)

// TestEnvVarNames verifies the env var constants match what pi-helper writes
// to /run/pi-helper.env. If pi-helper changes its var names, this test fails
// and we update the constants, not the other way around.
func TestEnvVarNames(t *testing.T) {
	want := map[string]string{
		"NETWORK_TYPE":        envNetworkType,
		"NETWORK_IP":          envNetworkIP,
		"NETWORK_STATUS":      envNetworkStatus,
		"NETWORK_GATEWAY":     envNetworkGateway,
		"NETWORK_WIFI_STATUS": envNetworkWifiStatus,
		"NETWORK_WIFI_SSID":   envNetworkWifiSSID,
	}
	for canonical, got := range want {
		if got != canonical {
			t.Errorf("env var constant: got %q, want %q", got, canonical)
		}
	}
}

func TestReadNetworkInfoAllSet(t *testing.T) {
	t.Setenv(envNetworkType, "wifi")
	t.Setenv(envNetworkIP, "192.168.1.100")
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkGateway, "192.168.1.1")
	t.Setenv(envNetworkWifiStatus, "connected")
	t.Setenv(envNetworkWifiSSID, "MyNetwork")

	info := readNetworkInfo()
	require.NotNil(t, info)
	assert.Equal(t, status.NetworkInfo{
		Type:       "wifi",
		IP:         "192.168.1.100",
		Status:     "connected",
		Gateway:    "192.168.1.1",
		WifiStatus: "connected",
		SSID:       "MyNetwork",
	}, *info)
}

func TestReadNetworkInfoNoneSet(t *testing.T) {
	t.Setenv(envNetworkStatus, "")
	assert.Nil(t, readNetworkInfo())
}

func TestReadNetworkInfoPartial(t *testing.T) {
	t.Setenv(envNetworkStatus, "connected")

	info := readNetworkInfo()
	require.NotNil(t, info)
	assert.Equal(t, "connected", info.Status)
	assert.Empty(t, info.Type)
	assert.Empty(t, info.IP)
	assert.Empty(t, info.SSID)
}

func TestResolveWSBroker(t *testing.T) {
	log := zap.NewNop()
	assert.Equal(t, "ws://192.168.1.200:9001", resolveWSBroker("=broker", "tcp://192.168.1.200:1883", log))
	assert.Equal(t, "", resolveWSBroker("off", "tcp://192.168.1.200:1883", log))
	assert.Equal(t, "wss://example.net/mqtt", resolveWSBroker("wss://example.net/mqtt", "tcp://x:1883", log))
	assert.Equal(t, "", resolveWSBroker("=broker", "://bad", log))
}

func TestBoardBits(t *testing.T) {
	bits := boardBits(config.Default())
	assert.Equal(t, []throttle.Bit{throttle.Prochot, throttle.TypeA(0), throttle.TypeC(0)}, bits)
}

func TestPrintBoardState(t *testing.T) {
	cfg := config.Default()
	hw := hardware{
		adapterPresent: gpio.NewFakePin(true),
		slpS3:          gpio.NewFakePin(true),
		slpS5:          gpio.NewFakePin(false),
		sensor:         sensor.NewFake(19000, 2000),
	}
	var buf bytes.Buffer
	require.NoError(t, printBoardState(&buf, cfg, hw))
	assert.Equal(t, "system: SUSPENDED\nadapter: present\npower: 19000 mV 2000 mA (38000 mW)\n", buf.String())
}

func TestPrintBoardStateSensorError(t *testing.T) {
	s := sensor.NewFake(0, 0)
	s.Fail(errors.New("nak"))
	hw := hardware{slpS3: gpio.NewFakePin(false), slpS5: gpio.NewFakePin(false), sensor: s}
	cfg := config.Default()
	cfg.HasAdapter = false

	var buf bytes.Buffer
	assert.Error(t, printBoardState(&buf, cfg, hw))
}

// --- daemon tests ---

// fakeBoard is the reference board with every line faked. The host starts
// powered off so the arbiter accepts any port.
type fakeBoard struct {
	adapterPresent *gpio.FakePin
	adapterSink    *gpio.FakePin
	prochot        *gpio.FakePin
	typeA          *gpio.FakePin
	slpS3, slpS5   *gpio.FakePin
	sensor         *sensor.Fake

	cfg     *config.Config
	pub     *mqtt.FakePublisher
	tracker *status.Tracker
	d       *daemon
	now     time.Time
}

func newFakeBoard(t *testing.T) *fakeBoard {
	t.Helper()
	cfg := config.Default()
	cfg.Adapter.Debounce = 100 * time.Millisecond
	cfg.Monitor.LingerTicks = 2

	b := &fakeBoard{
		adapterPresent: gpio.NewFakePin(true),
		adapterSink:    gpio.NewFakePin(false),
		prochot:        gpio.NewFakePin(false),
		typeA:          gpio.NewFakePin(false),
		slpS3:          gpio.NewFakePin(true),
		slpS5:          gpio.NewFakePin(true),
		sensor:         sensor.NewFake(1000, 20000),
		cfg:            cfg,
		pub:            mqtt.NewFakePublisher(),
		now:            time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	disp := &board.Dispatcher{}
	b.adapterPresent.OnEdge = disp.Handler(board.SignalAdapterPresent)
	b.slpS3.OnEdge = disp.Handler(board.SignalPowerState)
	b.slpS5.OnEdge = disp.Handler(board.SignalPowerState)

	hw := hardware{
		adapterPresent: b.adapterPresent,
		adapterSink:    b.adapterSink,
		prochot:        b.prochot,
		typeA:          []gpio.Output{b.typeA},
		slpS3:          b.slpS3,
		slpS5:          b.slpS5,
		sensor:         b.sensor,
	}
	clock := func() time.Time { return b.now }
	b.tracker = status.NewTracker(b.now, status.Config{Board: cfg.Board})
	tel := newTelemetry(b.pub, b.tracker, metrics.New(boardBits(cfg)), clock, zap.NewNop())

	d, err := build(cfg, hw, disp, b.pub, tel, clock, zap.NewNop())
	require.NoError(t, err)
	b.d = d
	require.NoError(t, d.start())
	return b
}

// advance moves the clock and runs whatever became due.
func (b *fakeBoard) advance(d time.Duration) {
	b.now = b.now.Add(d)
	b.d.sched.RunDue(b.now)
}

func (b *fakeBoard) powerOn() {
	b.slpS5.Set(false)
	b.slpS3.Set(false)
	b.advance(0)
	// The chipset kicks the monitor, which runs on the next pass.
	b.advance(0)
}

func TestDaemonStartsOnAdapter(t *testing.T) {
	b := newFakeBoard(t)

	assert.Equal(t, power.Port(1), b.d.arbiter.Active())
	assert.True(t, b.adapterSink.Level)

	require.Len(t, b.pub.PortEvents, 1)
	assert.Equal(t, power.PortNone, b.pub.PortEvents[0].From)
	assert.Equal(t, power.Port(1), b.pub.PortEvents[0].To)

	require.Len(t, b.pub.ChargeEvents, 1)
	assert.Equal(t, power.SupplierDedicated, b.pub.ChargeEvents[0].Supplier)
	assert.Equal(t, uint32(64980), b.pub.ChargeEvents[0].Rating.MilliW())

	snap := b.tracker.Snapshot()
	assert.True(t, snap.AdapterKnown)
	assert.True(t, snap.AdapterPresent)
	assert.Equal(t, power.SystemOff, snap.System)
	assert.Equal(t, power.Port(1), snap.ActivePort)
}

func TestDaemonIdleWhileOff(t *testing.T) {
	b := newFakeBoard(t)
	b.advance(0)

	assert.Empty(t, b.pub.ThrottleEvents)
	assert.Zero(t, b.sensor.Reads())
	assert.Equal(t, power.SystemOff, b.tracker.Snapshot().System)
}

func TestDaemonThrottlesOverBudget(t *testing.T) {
	b := newFakeBoard(t)
	b.sensor.SetMilliW(100000)
	b.powerOn()

	assert.True(t, b.prochot.Level)
	assert.True(t, b.typeA.Level)
	require.Len(t, b.pub.ThrottleEvents, 1)
	ev := b.pub.ThrottleEvents[0]
	assert.True(t, ev.State.Has(throttle.Prochot))
	assert.True(t, ev.State.Has(throttle.TypeA(0)))
	assert.Equal(t, uint32(64980), ev.BudgetMilliW)
	assert.Equal(t, power.SupplierDedicated, ev.Supplier)
	assert.Equal(t, power.SystemRunning, b.tracker.Snapshot().System)

	// Load drops: the Type-A limit goes first, PROCHOT lingers.
	b.sensor.SetMilliW(10000)
	for i := 0; i < 10 && b.typeA.Level; i++ {
		b.advance(b.cfg.Monitor.FastPeriod)
	}
	require.False(t, b.typeA.Level)
	assert.True(t, b.prochot.Level)

	for i := 0; i < 10 && b.prochot.Level; i++ {
		b.advance(b.cfg.Monitor.FastPeriod)
	}
	assert.False(t, b.prochot.Level)
	assert.Equal(t, throttle.State(0), b.d.monitor.State())
	assert.Equal(t, throttle.State(0), b.tracker.Snapshot().Power.Throttle)
}

func TestDaemonSwitchesToStrongerTypeC(t *testing.T) {
	b := newFakeBoard(t)

	st, _ := json.Marshal(pd.PortState{PD: true, MilliV: 20000, MilliA: 5000})
	b.pub.Deliver("power-arbiter/typec/0/state", st)
	b.advance(0)

	assert.Equal(t, power.Port(0), b.d.arbiter.Active())
	assert.False(t, b.adapterSink.Level)

	require.Len(t, b.pub.PortEvents, 2)
	assert.Equal(t, power.Port(1), b.pub.PortEvents[1].From)
	assert.Equal(t, power.Port(0), b.pub.PortEvents[1].To)
	require.Len(t, b.pub.ChargeEvents, 2)
	assert.Equal(t, power.SupplierPD, b.pub.ChargeEvents[1].Supplier)

	var enabled bool
	for _, m := range b.pub.Sent {
		if m.Topic == "power-arbiter/typec/0/command" && string(m.Payload) == `{"cmd":"sink","enable":true}` {
			enabled = true
		}
	}
	assert.True(t, enabled, "sink enable command for port 0")
}

func TestDaemonKeepsPortWhileRunning(t *testing.T) {
	b := newFakeBoard(t)
	b.powerOn()

	st, _ := json.Marshal(pd.PortState{PD: true, MilliV: 20000, MilliA: 5000})
	b.pub.Deliver("power-arbiter/typec/0/state", st)
	b.advance(0)

	assert.Equal(t, power.Port(1), b.d.arbiter.Active())
	assert.Positive(t, b.tracker.Snapshot().Counts.PortRefusals)

	// Powering off lets the charge manager move to the better port.
	b.slpS5.Set(true)
	b.advance(0)
	assert.Equal(t, power.Port(0), b.d.arbiter.Active())
}

func TestDaemonDropsUnpluggedAdapterWhileRunning(t *testing.T) {
	b := newFakeBoard(t)
	b.powerOn()

	st, _ := json.Marshal(pd.PortState{PD: true, MilliV: 15000, MilliA: 3000})
	b.pub.Deliver("power-arbiter/typec/0/state", st)
	b.advance(0)
	require.Equal(t, power.Port(1), b.d.arbiter.Active())

	b.adapterPresent.Set(false)
	b.advance(100 * time.Millisecond)

	assert.Equal(t, power.PortNone, b.d.arbiter.Active())
	assert.False(t, b.adapterSink.Level)
	assert.Equal(t, power.PortNone, b.tracker.Snapshot().ChargePort)
	budget, err := b.d.charge.BudgetMilliW()
	require.NoError(t, err)
	assert.Zero(t, budget)
}

func TestDaemonAdapterUnplugDebounced(t *testing.T) {
	b := newFakeBoard(t)

	b.adapterPresent.Set(false)
	b.advance(50 * time.Millisecond)
	assert.Equal(t, power.Port(1), b.d.arbiter.Active())

	// A bounce restarts the interval.
	b.adapterPresent.Set(true)
	b.adapterPresent.Set(false)
	b.advance(60 * time.Millisecond)
	assert.Equal(t, power.Port(1), b.d.arbiter.Active())

	b.advance(50 * time.Millisecond)
	assert.Equal(t, power.PortNone, b.d.arbiter.Active())
	assert.False(t, b.adapterSink.Level)
	assert.False(t, b.tracker.Snapshot().AdapterPresent)

	last := b.pub.PortEvents[len(b.pub.PortEvents)-1]
	assert.Equal(t, power.PortNone, last.To)
}

// --- runLoop tests ---

// fakeClock returns a function that yields start, start+step, start+2*step, ...
// on successive calls. Not safe for concurrent use (only called from runLoop's goroutine).
func fakeClock(start time.Time, step time.Duration) func() time.Time {
	n := 0
	return func() time.Time {
		t := start.Add(time.Duration(n) * step)
		n++
		return t
	}
}

func TestRunLoopShutdownOnSignal(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	pub.Connected = true
	tracker := status.NewTracker(time.Now(), status.Config{})
	sig := make(chan os.Signal, 1)
	sig <- syscall.SIGTERM

	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	err := runLoop(pub, pub, tracker, fakeClock(start, time.Second), nil, sig, nil, zap.NewNop())
	require.NoError(t, err)

	require.Len(t, pub.SystemEvents, 1)
	ev := pub.SystemEvents[0]
	assert.Equal(t, "SHUTDOWN", ev.Event)
	assert.Equal(t, "SIGTERM", ev.Reason)
	assert.True(t, ev.Retained)
	assert.Equal(t, start, ev.Timestamp)
	assert.Contains(t, string(ev.RawPayload), `"event":"SHUTDOWN"`)
	assert.True(t, tracker.Snapshot().MQTTConnected)
}

func TestRunLoopHeartbeat(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	tracker := status.NewTracker(time.Now(), status.Config{})
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkIP, "10.0.0.7")

	hb := make(chan time.Time)
	sig := make(chan os.Signal)
	errc := make(chan error, 1)
	go func() {
		errc <- runLoop(pub, pub, tracker, time.Now, hb, sig, nil, zap.NewNop())
	}()
	hb <- time.Now()
	sig <- syscall.SIGINT
	require.NoError(t, <-errc)

	require.Len(t, pub.SystemEvents, 2)
	assert.Equal(t, "HEARTBEAT", pub.SystemEvents[0].Event)
	assert.False(t, pub.SystemEvents[0].Retained)
	assert.Contains(t, string(pub.SystemEvents[0].RawPayload), "10.0.0.7")
	assert.Equal(t, "SHUTDOWN", pub.SystemEvents[1].Event)
	assert.Equal(t, "SIGINT", pub.SystemEvents[1].Reason)
}

func TestRunLoopPublishErrorDoesNotStop(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	pub.PublishError = errors.New("broker down")
	sig := make(chan os.Signal, 1)
	sig <- syscall.SIGTERM

	err := runLoop(pub, nil, nil, time.Now, nil, sig, nil, zap.NewNop())
	assert.NoError(t, err)
}

func TestRunLoopSchedulerStopped(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	done := make(chan error, 1)
	boom := errors.New("boom")
	done <- boom

	err := runLoop(pub, pub, nil, time.Now, nil, nil, done, zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, pub.SystemEvents)
}
