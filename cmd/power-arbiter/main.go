// Command power-arbiter picks the charge input of the board and keeps the
// system's power draw within the input's budget by driving throttles.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/sweeney/power-arbiter/internal/board"
	"github.com/sweeney/power-arbiter/internal/config"
	"github.com/sweeney/power-arbiter/internal/gpio"
	"github.com/sweeney/power-arbiter/internal/logger"
	"github.com/sweeney/power-arbiter/internal/metrics"
	"github.com/sweeney/power-arbiter/internal/monitor"
	"github.com/sweeney/power-arbiter/internal/mqtt"
	"github.com/sweeney/power-arbiter/internal/sensor"
	"github.com/sweeney/power-arbiter/internal/status"
	"github.com/sweeney/power-arbiter/internal/throttle"
	"github.com/sweeney/power-arbiter/internal/web"
)

const app = "power-arbiter"

var (
	a          = kingpin.New(app, "charge port arbitration and power budget throttling daemon")
	configPath = a.Flag("config", "board description (YAML); built-in reference board when empty").Default("").Envar("POWER_ARBITER_CONFIG").String()
	logLevel   = a.Flag("log.level", "log level verbosity").PlaceHolder("[debug|info|warn|error]").Default("info").Envar("LOG_LEVEL").String()
	logPath    = a.Flag("log.file-path", "directory for a rotated log file in addition to stdout").Default("").Envar("LOG_FILE_PATH").String()
	broker     = a.Flag("broker", "MQTT broker address, overrides the config file").Default("").Envar("MQTT_BROKER").String()
	httpAddr   = a.Flag("http", "HTTP status address, overrides the config file (\"off\" disables)").Default("").Envar("HTTP_ADDR").String()
	wsBroker   = a.Flag("ws-broker", `MQTT websocket URL for live UI ("=broker" derives from the broker, "off" disables)`).Default("=broker").Envar("WS_BROKER").String()
	printState = a.Flag("print-state", "print the board's inputs and exit").Default("false").Bool()
)

func main() {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = ""
	}

	a.HelpFlag.Short('h')
	if _, err := a.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing argument flags - %s\n", err)
		os.Exit(2)
	}

	log := logger.Initialize(app, hostname, *logPath, *logLevel)
	defer logger.Flush()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}
	if *broker != "" {
		cfg.MQTT.Broker = *broker
	}
	switch *httpAddr {
	case "":
	case "off":
		cfg.HTTPAddr = ""
	default:
		cfg.HTTPAddr = *httpAddr
	}

	ws := resolveWSBroker(*wsBroker, cfg.MQTT.Broker, log)
	if err := run(cfg, *printState, ws, log); err != nil {
		log.Fatal("fatal", zap.Error(err))
	}
}

func run(cfg *config.Config, printOnly bool, wsBroker string, log *zap.Logger) error {
	disp := &board.Dispatcher{}
	hw, closeHW, err := openHardware(cfg, disp)
	if err != nil {
		return err
	}
	defer closeHW()

	if printOnly {
		return printBoardState(os.Stdout, cfg, hw)
	}

	tracker := status.NewTracker(time.Now(), status.Config{
		Board:        cfg.Board,
		TypeCPorts:   cfg.TypeCPorts,
		HasAdapter:   cfg.HasAdapter,
		FastPeriodMs: cfg.Monitor.FastPeriod.Milliseconds(),
		SlowPeriodMs: cfg.Monitor.SlowPeriod.Milliseconds(),
		WindowMs:     cfg.Monitor.Window.Milliseconds(),
		DebounceMs:   cfg.Adapter.Debounce.Milliseconds(),
		HeartbeatMs:  cfg.MQTT.Heartbeat.Milliseconds(),
		Broker:       cfg.MQTT.Broker,
		TopicPrefix:  cfg.MQTT.TopicPrefix,
		HTTPPort:     cfg.HTTPAddr,
		WSBroker:     wsBroker,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	var queue *mqtt.Queue
	conn, err := mqtt.NewRealPublisher(mqtt.Options{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		BufferSize:  cfg.MQTT.BufferSize,
		Will:        status.FormatStatusEvent(tracker.Snapshot(), "SHUTDOWN", "CONNECTION_LOST"),
		OnReconnect: func() {
			snap := tracker.Snapshot()
			err := queue.PublishSystem(mqtt.SystemEvent{
				Timestamp:  snap.Now,
				Event:      "RECONNECTED",
				RawPayload: status.FormatStatusEvent(snap, "RECONNECTED", ""),
			})
			if err != nil {
				log.Warn("publish reconnect event failed", zap.Error(err))
			}
		},
		Log: log.Named("mqtt"),
	})
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	queue = mqtt.NewQueue(conn, cfg.MQTT.BufferSize, log.Named("mqtt"))
	defer queue.Close()

	m := metrics.New(boardBits(cfg))
	tel := newTelemetry(queue, tracker, m, time.Now, log)
	d, err := build(cfg, hw, disp, queue, tel, time.Now, log)
	if err != nil {
		return err
	}

	// Publish startup event with full status snapshot
	snap := tracker.Snapshot()
	startup := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := queue.PublishSystem(startup); err != nil {
		log.Warn("publish startup event failed", zap.Error(err))
	}

	if err := d.start(); err != nil {
		return err
	}

	if cfg.HTTPAddr != "" {
		srv := web.New(cfg.HTTPAddr, tracker, m.Handler(), log.Named("http"))
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server error", zap.Error(err))
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Info("http status server listening", zap.String("addr", cfg.HTTPAddr))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.sched.Run(ctx) }()

	log.Info("started",
		zap.String("board", cfg.Board),
		zap.Int("typec_ports", cfg.TypeCPorts),
		zap.Bool("adapter", cfg.HasAdapter),
		zap.String("broker", cfg.MQTT.Broker),
		zap.Duration("heartbeat", cfg.MQTT.Heartbeat))

	var heartbeat <-chan time.Time
	if cfg.MQTT.Heartbeat > 0 {
		ticker := time.NewTicker(cfg.MQTT.Heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	err = runLoop(queue, queue, tracker, time.Now, heartbeat, sigCh, done, log)
	cancel()
	queue.Flush()
	return err
}

// runLoop handles lifecycle events while the scheduler runs the components.
// It returns nil on SIGINT or SIGTERM and an error if the scheduler stops.
func runLoop(publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker,
	now func() time.Time, heartbeat <-chan time.Time, sig <-chan os.Signal, done <-chan error, log *zap.Logger) error {
	for {
		select {
		case s := <-sig:
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			log.Info("shutting down", zap.String("signal", signalName))
			event := mqtt.SystemEvent{
				Timestamp: now(),
				Event:     "SHUTDOWN",
				Reason:    signalName,
				Retained:  true,
			}
			if tracker != nil {
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
				event.RawPayload = status.FormatStatusEvent(tracker.Snapshot(), "SHUTDOWN", signalName)
			}
			if err := publisher.PublishSystem(event); err != nil {
				log.Warn("publish shutdown event failed", zap.Error(err))
			}
			return nil

		case err := <-done:
			return fmt.Errorf("scheduler stopped: %w", err)

		case <-heartbeat:
			event := mqtt.SystemEvent{Timestamp: now(), Event: "HEARTBEAT"}
			if tracker != nil {
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
				// Refresh network info for heartbeat
				if net := readNetworkInfo(); net != nil {
					tracker.SetNetwork(net)
				}
				snap := tracker.Snapshot()
				log.Debug("heartbeat",
					zap.Duration("uptime", snap.Uptime()),
					zap.Stringer("active_port", snap.ActivePort),
					zap.Stringer("throttle", snap.Power.Throttle))
				event.RawPayload = status.FormatStatusEvent(snap, "HEARTBEAT", "")
			}
			if err := publisher.PublishSystem(event); err != nil {
				log.Warn("publish heartbeat failed", zap.Error(err))
			}
		}
	}
}

// openHardware requests every line the board uses. Input edges are routed
// through disp.
func openHardware(cfg *config.Config, disp *board.Dispatcher) (hardware, func(), error) {
	var hw hardware
	chip, err := gpio.OpenChip(cfg.GPIO.Chip)
	if err != nil {
		return hw, nil, err
	}
	closers := []func(){func() { chip.Close() }}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (hardware, func(), error) {
		closeAll()
		return hardware{}, nil, fmt.Errorf("%s: %w", what, err)
	}

	input := func(l config.Line, s board.Signal) (*gpio.Line, error) {
		return chip.RequestInput(gpio.LineConfig{Offset: l.Offset, ActiveLow: l.ActiveLow, OnEdge: disp.Handler(s)})
	}
	output := func(l config.Line, initial bool) (*gpio.Line, error) {
		return chip.RequestOutput(gpio.LineConfig{Offset: l.Offset, ActiveLow: l.ActiveLow, Initial: initial})
	}

	if hw.slpS3, err = input(cfg.GPIO.SlpS3, board.SignalPowerState); err != nil {
		return fail("SLP_S3", err)
	}
	if hw.slpS5, err = input(cfg.GPIO.SlpS5, board.SignalPowerState); err != nil {
		return fail("SLP_S5", err)
	}
	if hw.prochot, err = output(cfg.GPIO.Prochot, false); err != nil {
		return fail("PROCHOT", err)
	}
	for g, l := range cfg.GPIO.TypeALimit {
		out, err := output(l, false)
		if err != nil {
			return fail(fmt.Sprintf("type-a group %d", g), err)
		}
		hw.typeA = append(hw.typeA, out)
	}
	if cfg.HasAdapter {
		if hw.adapterPresent, err = input(*cfg.GPIO.AdapterPresent, board.SignalAdapterPresent); err != nil {
			return fail("adapter present", err)
		}
		// The adapter path starts enabled so a host already running from
		// it keeps its supply until the arbiter decides.
		if hw.adapterSink, err = output(*cfg.GPIO.AdapterSinkEnable, true); err != nil {
			return fail("adapter sink enable", err)
		}
	}
	hw.overcurrent = func(l config.Line) (monitor.Level, error) {
		return input(l, board.SignalOvercurrent)
	}

	ina, bus, err := sensor.OpenINA260(cfg.Sensor.Bus, cfg.Sensor.Address)
	if err != nil {
		return fail("power sensor", err)
	}
	closers = append(closers, func() { bus.Close() })
	hw.sensor = ina
	return hw, closeAll, nil
}

// printBoardState prints one reading of the board's inputs.
func printBoardState(w io.Writer, cfg *config.Config, hw hardware) error {
	chipset := board.NewChipset(hw.slpS3, hw.slpS5, zap.NewNop())
	fmt.Fprintf(w, "system: %s\n", chipset.SystemState())

	if cfg.HasAdapter && hw.adapterPresent != nil {
		on, err := hw.adapterPresent.Active()
		switch {
		case err != nil:
			fmt.Fprintf(w, "adapter: unreadable (%v)\n", err)
		case on:
			fmt.Fprintf(w, "adapter: present\n")
		default:
			fmt.Fprintf(w, "adapter: absent\n")
		}
	}

	mv, err := hw.sensor.BusMilliV()
	if err != nil {
		return fmt.Errorf("read bus voltage: %w", err)
	}
	ma, err := hw.sensor.ShuntMilliA()
	if err != nil {
		return fmt.Errorf("read shunt current: %w", err)
	}
	fmt.Fprintf(w, "power: %d mV %d mA (%d mW)\n", mv, ma, int64(mv)*int64(ma)/1000)
	return nil
}

// boardBits lists every throttle the board has.
func boardBits(cfg *config.Config) []throttle.Bit {
	bits := []throttle.Bit{throttle.Prochot}
	for g := range cfg.GPIO.TypeALimit {
		bits = append(bits, throttle.TypeA(g))
	}
	for p := 0; p < cfg.TypeCPorts; p++ {
		bits = append(bits, throttle.TypeC(p))
	}
	return bits
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}

// resolveWSBroker converts the --ws-broker flag value into a concrete URL.
// "=broker" derives ws://host:9001 from the TCP broker address; "off" disables.
func resolveWSBroker(ws, broker string, log *zap.Logger) string {
	if ws == "off" {
		return ""
	}
	if ws != "=broker" {
		return ws
	}
	u, err := url.Parse(broker)
	if err != nil {
		log.Warn("ws-broker: cannot parse broker address", zap.String("broker", broker), zap.Error(err))
		return ""
	}
	u.Scheme = "ws"
	u.Host = u.Hostname() + ":9001"
	return u.String()
}
