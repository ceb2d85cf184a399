// Package config loads the board description and daemon settings.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/power-arbiter/internal/adapter"
	"github.com/sweeney/power-arbiter/internal/arbiter"
	"github.com/sweeney/power-arbiter/internal/monitor"
	"github.com/sweeney/power-arbiter/internal/power"
	"github.com/sweeney/power-arbiter/internal/throttle"
)

// Line describes one GPIO line.
type Line struct {
	Offset    int  `yaml:"offset"`
	ActiveLow bool `yaml:"active_low"`
}

// GPIO lists the board's pins on one chip.
type GPIO struct {
	Chip              string `yaml:"chip"`
	AdapterPresent    *Line  `yaml:"adapter_present"`
	AdapterSinkEnable *Line  `yaml:"adapter_sink_enable"`
	Prochot           Line   `yaml:"prochot"`
	TypeALimit        []Line `yaml:"typea_limit"`
	SlpS3             Line   `yaml:"slp_s3"`
	SlpS5             Line   `yaml:"slp_s5"`
}

// Adapter describes the dedicated adapter slot.
type Adapter struct {
	Debounce   time.Duration  `yaml:"debounce"`
	FWConfig   uint32         `yaml:"fw_config"`
	StrapMask  uint32         `yaml:"strap_mask"`
	StrapShift uint           `yaml:"strap_shift"`
	Ratings    []power.Rating `yaml:"ratings"`
}

// Sensor describes the main supply power monitor.
type Sensor struct {
	Bus     string `yaml:"bus"`
	Address uint16 `yaml:"address"`
}

// Mitigation is one budget throttle in priority order.
type Mitigation struct {
	Bit    string `yaml:"bit"`
	GainMW int32  `yaml:"gain_mw"`
}

// RailLoad is a consumer on the shared rail.
type RailLoad struct {
	Name        string `yaml:"name"`
	MW          int32  `yaml:"mw"`
	Overcurrent *Line  `yaml:"overcurrent"`
	Group       string `yaml:"group"`
	TypeCPort   *int   `yaml:"typec_port"`
}

// Rail describes the shared low-voltage rail.
type Rail struct {
	CapacityMW   int32            `yaml:"capacity_mw"`
	BaseMW       int32            `yaml:"base_mw"`
	GroupExtraMW map[string]int32 `yaml:"group_extra_mw"`
	Loads        []RailLoad       `yaml:"loads"`
}

// Monitor tunes the power budget loop.
type Monitor struct {
	FastPeriod  time.Duration    `yaml:"fast_period"`
	SlowPeriod  time.Duration    `yaml:"slow_period"`
	Window      time.Duration    `yaml:"window"`
	LingerTicks int              `yaml:"linger_ticks"`
	Priority    []Mitigation     `yaml:"priority"`
	ReliefMW    map[string]int32 `yaml:"relief_mw"`
}

// MQTT configures telemetry and the PD stack link.
type MQTT struct {
	Broker      string        `yaml:"broker"`
	ClientID    string        `yaml:"client_id"`
	TopicPrefix string        `yaml:"topic_prefix"`
	Heartbeat   time.Duration `yaml:"heartbeat"`
	BufferSize  int           `yaml:"buffer_size"`
}

// Config is the whole file.
type Config struct {
	Board      string  `yaml:"board"`
	TypeCPorts int     `yaml:"typec_ports"`
	HasAdapter bool    `yaml:"has_adapter"`
	GPIO       GPIO    `yaml:"gpio"`
	Adapter    Adapter `yaml:"adapter"`
	Sensor     Sensor  `yaml:"sensor"`
	Monitor    Monitor `yaml:"monitor"`
	Rail       Rail    `yaml:"rail"`
	MQTT       MQTT    `yaml:"mqtt"`
	HTTPAddr   string  `yaml:"http_addr"`
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := Decode(data, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode strictly decodes YAML into cfg, leaving unset fields alone. Maps
// given in the file replace the existing ones instead of merging into them.
func Decode(data []byte, cfg *Config) error {
	relief, extra := cfg.Monitor.ReliefMW, cfg.Rail.GroupExtraMW
	cfg.Monitor.ReliefMW, cfg.Rail.GroupExtraMW = nil, nil
	defer func() {
		if cfg.Monitor.ReliefMW == nil {
			cfg.Monitor.ReliefMW = relief
		}
		if cfg.Rail.GroupExtraMW == nil {
			cfg.Rail.GroupExtraMW = extra
		}
	}()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// Validate checks the board description for consistency.
func (c *Config) Validate() error {
	if c.TypeCPorts < 0 || c.TypeCPorts > throttle.MaxTypeCPorts {
		return fmt.Errorf("typec_ports %d out of range 0..%d", c.TypeCPorts, throttle.MaxTypeCPorts)
	}
	if len(c.GPIO.TypeALimit) > throttle.MaxTypeAGroups {
		return fmt.Errorf("%d type-a groups, at most %d", len(c.GPIO.TypeALimit), throttle.MaxTypeAGroups)
	}
	if c.HasAdapter {
		if c.GPIO.AdapterPresent == nil || c.GPIO.AdapterSinkEnable == nil {
			return errors.New("has_adapter needs gpio.adapter_present and gpio.adapter_sink_enable")
		}
		if len(c.Adapter.Ratings) == 0 {
			return errors.New("has_adapter needs at least one adapter rating")
		}
	}
	if c.TypeCPorts+boolInt(c.HasAdapter) == 0 {
		return errors.New("board has no charge ports")
	}
	_, err := c.MonitorConfig(nil)
	return err
}

// ArbiterConfig returns the port layout.
func (c *Config) ArbiterConfig() arbiter.Config {
	return arbiter.Config{TypeCPorts: c.TypeCPorts, HasAdapter: c.HasAdapter}
}

// AdapterConfig returns the debouncer settings.
func (c *Config) AdapterConfig() adapter.Config {
	a := c.ArbiterConfig()
	return adapter.Config{
		Debounce:   c.Adapter.Debounce,
		Slot:       a.AdapterSlot(),
		Ports:      a.Ports(),
		Ratings:    c.Adapter.Ratings,
		FWConfig:   c.Adapter.FWConfig,
		StrapMask:  c.Adapter.StrapMask,
		StrapShift: c.Adapter.StrapShift,
	}
}

// MonitorConfig converts the monitor and rail sections. input opens a
// load's overcurrent line; nil leaves every load without one.
func (c *Config) MonitorConfig(input func(Line) (monitor.Level, error)) (monitor.Config, error) {
	mc := monitor.Config{
		FastPeriod:      c.Monitor.FastPeriod,
		SlowPeriod:      c.Monitor.SlowPeriod,
		LingerThreshold: c.Monitor.LingerTicks,
		Relief:          map[throttle.Bit]int32{},
		TypeCPorts:      c.TypeCPorts,
		TypeAGroups:     len(c.GPIO.TypeALimit),
		Rail: monitor.Rail{
			CapacityMilliW: c.Rail.CapacityMW,
			BaseMilliW:     c.Rail.BaseMW,
			GroupExtra:     c.Rail.GroupExtraMW,
		},
	}
	if c.Monitor.Window > 0 && c.Monitor.FastPeriod > 0 {
		mc.WindowSize = int(c.Monitor.Window / c.Monitor.FastPeriod)
	}
	for _, m := range c.Monitor.Priority {
		b, err := throttle.ParseBit(m.Bit)
		if err != nil {
			return monitor.Config{}, fmt.Errorf("monitor.priority: %w", err)
		}
		mc.Priority = append(mc.Priority, monitor.Mitigation{Bit: b, GainMilliW: m.GainMW})
	}
	for name, mw := range c.Monitor.ReliefMW {
		b, err := throttle.ParseBit(name)
		if err != nil {
			return monitor.Config{}, fmt.Errorf("monitor.relief_mw: %w", err)
		}
		mc.Relief[b] = mw
	}
	for _, l := range c.Rail.Loads {
		load := monitor.Load{Name: l.Name, MilliW: l.MW, Group: l.Group, TypeCPort: -1}
		if l.TypeCPort != nil {
			load.TypeCPort = *l.TypeCPort
		}
		if l.Overcurrent != nil && input != nil {
			in, err := input(*l.Overcurrent)
			if err != nil {
				return monitor.Config{}, fmt.Errorf("rail load %s: %w", l.Name, err)
			}
			load.Input = in
		}
		mc.Rail.Loads = append(mc.Rail.Loads, load)
	}
	if err := mc.Validate(); err != nil {
		return monitor.Config{}, err
	}
	return mc, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
