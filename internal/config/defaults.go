package config

import (
	"time"

	"github.com/sweeney/power-arbiter/internal/power"
)

// Rail loads of the reference board, in milliwatts at 5 V.
const (
	baseLoadMW  = 5 * 1335
	frontHighMW = 5 * 1603
	frontLowMW  = 5 * 963
	rearMW      = 5 * 1075
	hdmiMW      = 5 * 562
	typeCHighMW = 5 * 3740
	typeCLowMW  = 5 * 2090
	railMaxMW   = 5 * 10000
)

// Default describes the reference board: one Type-C port, a barrel jack
// adapter, two front and two rear Type-A ports sharing one limit output and
// two HDMI connectors on a 50 W 5 V rail.
func Default() *Config {
	typeC0 := 0
	return &Config{
		Board:      "reference",
		TypeCPorts: 1,
		HasAdapter: true,
		GPIO: GPIO{
			Chip:              "gpiochip0",
			AdapterPresent:    &Line{Offset: 4, ActiveLow: true},
			AdapterSinkEnable: &Line{Offset: 5},
			Prochot:           Line{Offset: 6, ActiveLow: true},
			TypeALimit:        []Line{{Offset: 7}},
			SlpS3:             Line{Offset: 8, ActiveLow: true},
			SlpS5:             Line{Offset: 9, ActiveLow: true},
		},
		Adapter: Adapter{
			Debounce:  time.Second,
			StrapMask: 0x0f,
			Ratings: []power.Rating{
				{MilliV: 19000, MilliA: 3420}, // 65 W
				{MilliV: 19000, MilliA: 4740}, // 90 W
			},
		},
		Sensor: Sensor{Bus: "", Address: 0x40},
		Monitor: Monitor{
			FastPeriod:  2 * time.Millisecond,
			SlowPeriod:  20 * time.Millisecond,
			Window:      10 * time.Millisecond,
			LingerTicks: 30,
			Priority: []Mitigation{
				{Bit: "typea:0", GainMW: 3200},
				{Bit: "typec:0", GainMW: 8800},
			},
			ReliefMW: map[string]int32{
				"typea:0": frontHighMW - frontLowMW,
				"typec:0": typeCHighMW - typeCLowMW,
			},
		},
		Rail: Rail{
			CapacityMW:   railMaxMW,
			BaseMW:       baseLoadMW,
			GroupExtraMW: map[string]int32{"front": frontHighMW - frontLowMW},
			Loads: []RailLoad{
				{Name: "usb_a0", MW: frontLowMW, Group: "front", Overcurrent: &Line{Offset: 10, ActiveLow: true}},
				{Name: "usb_a1", MW: frontLowMW, Group: "front", Overcurrent: &Line{Offset: 11, ActiveLow: true}},
				{Name: "usb_a2", MW: rearMW, Overcurrent: &Line{Offset: 12, ActiveLow: true}},
				{Name: "usb_a3", MW: rearMW, Overcurrent: &Line{Offset: 13, ActiveLow: true}},
				{Name: "hdmi0", MW: hdmiMW, Overcurrent: &Line{Offset: 14, ActiveLow: true}},
				{Name: "hdmi1", MW: hdmiMW, Overcurrent: &Line{Offset: 15, ActiveLow: true}},
				{Name: "usb_c0", MW: typeCHighMW, TypeCPort: &typeC0, Overcurrent: &Line{Offset: 16, ActiveLow: true}},
			},
		},
		MQTT: MQTT{
			Broker:      "tcp://localhost:1883",
			ClientID:    "power-arbiter",
			TopicPrefix: "power-arbiter",
			Heartbeat:   15 * time.Minute,
			BufferSize:  100,
		},
		HTTPAddr: ":8080",
	}
}
