// Package mqtt publishes charge, port, throttle and lifecycle events and
// carries the PD stack link.
package mqtt

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/sweeney/power-arbiter/internal/power"
	"github.com/sweeney/power-arbiter/internal/throttle"
)

// Topic suffixes under the configured prefix.
const (
	TopicCharge   = "charge"
	TopicPort     = "port"
	TopicThrottle = "throttle"
	TopicSystem   = "system"
)

// Topic joins prefix and suffix.
func Topic(prefix, suffix string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + suffix
}

// Publisher publishes events to MQTT. Errors never stop the daemon.
type Publisher interface {
	PublishCharge(event ChargeEvent) error
	PublishPort(event PortEvent) error
	PublishThrottle(event ThrottleEvent) error
	PublishSystem(event SystemEvent) error

	// Send and Subscribe carry raw topics for the PD stack link.
	Send(topic string, payload []byte, retained bool) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// ChargeEvent is a change of the input charging the system.
type ChargeEvent struct {
	Timestamp time.Time
	Port      power.Port
	Supplier  power.Supplier
	Rating    power.Rating
}

// PortEvent is an arbiter decision.
type PortEvent struct {
	Timestamp time.Time
	From      power.Port
	To        power.Port
}

// ThrottleEvent is a monitor pass that changed or failed to change a
// throttle.
type ThrottleEvent struct {
	Timestamp    time.Time
	State        throttle.State
	Changed      throttle.State
	Failed       throttle.State
	Supplier     power.Supplier
	BudgetMilliW uint32
	AvgMilliW    int32
	MaxMilliW    int32
}

// SystemEvent is a lifecycle event (STARTUP, SHUTDOWN, HEARTBEAT,
// RECONNECTED).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string
	Reason     string // SHUTDOWN only
	RawPayload []byte // pre-formatted payload, returned as is
	Retained   bool
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ChargePayload is the message on the charge topic.
type ChargePayload struct {
	Charge ChargePayloadInner `json:"charge"`
}

// ChargePayloadInner contains the selection details.
type ChargePayloadInner struct {
	Timestamp string `json:"timestamp"`
	Port      string `json:"port"`
	Supplier  string `json:"supplier"`
	MilliV    uint32 `json:"voltage_mv"`
	MilliA    uint32 `json:"current_ma"`
	MilliW    uint32 `json:"power_mw"`
}

// FormatChargePayload creates the JSON payload for a charge event.
func FormatChargePayload(event ChargeEvent) ([]byte, error) {
	return json.Marshal(ChargePayload{Charge: ChargePayloadInner{
		Timestamp: timestamp(event.Timestamp),
		Port:      event.Port.String(),
		Supplier:  event.Supplier.String(),
		MilliV:    event.Rating.MilliV,
		MilliA:    event.Rating.MilliA,
		MilliW:    event.Rating.MilliW(),
	}})
}

// PortPayload is the message on the port topic.
type PortPayload struct {
	Port PortPayloadInner `json:"port"`
}

// PortPayloadInner contains the arbiter decision.
type PortPayloadInner struct {
	Timestamp string `json:"timestamp"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// FormatPortPayload creates the JSON payload for a port event.
func FormatPortPayload(event PortEvent) ([]byte, error) {
	return json.Marshal(PortPayload{Port: PortPayloadInner{
		Timestamp: timestamp(event.Timestamp),
		From:      event.From.String(),
		To:        event.To.String(),
	}})
}

// ThrottlePayload is the message on the throttle topic.
type ThrottlePayload struct {
	Throttle ThrottlePayloadInner `json:"throttle"`
}

// ThrottlePayloadInner contains the throttle transition.
type ThrottlePayloadInner struct {
	Timestamp string   `json:"timestamp"`
	Active    []string `json:"active"`
	Changed   []string `json:"changed"`
	Failed    []string `json:"failed,omitempty"`
	Supplier  string   `json:"supplier"`
	BudgetMW  uint32   `json:"budget_mw"`
	AvgMW     int32    `json:"avg_mw"`
	MaxMW     int32    `json:"max_mw"`
}

// FormatThrottlePayload creates the JSON payload for a throttle event.
func FormatThrottlePayload(event ThrottleEvent) ([]byte, error) {
	active := event.State.Names()
	if active == nil {
		active = []string{}
	}
	changed := event.Changed.Names()
	if changed == nil {
		changed = []string{}
	}
	return json.Marshal(ThrottlePayload{Throttle: ThrottlePayloadInner{
		Timestamp: timestamp(event.Timestamp),
		Active:    active,
		Changed:   changed,
		Failed:    event.Failed.Names(),
		Supplier:  event.Supplier.String(),
		BudgetMW:  event.BudgetMilliW,
		AvgMW:     event.AvgMilliW,
		MaxMW:     event.MaxMilliW,
	}})
}

// SystemPayload is the message for simple lifecycle events (LWT,
// RECONNECTED) that carry no status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}
	return json.Marshal(SystemPayload{System: SystemPayloadInner{
		Timestamp: timestamp(event.Timestamp),
		Event:     event.Event,
		Reason:    event.Reason,
	}})
}
