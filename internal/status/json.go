package status

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sweeney/power-arbiter/internal/power"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Adapter       AdapterJSON  `json:"adapter"`
	ActivePort    string       `json:"active_port"`
	Charge        ChargeJSON   `json:"charge"`
	System        string       `json:"system"`
	Power         PowerJSON    `json:"power"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Counts        CountsJSON   `json:"event_counts"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// AdapterJSON reports the dedicated adapter slot.
type AdapterJSON struct {
	State  string `json:"state"`
	MilliV uint32 `json:"voltage_mv"`
	MilliA uint32 `json:"current_ma"`
}

// ChargeJSON reports the input selected for charging.
type ChargeJSON struct {
	Port     string `json:"port"`
	Supplier string `json:"supplier"`
	MilliV   uint32 `json:"voltage_mv"`
	MilliA   uint32 `json:"current_ma"`
	MilliW   uint32 `json:"power_mw"`
}

// PowerJSON reports the last monitor pass.
type PowerJSON struct {
	Updated    string   `json:"updated,omitempty"`
	BudgetMW   uint32   `json:"budget_mw"`
	Supplier   string   `json:"supplier"`
	SampleMW   int32    `json:"sample_mw"`
	AvgMW      int32    `json:"avg_mw"`
	MaxMW      int32    `json:"max_mw"`
	HeadroomMW int32    `json:"rail_headroom_mw"`
	Throttle   []string `json:"throttle"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of event counts.
type CountsJSON struct {
	PortChanges       int `json:"port_changes"`
	PortRefusals      int `json:"port_refusals"`
	ThrottleChanges   int `json:"throttle_changes"`
	ActuationFailures int `json:"actuation_failures"`
	ReadErrors        int `json:"read_errors"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	Board        string `json:"board"`
	TypeCPorts   int    `json:"typec_ports"`
	HasAdapter   bool   `json:"has_adapter"`
	FastPeriodMs int64  `json:"fast_period_ms"`
	SlowPeriodMs int64  `json:"slow_period_ms"`
	WindowMs     int64  `json:"window_ms"`
	DebounceMs   int64  `json:"debounce_ms"`
	HeartbeatMs  int64  `json:"heartbeat_ms"`
	Broker       string `json:"broker"`
	HTTPPort     string `json:"http_port"`
	WSBroker     string `json:"ws_broker,omitempty"`
}

// AdapterState returns PRESENT, ABSENT or UNKNOWN.
func (s Snapshot) AdapterState() string {
	switch {
	case !s.AdapterKnown:
		return "UNKNOWN"
	case s.AdapterPresent:
		return "PRESENT"
	default:
		return "ABSENT"
	}
}

func buildInner(snap Snapshot) StatusInner {
	throttles := snap.Power.Throttle.Names()
	if throttles == nil {
		throttles = []string{}
	}
	var updated string
	if !snap.Power.At.IsZero() {
		updated = snap.Power.At.UTC().Format(time.RFC3339)
	}

	inner := StatusInner{
		Adapter:    AdapterJSON{State: snap.AdapterState()},
		ActivePort: snap.ActivePort.String(),
		Charge: ChargeJSON{
			Port:     snap.ChargePort.String(),
			Supplier: snap.ChargeSupplier.String(),
			MilliV:   snap.ChargeRating.MilliV,
			MilliA:   snap.ChargeRating.MilliA,
			MilliW:   snap.ChargeRating.MilliW(),
		},
		System: snap.System.String(),
		Power: PowerJSON{
			Updated:    updated,
			BudgetMW:   snap.Power.BudgetMilliW,
			Supplier:   snap.Power.Supplier.String(),
			SampleMW:   snap.Power.SampleMilliW,
			AvgMW:      snap.Power.AvgMilliW,
			MaxMW:      snap.Power.MaxMilliW,
			HeadroomMW: snap.Power.HeadroomMilliW,
			Throttle:   throttles,
		},
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			PortChanges:       snap.Counts.PortChanges,
			PortRefusals:      snap.Counts.PortRefusals,
			ThrottleChanges:   snap.Counts.ThrottleChanges,
			ActuationFailures: snap.Counts.ActuationFailures,
			ReadErrors:        snap.Counts.ReadErrors,
		},
		Config: ConfigJSON{
			Board:        snap.Config.Board,
			TypeCPorts:   snap.Config.TypeCPorts,
			HasAdapter:   snap.Config.HasAdapter,
			FastPeriodMs: snap.Config.FastPeriodMs,
			SlowPeriodMs: snap.Config.SlowPeriodMs,
			WindowMs:     snap.Config.WindowMs,
			DebounceMs:   snap.Config.DebounceMs,
			HeartbeatMs:  snap.Config.HeartbeatMs,
			Broker:       snap.Config.Broker,
			HTTPPort:     snap.Config.HTTPPort,
			WSBroker:     snap.Config.WSBroker,
		},
	}
	if snap.AdapterKnown && snap.AdapterPresent {
		inner.Adapter.MilliV = snap.AdapterRating.MilliV
		inner.Adapter.MilliA = snap.AdapterRating.MilliA
	}
	if !snap.Config.HasAdapter {
		inner.Adapter.State = "NONE"
	}
	return inner
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}

// FormatRating renders a rating as "19.00V 3.42A (64.98W)".
func FormatRating(r power.Rating) string {
	if r.IsZero() {
		return "-"
	}
	return formatMilli(r.MilliV) + "V " + formatMilli(r.MilliA) + "A (" + formatMilli(r.MilliW()) + "W)"
}

func formatMilli(v uint32) string {
	return fmt.Sprintf("%d.%02d", v/1000, (v%1000)/10)
}
