package status

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/power-arbiter/internal/monitor"
	"github.com/sweeney/power-arbiter/internal/power"
	"github.com/sweeney/power-arbiter/internal/throttle"
)

var adapter65W = power.Rating{MilliV: 19000, MilliA: 3420}

func TestNewTracker(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{Board: "reference", FastPeriodMs: 2, Broker: "tcp://localhost:1883", HTTPPort: ":8080"}
	tr := NewTracker(start, cfg)

	snap := tr.Snapshot()
	if !snap.StartTime.Equal(start) {
		t.Errorf("StartTime: got %v, want %v", snap.StartTime, start)
	}
	if snap.Config.FastPeriodMs != 2 {
		t.Errorf("Config.FastPeriodMs: got %d, want 2", snap.Config.FastPeriodMs)
	}
	if snap.ActivePort != power.PortNone || snap.ChargePort != power.PortNone {
		t.Errorf("expected no port initially, got active %s charge %s", snap.ActivePort, snap.ChargePort)
	}
	if snap.AdapterKnown {
		t.Error("expected adapter state unknown initially")
	}
	if snap.MQTTConnected {
		t.Error("expected MQTTConnected=false initially")
	}
}

func TestSetActivePortCountsChanges(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})

	tr.SetActivePort(1)
	tr.SetActivePort(1)
	tr.SetActivePort(power.PortNone)
	tr.PortRefused()

	snap := tr.Snapshot()
	if snap.ActivePort != power.PortNone {
		t.Errorf("ActivePort: got %s, want none", snap.ActivePort)
	}
	if snap.Counts.PortChanges != 2 {
		t.Errorf("PortChanges: got %d, want 2", snap.Counts.PortChanges)
	}
	if snap.Counts.PortRefusals != 1 {
		t.Errorf("PortRefusals: got %d, want 1", snap.Counts.PortRefusals)
	}
}

func TestObserve(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	at := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)

	tr.Observe(monitor.Report{
		At:           at,
		System:       power.SystemRunning,
		Supplier:     power.SupplierPD,
		BudgetMilliW: 45000,
		Sample:       monitor.Sample{MilliW: 46000, At: at},
		AvgMilliW:    45000,
		MaxMilliW:    46000,
		Throttle:     throttle.State(0).With(throttle.Prochot).With(throttle.TypeA(0)),
		Changed:      throttle.State(0).With(throttle.Prochot).With(throttle.TypeA(0)),
	})
	tr.Observe(monitor.Report{
		At:       at.Add(2 * time.Millisecond),
		System:   power.SystemRunning,
		Throttle: throttle.State(0).With(throttle.Prochot).With(throttle.TypeA(0)),
		Failed:   throttle.State(0).With(throttle.TypeC(0)),
		Err:      errors.New("read bus voltage"),
	})

	snap := tr.Snapshot()
	if snap.Power.SampleMilliW != 46000 {
		t.Errorf("sample should survive a pass without a reading, got %d", snap.Power.SampleMilliW)
	}
	if snap.Counts.ThrottleChanges != 2 {
		t.Errorf("ThrottleChanges: got %d, want 2", snap.Counts.ThrottleChanges)
	}
	if snap.Counts.ActuationFailures != 1 || snap.Counts.ReadErrors != 1 {
		t.Errorf("unexpected counts: %+v", snap.Counts)
	}
	if !snap.Power.At.Equal(at.Add(2 * time.Millisecond)) {
		t.Errorf("Power.At not updated: %v", snap.Power.At)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	tr.SetCharge(1, power.SupplierDedicated, adapter65W)

	snap := tr.Snapshot()
	tr.SetCharge(power.PortNone, power.SupplierNone, power.Rating{})

	if snap.ChargePort != 1 || snap.ChargeRating != adapter65W {
		t.Error("snapshot should not change after the tracker does")
	}
}

func TestAdapterState(t *testing.T) {
	tests := []struct {
		present, known bool
		want           string
	}{
		{false, false, "UNKNOWN"},
		{true, false, "UNKNOWN"},
		{false, true, "ABSENT"},
		{true, true, "PRESENT"},
	}
	for _, tt := range tests {
		s := Snapshot{AdapterPresent: tt.present, AdapterKnown: tt.known}
		if got := s.AdapterState(); got != tt.want {
			t.Errorf("AdapterState(%v, %v) = %s, want %s", tt.present, tt.known, got, tt.want)
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.SetActivePort(power.Port(j % 2))
				tr.Observe(monitor.Report{Changed: throttle.State(0).With(throttle.Prochot)})
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = FormatJSON(tr.Snapshot())
			}
		}()
	}
	wg.Wait()

	if got := tr.Snapshot().Counts.ThrottleChanges; got != 400 {
		t.Errorf("ThrottleChanges: got %d, want 400", got)
	}
}

func fixedSnapshot() Snapshot {
	start := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	return Snapshot{
		AdapterKnown:   true,
		AdapterPresent: true,
		AdapterRating:  adapter65W,
		ActivePort:     1,
		ChargePort:     1,
		ChargeSupplier: power.SupplierDedicated,
		ChargeRating:   adapter65W,
		System:         power.SystemRunning,
		Power: Power{
			BudgetMilliW: 64980,
			Supplier:     power.SupplierDedicated,
			SampleMilliW: 30000,
			AvgMilliW:    29000,
			MaxMilliW:    31000,
			Throttle:     throttle.State(0).With(throttle.TypeA(0)),
		},
		StartTime: start,
		Now:       start.Add(90*time.Second + 500*time.Millisecond),
		Config: Config{
			Board:        "reference",
			TypeCPorts:   1,
			HasAdapter:   true,
			FastPeriodMs: 2,
			Broker:       "tcp://localhost:1883",
			HTTPPort:     ":8080",
		},
	}
}

func TestFormatJSON(t *testing.T) {
	data := FormatJSON(fixedSnapshot())

	var parsed StatusJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	s := parsed.Status
	if s.Event != "" || s.Reason != "" {
		t.Error("web status should not carry event or reason")
	}
	if s.Adapter.State != "PRESENT" || s.Adapter.MilliV != 19000 || s.Adapter.MilliA != 3420 {
		t.Errorf("unexpected adapter: %+v", s.Adapter)
	}
	if s.ActivePort != "1" || s.Charge.Supplier != "DEDICATED" || s.Charge.MilliW != 64980 {
		t.Errorf("unexpected charge: port %s %+v", s.ActivePort, s.Charge)
	}
	if s.System != "RUNNING" {
		t.Errorf("System: got %s", s.System)
	}
	if len(s.Power.Throttle) != 1 || s.Power.Throttle[0] != "typea:0" {
		t.Errorf("unexpected throttle: %v", s.Power.Throttle)
	}
	if s.UptimeSeconds != 90 {
		t.Errorf("UptimeSeconds: got %d, want 90", s.UptimeSeconds)
	}
	if s.Network != nil {
		t.Error("network should be omitted when unknown")
	}
	if !strings.Contains(string(data), "\n  ") {
		t.Error("web JSON should be indented")
	}
}

func TestFormatJSONEmptyThrottleIsList(t *testing.T) {
	snap := fixedSnapshot()
	snap.Power.Throttle = 0
	if !strings.Contains(string(FormatJSON(snap)), `"throttle": []`) {
		t.Error("throttle should render as an empty list")
	}
}

func TestFormatJSONBoardWithoutAdapter(t *testing.T) {
	snap := fixedSnapshot()
	snap.Config.HasAdapter = false

	var parsed StatusJSON
	if err := json.Unmarshal(FormatJSON(snap), &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.Status.Adapter.State != "NONE" {
		t.Errorf("Adapter.State: got %s, want NONE", parsed.Status.Adapter.State)
	}
}

func TestFormatStatusEvent(t *testing.T) {
	snap := fixedSnapshot()
	snap.Network = &NetworkInfo{Type: "wifi", IP: "192.168.1.42", SSID: "lab"}

	data := FormatStatusEvent(snap, "SHUTDOWN", "SIGTERM")
	if strings.Contains(string(data), "\n") {
		t.Error("event JSON should be compact")
	}

	var parsed StatusJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.Status.Event != "SHUTDOWN" || parsed.Status.Reason != "SIGTERM" {
		t.Errorf("unexpected event/reason: %s/%s", parsed.Status.Event, parsed.Status.Reason)
	}
	if parsed.Status.Network == nil || parsed.Status.Network.SSID != "lab" {
		t.Errorf("unexpected network: %+v", parsed.Status.Network)
	}
}

func TestFormatRating(t *testing.T) {
	tests := []struct {
		r    power.Rating
		want string
	}{
		{adapter65W, "19.00V 3.42A (64.98W)"},
		{power.Rating{MilliV: 5000, MilliA: 1500}, "5.00V 1.50A (7.50W)"},
		{power.Rating{MilliV: 5000}, "-"},
	}
	for _, tt := range tests {
		if got := FormatRating(tt.r); got != tt.want {
			t.Errorf("FormatRating(%+v) = %q, want %q", tt.r, got, tt.want)
		}
	}
}
