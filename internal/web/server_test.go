package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/power-arbiter/internal/logger"
	"github.com/sweeney/power-arbiter/internal/metrics"
	"github.com/sweeney/power-arbiter/internal/monitor"
	"github.com/sweeney/power-arbiter/internal/power"
	"github.com/sweeney/power-arbiter/internal/status"
	"github.com/sweeney/power-arbiter/internal/throttle"
)

func newTestServer(t *testing.T) (*httptest.Server, *status.Tracker) {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := status.Config{
		Board:        "reference",
		TypeCPorts:   1,
		HasAdapter:   true,
		FastPeriodMs: 2,
		SlowPeriodMs: 20,
		WindowMs:     10,
		DebounceMs:   1000,
		HeartbeatMs:  900000,
		Broker:       "tcp://192.168.1.200:1883",
		TopicPrefix:  "power-arbiter",
		HTTPPort:     ":8080",
	}
	tr := status.NewTracker(start, cfg)
	m := metrics.New([]throttle.Bit{throttle.Prochot})
	srv := New(":0", tr, m.Handler(), nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, tr
}

func getJSON(t *testing.T, url string) status.StatusJSON {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return sj
}

func TestJSONEndpoint(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.SetAdapter(true, true, power.Rating{MilliV: 19000, MilliA: 3420})
	tr.SetActivePort(1)
	tr.SetCharge(1, power.SupplierDedicated, power.Rating{MilliV: 19000, MilliA: 3420})
	tr.SetMQTTConnected(true)

	resp, err := http.Get(ts.URL + "/index.json")
	if err != nil {
		t.Fatalf("GET /index.json: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}

	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if sj.Status.Adapter.State != "PRESENT" {
		t.Errorf("Adapter.State: got %q, want PRESENT", sj.Status.Adapter.State)
	}
	if sj.Status.ActivePort != "1" {
		t.Errorf("ActivePort: got %q, want 1", sj.Status.ActivePort)
	}
	if sj.Status.Charge.MilliW != 64980 {
		t.Errorf("Charge.MilliW: got %d, want 64980", sj.Status.Charge.MilliW)
	}
	if !sj.Status.MQTT.Connected {
		t.Error("expected MQTT.Connected=true")
	}
	if sj.Status.Counts.PortChanges != 1 {
		t.Errorf("Counts.PortChanges: got %d, want 1", sj.Status.Counts.PortChanges)
	}
	if sj.Status.Config.FastPeriodMs != 2 {
		t.Errorf("Config.FastPeriodMs: got %d, want 2", sj.Status.Config.FastPeriodMs)
	}
}

func TestJSONUnknownAdapterBeforeDebounce(t *testing.T) {
	ts, _ := newTestServer(t)

	sj := getJSON(t, ts.URL+"/index.json")
	if sj.Status.Adapter.State != "UNKNOWN" {
		t.Errorf("Adapter before debounce: got %q, want UNKNOWN", sj.Status.Adapter.State)
	}
	if sj.Status.ActivePort != "none" {
		t.Errorf("ActivePort: got %q, want none", sj.Status.ActivePort)
	}
}

func TestJSONNetworkInfo(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.SetNetwork(&status.NetworkInfo{
		Type:   "wifi",
		IP:     "192.168.1.42",
		Status: "connected",
		SSID:   "MyNet",
	})

	sj := getJSON(t, ts.URL+"/index.json")
	if sj.Status.Network == nil {
		t.Fatal("expected Network in JSON")
	}
	if sj.Status.Network.IP != "192.168.1.42" {
		t.Errorf("Network.IP: got %q, want 192.168.1.42", sj.Status.Network.IP)
	}
}

func TestMonitorPassReflectedInResponse(t *testing.T) {
	ts, tr := newTestServer(t)

	sj1 := getJSON(t, ts.URL+"/index.json")
	if len(sj1.Status.Power.Throttle) != 0 {
		t.Errorf("expected no throttles initially, got %v", sj1.Status.Power.Throttle)
	}

	now := time.Now()
	tr.Observe(monitor.Report{
		At:           now,
		System:       power.SystemRunning,
		Supplier:     power.SupplierPD,
		BudgetMilliW: 45000,
		Sample:       monitor.Sample{MilliW: 47000, At: now},
		AvgMilliW:    46000,
		MaxMilliW:    47000,
		Throttle:     throttle.State(0).With(throttle.Prochot),
		Changed:      throttle.State(0).With(throttle.Prochot),
	})

	sj2 := getJSON(t, ts.URL+"/index.json")
	if len(sj2.Status.Power.Throttle) != 1 || sj2.Status.Power.Throttle[0] != "prochot" {
		t.Errorf("Throttle: got %v, want [prochot]", sj2.Status.Power.Throttle)
	}
	if sj2.Status.Power.BudgetMW != 45000 || sj2.Status.Power.Supplier != "PD" {
		t.Errorf("unexpected power: %+v", sj2.Status.Power)
	}
	if sj2.Status.Counts.ThrottleChanges != 1 {
		t.Errorf("ThrottleChanges: got %d, want 1", sj2.Status.Counts.ThrottleChanges)
	}
}

func TestHTMLEndpointRoot(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.SetAdapter(true, true, power.Rating{MilliV: 19000, MilliA: 3420})
	tr.Observe(monitor.Report{Throttle: throttle.State(0).With(throttle.TypeA(0))})

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type: got %q, want text/html", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"Power Arbiter: reference", "PRESENT 19.00V 3.42A (64.98W)", "typea:0", `class="throttled"`} {
		if !strings.Contains(string(body), want) {
			t.Errorf("page should contain %q", want)
		}
	}
	if strings.Contains(string(body), "mqtt.min.js") {
		t.Error("live script should be omitted without a websocket broker")
	}
}

func TestHTMLEndpointIndexHTML(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/index.html")
	if err != nil {
		t.Fatalf("GET /index.html: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
}

func TestHTMLLiveScript(t *testing.T) {
	tr := status.NewTracker(time.Now(), status.Config{
		WSBroker:    "ws://192.168.1.200:9001",
		TopicPrefix: "lab",
	})
	rec := httptest.NewRecorder()
	New(":0", tr, nil, nil).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "mqtt.min.js") || !strings.Contains(body, `prefix = "lab"`) {
		t.Error("live script should subscribe under the topic prefix")
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/nonexistent")
	if err != nil {
		t.Fatalf("GET /nonexistent: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `power_arbiter_throttle_active{bit="prochot"} 0`) {
		t.Errorf("metrics should expose throttle gauges:\n%s", body)
	}
}

func TestMetricsDisabled(t *testing.T) {
	tr := status.NewTracker(time.Now(), status.Config{})
	rec := httptest.NewRecorder()
	New(":0", tr, nil, nil).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", rec.Code)
	}
}

func TestLogLevelEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	logger.SetLevel("info")

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/log/level?v=debug", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT /log/level: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status: got %d, want 204", resp.StatusCode)
	}
	if logger.GetLevel() != "debug" {
		t.Errorf("level: got %s, want debug", logger.GetLevel())
	}

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/log/level", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /log/level: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", resp.StatusCode)
	}
}

func TestLoggingHandlerSetsTraceID(t *testing.T) {
	var seen string
	h := LoggingHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}), nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("status: got %d", rec.Code)
	}
	if len(seen) != 32 {
		t.Errorf("trace id should be 32 characters, got %q", seen)
	}
	if TraceID(context.Background()) != "" {
		t.Error("no trace id outside a request")
	}
}
