package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/power-arbiter/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"rating": status.FormatRating,
	"watts": func(mw int32) string {
		return fmt.Sprintf("%.2fW", float64(mw)/1000)
	},
	"budget": func(mw uint32) string {
		if mw == 0 {
			return "not set"
		}
		return fmt.Sprintf("%.2fW", float64(mw)/1000)
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Power Arbiter</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.unknown { color: orange; }
.throttled { color: red; font-weight: bold; }
.connected { color: green; }
.disconnected { color: red; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
</style>
</head>
<body>
<h1>Power Arbiter: {{.Config.Board}}{{if .Config.WSBroker}}<span id="live-dot" class="live-dot pending" title="connecting"></span>{{end}}</h1>

<h2>Charging</h2>
<table>
<tr><th>Active port</th><td id="active-port">{{.ActivePort}}</td></tr>
<tr><th>Supplier</th><td id="charge-supplier">{{.ChargeSupplier}}</td></tr>
<tr><th>Rating</th><td id="charge-rating">{{rating .ChargeRating}}</td></tr>
{{if .Config.HasAdapter}}<tr><th>Adapter</th><td class="{{if eq .AdapterState "PRESENT"}}on{{else if eq .AdapterState "ABSENT"}}off{{else}}unknown{{end}}">{{.AdapterState}}{{if eq .AdapterState "PRESENT"}} {{rating .AdapterRating}}{{end}}</td></tr>{{end}}
<tr><th>Host</th><td>{{.System}}</td></tr>
</table>

<h2>Power</h2>
<table>
<tr><th>Budget</th><td>{{budget .Power.BudgetMilliW}}</td></tr>
<tr><th>Reading</th><td>{{watts .Power.SampleMilliW}}</td></tr>
<tr><th>Average / peak</th><td>{{watts .Power.AvgMilliW}} / {{watts .Power.MaxMilliW}}</td></tr>
<tr><th>Rail headroom</th><td>{{watts .Power.HeadroomMilliW}}</td></tr>
<tr><th>Throttles</th><td id="throttle" class="{{if .Throttled}}throttled{{else}}off{{end}}">{{.Power.Throttle}}</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>Event Counts</h2>
<table>
<tr><th>Port changes</th><td>{{.Counts.PortChanges}}</td></tr>
<tr><th>Port refusals</th><td>{{.Counts.PortRefusals}}</td></tr>
<tr><th>Throttle changes</th><td>{{.Counts.ThrottleChanges}}</td></tr>
<tr><th>Actuation failures</th><td>{{.Counts.ActuationFailures}}</td></tr>
<tr><th>Read errors</th><td>{{.Counts.ReadErrors}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Ports</th><td>{{.Config.TypeCPorts}} Type-C{{if .Config.HasAdapter}} + adapter{{end}}</td></tr>
<tr><th>Monitor</th><td>{{.Config.FastPeriodMs}}ms / {{.Config.SlowPeriodMs}}ms, window {{.Config.WindowMs}}ms</td></tr>
<tr><th>Debounce</th><td>{{.Config.DebounceMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPPort}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/metrics">metrics</a></p>
{{if .Config.WSBroker}}
<script src="/mqtt.min.js"></script>
<script>
(function() {
  var broker = "{{.Config.WSBroker}}";
  var prefix = "{{.Config.TopicPrefix}}";
  var dot = document.getElementById("live-dot");
  var portEl = document.getElementById("active-port");
  var supplierEl = document.getElementById("charge-supplier");
  var throttleEl = document.getElementById("throttle");

  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }

  var client = mqtt.connect(broker, { reconnectPeriod: 5000 });

  client.on("connect", function() {
    setDot("ok", "live");
    client.subscribe([prefix + "/port", prefix + "/charge", prefix + "/throttle"]);
  });

  client.on("reconnect", function() {
    setDot("pending", "reconnecting");
  });

  client.on("offline", function() {
    setDot("err", "offline");
  });

  client.on("error", function() {
    setDot("err", "error");
  });

  client.on("message", function(t, payload) {
    try {
      var msg = JSON.parse(payload.toString());
      if (msg.port) {
        portEl.textContent = msg.port.to;
      }
      if (msg.charge) {
        supplierEl.textContent = msg.charge.supplier;
      }
      if (msg.throttle) {
        var active = msg.throttle.active;
        throttleEl.textContent = active.length ? active.join(",") : "none";
        throttleEl.className = active.length ? "throttled" : "off";
      }
    } catch (e) {}
  });
})();
</script>
{{end}}
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// The template needs Uptime as a field, not a method.
	data := struct {
		status.Snapshot
		Uptime    time.Duration
		Throttled bool
	}{
		Snapshot:  snap,
		Uptime:    snap.Uptime(),
		Throttled: !snap.Power.Throttle.Empty(),
	}
	indexTmpl.Execute(w, data)
}
