package pd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
)

// Transport carries PD state reports in and commands out.
type Transport interface {
	Send(topic string, payload []byte, retained bool) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
}

// Command is the payload published to a port's command topic.
type Command struct {
	Cmd    string `json:"cmd"` // "sink", "rp" or "renegotiate"
	Enable *bool  `json:"enable,omitempty"`
	Rp     string `json:"rp,omitempty"`
}

// Remote tracks the PD stack's per-port reports and forwards commands to it.
// Reports arrive on <prefix>/typec/<port>/state; commands go to
// <prefix>/typec/<port>/command.
type Remote struct {
	tr      Transport
	prefix  string
	ports   []atomic.Pointer[PortState]
	changed atomic.Uint32
	notify  func()
	log     *zap.Logger
}

// NewRemote creates a controller for ports Type-C ports.
func NewRemote(tr Transport, prefix string, ports int, log *zap.Logger) *Remote {
	if ports > 32 {
		ports = 32
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Remote{
		tr:     tr,
		prefix: strings.TrimSuffix(prefix, "/"),
		ports:  make([]atomic.Pointer[PortState], ports),
		log:    log,
	}
	for i := range r.ports {
		r.ports[i].Store(&PortState{})
	}
	return r
}

// Start subscribes to state reports. notify runs on the transport's goroutine
// after each accepted report and must only schedule work.
func (r *Remote) Start(notify func()) error {
	r.notify = notify
	return r.tr.Subscribe(r.prefix+"/typec/+/state", r.handleState)
}

func (r *Remote) handleState(topic string, payload []byte) {
	port, ok := r.portFromTopic(topic)
	if !ok {
		r.log.Warn("pd state on unexpected topic", zap.String("topic", topic))
		return
	}
	var st PortState
	if err := json.Unmarshal(payload, &st); err != nil {
		r.log.Warn("bad pd state payload", zap.Int("port", port), zap.Error(err))
		return
	}
	r.ports[port].Store(&st)
	for {
		old := r.changed.Load()
		if r.changed.CompareAndSwap(old, old|1<<uint(port)) {
			break
		}
	}
	if r.notify != nil {
		r.notify()
	}
}

func (r *Remote) portFromTopic(topic string) (int, bool) {
	rest, ok := strings.CutPrefix(topic, r.prefix+"/typec/")
	if !ok {
		return 0, false
	}
	idx, _, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, false
	}
	port, err := strconv.Atoi(idx)
	if err != nil || port < 0 || port >= len(r.ports) {
		return 0, false
	}
	return port, true
}

// TakeChanged returns the ports reported since the last call and clears the
// set.
func (r *Remote) TakeChanged() []int {
	mask := r.changed.Swap(0)
	var out []int
	for p := 0; p < len(r.ports); p++ {
		if mask&(1<<uint(p)) != 0 {
			out = append(out, p)
		}
	}
	return out
}

// State returns the last report for port.
func (r *Remote) State(port int) (PortState, bool) {
	if port < 0 || port >= len(r.ports) {
		return PortState{}, false
	}
	return *r.ports[port].Load(), true
}

// IsSourcing reports whether port is supplying VBUS.
func (r *Remote) IsSourcing(port int) bool {
	st, ok := r.State(port)
	return ok && st.Sourcing
}

// IsSinking reports whether port's sink path is enabled.
func (r *Remote) IsSinking(port int) bool {
	st, ok := r.State(port)
	return ok && st.Sinking
}

// EnableSink commands the port's sink path. The local view is updated at
// once; the stack's next report replaces it.
func (r *Remote) EnableSink(port int, on bool) error {
	if port < 0 || port >= len(r.ports) {
		return ErrNoPort
	}
	if err := r.send(port, Command{Cmd: "sink", Enable: &on}); err != nil {
		return err
	}
	// A report may land between load and store; retry on top of it.
	for {
		old := r.ports[port].Load()
		st := *old
		st.Sinking = on
		if r.ports[port].CompareAndSwap(old, &st) {
			return nil
		}
	}
}

// SetSourceCurrent commands the port's Rp advertisement.
func (r *Remote) SetSourceCurrent(port int, rp RpLevel) error {
	if port < 0 || port >= len(r.ports) {
		return ErrNoPort
	}
	return r.send(port, Command{Cmd: "rp", Rp: rp.String()})
}

// RenegotiateContract asks the stack to re-send source capabilities.
func (r *Remote) RenegotiateContract(port int) error {
	if port < 0 || port >= len(r.ports) {
		return ErrNoPort
	}
	return r.send(port, Command{Cmd: "renegotiate"})
}

func (r *Remote) send(port int, cmd Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode pd command: %w", err)
	}
	topic := r.prefix + "/typec/" + strconv.Itoa(port) + "/command"
	if err := r.tr.Send(topic, payload, false); err != nil {
		return fmt.Errorf("send pd %s to port %d: %w", cmd.Cmd, port, err)
	}
	return nil
}
