package mqtt

import (
	"strings"
	"sync"
)

// Message is a raw message recorded by FakePublisher.Send.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// FakePublisher records published events for test assertions. Read the
// fields only once publishing has stopped.
type FakePublisher struct {
	mu sync.Mutex

	ChargeEvents   []ChargeEvent
	PortEvents     []PortEvent
	ThrottleEvents []ThrottleEvent
	SystemEvents   []SystemEvent

	// Payloads holds every formatted event payload in publish order.
	Payloads [][]byte

	// Sent holds raw messages from Send.
	Sent []Message

	// PublishError, if set, is returned by every publish and Send.
	PublishError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool

	handlers map[string]func(topic string, payload []byte)
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{handlers: map[string]func(string, []byte){}}
}

func (f *FakePublisher) record(payload []byte, err error, add func()) error {
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	add()
	f.Payloads = append(f.Payloads, payload)
	return nil
}

// PublishCharge records the charge event.
func (f *FakePublisher) PublishCharge(event ChargeEvent) error {
	payload, err := FormatChargePayload(event)
	return f.record(payload, err, func() { f.ChargeEvents = append(f.ChargeEvents, event) })
}

// PublishPort records the port event.
func (f *FakePublisher) PublishPort(event PortEvent) error {
	payload, err := FormatPortPayload(event)
	return f.record(payload, err, func() { f.PortEvents = append(f.PortEvents, event) })
}

// PublishThrottle records the throttle event.
func (f *FakePublisher) PublishThrottle(event ThrottleEvent) error {
	payload, err := FormatThrottlePayload(event)
	return f.record(payload, err, func() { f.ThrottleEvents = append(f.ThrottleEvents, event) })
}

// PublishSystem records the system event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	return f.record(payload, err, func() { f.SystemEvents = append(f.SystemEvents, event) })
}

// Send records a raw message.
func (f *FakePublisher) Send(topic string, payload []byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Sent = append(f.Sent, Message{Topic: topic, Payload: payload, Retained: retained})
	return nil
}

// Subscribe registers handler for an exact topic or a single-level
// wildcard filter.
func (f *FakePublisher) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

// Deliver feeds an incoming message to every matching subscription.
func (f *FakePublisher) Deliver(topic string, payload []byte) {
	f.mu.Lock()
	var hs []func(string, []byte)
	for filter, h := range f.handlers {
		if topicMatches(filter, topic) {
			hs = append(hs, h)
		}
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(topic, payload)
	}
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// Reset clears recorded events.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ChargeEvents = nil
	f.PortEvents = nil
	f.ThrottleEvents = nil
	f.SystemEvents = nil
	f.Payloads = nil
	f.Sent = nil
	f.Closed = false
	f.PublishError = nil
	f.Connected = false
}

// topicMatches implements the MQTT "+" and "#" filter rules.
func topicMatches(filter, topic string) bool {
	for {
		fh, frest, fmore := strings.Cut(filter, "/")
		th, trest, tmore := strings.Cut(topic, "/")
		switch {
		case fh == "#":
			return true
		case fh != "+" && fh != th:
			return false
		case !fmore || !tmore:
			return fmore == tmore
		}
		filter, topic = frest, trest
	}
}
