package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// ErrTimeout is returned when the broker does not acknowledge in time.
var ErrTimeout = errors.New("mqtt: timeout")

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// Options configures a RealPublisher.
type Options struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	// BufferSize is the number of messages kept while disconnected.
	BufferSize int
	// Will is published retained on the system topic if the connection
	// drops without a clean disconnect.
	Will []byte
	// OnReconnect runs on the client's goroutine after a reconnection.
	OnReconnect func()
	Log         *zap.Logger
}

// RealPublisher publishes to an actual MQTT broker. Messages published while
// the connection is down are buffered and replayed on reconnection.
type RealPublisher struct {
	client paho.Client
	prefix string
	log    *zap.Logger

	mu     sync.Mutex
	buffer *offlineBuffer
	subs   map[string]paho.MessageHandler

	connects    atomic.Int32
	onReconnect func()
}

// NewRealPublisher creates a publisher and starts connecting to the broker.
// A broker that is down at startup is not an error; the client keeps
// retrying and buffers meanwhile.
func NewRealPublisher(o Options) (*RealPublisher, error) {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	p := &RealPublisher{
		prefix:      o.TopicPrefix,
		log:         o.Log,
		buffer:      newOfflineBuffer(o.BufferSize, o.Log),
		subs:        map[string]paho.MessageHandler{},
		onReconnect: o.OnReconnect,
	}

	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			p.log.Warn("mqtt connection lost", zap.Error(err))
		})
	if o.Will != nil {
		opts.SetWill(Topic(o.TopicPrefix, TopicSystem), string(o.Will), 1, true)
	}

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		p.log.Warn("mqtt broker not reachable yet, buffering", zap.String("broker", o.Broker))
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

func (p *RealPublisher) onConnect(c paho.Client) {
	n := p.connects.Add(1)
	p.log.Info("mqtt connected", zap.Int32("connects", n))

	p.mu.Lock()
	pending := p.buffer.drainAll()
	subs := make(map[string]paho.MessageHandler, len(p.subs))
	for t, h := range p.subs {
		subs[t] = h
	}
	p.mu.Unlock()

	for topic, h := range subs {
		c.Subscribe(topic, 1, h)
	}
	if len(pending) > 0 {
		p.log.Info("replaying buffered messages", zap.Int("count", len(pending)))
	}
	for _, m := range pending {
		c.Publish(m.topic, m.qos, m.retained, m.payload)
	}
	if n > 1 && p.onReconnect != nil {
		p.onReconnect()
	}
}

// IsConnected reports whether the connection to the broker is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

func (p *RealPublisher) publish(topic string, qos byte, retained bool, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		p.mu.Lock()
		p.buffer.push(bufferedMsg{topic: topic, payload: payload, qos: qos, retained: retained})
		p.mu.Unlock()
		return nil
	}
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: %w", topic, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// PublishCharge sends a charge selection change.
func (p *RealPublisher) PublishCharge(event ChargeEvent) error {
	payload, err := FormatChargePayload(event)
	if err != nil {
		return fmt.Errorf("format charge payload: %w", err)
	}
	return p.publish(Topic(p.prefix, TopicCharge), 1, true, payload)
}

// PublishPort sends an arbiter decision.
func (p *RealPublisher) PublishPort(event PortEvent) error {
	payload, err := FormatPortPayload(event)
	if err != nil {
		return fmt.Errorf("format port payload: %w", err)
	}
	return p.publish(Topic(p.prefix, TopicPort), 1, true, payload)
}

// PublishThrottle sends a throttle transition. QoS 0: the next transition
// supersedes it.
func (p *RealPublisher) PublishThrottle(event ThrottleEvent) error {
	payload, err := FormatThrottlePayload(event)
	if err != nil {
		return fmt.Errorf("format throttle payload: %w", err)
	}
	return p.publish(Topic(p.prefix, TopicThrottle), 0, false, payload)
}

// PublishSystem sends a lifecycle event.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.publish(Topic(p.prefix, TopicSystem), 1, event.Retained, payload)
}

// Send publishes a raw message at QoS 1.
func (p *RealPublisher) Send(topic string, payload []byte, retained bool) error {
	return p.publish(topic, 1, retained, payload)
}

// Subscribe registers handler for topic. Subscriptions are renewed on every
// reconnection.
func (p *RealPublisher) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	h := func(_ paho.Client, m paho.Message) {
		handler(m.Topic(), m.Payload())
	}
	p.mu.Lock()
	p.subs[topic] = h
	p.mu.Unlock()

	if !p.client.IsConnectionOpen() {
		return nil
	}
	token := p.client.Subscribe(topic, 1, h)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe %s: %w", topic, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// Buffered returns the number of messages waiting for a connection.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffer.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}
