package mqtt

import "go.uber.org/zap"

// bufferedMsg is a serialized message waiting for the broker.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// offlineBuffer holds messages published while the broker is unreachable.
// A retained message is state, so a newer one replaces any queued message
// on the same topic. Everything else is kept in order up to capacity, the
// oldest dropped first. The caller synchronizes.
type offlineBuffer struct {
	capacity int
	msgs     []bufferedMsg
	full     bool // warned since the last drain
	dropped  uint64
	log      *zap.Logger
}

func newOfflineBuffer(capacity int, log *zap.Logger) *offlineBuffer {
	if capacity < 1 {
		capacity = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &offlineBuffer{capacity: capacity, log: log}
}

func (b *offlineBuffer) push(msg bufferedMsg) {
	if msg.retained {
		for i, m := range b.msgs {
			if m.retained && m.topic == msg.topic {
				b.msgs = append(b.msgs[:i], b.msgs[i+1:]...)
				break
			}
		}
	}
	b.msgs = append(b.msgs, msg)
	if len(b.msgs) <= b.capacity {
		return
	}
	if !b.full {
		b.log.Warn("mqtt offline buffer full, dropping oldest", zap.Int("capacity", b.capacity))
		b.full = true
	}
	b.msgs = append(b.msgs[:0], b.msgs[1:]...)
	b.dropped++
}

// drainAll returns the queued messages in publish order and empties the
// buffer.
func (b *offlineBuffer) drainAll() []bufferedMsg {
	if len(b.msgs) == 0 {
		return nil
	}
	out := b.msgs
	b.msgs = nil
	b.full = false
	return out
}

func (b *offlineBuffer) len() int { return len(b.msgs) }
