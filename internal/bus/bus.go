// Package bus is the in-process pipe between channel adapters and the relay
// loop: one buffered inbound stream on the consume side, per-channel reply
// handlers on the send side.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"notebot/internal/domain"
)

// How long Publish back-pressures on a full buffer before giving up. The
// relay drains with bounded concurrency, so a stall this long means the
// remote note service is down, not that the relay is merely busy.
const inboundWait = 10 * time.Second

// InMemoryBus implements domain.MessageBus over a buffered Go channel. The
// relay loop is the only subscriber; channel adapters publish into it and
// each registers one reply handler.
type InMemoryBus struct {
	inbound chan domain.InboundMessage
	replyTo map[string]func(domain.OutboundMessage)
	mu      sync.RWMutex
	closed  bool
	logger  *slog.Logger
}

func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &InMemoryBus{
		inbound: make(chan domain.InboundMessage, bufferSize),
		replyTo: make(map[string]func(domain.OutboundMessage)),
		logger:  logger,
	}
}

// Publish queues one inbound message for the relay loop. A full buffer
// blocks the publishing adapter for up to inboundWait; only after that is
// the message dropped. Slowing down a poll loop beats losing input.
func (b *InMemoryBus) Publish(msg domain.InboundMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("inbound message after close, dropping", "channel", msg.Channel)
		return
	}

	select {
	case b.inbound <- msg:
		return
	default:
	}

	b.logger.Warn("inbound buffer full, blocking publisher",
		"channel", msg.Channel,
		"sender", msg.SenderID,
	)

	timer := time.NewTimer(inboundWait)
	defer timer.Stop()
	select {
	case b.inbound <- msg:
	case <-timer.C:
		b.logger.Error("inbound message dropped, relay stalled",
			"channel", msg.Channel,
			"sender", msg.SenderID,
			"waited", inboundWait,
		)
	}
}

// Subscribe returns the inbound stream. Close terminates it.
func (b *InMemoryBus) Subscribe() <-chan domain.InboundMessage {
	return b.inbound
}

// SendOutbound routes a reply to the handler of its originating channel.
// Replies for a channel that never registered are dropped with a warning.
func (b *InMemoryBus) SendOutbound(msg domain.OutboundMessage) {
	b.mu.RLock()
	handler, ok := b.replyTo[msg.Channel]
	b.mu.RUnlock()

	if !ok {
		b.logger.Warn("reply for unregistered channel dropped", "channel", msg.Channel)
		return
	}
	handler(msg)
}

// OnOutbound registers the reply handler for one channel, replacing any
// previous one.
func (b *InMemoryBus) OnOutbound(channelName string, handler func(domain.OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replyTo[channelName] = handler
}

// Close ends the inbound stream. Idempotent; publishes after Close are
// dropped.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
