package event

import (
	"context"
	"log/slog"
	"sync"

	"github.com/convoq-io/convoq/pkg/protocol"
)

const defaultSubscriberBuffer = 64

// Bus is an in-process event fan-out for collaborators running inside the
// daemon (API streaming, tests, local webhooks). Delivery is non-blocking:
// a subscriber that stops draining loses events rather than stalling the
// assignment path.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan protocol.Event
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string]chan protocol.Event),
		logger: logger,
	}
}

// Subscribe registers a named subscriber and returns its channel. A second
// subscribe under the same name replaces (and closes) the previous channel.
func (b *Bus) Subscribe(name string) <-chan protocol.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subs[name]; ok {
		close(old)
	}
	ch := make(chan protocol.Event, defaultSubscriberBuffer)
	b.subs[name] = ch
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[name]; ok {
		close(ch)
		delete(b.subs, name)
	}
}

// Publish delivers the event to every subscriber.
func (b *Bus) Publish(_ context.Context, ev protocol.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for name, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("subscriber full, dropping event",
				"subscriber", name, "type", ev.Type, "conversation", ev.ConversationID)
		}
	}
	return nil
}
