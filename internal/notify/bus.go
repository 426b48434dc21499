// Package notify implements the synchronous link event bus.
package notify

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rmacdonaldsmith/topolink/pkg/link"
)

var (
	// ErrNilObserver is returned when a nil observer is subscribed
	ErrNilObserver = errors.New("observer cannot be nil")
	// ErrClosed is returned when subscribing to a closed bus
	ErrClosed = errors.New("bus closed")
)

// Bus delivers link events to observers synchronously, in registration order.
// An observer that fails or panics is logged and skipped; the remaining
// observers still receive the event. It is safe for concurrent use.
type Bus struct {
	mu        sync.RWMutex
	observers []*Subscription
	nextID    uint64
	closed    bool
	logger    *slog.Logger
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id       uint64
	bus      *Bus
	observer link.Observer
}

// NewBus creates an empty bus. A nil logger discards bus diagnostics.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{
		logger: logger.With("component", "notify"),
	}
}

// Subscribe registers an observer. Observers registered earlier are called first.
func (b *Bus) Subscribe(observer link.Observer) (*Subscription, error) {
	if observer == nil {
		return nil, ErrNilObserver
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	b.nextID++
	sub := &Subscription{id: b.nextID, bus: b, observer: observer}
	b.observers = append(b.observers, sub)
	return sub, nil
}

// SubscribeFunc registers a function observer.
func (b *Bus) SubscribeFunc(fn func(ev link.Event) error) (*Subscription, error) {
	if fn == nil {
		return nil, ErrNilObserver
	}
	return b.Subscribe(link.ObserverFunc(fn))
}

// Unsubscribe removes the observer from its bus. Calling it twice is harmless.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.id)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.observers {
		if sub.id == id {
			b.observers = append(b.observers[:i:i], b.observers[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every observer registered at the time of the call.
// Observers may subscribe or unsubscribe from within their handler; changes
// take effect for the next event.
func (b *Bus) Publish(ev link.Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	snapshot := make([]*Subscription, len(b.observers))
	copy(snapshot, b.observers)
	b.mu.RUnlock()

	for _, sub := range snapshot {
		if err := b.deliver(sub, ev); err != nil {
			b.logger.Warn("observer failed",
				"subscription", sub.id,
				"event", string(ev.Kind),
				"link_id", ev.LinkID,
				"error", err)
		}
	}
}

// deliver calls one observer, turning a panic into an error.
func (b *Bus) deliver(sub *Subscription, ev link.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	return sub.observer.HandleLinkEvent(ev)
}

// Len returns the number of registered observers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers)
}

// Close drops all observers. Publishing on a closed bus is a no-op.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.observers = nil
	return nil
}

var _ link.Notifier = (*Bus)(nil)
