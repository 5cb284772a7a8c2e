package events

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type Kind string

const (
	BatchCreated      Kind = "batch.created"
	DispatchDrafted   Kind = "dispatch.drafted"
	DispatchConfirmed Kind = "dispatch.confirmed"
	DispatchCancelled Kind = "dispatch.cancelled"
	SlipFinalized     Kind = "packing_slip.finalized"
	AdjustmentApplied Kind = "stock.adjustment_applied"
)

// Event is published after a lifecycle transition has been persisted.
type Event struct {
	Kind       Kind
	Location   string
	EntityType string
	EntityID   string
	Actor      string
	Detail     string
	At         time.Time
}

type Handler func(ctx context.Context, event Event) error

// Bus fans events out to subscribers synchronously, in subscription order.
// A failing subscriber is logged and does not stop the others.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
	all      []Handler
	log      logrus.FieldLogger
}

func NewBus(log logrus.FieldLogger) *Bus {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bus{
		handlers: make(map[Kind][]Handler),
		log:      log.WithField("component", "events"),
	}
}

func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// SubscribeAll registers h for every kind.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

func (b *Bus) Publish(ctx context.Context, event Event) {
	if b == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Kind])+len(b.all))
	handlers = append(handlers, b.handlers[event.Kind]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			b.log.WithFields(logrus.Fields{
				"kind":      event.Kind,
				"entity_id": event.EntityID,
			}).WithError(err).Warn("event subscriber failed")
		}
	}
}
