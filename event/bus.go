package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/automation/internal/logger"
	"github.com/liamcoop/automation/metrics"
)

// Handler consumes published events.
type Handler interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event) error

func (f HandlerFunc) HandleEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Bus delivers every published event to every subscriber, in subscription
// order. There is no type-based routing: subscribers filter for themselves.
type Bus struct {
	mu          sync.RWMutex
	subscribers []Handler
	logger      *slog.Logger
	now         func() time.Time
}

// NewBus creates a Bus. A nil logger falls back to the process logger.
func NewBus(l *slog.Logger) *Bus {
	return &Bus{
		logger: logger.OrDefault(l, "bus"),
		now:    time.Now,
	}
}

// Subscribe registers h for all subsequent events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, h)
}

// Publish validates ev and hands it to each subscriber. Only validation
// errors are returned; subscriber failures are logged and counted.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		metrics.EventsRejected.Inc()
		return err
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = b.now()
	}
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	metrics.EventsPublished.Inc()

	b.mu.RLock()
	subscribers := make([]Handler, len(b.subscribers))
	copy(subscribers, b.subscribers)
	b.mu.RUnlock()

	for _, h := range subscribers {
		if err := b.deliver(ctx, h, ev); err != nil {
			metrics.SubscriberFailures.Inc()
			b.logger.Error("event subscriber failed",
				"event_id", ev.ID,
				"event_type", ev.Type,
				"tenant", ev.TenantID.String(),
				"err", err,
			)
		}
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return h.HandleEvent(ctx, ev)
}
