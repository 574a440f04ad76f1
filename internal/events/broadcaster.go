package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/events/bus"
)

// Broadcaster is the seam through which the core emits activity to
// whoever is watching. The gateway implements local fan-out; the bus
// broadcaster additionally crosses process boundaries.
type Broadcaster interface {
	EmitToSession(ctx context.Context, sessionID, eventType string, data map[string]any)
	EmitToUser(ctx context.Context, userID, eventType string, data map[string]any)
}

// BusBroadcaster publishes events on the event bus.
type BusBroadcaster struct {
	bus    bus.EventBus
	logger *logger.Logger
}

// NewBusBroadcaster creates a broadcaster backed by b.
func NewBusBroadcaster(b bus.EventBus, log *logger.Logger) *BusBroadcaster {
	return &BusBroadcaster{bus: b, logger: log.WithFields(zap.String("component", "broadcaster"))}
}

// EmitToSession publishes an event on the session's subject. Emission is
// best-effort: a publish failure is logged, never surfaced to callers.
func (b *BusBroadcaster) EmitToSession(ctx context.Context, sessionID, eventType string, data map[string]any) {
	b.publish(ctx, SessionSubject(sessionID), eventType, data)
}

// EmitToUser publishes an event on the user's subject.
func (b *BusBroadcaster) EmitToUser(ctx context.Context, userID, eventType string, data map[string]any) {
	b.publish(ctx, UserSubject(userID), eventType, data)
}

func (b *BusBroadcaster) publish(ctx context.Context, subject, eventType string, data map[string]any) {
	evt := bus.NewEvent(eventType, Source, data)
	if err := b.bus.Publish(ctx, subject, evt); err != nil {
		b.logger.Error("Failed to publish event",
			zap.String("subject", subject),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// NopBroadcaster discards every emission. Used in tests and in code
// paths that run before the gateway is up.
type NopBroadcaster struct{}

func (NopBroadcaster) EmitToSession(context.Context, string, string, map[string]any) {}
func (NopBroadcaster) EmitToUser(context.Context, string, string, map[string]any)    {}
