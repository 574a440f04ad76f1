package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/events"
	"github.com/agor-dev/agor/internal/events/bus"
)

// Bridge relays bus events into the hub so viewers connected to this
// daemon instance see activity published by any instance.
type Bridge struct {
	hub    *Hub
	bus    bus.EventBus
	subs   []bus.Subscription
	logger *logger.Logger
}

// NewBridge creates a bridge from the bus to the hub.
func NewBridge(hub *Hub, b bus.EventBus, log *logger.Logger) *Bridge {
	return &Bridge{
		hub:    hub,
		bus:    b,
		logger: log.WithFields(zap.String("component", "ws_bridge")),
	}
}

// Start subscribes to the session and user subjects.
func (b *Bridge) Start() error {
	sessionSub, err := b.bus.Subscribe(events.AllSessionsSubject, func(ctx context.Context, evt *bus.Event) error {
		sessionID, _ := evt.Data["session_id"].(string)
		if sessionID == "" {
			return nil
		}
		b.hub.EmitToSession(ctx, sessionID, evt.Type, evt.Data)
		return nil
	})
	if err != nil {
		return err
	}
	b.subs = append(b.subs, sessionSub)

	userSub, err := b.bus.Subscribe(events.AllUsersSubject, func(ctx context.Context, evt *bus.Event) error {
		userID, _ := evt.Data["user_id"].(string)
		if userID == "" {
			return nil
		}
		b.hub.EmitToUser(ctx, userID, evt.Type, evt.Data)
		return nil
	})
	if err != nil {
		return err
	}
	b.subs = append(b.subs, userSub)

	b.logger.Info("WebSocket bridge subscribed to event bus")
	return nil
}

// Stop drops the bus subscriptions.
func (b *Bridge) Stop() {
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	b.subs = nil
}
