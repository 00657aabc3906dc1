// Package ingestion pulls updates from pollable channels and hands normalized events downstream.
package ingestion

import (
	"context"

	"github.com/dukex/deskflow/pkg/eventbus"
	"github.com/dukex/deskflow/pkg/events"
	"github.com/dukex/deskflow/pkg/models"
)

// Handler takes ownership of a normalized event. A nil error means the event was durably
// handed off and the poller may move its cursor past the update.
type Handler interface {
	Handle(ctx context.Context, event models.InboundEvent) error
}

type HandlerFunc func(ctx context.Context, event models.InboundEvent) error

func (f HandlerFunc) Handle(ctx context.Context, event models.InboundEvent) error {
	return f(ctx, event)
}

// BusHandler hands events to the event bus, keyed by conversation so events of one chat
// stay ordered on partitioned transports.
type BusHandler struct {
	publisher eventbus.EventPublisher
	newID     func() string
}

func NewBusHandler(bus eventbus.EventBus) *BusHandler {
	return &BusHandler{publisher: bus, newID: bus.GenerateID}
}

func (h *BusHandler) Handle(ctx context.Context, event models.InboundEvent) error {
	return h.publisher.Publish(ctx, event.ChannelID+":"+event.ExternalChatID, events.InboundReceived{
		BaseEvent: events.NewBaseEvent(h.newID(), events.InboundReceivedEvent),
		Event:     event,
	})
}

// Detached passes events on with a context that is not cancelled along with the poller,
// so a hand-off already in progress finishes its sends and writes when the poller stops.
func Detached(handler Handler) Handler {
	return HandlerFunc(func(ctx context.Context, event models.InboundEvent) error {
		return handler.Handle(context.WithoutCancel(ctx), event)
	})
}
