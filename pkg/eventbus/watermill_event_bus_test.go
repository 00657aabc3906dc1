package eventbus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/deskflow/pkg/channels/gochannel"
	"github.com/dukex/deskflow/pkg/events"
	"github.com/dukex/deskflow/pkg/log"
	"github.com/dukex/deskflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *WatermillEventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{}, true)
	require.NoError(t, err)

	bus := NewWatermillEventBus(pub, sub, log.Discard()).WithNackDelay(time.Millisecond)
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestWatermillEventBus_DeliversTypedEvent(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *events.InboundReceived, 1)

	require.NoError(t, bus.Handle(events.InboundReceivedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.InboundReceived)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	err := bus.Publish(ctx, "ch-1", events.InboundReceived{
		BaseEvent: events.NewBaseEvent(bus.GenerateID(), events.InboundReceivedEvent),
		Event:     models.InboundEvent{ChannelID: "ch-1", UpdateID: 7, Text: "hi"},
	})
	require.NoError(t, err)

	select {
	case event := <-received:
		assert.Equal(t, int64(7), event.Event.UpdateID)
		assert.Equal(t, "hi", event.Event.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestWatermillEventBus_PublishBlocksUntilHandlerSucceeds(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32

	require.NoError(t, bus.Handle(events.InboundReceivedEvent, func(context.Context, any) error {
		if attempts.Add(1) < 3 {
			return errors.New("matcher unavailable")
		}

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	err := bus.Publish(ctx, "ch-1", events.InboundReceived{
		BaseEvent: events.NewBaseEvent(bus.GenerateID(), events.InboundReceivedEvent),
	})
	require.NoError(t, err)

	// publish returned, so the third attempt was acked
	assert.Equal(t, int32(3), attempts.Load())
}

func TestWatermillEventBus_UnhandledTypesAreAcked(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled atomic.Int32

	require.NoError(t, bus.Handle(events.AutomationLogCompletedEvent, func(context.Context, any) error {
		handled.Add(1)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	info := events.AutomationLogInfo{LogID: "log-1"}

	require.NoError(t, bus.Publish(ctx, "log-1", events.AutomationLogFailed{
		BaseEvent:         events.NewBaseEvent(bus.GenerateID(), events.AutomationLogFailedEvent),
		AutomationLogInfo: info,
	}))
	require.NoError(t, bus.Publish(ctx, "log-1", events.AutomationLogCompleted{
		BaseEvent:         events.NewBaseEvent(bus.GenerateID(), events.AutomationLogCompletedEvent),
		AutomationLogInfo: info,
	}))

	assert.Equal(t, int32(1), handled.Load())
}

func TestNopPublisher(t *testing.T) {
	assert.NoError(t, NopPublisher{}.Publish(context.Background(), "k", events.AutomationLogCompleted{}))
}
