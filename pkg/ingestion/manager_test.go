package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/deskflow/pkg/events"
	"github.com/dukex/deskflow/pkg/log"
	"github.com/dukex/deskflow/pkg/mocks"
	"github.com/dukex/deskflow/pkg/models"
	"github.com/dukex/deskflow/pkg/normalizer"
	"github.com/dukex/deskflow/pkg/persistence"
	"github.com/dukex/deskflow/pkg/persistence/file"
	"github.com/dukex/deskflow/pkg/testutil"
	"github.com/dukex/deskflow/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type managerFixture struct {
	persistence *file.Persistence
	transports  *transport.Registry
	handler     *recordingHandler
	manager     *Manager
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	f := &managerFixture{
		persistence: file.NewPersistence(t.TempDir()),
		transports:  transport.NewRegistry(),
		handler:     &recordingHandler{},
	}

	f.manager = NewManager(f.persistence, f.transports, normalizer.NewDefaultRegistry(), f.handler, log.Discard(), fastOptions)
	t.Cleanup(f.manager.StopAll)

	return f
}

// addChannel seeds a channel served by a fake transport.
func (f *managerFixture) addChannel(t *testing.T, overrides ...func(*models.Channel)) (*models.Channel, *mocks.FakeTransport) {
	t.Helper()

	channel := testutil.CreateTestChannel(overrides...)
	testutil.Seed(t, f.persistence, channel)

	fake := &mocks.FakeTransport{}
	f.transports.Set(channel.ID, fake)

	return channel, fake
}

func (f *managerFixture) waitForCursor(t *testing.T, channelID string, want int64) {
	t.Helper()

	require.Eventually(t, func() bool {
		cursor, err := f.persistence.CursorRepository().Get(context.Background(), channelID)

		return err == nil && cursor == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManager_StartAllWithoutChannels(t *testing.T) {
	f := newManagerFixture(t)

	require.NoError(t, f.manager.StartAll(context.Background()))
	assert.Empty(t, f.manager.Status())

	f.manager.StopAll()
	f.manager.Wait()
}

func TestManager_StartAllPollsActivePollableChannels(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	first, firstTransport := f.addChannel(t)
	second, secondTransport := f.addChannel(t)
	inactive, inactiveTransport := f.addChannel(t, func(c *models.Channel) { c.Active = false })
	_, webhookTransport := f.addChannel(t, func(c *models.Channel) { c.Type = models.ChannelTypeWebhook })

	firstTransport.Queue(textUpdate(1, "a"), textUpdate(2, "b"))
	secondTransport.Queue(textUpdate(50, "c"))

	require.NoError(t, f.manager.StartAll(ctx))

	f.waitForCursor(t, first.ID, 3)
	f.waitForCursor(t, second.ID, 51)

	assert.True(t, f.manager.Running(first.ID))
	assert.True(t, f.manager.Running(second.ID))
	assert.False(t, f.manager.Running(inactive.ID))
	assert.Zero(t, inactiveTransport.Fetches())
	assert.Zero(t, webhookTransport.Fetches())
	assert.Equal(t, 1, firstTransport.WebhookDeletions())

	// starting again does not duplicate pollers
	require.NoError(t, f.manager.StartAll(ctx))
	assert.Len(t, f.manager.Status(), 2)

	f.manager.StopAll()
	f.manager.Wait()

	for _, status := range f.manager.Status() {
		assert.False(t, status.Running)
	}

	assert.ElementsMatch(t, []int64{1, 2, 50}, f.handler.UpdateIDs())
}

func TestManager_StartAndStopChannel(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	channel, fake := f.addChannel(t)
	fake.Queue(textUpdate(9, "hi"))

	require.NoError(t, f.manager.StartChannel(ctx, channel.ID))
	f.waitForCursor(t, channel.ID, 10)

	statuses := f.manager.Status()
	require.Len(t, statuses, 1)
	assert.Equal(t, channel.ID, statuses[0].ChannelID)
	assert.True(t, statuses[0].Running)
	assert.Equal(t, int64(10), statuses[0].Cursor)

	require.NoError(t, f.manager.StopChannel(channel.ID))
	assert.False(t, f.manager.Running(channel.ID))

	statuses = f.manager.Status()
	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].Running)

	require.ErrorIs(t, f.manager.StopChannel(channel.ID), ErrPollerNotRunning)

	// a restarted poller resumes from the stored cursor
	fake.Queue(textUpdate(10, "again"))
	require.NoError(t, f.manager.StartChannel(ctx, channel.ID))
	f.waitForCursor(t, channel.ID, 11)

	assert.Equal(t, []int64{9, 10}, f.handler.UpdateIDs())
}

func TestManager_StartChannelRejections(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	inactive, _ := f.addChannel(t, func(c *models.Channel) { c.Active = false })
	webhook, _ := f.addChannel(t, func(c *models.Channel) { c.Type = models.ChannelTypeWebhook })

	require.ErrorIs(t, f.manager.StartChannel(ctx, inactive.ID), ErrChannelInactive)
	require.ErrorIs(t, f.manager.StartChannel(ctx, webhook.ID), ErrChannelNotPollable)
	require.ErrorIs(t, f.manager.StartChannel(ctx, "missing"), persistence.ErrChannelNotFound)
}

func TestManager_TransportFailureIsIsolated(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	// no transport installed and no factory registered for this one
	broken := testutil.CreateTestChannel()
	testutil.Seed(t, f.persistence, broken)

	healthy, fake := f.addChannel(t)
	fake.Queue(textUpdate(3, "ok"))

	err := f.manager.StartAll(ctx)
	require.ErrorIs(t, err, transport.ErrUnsupportedChannel)

	f.waitForCursor(t, healthy.ID, 4)
	assert.False(t, f.manager.Running(broken.ID))
}

func TestBusHandler_PublishesKeyedByConversation(t *testing.T) {
	bus := &mocks.MockEventBus{}
	bus.On("GenerateID").Return("evt-1")
	bus.On("Publish", mock.Anything, "ch-1:1001", mock.MatchedBy(func(event events.InboundReceived) bool {
		return event.ID == "evt-1" && event.Type == events.InboundReceivedEvent && event.Event.UpdateID == 5
	})).Return(nil)

	handler := NewBusHandler(bus)

	err := handler.Handle(context.Background(), models.InboundEvent{ChannelID: "ch-1", ExternalChatID: "1001", UpdateID: 5})
	require.NoError(t, err)

	bus.AssertExpectations(t)
}

func TestHandlerFunc(t *testing.T) {
	var got int64

	handler := HandlerFunc(func(_ context.Context, event models.InboundEvent) error {
		got = event.UpdateID

		return nil
	})

	require.NoError(t, handler.Handle(context.Background(), models.InboundEvent{UpdateID: 8}))
	assert.Equal(t, int64(8), got)
}

func TestDetached_OutlivesPollerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var handedOff error

	handler := Detached(HandlerFunc(func(ctx context.Context, _ models.InboundEvent) error {
		// the poller is stopped while the event is being handled
		cancel()

		handedOff = ctx.Err()

		return nil
	}))

	require.NoError(t, handler.Handle(ctx, models.InboundEvent{UpdateID: 9}))
	require.NoError(t, handedOff)
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}
