// Package mocks provides testify mocks and recording fakes for tests.
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/dukex/deskflow/pkg/transport"
	"github.com/stretchr/testify/mock"
)

// MockTransport is a mock implementation of transport.ChannelTransport.
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) FetchUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]transport.Update, error) {
	args := m.Called(ctx, offset, timeout)

	updates, _ := args.Get(0).([]transport.Update)

	return updates, args.Error(1)
}

func (m *MockTransport) SendMessage(ctx context.Context, message transport.OutboundMessage) (*transport.DeliveryResult, error) {
	args := m.Called(ctx, message)

	result, _ := args.Get(0).(*transport.DeliveryResult)

	return result, args.Error(1)
}

func (m *MockTransport) DeleteWebhook(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

// FakeTransport serves queued updates and records sent messages.
type FakeTransport struct {
	mu       sync.Mutex
	updates  []transport.Update
	sent     []transport.OutboundMessage
	fetches  int
	webhooks int

	// SendErr, when set, is returned by every SendMessage call.
	SendErr error
}

// Queue appends updates to the stream served by FetchUpdates.
func (f *FakeTransport) Queue(updates ...transport.Update) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.updates = append(f.updates, updates...)
}

func (f *FakeTransport) FetchUpdates(ctx context.Context, offset int64, _ time.Duration) ([]transport.Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches++

	var pending []transport.Update

	for _, update := range f.updates {
		if update.ID >= offset {
			pending = append(pending, update)
		}
	}

	return pending, ctx.Err()
}

func (f *FakeTransport) SendMessage(_ context.Context, message transport.OutboundMessage) (*transport.DeliveryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SendErr != nil {
		return nil, f.SendErr
	}

	f.sent = append(f.sent, message)

	return &transport.DeliveryResult{MessageID: "msg-" + time.Now().Format("150405.000000000"), SentAt: time.Now()}, nil
}

func (f *FakeTransport) DeleteWebhook(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.webhooks++

	return nil
}

func (f *FakeTransport) Sent() []transport.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]transport.OutboundMessage(nil), f.sent...)
}

func (f *FakeTransport) Fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.fetches
}

func (f *FakeTransport) WebhookDeletions() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.webhooks
}
