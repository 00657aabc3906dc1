package main

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dukex/deskflow/pkg/ingestion"
	"github.com/dukex/deskflow/pkg/locker"
	"github.com/dukex/deskflow/pkg/log"
	"github.com/dukex/deskflow/pkg/mocks"
	"github.com/dukex/deskflow/pkg/models"
	"github.com/dukex/deskflow/pkg/normalizer"
	"github.com/dukex/deskflow/pkg/persistence/file"
	"github.com/dukex/deskflow/pkg/testutil"
	"github.com/dukex/deskflow/pkg/transport"
	"github.com/dukex/deskflow/pkg/trigger"
	"github.com/dukex/deskflow/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAll(t *testing.T) {
	p := file.NewPersistence(t.TempDir())
	ctx := context.Background()

	valid := testutil.CreateTestAutomation(models.TriggerNewChat, testutil.SendText("A", "Hello", ""))
	valid.Name = "Greeting"

	testutil.Seed(t, p, testutil.CreateTestChannel(), valid)

	var out bytes.Buffer
	require.NoError(t, validateAll(ctx, p, &out))
	assert.Contains(t, out.String(), "VALID   Greeting")
	assert.Contains(t, out.String(), "1 channels (0 invalid), 1 automations (0 invalid)")

	noKeywords := testutil.CreateTestAutomation(models.TriggerKeyword, testutil.SendText("A", "Hi", "missing"))
	noKeywords.Name = "Pricing"

	testutil.Seed(t, p, noKeywords)

	out.Reset()

	err := validateAll(ctx, p, &out)
	require.ErrorIs(t, err, ErrInvalidAutomations)
	require.NotErrorIs(t, err, ErrInvalidChannels)
	assert.Contains(t, out.String(), "INVALID Pricing")
	assert.Contains(t, out.String(), "1 channels (0 invalid), 2 automations (1 invalid)")
}

func newTestEngine(t *testing.T) *engine {
	t.Helper()

	p := file.NewPersistence(t.TempDir())
	transports := transport.NewRegistry()
	lock := locker.NewLocalLocker()

	executor := workflow.NewExecutor(p, transports, lock, log.Discard(), workflow.Options{})

	return &engine{
		logger:      log.Discard(),
		persistence: p,
		transports:  transports,
		normalizers: normalizer.NewDefaultRegistry(),
		executor:    executor,
		matcher:     trigger.NewMatcher(p, executor, lock, log.Discard(), trigger.Options{}),
	}
}

func TestPollOnce(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	channel := testutil.CreateTestChannel()
	channel.Name = "Support"
	other := testutil.CreateTestChannel()
	testutil.Seed(t, e.persistence, channel, other)

	fake := &mocks.FakeTransport{}
	fake.Queue(transport.Update{
		ID:        7,
		Payload:   []byte(`{"update_id": 7, "message": {"message_id": 1, "date": 1700000000, "chat": {"id": 1001}, "from": {"id": 42, "first_name": "Ada"}, "text": "hello"}}`),
		Timestamp: time.Unix(1700000000, 0).UTC(),
	})
	e.transports.Set(channel.ID, fake)
	e.transports.Set(other.ID, &mocks.FakeTransport{})

	automation := testutil.CreateTestAutomation(models.TriggerNewChat, testutil.SendText("A", "Welcome {{.client.name}}", ""))
	testutil.Seed(t, e.persistence, automation)

	var out bytes.Buffer
	require.NoError(t, pollOnce(ctx, e, channel.ID, ingestion.Options{PollTimeout: time.Millisecond}, &out))

	assert.Equal(t, fmt.Sprintf("Support (%s): 1 updates\n", channel.ID), out.String())

	cursor, err := e.persistence.CursorRepository().Get(ctx, channel.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), cursor)

	require.Len(t, fake.Sent(), 1)
	assert.Equal(t, "Welcome Ada", fake.Sent()[0].Text)
}

func TestPollOnce_ReportsFailingChannels(t *testing.T) {
	e := newTestEngine(t)

	// no transport registered for it
	broken := testutil.CreateTestChannel()
	testutil.Seed(t, e.persistence, broken)

	var out bytes.Buffer
	err := pollOnce(context.Background(), e, "", ingestion.Options{PollTimeout: time.Millisecond}, &out)

	require.ErrorIs(t, err, transport.ErrUnsupportedChannel)
	assert.Contains(t, out.String(), "failed after 0 updates")
}
