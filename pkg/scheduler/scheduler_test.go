package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/deskflow/pkg/locker"
	"github.com/dukex/deskflow/pkg/log"
	"github.com/dukex/deskflow/pkg/mocks"
	"github.com/dukex/deskflow/pkg/models"
	"github.com/dukex/deskflow/pkg/persistence/file"
	"github.com/dukex/deskflow/pkg/testutil"
	"github.com/dukex/deskflow/pkg/transport"
	"github.com/dukex/deskflow/pkg/trigger"
	"github.com/dukex/deskflow/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type fixture struct {
	persistence *file.Persistence
	transport   *mocks.FakeTransport
	clock       *clock
	channel     *models.Channel
	executor    *workflow.Executor
	matcher     *trigger.Matcher
	scheduler   *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		persistence: file.NewPersistence(t.TempDir()),
		transport:   &mocks.FakeTransport{},
		clock:       &clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)},
		channel:     testutil.CreateTestChannel(),
	}

	testutil.Seed(t, f.persistence, f.channel)

	transports := transport.NewRegistry()
	transports.Set(f.channel.ID, f.transport)

	lock := locker.NewLocalLocker()

	f.executor = workflow.NewExecutor(f.persistence, transports, lock, log.Discard(), workflow.Options{SendBackoff: time.Millisecond}).
		WithClock(f.clock.Now)
	f.matcher = trigger.NewMatcher(f.persistence, f.executor, lock, log.Discard(), trigger.Options{}).
		WithClock(f.clock.Now)
	f.scheduler = NewScheduler(f.persistence.AutomationLogRepository(), f.executor, trigger.NewTimeTriggers(f.matcher),
		log.Discard(), Options{Interval: 10 * time.Millisecond}).
		WithClock(f.clock.Now)

	return f
}

func (f *fixture) log(t *testing.T, id string) *models.AutomationLog {
	t.Helper()

	automationLog, err := f.persistence.AutomationLogRepository().GetByID(context.Background(), id)
	require.NoError(t, err)

	return automationLog
}

func TestScheduler_ResumesDelayedWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	automation := testutil.CreateTestAutomation(models.TriggerNewChat,
		testutil.SendText("A", "Hello {{.client.name}}", "B"),
		testutil.Delay("B", "5m", "C"),
		testutil.SendText("C", "Anything else?", ""),
	)
	testutil.Seed(t, f.persistence, automation)

	require.NoError(t, f.matcher.Handle(ctx, models.InboundEvent{
		ChannelID:        f.channel.ID,
		ChannelType:      models.ChannelTypeTelegram,
		UpdateID:         1,
		ExternalChatID:   "1001",
		ExternalSenderID: "42",
		SenderName:       "Ada",
		Text:             "hi",
		Timestamp:        f.clock.Now(),
	}))

	chat, err := f.persistence.ChatRepository().GetChatByExternalID(ctx, f.channel.ID, "1001")
	require.NoError(t, err)

	waiting, err := f.persistence.AutomationLogRepository().Latest(ctx, automation.ID, chat.ID)
	require.NoError(t, err)

	assert.Equal(t, models.LogStatusWaiting, waiting.Status)
	assert.Equal(t, "B", waiting.CurrentStepID)
	require.NotNil(t, waiting.NextRunAt)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute), *waiting.NextRunAt)
	require.Len(t, f.transport.Sent(), 1)
	assert.Equal(t, "Hello Ada", f.transport.Sent()[0].Text)

	// before next_run_at nothing happens
	f.clock.Advance(4 * time.Minute)
	result, err := f.scheduler.Tick(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, result.Resumed)

	f.clock.Advance(time.Minute)
	result, err = f.scheduler.Tick(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Resumed)

	completed := f.log(t, waiting.ID)
	assert.Equal(t, models.LogStatusCompleted, completed.Status)
	assert.Equal(t, "C", completed.CurrentStepID)

	sent := f.transport.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "Anything else?", sent[1].Text)
}

func TestScheduler_RecoversStaleRunningLogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	automation := testutil.CreateTestAutomation(models.TriggerKeyword, testutil.SendText("A", "Back online", ""))
	chat, client := testutil.CreateTestConversation(f.channel.ID)

	interrupted := testutil.CreateTestLog(automation, chat)
	interrupted.UpdatedAt = f.clock.Now().Add(-10 * time.Minute)

	fresh := testutil.CreateTestLog(automation, chat)
	fresh.UpdatedAt = f.clock.Now().Add(-time.Minute)

	testutil.Seed(t, f.persistence, automation, chat, client, interrupted, fresh)

	result, err := f.scheduler.Tick(ctx, f.clock.Now())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Recovered)
	assert.Equal(t, models.LogStatusCompleted, f.log(t, interrupted.ID).Status)
	assert.Equal(t, models.LogStatusRunning, f.log(t, fresh.ID).Status)
}

func TestScheduler_EvaluatesTimeTriggers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	automation := testutil.CreateTestAutomation(models.TriggerNoResponse, testutil.SendText("A", "We will be right with you", ""))
	automation.TriggerConfig.Threshold = models.Duration(10 * time.Minute)

	chat, client := testutil.CreateTestConversation(f.channel.ID)
	lastMessage := f.clock.Now()
	chat.LastClientMessageAt = &lastMessage

	testutil.Seed(t, f.persistence, automation, chat, client)

	f.clock.Advance(10 * time.Minute)

	result, err := f.scheduler.Tick(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Triggered)

	require.Len(t, f.transport.Sent(), 1)
	assert.Equal(t, "We will be right with you", f.transport.Sent()[0].Text)
}

// stubRunner fails selected logs and counts every call.
type stubRunner struct {
	fail  map[string]bool
	calls atomic.Int32
}

func (r *stubRunner) Run(_ context.Context, logID string) (*models.AutomationLog, error) {
	r.calls.Add(1)

	if r.fail[logID] {
		return nil, errors.New("storage unavailable")
	}

	return &models.AutomationLog{ID: logID}, nil
}

func TestScheduler_IsolatesFailures(t *testing.T) {
	p := file.NewPersistence(t.TempDir())
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	automation := testutil.CreateTestAutomation(models.TriggerNewChat, testutil.Delay("A", "1m", ""))
	chat, _ := testutil.CreateTestConversation("channel")

	var ids []string

	for range 3 {
		waiting := testutil.CreateTestLog(automation, chat)
		waiting.Status = models.LogStatusWaiting
		due := now.Add(-time.Second)
		waiting.NextRunAt = &due
		waiting.UpdatedAt = now

		testutil.Seed(t, p, waiting)
		ids = append(ids, waiting.ID)
	}

	runner := &stubRunner{fail: map[string]bool{ids[1]: true}}
	scheduler := NewScheduler(p.AutomationLogRepository(), runner, nil, log.Discard(), Options{Concurrency: 2})

	result, err := scheduler.Tick(ctx, now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ids[1])

	assert.Equal(t, int32(3), runner.calls.Load())
	assert.Equal(t, 2, result.Resumed)
	assert.Equal(t, 1, result.Failed)
}

func TestScheduler_StartStop(t *testing.T) {
	p := file.NewPersistence(t.TempDir())
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	automation := testutil.CreateTestAutomation(models.TriggerNewChat, testutil.Delay("A", "1m", ""))
	chat, _ := testutil.CreateTestConversation("channel")

	waiting := testutil.CreateTestLog(automation, chat)
	waiting.Status = models.LogStatusWaiting
	waiting.NextRunAt = &now
	testutil.Seed(t, p, waiting)

	runner := &stubRunner{}
	scheduler := NewScheduler(p.AutomationLogRepository(), runner, nil, log.Discard(), Options{Interval: 5 * time.Millisecond}).
		WithClock(func() time.Time { return now })

	require.NoError(t, scheduler.Start(context.Background()))
	require.NoError(t, scheduler.Start(context.Background()))

	require.Eventually(t, func() bool { return runner.calls.Load() > 0 }, 2*time.Second, 5*time.Millisecond)

	scheduler.Stop()
	calls := runner.calls.Load()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, runner.calls.Load())

	// stopping twice is harmless
	scheduler.Stop()
}
