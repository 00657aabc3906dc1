// Package workflow runs automation step graphs against automation logs.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/deskflow/pkg/eventbus"
	"github.com/dukex/deskflow/pkg/events"
	"github.com/dukex/deskflow/pkg/locker"
	"github.com/dukex/deskflow/pkg/metrics"
	"github.com/dukex/deskflow/pkg/models"
	"github.com/dukex/deskflow/pkg/otelhelper"
	"github.com/dukex/deskflow/pkg/persistence"
	"github.com/dukex/deskflow/pkg/transport"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxStepsPerRun  = 100
	DefaultSendAttempts    = 3
	DefaultSendBackoff     = 500 * time.Millisecond
	DefaultSendRetryDelay  = time.Minute
	DefaultMaxSendFailures = 5
)

// TransportResolver returns the transport used to deliver messages on a channel.
type TransportResolver interface {
	ForChannel(channel *models.Channel) (transport.ChannelTransport, error)
}

type Options struct {
	// MaxStepsPerRun bounds the steps executed synchronously by one invocation.
	MaxStepsPerRun int

	// SendAttempts is how many times a send is tried inline before the log is parked.
	SendAttempts int
	SendBackoff  time.Duration

	// SendRetryDelay is how long a log waits before retrying a send that kept failing.
	SendRetryDelay  time.Duration
	MaxSendFailures int
}

func (o Options) withDefaults() Options {
	if o.MaxStepsPerRun <= 0 {
		o.MaxStepsPerRun = DefaultMaxStepsPerRun
	}

	if o.SendAttempts <= 0 {
		o.SendAttempts = DefaultSendAttempts
	}

	if o.SendBackoff <= 0 {
		o.SendBackoff = DefaultSendBackoff
	}

	if o.SendRetryDelay <= 0 {
		o.SendRetryDelay = DefaultSendRetryDelay
	}

	if o.MaxSendFailures <= 0 {
		o.MaxSendFailures = DefaultMaxSendFailures
	}

	return o
}

type Executor struct {
	persistence persistence.Persistence
	transports  TransportResolver
	locker      locker.Locker
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *metrics.Metrics
	options     Options
	now         func() time.Time
}

func NewExecutor(
	p persistence.Persistence,
	transports TransportResolver,
	lock locker.Locker,
	logger *slog.Logger,
	options Options,
) *Executor {
	return &Executor{
		persistence: p,
		transports:  transports,
		locker:      lock,
		publisher:   eventbus.NopPublisher{},
		logger:      logger.With("module", "workflow_executor"),
		tracer:      otelhelper.NoopTracer(),
		options:     options.withDefaults(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithPublisher sets where lifecycle events of automation logs go.
func (e *Executor) WithPublisher(publisher eventbus.EventPublisher) *Executor {
	e.publisher = publisher

	return e
}

func (e *Executor) WithTracer(tracer trace.Tracer) *Executor {
	e.tracer = tracer

	return e
}

func (e *Executor) WithMetrics(m *metrics.Metrics) *Executor {
	e.metrics = m

	return e
}

func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now

	return e
}

// LockKey is the locker key serializing invocations on one automation log.
func LockKey(logID string) string {
	return "automation_log:" + logID
}

// Run advances an automation log until it waits, completes or fails. Only one Run is
// active per log at a time; concurrent calls queue on the log lock and each sees the
// state the previous one persisted.
//
// Failures caused by the automation or the conversation are recorded on the log, which is
// returned with status failed and a nil error. A returned error means nothing conclusive
// happened and the invocation may be retried.
func (e *Executor) Run(ctx context.Context, logID string) (*models.AutomationLog, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "automation_log.run",
		attribute.String(otelhelper.AutomationLogIDKey, logID))
	defer span.End()

	started := time.Now()

	unlock, err := e.locker.Lock(ctx, LockKey(logID))
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to lock automation log %s: %w", logID, err)
	}
	defer unlock()

	log, err := e.persistence.AutomationLogRepository().GetByID(ctx, logID)
	if err != nil {
		otelhelper.SetError(span, err)

		if persistence.IsAutomationLogNotFound(err) {
			return nil, err
		}

		return nil, &PersistenceError{Op: "load automation log", Err: err}
	}

	if !e.runnable(log) {
		return log, nil
	}

	span.SetAttributes(
		attribute.String(otelhelper.AutomationIDKey, log.AutomationID),
		attribute.String(otelhelper.ChatIDKey, log.ChatID),
	)

	r := &run{
		executor: e,
		log:      log,
		resuming: log.Status == models.LogStatusWaiting,
		logger: e.logger.With(
			"automation_log_id", log.ID,
			"automation_id", log.AutomationID,
			"chat_id", log.ChatID,
		),
	}

	err = r.execute(ctx)
	if err != nil {
		otelhelper.SetError(span, err)
		r.logger.ErrorContext(ctx, "Automation run interrupted", "error", err)

		return log, err
	}

	e.metrics.RunFinished(string(log.Status), time.Since(started).Seconds())

	return log, nil
}

func (e *Executor) runnable(log *models.AutomationLog) bool {
	switch log.Status {
	case models.LogStatusRunning:
		return true
	case models.LogStatusWaiting:
		return log.IsDue(e.now())
	default:
		return false
	}
}

// run is the state of one invocation on one log.
type run struct {
	executor *Executor
	log      *models.AutomationLog
	resuming bool
	logger   *slog.Logger

	automation *models.Automation
	chat       *models.Chat
	client     *models.Client
}

func (r *run) execute(ctx context.Context) error {
	if r.log.Context == nil {
		r.log.Context = make(map[string]any)
	}

	if err := r.loadAutomation(ctx); err != nil {
		return r.failOn(ctx, err)
	}

	if err := r.loadConversation(ctx); err != nil {
		return r.failOn(ctx, err)
	}

	step, err := r.startStep()
	if err != nil {
		return r.failOn(ctx, err)
	}

	if step == nil {
		return r.complete(ctx)
	}

	r.log.Status = models.LogStatusRunning
	r.log.NextRunAt = nil
	r.log.CurrentStepID = step.ID

	if err := r.save(ctx); err != nil {
		return err
	}

	limit := r.executor.options.MaxStepsPerRun

	for executed := 0; ; executed++ {
		if executed >= limit {
			return r.fail(ctx, &GuardError{LogID: r.log.ID, Limit: limit})
		}

		outcome, err := r.executeStep(ctx, step)
		if err != nil {
			return r.failOn(ctx, err)
		}

		r.record(step, outcome)
		r.executor.metrics.StepExecuted(string(step.Type))

		if outcome.waitUntil != nil {
			return r.wait(ctx, *outcome.waitUntil)
		}

		if outcome.next == "" {
			return r.complete(ctx)
		}

		// pick up edits made to the automation while this run was in flight
		if err := r.loadAutomation(ctx); err != nil {
			return r.failOn(ctx, err)
		}

		next, ok := r.automation.Step(outcome.next)
		if !ok {
			return r.fail(ctx, NewConfigError(r.automation.ID, step.ID, fmt.Errorf("%w: %q", ErrStepNotFound, outcome.next)))
		}

		r.log.CurrentStepID = next.ID
		if err := r.save(ctx); err != nil {
			return err
		}

		step = next
	}
}

func (r *run) loadAutomation(ctx context.Context) error {
	automation, err := r.executor.persistence.AutomationRepository().GetByID(ctx, r.log.AutomationID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return NewConfigError(r.log.AutomationID, "", err)
		}

		return &PersistenceError{Op: "load automation", Err: err}
	}

	r.automation = automation

	return nil
}

func (r *run) loadConversation(ctx context.Context) error {
	chats := r.executor.persistence.ChatRepository()

	chat, err := chats.GetChat(ctx, r.log.ChatID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return err
		}

		return &PersistenceError{Op: "load chat", Err: err}
	}

	r.chat = chat

	if r.log.ClientID == "" {
		return nil
	}

	client, err := chats.GetClient(ctx, r.log.ClientID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return nil
		}

		return &PersistenceError{Op: "load client", Err: err}
	}

	r.client = client

	return nil
}

// startStep resolves where this invocation begins. A waiting log parked on a delay
// moves past it; a log parked on a failed send retries that send.
func (r *run) startStep() (*models.AutomationStep, error) {
	if r.log.CurrentStepID == "" {
		entry, ok := r.automation.EntryStep()
		if !ok {
			return nil, NewConfigError(r.automation.ID, "", ErrNoEntryStep)
		}

		return entry, nil
	}

	step, ok := r.automation.Step(r.log.CurrentStepID)
	if !ok {
		return nil, NewConfigError(r.automation.ID, r.log.CurrentStepID,
			fmt.Errorf("%w: current step was removed from the automation", ErrStepNotFound))
	}

	if !r.resuming || step.Type != models.StepDelay {
		return step, nil
	}

	if step.NextStepID == "" {
		return nil, nil
	}

	next, ok := r.automation.Step(step.NextStepID)
	if !ok {
		return nil, NewConfigError(r.automation.ID, step.ID, fmt.Errorf("%w: %q", ErrStepNotFound, step.NextStepID))
	}

	return next, nil
}

func (r *run) record(step *models.AutomationStep, outcome stepOutcome) {
	if r.log.Context == nil {
		r.log.Context = make(map[string]any)
	}

	steps, ok := r.log.Context[models.ContextKeySteps].(map[string]any)
	if !ok {
		steps = make(map[string]any)
		r.log.Context[models.ContextKeySteps] = steps
	}

	steps[step.ID] = map[string]any{
		"type":   string(step.Type),
		"at":     r.executor.now().Format(time.RFC3339Nano),
		"result": outcome.result,
	}

	r.log.Context[models.ContextKeyStepsExecuted] = r.log.ContextInt(models.ContextKeyStepsExecuted) + 1
}

func (r *run) save(ctx context.Context) error {
	r.log.UpdatedAt = r.executor.now()

	if err := r.executor.persistence.AutomationLogRepository().Save(ctx, r.log); err != nil {
		return &PersistenceError{Op: "save automation log", Err: err}
	}

	return nil
}

func (r *run) wait(ctx context.Context, until time.Time) error {
	r.log.Status = models.LogStatusWaiting
	r.log.NextRunAt = &until

	if err := r.save(ctx); err != nil {
		return err
	}

	r.logger.InfoContext(ctx, "Automation waiting", "step_id", r.log.CurrentStepID, "next_run_at", until)
	r.publish(ctx, events.AutomationLogWaiting{
		BaseEvent:         events.NewBaseEvent(uuid.NewString(), events.AutomationLogWaitingEvent),
		AutomationLogInfo: events.NewAutomationLogInfo(r.log),
		NextRunAt:         until,
	})

	return nil
}

func (r *run) complete(ctx context.Context) error {
	now := r.executor.now()
	r.log.Status = models.LogStatusCompleted
	r.log.NextRunAt = nil
	r.log.CompletedAt = &now

	if err := r.save(ctx); err != nil {
		return err
	}

	r.logger.InfoContext(ctx, "Automation completed", "steps_executed", r.log.ContextInt(models.ContextKeyStepsExecuted))
	r.publish(ctx, events.AutomationLogCompleted{
		BaseEvent:         events.NewBaseEvent(uuid.NewString(), events.AutomationLogCompletedEvent),
		AutomationLogInfo: events.NewAutomationLogInfo(r.log),
	})

	return nil
}

// failOn records err on the log unless it is a storage failure or a cancellation,
// which are returned so the invocation can be retried.
func (r *run) failOn(ctx context.Context, err error) error {
	if IsPersistenceError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return r.fail(ctx, err)
}

func (r *run) fail(ctx context.Context, cause error) error {
	now := r.executor.now()
	r.log.Status = models.LogStatusFailed
	r.log.NextRunAt = nil
	r.log.CompletedAt = &now
	r.log.Error = cause.Error()

	if err := r.save(ctx); err != nil {
		return err
	}

	r.logger.ErrorContext(ctx, "Automation failed", "step_id", r.log.CurrentStepID, "error", cause)
	r.publish(ctx, events.AutomationLogFailed{
		BaseEvent:         events.NewBaseEvent(uuid.NewString(), events.AutomationLogFailedEvent),
		AutomationLogInfo: events.NewAutomationLogInfo(r.log),
		Error:             cause.Error(),
	})

	return nil
}

func (r *run) publish(ctx context.Context, event eventbus.Event) {
	if err := r.executor.publisher.Publish(ctx, r.log.ID, event); err != nil {
		r.logger.WarnContext(ctx, "Failed to publish automation event", "event_type", event.GetType(), "error", err)
	}
}
