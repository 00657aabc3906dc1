// Package scheduler periodically re-enters the workflow executor for suspended and
// interrupted automation logs and evaluates time-based triggers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/deskflow/pkg/metrics"
	"github.com/dukex/deskflow/pkg/models"
	"github.com/dukex/deskflow/pkg/persistence"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval          = 15 * time.Second
	DefaultStaleRunningAfter = 5 * time.Minute
	DefaultBatchSize         = 500
	DefaultConcurrency       = 8
)

// Runner executes an automation log. workflow.Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, logID string) (*models.AutomationLog, error)
}

// TimeTriggers starts automations whose time-based condition became true.
// trigger.TimeTriggers satisfies it.
type TimeTriggers interface {
	EvaluateNoResponse(ctx context.Context, now time.Time) (int, error)
	EvaluateScheduled(ctx context.Context, now time.Time) (int, error)
}

type Options struct {
	Interval time.Duration

	// StaleRunningAfter is how long a running log may go without an update before it is
	// considered interrupted and re-entered.
	StaleRunningAfter time.Duration

	// BatchSize caps how many logs of each kind one tick picks up.
	BatchSize int

	Concurrency int
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}

	if o.StaleRunningAfter <= 0 {
		o.StaleRunningAfter = DefaultStaleRunningAfter
	}

	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}

	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}

	return o
}

// TickResult summarizes one sweep.
type TickResult struct {
	Resumed   int `json:"resumed"`
	Recovered int `json:"recovered"`
	Triggered int `json:"triggered"`
	Failed    int `json:"failed"`
}

type Scheduler struct {
	logs     persistence.AutomationLogRepository
	runner   Runner
	triggers TimeTriggers
	options  Options
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewScheduler(logs persistence.AutomationLogRepository, runner Runner, triggers TimeTriggers, logger *slog.Logger, options Options) *Scheduler {
	return &Scheduler{
		logs:     logs,
		runner:   runner,
		triggers: triggers,
		options:  options.withDefaults(),
		logger:   logger.With("module", "scheduler"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Scheduler) WithMetrics(m *metrics.Metrics) *Scheduler {
	s.metrics = m

	return s
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now

	return s
}

// Start runs a sweep every interval until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true

	s.logger.InfoContext(ctx, "Starting scheduler", "interval", s.options.Interval)

	go s.loop(ctx, s.done)

	return nil
}

// Stop ends the sweep loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()

	if !s.started {
		s.mu.Unlock()

		return
	}

	s.cancel()
	done := s.done
	s.started = false
	s.mu.Unlock()

	<-done

	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.options.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// a sweep started before shutdown finishes its in-flight runs
			if _, err := s.Tick(context.WithoutCancel(ctx), s.now()); err != nil {
				s.logger.ErrorContext(ctx, "Scheduler sweep finished with errors", "error", err)
			}
		}
	}
}

// Tick runs one sweep at now: due waiting logs, stale running logs and time-based
// triggers. A failure of one log or trigger does not stop the others; all of them are
// reported through the returned error.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	var (
		result   TickResult
		problems []error
	)

	due, err := s.logs.Due(ctx, now, s.options.BatchSize)
	if err != nil {
		problems = append(problems, fmt.Errorf("failed to load due logs: %w", err))
	}

	stale, err := s.logs.StaleRunning(ctx, now.Add(-s.options.StaleRunningAfter), s.options.BatchSize)
	if err != nil {
		problems = append(problems, fmt.Errorf("failed to load stale logs: %w", err))
	}

	if len(stale) > 0 {
		s.logger.WarnContext(ctx, "Recovering interrupted automation logs", "count", len(stale))
	}

	resumed, failed := s.runAll(ctx, due, now)
	recovered, failedStale := s.runAll(ctx, stale, now)

	result.Resumed = resumed
	result.Recovered = recovered
	result.Failed = len(failed) + len(failedStale)
	problems = append(problems, failed...)
	problems = append(problems, failedStale...)

	if s.triggers != nil {
		started, err := s.triggers.EvaluateNoResponse(ctx, now)
		result.Triggered += started

		if err != nil {
			problems = append(problems, fmt.Errorf("no_response triggers: %w", err))
		}

		started, err = s.triggers.EvaluateScheduled(ctx, now)
		result.Triggered += started

		if err != nil {
			problems = append(problems, fmt.Errorf("scheduled triggers: %w", err))
		}
	}

	s.metrics.SchedulerSwept(result.Resumed + result.Recovered)

	if result.Resumed+result.Recovered+result.Triggered+result.Failed > 0 {
		s.logger.InfoContext(ctx, "Scheduler sweep finished",
			"resumed", result.Resumed,
			"recovered", result.Recovered,
			"triggered", result.Triggered,
			"failed", result.Failed)
	}

	return result, errors.Join(problems...)
}

// runAll re-enters the executor for each log concurrently and returns how many ran and
// the errors of those that did not.
func (s *Scheduler) runAll(ctx context.Context, logs []*models.AutomationLog, now time.Time) (int, []error) {
	if len(logs) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.options.Concurrency)

	results := make([]error, len(logs))

	for i, automationLog := range logs {
		g.Go(func() error {
			logger := s.logger.With("automation_log_id", automationLog.ID, "automation_id", automationLog.AutomationID)

			_, err := s.runner.Run(gctx, automationLog.ID)
			if err != nil {
				logger.ErrorContext(gctx, "Failed to resume automation log", "error", err)
				results[i] = fmt.Errorf("automation log %s: %w", automationLog.ID, err)

				return nil
			}

			logger.DebugContext(gctx, "Automation log resumed", "due_at", automationLog.NextRunAt, "swept_at", now)

			return nil
		})
	}

	_ = g.Wait()

	var failed []error

	for _, err := range results {
		if err != nil {
			failed = append(failed, err)
		}
	}

	return len(logs) - len(failed), failed
}
