package ingestion

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/deskflow/pkg/metrics"
	"github.com/dukex/deskflow/pkg/models"
	"github.com/dukex/deskflow/pkg/normalizer"
	"github.com/dukex/deskflow/pkg/otelhelper"
	"github.com/dukex/deskflow/pkg/persistence"
	"github.com/dukex/deskflow/pkg/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultPollTimeout       = 30 * time.Second
	DefaultIdleInterval      = time.Second
	DefaultErrorBackoffStart = time.Second
	DefaultErrorBackoffMax   = time.Minute
)

type Options struct {
	// PollTimeout is the long-poll duration requested from the transport.
	PollTimeout time.Duration

	// IdleInterval is the pause after a poll that returned nothing.
	IdleInterval time.Duration

	ErrorBackoffStart time.Duration
	ErrorBackoffMax   time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollTimeout <= 0 {
		o.PollTimeout = DefaultPollTimeout
	}

	if o.IdleInterval <= 0 {
		o.IdleInterval = DefaultIdleInterval
	}

	if o.ErrorBackoffStart <= 0 {
		o.ErrorBackoffStart = DefaultErrorBackoffStart
	}

	if o.ErrorBackoffMax <= 0 {
		o.ErrorBackoffMax = DefaultErrorBackoffMax
	}

	return o
}

// Status is a snapshot of one channel's ingestion.
type Status struct {
	ChannelID   string             `json:"channel_id"`
	ChannelType models.ChannelType `json:"channel_type"`
	Running     bool               `json:"running"`
	Cursor      int64              `json:"cursor"`
	Processed   int64              `json:"processed"`
	LastPollAt  *time.Time         `json:"last_poll_at,omitempty"`
	LastError   string             `json:"last_error,omitempty"`
}

// Poller owns the update stream of a single channel.
type Poller struct {
	channel     *models.Channel
	transport   transport.ChannelTransport
	cursors     persistence.CursorRepository
	normalizers *normalizer.Registry
	handler     Handler
	options     Options
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer

	mu     sync.RWMutex
	status Status
}

func NewPoller(
	channel *models.Channel,
	tr transport.ChannelTransport,
	cursors persistence.CursorRepository,
	normalizers *normalizer.Registry,
	handler Handler,
	logger *slog.Logger,
	options Options,
) *Poller {
	return &Poller{
		channel:     channel,
		transport:   tr,
		cursors:     cursors,
		normalizers: normalizers,
		handler:     handler,
		options:     options.withDefaults(),
		logger:      logger.With("module", "ingestion_poller", "channel_id", channel.ID),
		tracer:      otelhelper.NoopTracer(),
		status:      Status{ChannelID: channel.ID, ChannelType: channel.Type},
	}
}

func (p *Poller) WithMetrics(m *metrics.Metrics) *Poller {
	p.metrics = m

	return p
}

func (p *Poller) WithTracer(tracer trace.Tracer) *Poller {
	p.tracer = tracer

	return p
}

// Run disables push delivery and polls until ctx is cancelled. Transport and hand-off
// failures are retried from the same cursor with exponential backoff.
func (p *Poller) Run(ctx context.Context) error {
	p.setRunning(true)
	defer p.setRunning(false)

	p.metrics.PollerStarted()
	defer p.metrics.PollerStopped()

	p.logger.InfoContext(ctx, "Starting channel poller")

	if err := p.disableWebhook(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}

		return err
	}

	policy := p.backoff()

	for {
		if ctx.Err() != nil {
			p.logger.InfoContext(ctx, "Channel poller stopped")

			return nil
		}

		processed, err := p.PollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}

			wait := policy.NextBackOff()
			p.logger.WarnContext(ctx, "Poll failed, retrying", "error", err, "retry_in", wait)

			sleep(ctx, wait)

			continue
		}

		policy.Reset()

		if processed == 0 {
			sleep(ctx, p.options.IdleInterval)
		}
	}
}

func (p *Poller) disableWebhook(ctx context.Context) error {
	notify := func(err error, wait time.Duration) {
		p.recordError(err)
		p.logger.WarnContext(ctx, "Failed to disable webhook, retrying", "error", err, "retry_in", wait)
	}

	return backoff.RetryNotify(func() error {
		return p.transport.DeleteWebhook(ctx)
	}, backoff.WithContext(p.backoff(), ctx), notify)
}

func (p *Poller) backoff() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.options.ErrorBackoffStart
	policy.MaxInterval = p.options.ErrorBackoffMax
	policy.MaxElapsedTime = 0
	policy.Reset()

	return policy
}

// PollOnce fetches one batch and processes it in stream order. The cursor is advanced
// after each update is handed off, so a failure mid-batch leaves only the unprocessed
// tail to be fetched again. It returns how many updates the cursor moved past.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	ctx, span := otelhelper.StartSpan(ctx, p.tracer, "ingestion.poll",
		attribute.String(otelhelper.ChannelIDKey, p.channel.ID),
		attribute.String(otelhelper.ChannelTypeKey, string(p.channel.Type)),
	)
	defer span.End()

	processed, err := p.pollOnce(ctx)
	if err != nil {
		otelhelper.SetError(span, err)
		p.metrics.PollError(p.channel.ID)
		p.recordError(err)

		return processed, err
	}

	p.recordSuccess()
	span.SetAttributes(attribute.Int("deskflow.updates", processed))

	return processed, nil
}

func (p *Poller) pollOnce(ctx context.Context) (int, error) {
	cursor, err := p.cursors.Get(ctx, p.channel.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor: %w", err)
	}

	p.setCursor(cursor)

	updates, err := p.transport.FetchUpdates(ctx, cursor, p.options.PollTimeout)
	if err != nil {
		return 0, err
	}

	slices.SortFunc(updates, func(a, b transport.Update) int { return cmp.Compare(a.ID, b.ID) })

	processed := 0

	for _, update := range updates {
		if update.ID < cursor {
			continue
		}

		if err := ctx.Err(); err != nil {
			return processed, err
		}

		if err := p.process(ctx, update); err != nil {
			return processed, err
		}

		cursor = update.ID + 1

		// the hand-off already happened; record it even when shutdown started meanwhile
		if err := p.cursors.Advance(context.WithoutCancel(ctx), p.channel.ID, cursor); err != nil {
			return processed, fmt.Errorf("failed to advance cursor to %d: %w", cursor, err)
		}

		processed++
		p.advanced(cursor)
	}

	return processed, nil
}

// process normalizes and hands off one update. Malformed and unsupported updates are skipped.
func (p *Poller) process(ctx context.Context, update transport.Update) error {
	logger := p.logger.With("update_id", update.ID)

	event, err := p.normalizers.Normalize(p.channel, update)
	if err != nil {
		if !normalizer.IsSkippable(err) {
			return err
		}

		if errors.Is(err, normalizer.ErrUnsupportedUpdate) {
			logger.DebugContext(ctx, "Skipping unsupported update")
		} else {
			logger.WarnContext(ctx, "Skipping malformed update", "error", err, "payload", string(update.Payload))
		}

		p.metrics.UpdateSkipped(p.channel.ID)

		return nil
	}

	if err := p.handler.Handle(ctx, event); err != nil {
		return fmt.Errorf("failed to hand off update %d: %w", update.ID, err)
	}

	p.metrics.UpdateProcessed(p.channel.ID)
	logger.DebugContext(ctx, "Update handed off", "external_chat_id", event.ExternalChatID)

	return nil
}

func (p *Poller) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := p.status
	if status.LastPollAt != nil {
		at := *status.LastPollAt
		status.LastPollAt = &at
	}

	return status
}

func (p *Poller) setRunning(running bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status.Running = running
}

func (p *Poller) setCursor(cursor int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status.Cursor = cursor
}

func (p *Poller) advanced(cursor int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status.Cursor = cursor
	p.status.Processed++
}

func (p *Poller) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()
	p.status.LastPollAt = &now
	p.status.LastError = ""
}

func (p *Poller) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()
	p.status.LastPollAt = &now
	p.status.LastError = err.Error()
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
