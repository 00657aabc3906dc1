package ingestion

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/dukex/deskflow/pkg/metrics"
	"github.com/dukex/deskflow/pkg/models"
	"github.com/dukex/deskflow/pkg/normalizer"
	"github.com/dukex/deskflow/pkg/persistence"
	"github.com/dukex/deskflow/pkg/transport"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrChannelInactive    = errors.New("channel is not active")
	ErrChannelNotPollable = errors.New("channel type does not support polling")
	ErrPollerNotRunning   = errors.New("channel is not being polled")
)

// TransportResolver returns the transport of a channel. transport.Registry satisfies it.
type TransportResolver interface {
	ForChannel(channel *models.Channel) (transport.ChannelTransport, error)
}

type worker struct {
	poller *Poller
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs one poller per active pollable channel. Each poller is an independent
// unit: it is started, stopped and fails on its own.
type Manager struct {
	persistence persistence.Persistence
	transports  TransportResolver
	normalizers *normalizer.Registry
	handler     Handler
	options     Options
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer

	mu      sync.Mutex
	workers map[string]*worker
	stopped map[string]Status
	wg      sync.WaitGroup
}

func NewManager(
	p persistence.Persistence,
	transports TransportResolver,
	normalizers *normalizer.Registry,
	handler Handler,
	logger *slog.Logger,
	options Options,
) *Manager {
	return &Manager{
		persistence: p,
		transports:  transports,
		normalizers: normalizers,
		handler:     handler,
		options:     options,
		logger:      logger.With("module", "ingestion_manager"),
		workers:     make(map[string]*worker),
		stopped:     make(map[string]Status),
	}
}

func (m *Manager) WithMetrics(mt *metrics.Metrics) *Manager {
	m.metrics = mt

	return m
}

func (m *Manager) WithTracer(tracer trace.Tracer) *Manager {
	m.tracer = tracer

	return m
}

// StartAll starts polling every active pollable channel that is not polled yet. Having
// no such channel is not an error. A channel that fails to start does not prevent the
// others from starting.
func (m *Manager) StartAll(ctx context.Context) error {
	channels, err := m.persistence.ChannelRepository().GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load channels: %w", err)
	}

	var (
		started  int
		problems []error
	)

	for _, channel := range channels {
		if !channel.Active || !channel.Type.Pollable() {
			continue
		}

		if err := m.start(ctx, channel); err != nil {
			m.logger.ErrorContext(ctx, "Failed to start channel poller", "channel_id", channel.ID, "error", err)
			problems = append(problems, fmt.Errorf("channel %s: %w", channel.ID, err))

			continue
		}

		started++
	}

	if started == 0 && len(problems) == 0 {
		m.logger.InfoContext(ctx, "No active pollable channels")
	}

	return errors.Join(problems...)
}

// StartChannel starts polling one channel. Starting a channel that is already polled is a no-op.
func (m *Manager) StartChannel(ctx context.Context, channelID string) error {
	channel, err := m.persistence.ChannelRepository().GetByID(ctx, channelID)
	if err != nil {
		return err
	}

	if !channel.Active {
		return fmt.Errorf("%w: %s", ErrChannelInactive, channelID)
	}

	if !channel.Type.Pollable() {
		return fmt.Errorf("%w: %s", ErrChannelNotPollable, channel.Type)
	}

	return m.start(ctx, channel)
}

func (m *Manager) start(ctx context.Context, channel *models.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workers[channel.ID]; ok {
		return nil
	}

	tr, err := m.transports.ForChannel(channel)
	if err != nil {
		return err
	}

	poller := NewPoller(channel, tr, m.persistence.CursorRepository(), m.normalizers, m.handler, m.logger, m.options).
		WithMetrics(m.metrics)
	if m.tracer != nil {
		poller.WithTracer(m.tracer)
	}

	// pollers outlive the request that started them; they end through StopChannel or StopAll
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &worker{poller: poller, cancel: cancel, done: make(chan struct{})}

	m.workers[channel.ID] = w
	delete(m.stopped, channel.ID)

	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		defer close(w.done)

		if err := poller.Run(runCtx); err != nil {
			m.logger.Error("Channel poller exited", "channel_id", channel.ID, "error", err)
		}

		m.mu.Lock()
		defer m.mu.Unlock()

		if m.workers[channel.ID] == w {
			delete(m.workers, channel.ID)
			m.stopped[channel.ID] = poller.Status()
		}
	}()

	m.logger.InfoContext(ctx, "Channel poller started", "channel_id", channel.ID, "channel_type", channel.Type)

	return nil
}

// StopChannel stops a channel's poller and waits for its in-flight update to finish.
func (m *Manager) StopChannel(channelID string) error {
	m.mu.Lock()
	w, ok := m.workers[channelID]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrPollerNotRunning, channelID)
	}

	w.cancel()
	<-w.done

	m.logger.Info("Channel poller stopped", "channel_id", channelID)

	return nil
}

// StopAll stops every poller and waits for them to finish.
func (m *Manager) StopAll() {
	m.mu.Lock()

	workers := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}

	m.mu.Unlock()

	for _, w := range workers {
		w.cancel()
	}

	for _, w := range workers {
		<-w.done
	}

	if len(workers) > 0 {
		m.logger.Info("All channel pollers stopped", "count", len(workers))
	}
}

// Wait blocks until every poller started so far has exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Status lists running and previously stopped pollers ordered by channel id.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]Status, 0, len(m.workers)+len(m.stopped))
	for _, w := range m.workers {
		status := w.poller.Status()
		status.Running = true
		statuses = append(statuses, status)
	}

	for _, status := range m.stopped {
		statuses = append(statuses, status)
	}

	slices.SortFunc(statuses, func(a, b Status) int { return cmp.Compare(a.ChannelID, b.ChannelID) })

	return statuses
}

// Running reports whether a channel is being polled.
func (m *Manager) Running(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.workers[channelID]

	return ok
}
