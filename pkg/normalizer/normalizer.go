// Package normalizer converts provider-specific updates into canonical inbound events.
package normalizer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dukex/deskflow/pkg/models"
	"github.com/dukex/deskflow/pkg/transport"
)

// ErrUnsupportedUpdate marks a well-formed update that carries nothing to ingest
// (membership changes, polls, and so on).
var ErrUnsupportedUpdate = errors.New("unsupported update kind")

// Error is a malformed update. The poller skips it and moves the cursor past it.
type Error struct {
	ChannelID string
	UpdateID  int64
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to normalize update %d on channel %s: %v", e.UpdateID, e.ChannelID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func IsNormalizationError(err error) bool {
	var normErr *Error

	return errors.As(err, &normErr)
}

// IsSkippable reports whether an update should be skipped rather than retried.
func IsSkippable(err error) bool {
	return IsNormalizationError(err) || errors.Is(err, ErrUnsupportedUpdate)
}

type Normalizer interface {
	Normalize(channel *models.Channel, update transport.Update) (models.InboundEvent, error)
}

type Registry struct {
	mu          sync.RWMutex
	normalizers map[models.ChannelType]Normalizer
}

func NewRegistry() *Registry {
	return &Registry{normalizers: make(map[models.ChannelType]Normalizer)}
}

// NewDefaultRegistry returns a registry with every built-in normalizer.
func NewDefaultRegistry() *Registry {
	registry := NewRegistry()
	registry.Register(models.ChannelTypeTelegram, Telegram{})

	return registry
}

func (r *Registry) Register(channelType models.ChannelType, normalizer Normalizer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.normalizers[channelType] = normalizer
}

func (r *Registry) Normalize(channel *models.Channel, update transport.Update) (models.InboundEvent, error) {
	r.mu.RLock()
	normalizer, ok := r.normalizers[channel.Type]
	r.mu.RUnlock()

	if !ok {
		return models.InboundEvent{}, &Error{
			ChannelID: channel.ID,
			UpdateID:  update.ID,
			Err:       fmt.Errorf("no normalizer for channel type %s", channel.Type),
		}
	}

	return normalizer.Normalize(channel, update)
}
