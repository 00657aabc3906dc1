package transport

import (
	"fmt"
	"sync"

	"github.com/dukex/deskflow/pkg/models"
)

// Factory builds the transport for a channel from its credentials.
type Factory func(channel *models.Channel) (ChannelTransport, error)

// Registry resolves channel transports, keeping one instance per channel.
type Registry struct {
	mu        sync.Mutex
	factories map[models.ChannelType]Factory
	instances map[string]ChannelTransport
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[models.ChannelType]Factory),
		instances: make(map[string]ChannelTransport),
	}
}

func (r *Registry) Register(channelType models.ChannelType, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[channelType] = factory
}

// Set installs a prebuilt transport for a channel.
func (r *Registry) Set(channelID string, transport ChannelTransport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.instances[channelID] = transport
}

func (r *Registry) ForChannel(channel *models.Channel) (ChannelTransport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if instance, ok := r.instances[channel.ID]; ok {
		return instance, nil
	}

	factory, ok := r.factories[channel.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChannel, channel.Type)
	}

	instance, err := factory(channel)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport for channel %s: %w", channel.ID, err)
	}

	r.instances[channel.ID] = instance

	return instance, nil
}

// Forget drops the cached transport so the next lookup rebuilds it from fresh credentials.
func (r *Registry) Forget(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.instances, channelID)
}
