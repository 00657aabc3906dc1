// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"log/slog"

	"github.com/dukex/deskflow/pkg/locker"
	"github.com/dukex/deskflow/pkg/models"
	"github.com/dukex/deskflow/pkg/normalizer"
	"github.com/dukex/deskflow/pkg/transport"
	"github.com/dukex/deskflow/pkg/transport/telegram"
	"golang.org/x/time/rate"
)

// NewTransportRegistry registers a factory for every supported channel type.
// sendRate caps outbound messages per second per channel; zero keeps the channel default.
func NewTransportRegistry(sendRate float64) *transport.Registry {
	registry := transport.NewRegistry()
	registry.Register(models.ChannelTypeTelegram, telegram.Factory(telegram.Options{
		SendRate: rate.Limit(sendRate),
	}))

	return registry
}

func NewNormalizerRegistry() *normalizer.Registry {
	return normalizer.NewDefaultRegistry()
}

// NewLocker returns a Redis lock when redisURL is set and an in-process lock otherwise.
// The returned close function releases the Redis connection.
//
// nolint:ireturn // the locker kind depends on configuration
func NewLocker(redisURL string, logger *slog.Logger) (locker.Locker, func() error, error) {
	if redisURL == "" {
		return locker.NewLocalLocker(), func() error { return nil }, nil
	}

	client, err := locker.NewRedisClient(redisURL)
	if err != nil {
		return nil, nil, err
	}

	return locker.NewRedisLocker(client, "deskflow:", locker.DefaultLeaseTTL, logger), client.Close, nil
}
