package sharedcam

import (
	"context"
	"log/slog"
	"time"

	"sharedcam/internal/platform/metrics"
	"sharedcam/internal/relay"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"
)

// Manager starts one coordinator per configured stream and keeps the
// registry in step with the coordinators that are running.
type Manager struct {
	registry *Registry
	relay    relay.API
	store    Store
	log      *slog.Logger
	metrics  *metrics.Metrics

	// RetryInitial and RetryMax bound the delay between setup attempts of
	// a stream whose first refresh failed.
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// NewManager returns a Manager. Metrics may be nil.
func NewManager(registry *Registry, api relay.API, store Store, log *slog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		registry:     registry,
		relay:        api,
		store:        store,
		log:          log,
		metrics:      m,
		RetryInitial: time.Second,
		RetryMax:     5 * time.Minute,
	}
}

// Run starts every stream concurrently and blocks until ctx is done. A
// stream whose setup fails does not hold up the others; its setup is
// retried with exponential backoff.
func (m *Manager) Run(ctx context.Context, streams []CoordinatorConfig) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, cfg := range streams {
		cfg := cfg
		g.Go(func() error {
			m.runStream(ctx, cfg)
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) runStream(ctx context.Context, cfg CoordinatorConfig) {
	c := NewCoordinator(cfg, m.relay, m.store, m.log, m.metrics)
	log := m.log.With(slog.String("stream", cfg.Name))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.RetryInitial
	b.MaxInterval = m.RetryMax
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		return c.Start(ctx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		log.Warn("stream setup failed, will retry",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", next))
	})
	if err != nil {
		// Only cancellation ends the retry loop.
		return
	}

	if err := m.registry.Add(c); err != nil {
		log.Error("cannot register stream", slog.String("error", err.Error()))
		return
	}
	m.metrics.SetManagedStreams(m.registry.Len())
	log.Info("stream started", slog.String("phase", c.Phase().String()))

	defer func() {
		m.registry.Remove(c)
		m.metrics.SetManagedStreams(m.registry.Len())
		m.metrics.ForgetStream(cfg.Name)
		log.Info("stream stopped")
	}()

	c.Run(ctx)
}
