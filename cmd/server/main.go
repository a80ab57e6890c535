package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sharedcam/internal/platform/config"
	"sharedcam/internal/platform/logger"
	"sharedcam/internal/platform/metrics"
	"sharedcam/internal/relay"
	"sharedcam/internal/sharedcam"
	"sharedcam/internal/states"

	"github.com/go-chi/chi/v5"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)

	streams, err := config.LoadStreams(cfg.StreamsFile)
	if err != nil {
		log.Error("cannot load streams", "file", cfg.StreamsFile, "error", err)
		os.Exit(1)
	}

	store, err := sharedcam.OpenBoltStore(cfg.DataFile, 0)
	if err != nil {
		log.Error("cannot open settings store", "file", cfg.DataFile, "error", err)
		os.Exit(1)
	}

	met := metrics.New()
	api := relay.NewCached(relay.New(cfg.RelayURL, cfg.RequestTimeout), cfg.ListCacheTTL)
	engine := states.NewEngine()
	registry := sharedcam.NewRegistry()
	builder := sharedcam.NewStatusBuilder(engine, log, met)
	mux := sharedcam.NewMultiplexer(builder, engine, cfg.KeepaliveInterval, log, met)
	h := sharedcam.NewHandler(registry, builder, mux, engine, log, met, cfg.RequestTimeout)
	sh := states.NewHandler(engine, log)

	mgr := sharedcam.NewManager(registry, api, store, log, met)
	mgr.RetryMax = cfg.SetupRetryMax

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetManagedStreams(registry.Len()) }).ServeHTTP(w, r)
	})
	r.Route("/status/{stream}", func(r chi.Router) {
		r.Get("/", h.GetStatus)
		r.Get("/events", h.StreamEvents)
	})
	r.Get("/streams", h.ListStreams)
	r.Route("/streams/{stream}", func(r chi.Router) {
		r.Get("/", h.GetStream)
		r.Post("/on", h.TurnOn)
		r.Post("/off", h.TurnOff)
		r.Get("/options", h.GetOptions)
		r.Put("/options", h.UpdateOptions)
	})
	r.Route("/states/{entity_id}", func(r chi.Router) {
		r.Get("/", sh.Get)
		r.Put("/", sh.Put)
	})

	// Cancelling baseCtx ends every open event stream and poll loop, so
	// Shutdown doesn't wait on connections that never go idle.
	baseCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	g, gctx := errgroup.WithContext(baseCtx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return mgr.Run(gctx, coordinatorConfigs(cfg, streams))
	})

	log.Info("server starting",
		"port", cfg.Port,
		"relay_url", cfg.RelayURL,
		"streams", len(streams),
		"poll_interval", cfg.PollInterval.String(),
		"log_level", cfg.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Info("shutdown signal received, draining connections")
	case <-gctx.Done():
	}

	cancel()

	ctx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()

	err = srv.Shutdown(ctx)
	err = multierr.Append(err, g.Wait())
	err = multierr.Append(err, store.Close())
	if err != nil {
		log.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log.Info("server stopped")
}

func coordinatorConfigs(cfg config.Config, streams []config.StreamConfig) []sharedcam.CoordinatorConfig {
	out := make([]sharedcam.CoordinatorConfig, 0, len(streams))
	for _, s := range streams {
		out = append(out, sharedcam.CoordinatorConfig{
			Name:         s.Name,
			FriendlyName: s.Title(),
			SourceURL:    s.Source(cfg.SourceBaseURL),
			PollInterval: cfg.PollInterval,
			Defaults: sharedcam.Settings{
				ShowViewers:    s.ViewersShown(),
				StatusTemplate: s.StatusTemplate,
			},
		})
	}
	return out
}
