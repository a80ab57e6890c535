package sharedcam

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"sharedcam/internal/platform/metrics"
	"sharedcam/internal/relay"
)

// DefaultPollInterval is how often a coordinator reconciles with the relay.
const DefaultPollInterval = 30 * time.Second

// CoordinatorConfig is fixed for the lifetime of a coordinator.
type CoordinatorConfig struct {
	// Name is lower-cased and trimmed by NewCoordinator.
	Name         string
	FriendlyName string
	// SourceURL is what the relay pulls from once the stream is enabled.
	SourceURL    string
	PollInterval time.Duration
	// Defaults are saved to the store the first time the stream starts.
	Defaults Settings
}

// Listener is called after every change of a coordinator's stream state,
// with the new state. It runs on the goroutine that made the change and
// must not block.
type Listener func(state *StreamState)

type listenerEntry struct {
	id uint64
	fn Listener
}

// Coordinator owns the reconciled state of one named stream. Refresh, Enable,
// Disable and settings writes are serialized, so a poll never overwrites an
// in-flight control action and vice versa.
type Coordinator struct {
	cfg     CoordinatorConfig
	relay   relay.API
	store   Store
	log     *slog.Logger
	metrics *metrics.Metrics

	opMu sync.Mutex

	mu          sync.RWMutex
	state       *StreamState
	initialized bool
	listeners   []listenerEntry
	nextID      uint64
}

// NewCoordinator returns a coordinator for cfg.Name. Metrics may be nil.
func NewCoordinator(cfg CoordinatorConfig, api relay.API, store Store, log *slog.Logger, m *metrics.Metrics) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.FriendlyName == "" {
		cfg.FriendlyName = strings.TrimSpace(cfg.Name)
	}
	cfg.Name = normalizeName(cfg.Name)
	return &Coordinator{
		cfg:     cfg,
		relay:   api,
		store:   store,
		log:     log.With(slog.String("stream", cfg.Name)),
		metrics: m,
	}
}

// Name returns the stream name.
func (c *Coordinator) Name() string { return c.cfg.Name }

// FriendlyName returns the display name.
func (c *Coordinator) FriendlyName() string { return c.cfg.FriendlyName }

// State returns the current stream state; nil means absent.
func (c *Coordinator) State() *StreamState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Phase returns where the coordinator is in its lifecycle.
func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch {
	case !c.initialized:
		return PhaseUninitialized
	case c.state == nil:
		return PhaseAbsent
	default:
		return PhaseRegistered
	}
}

// AddListener registers fn and returns a function that removes it.
// Listeners are called in registration order.
func (c *Coordinator) AddListener(fn Listener) (remove func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners = append(c.listeners, listenerEntry{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, l := range c.listeners {
				if l.id == id {
					c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// ListenerCount returns the number of registered listeners.
func (c *Coordinator) ListenerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.listeners)
}

// Start performs the first refresh and fails if it does. If the stream was
// enabled before but the relay no longer has it, Start makes one attempt to
// register it again; that attempt failing is logged, not returned.
func (c *Coordinator) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.refreshLocked(ctx); err != nil {
		return fmt.Errorf("initial refresh of %q: %w", c.cfg.Name, err)
	}

	s := c.settingsLocked()
	if !s.Enabled || c.State().Registered() {
		return nil
	}

	if err := c.enableLocked(ctx); err != nil {
		c.log.Warn("failed to re-register stream after restart", slog.String("error", err.Error()))
		return nil
	}
	if err := c.refreshLocked(ctx); err != nil {
		c.log.Warn("refresh after re-register failed", slog.String("error", err.Error()))
		return nil
	}
	c.log.Info("re-registered stream after restart")
	return nil
}

// Run polls the relay every poll interval until ctx is done. Poll failures
// are logged and retried on the next tick.
func (c *Coordinator) Run(ctx context.Context) {
	t := time.NewTicker(c.cfg.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn("poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Refresh reads the relay's stream table and replaces the local state.
// On failure the state is left untouched.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.refreshLocked(ctx)
}

// Enable registers the stream on the relay. On success the state is set to
// registered with no viewers until the next poll, and the enablement is
// persisted.
func (c *Coordinator) Enable(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.enableLocked(ctx)
}

// Disable deregisters the stream and then restarts the relay, which is the
// only way to drop viewers that are already connected. On success the state
// becomes absent and the disablement is persisted.
func (c *Coordinator) Disable(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	err := c.relay.Deregister(ctx, c.cfg.Name)
	if err == nil {
		err = c.relay.Restart(ctx)
	}
	c.metrics.ObserveControlAction("disable", err)
	if err != nil {
		return fmt.Errorf("disable stream %q: %w", c.cfg.Name, err)
	}

	c.replace(nil)
	c.persistEnabledLocked(false)
	return nil
}

// Settings returns the stream's current persisted settings. Store failures
// are logged and the configured defaults are returned.
func (c *Coordinator) Settings() Settings {
	s, ok, err := c.store.Settings(c.cfg.Name)
	if err != nil {
		c.log.Warn("load settings failed", slog.String("error", err.Error()))
		return c.cfg.Defaults
	}
	if !ok {
		return c.cfg.Defaults
	}
	return s
}

// UpdateOptions changes the viewer visibility and status template. Nil
// arguments leave the current value in place.
func (c *Coordinator) UpdateOptions(showViewers *bool, statusTemplate *string) (Settings, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	s := c.settingsLocked()
	if showViewers != nil {
		s.ShowViewers = *showViewers
	}
	if statusTemplate != nil {
		s.StatusTemplate = *statusTemplate
	}
	if err := c.store.SaveSettings(c.cfg.Name, s); err != nil {
		return Settings{}, fmt.Errorf("save settings for %q: %w", c.cfg.Name, err)
	}
	return s, nil
}

// View summarizes the stream for the control endpoints.
func (c *Coordinator) View() StreamView {
	st := c.State()
	return StreamView{
		Name:             c.cfg.Name,
		FriendlyName:     c.cfg.FriendlyName,
		Phase:            c.Phase().String(),
		Enabled:          st.Registered(),
		Viewers:          st.Viewers(),
		PersistedEnabled: c.Settings().Enabled,
	}
}

func (c *Coordinator) refreshLocked(ctx context.Context) error {
	streams, err := c.relay.ListStreams(ctx)
	c.metrics.ObservePoll(c.cfg.Name, err)
	if err != nil {
		return fmt.Errorf("list relay streams: %w", err)
	}

	var next *StreamState
	if s, ok := streams[c.cfg.Name]; ok {
		next = &StreamState{Producers: s.Producers, Consumers: s.Consumers}
	}
	c.replace(next)
	return nil
}

func (c *Coordinator) enableLocked(ctx context.Context) error {
	err := c.relay.Register(ctx, c.cfg.Name, c.cfg.SourceURL)
	c.metrics.ObserveControlAction("enable", err)
	if err != nil {
		return fmt.Errorf("enable stream %q: %w", c.cfg.Name, err)
	}

	c.replace(&StreamState{Producers: []json.RawMessage{}, Consumers: []json.RawMessage{}})
	c.persistEnabledLocked(true)
	return nil
}

// settingsLocked is Settings, but also seeds the store with the defaults
// the first time. Caller must hold c.opMu.
func (c *Coordinator) settingsLocked() Settings {
	s, ok, err := c.store.Settings(c.cfg.Name)
	if err != nil {
		c.log.Warn("load settings failed", slog.String("error", err.Error()))
		return c.cfg.Defaults
	}
	if ok {
		return s
	}
	if err := c.store.SaveSettings(c.cfg.Name, c.cfg.Defaults); err != nil {
		c.log.Warn("seed settings failed", slog.String("error", err.Error()))
	}
	return c.cfg.Defaults
}

// persistEnabledLocked records the outcome of a control action. A store
// failure does not undo the action. Caller must hold c.opMu.
func (c *Coordinator) persistEnabledLocked(enabled bool) {
	s := c.settingsLocked()
	s.Enabled = enabled
	if err := c.store.SaveSettings(c.cfg.Name, s); err != nil {
		c.log.Error("persist enablement failed",
			slog.Bool("enabled", enabled),
			slog.String("error", err.Error()))
	}
}

// replace publishes next and notifies listeners if the registered flag or
// the viewer count changed. The first published state always notifies.
// Caller must hold c.opMu.
func (c *Coordinator) replace(next *StreamState) {
	c.mu.Lock()
	prev, wasInitialized := c.state, c.initialized
	c.state = next
	c.initialized = true
	listeners := append([]listenerEntry(nil), c.listeners...)
	c.mu.Unlock()

	c.metrics.SetStreamState(c.cfg.Name, next.Registered(), next.Viewers())

	if wasInitialized && prev.Registered() == next.Registered() && prev.Viewers() == next.Viewers() {
		return
	}
	for _, l := range listeners {
		c.invoke(l, next)
	}
}

func (c *Coordinator) invoke(l listenerEntry, state *StreamState) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("state listener panicked", slog.Any("panic", r))
		}
	}()
	l.fn(state)
}
