package sharedcam

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sharedcam/internal/platform/jsonx"
	"sharedcam/internal/platform/metrics"
)

// DefaultKeepalive is how long an event stream may stay silent before a
// keepalive frame is written.
const DefaultKeepalive = 15 * time.Second

// EventWriter is the outbound side of one event stream connection.
type EventWriter interface {
	// WriteEvent sends one status payload.
	WriteEvent(data []byte) error
	// WriteKeepalive sends a frame observers ignore.
	WriteKeepalive() error
}

// Multiplexer merges coordinator state changes and status template changes
// into one coalesced status feed per connection.
type Multiplexer struct {
	builder   *StatusBuilder
	engine    TemplateEngine
	keepalive time.Duration
	log       *slog.Logger
	metrics   *metrics.Metrics
}

// NewMultiplexer returns a Multiplexer. A keepalive <= 0 uses DefaultKeepalive.
// engine and m may be nil.
func NewMultiplexer(builder *StatusBuilder, engine TemplateEngine, keepalive time.Duration, log *slog.Logger, m *metrics.Metrics) *Multiplexer {
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	return &Multiplexer{
		builder:   builder,
		engine:    engine,
		keepalive: keepalive,
		log:       log,
		metrics:   m,
	}
}

// Serve streams status events for c to w until ctx is done or a write
// fails. It writes the current status first, then one event per batch of
// change notifications, and a keepalive after each idle period. Both change
// subscriptions are removed before Serve returns. A write error is returned
// as is; cancellation returns nil.
func (m *Multiplexer) Serve(ctx context.Context, c *Coordinator, w EventWriter) error {
	// Capacity one: any number of changes before the next flush collapse
	// into a single pending signal.
	pending := make(chan struct{}, 1)
	signal := func() {
		select {
		case pending <- struct{}{}:
		default:
		}
	}

	removeListener := c.AddListener(func(*StreamState) { signal() })
	defer removeListener()

	if tmpl := c.Settings().StatusTemplate; tmpl != "" && m.engine != nil {
		cancel, err := m.engine.Track(tmpl, signal)
		if err != nil {
			m.log.Warn("cannot track status template",
				slog.String("stream", c.Name()),
				slog.String("error", err.Error()))
		} else {
			defer cancel()
		}
	}

	m.metrics.EventStreamOpened()
	defer m.metrics.EventStreamClosed()

	if err := m.emit(c, w); err != nil {
		return err
	}

	idle := time.NewTimer(m.keepalive)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pending:
			if err := m.emit(c, w); err != nil {
				return err
			}
		case <-idle.C:
			if err := w.WriteKeepalive(); err != nil {
				return err
			}
			m.metrics.IncKeepalives()
		}
		idle.Reset(m.keepalive)
	}
}

// emit renders the latest state, never a queued intermediate one.
func (m *Multiplexer) emit(c *Coordinator, w EventWriter) error {
	data, err := jsonx.Marshal(m.builder.Build(c))
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if err := w.WriteEvent(data); err != nil {
		return err
	}
	m.metrics.IncEvents()
	return nil
}
