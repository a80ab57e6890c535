package sharedcam

import (
	"fmt"
	"log/slog"
	"strings"

	"sharedcam/internal/platform/metrics"
)

// TemplateEngine renders status templates against live data and reports
// when a template's output changes.
type TemplateEngine interface {
	Render(src string) (string, error)
	// Track calls onChange whenever the output of src changes and returns a
	// function that stops tracking.
	Track(src string, onChange func()) (cancel func(), err error)
}

// BuildStatus turns a stream state and its settings into a status payload.
// The payload is always usable: when the template fails to render the status
// field is omitted and the failure is returned as renderErr.
func BuildStatus(state *StreamState, s Settings, engine TemplateEngine) (p StatusPayload, renderErr error) {
	if !state.Registered() {
		return StatusPayload{Available: false, Message: unavailableMessage}, nil
	}

	p.Available = true
	if s.ShowViewers {
		n := state.Viewers()
		p.Viewers = &n
	}
	if s.StatusTemplate == "" || engine == nil {
		return p, nil
	}

	out, err := engine.Render(s.StatusTemplate)
	if err != nil {
		return p, fmt.Errorf("render status template: %w", err)
	}
	out = strings.TrimSpace(out)
	p.Status = &out
	return p, nil
}

// StatusBuilder builds payloads from live coordinator state and settings,
// logging template failures instead of returning them.
type StatusBuilder struct {
	engine  TemplateEngine
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewStatusBuilder returns a StatusBuilder. engine and m may be nil.
func NewStatusBuilder(engine TemplateEngine, log *slog.Logger, m *metrics.Metrics) *StatusBuilder {
	return &StatusBuilder{engine: engine, log: log, metrics: m}
}

// Build returns the current payload for c.
func (b *StatusBuilder) Build(c *Coordinator) StatusPayload {
	p, err := BuildStatus(c.State(), c.Settings(), b.engine)
	if err != nil {
		b.metrics.IncTemplateFailures()
		b.log.Warn("failed to render status template",
			slog.String("stream", c.Name()),
			slog.String("error", err.Error()))
	}
	return p
}
