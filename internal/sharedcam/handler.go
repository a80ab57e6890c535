package sharedcam

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"sharedcam/internal/platform/jsonx"
	"sharedcam/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	notFoundMessage = "Camera not found"
	maxOptionsBody  = 64 << 10
)

// Handler exposes stream status, event streams and control actions using go-chi.
type Handler struct {
	registry     *Registry
	builder      *StatusBuilder
	mux          *Multiplexer
	engine       TemplateEngine
	log          *slog.Logger
	metrics      *metrics.Metrics
	writeTimeout time.Duration
}

// NewHandler returns a Handler. engine and m may be nil. writeTimeout bounds
// every event stream write.
func NewHandler(registry *Registry, builder *StatusBuilder, mux *Multiplexer, engine TemplateEngine, log *slog.Logger, m *metrics.Metrics, writeTimeout time.Duration) *Handler {
	return &Handler{
		registry:     registry,
		builder:      builder,
		mux:          mux,
		engine:       engine,
		log:          log,
		metrics:      m,
		writeTimeout: writeTimeout,
	}
}

// GetStatus handles GET /status/{stream}.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.builder.Build(c))
}

// StreamEvents handles GET /status/{stream}/events. The response stays open
// until the client goes away or the server shuts down.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	c, err := h.registry.Get(chi.URLParam(r, "stream"))
	if err != nil {
		http.Error(w, notFoundMessage, http.StatusNotFound)
		return
	}

	log := h.log.With(
		slog.String("stream", c.Name()),
		slog.String("conn_id", uuid.NewString()))

	sw, err := newSSEWriter(w, h.writeTimeout)
	if err != nil {
		log.Debug("event stream not supported by writer", slog.String("error", err.Error()))
		return
	}

	log.Debug("event stream opened")
	if err := h.mux.Serve(r.Context(), c, sw); err != nil {
		// Disconnects surface here as write errors; they are expected.
		log.Debug("event stream ended", slog.String("error", err.Error()))
		return
	}
	log.Debug("event stream closed")
}

// ListStreams handles GET /streams.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	coords := h.registry.List()
	views := make([]StreamView, 0, len(coords))
	for _, c := range coords {
		views = append(views, c.View())
	}
	writeJSON(w, http.StatusOK, views)
}

// GetStream handles GET /streams/{stream}.
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c.View())
}

// TurnOn handles POST /streams/{stream}/on.
func (h *Handler) TurnOn(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := c.Enable(r.Context()); err != nil {
		h.log.Error("failed to enable stream",
			slog.String("stream", c.Name()),
			slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	h.log.Info("stream enabled", slog.String("stream", c.Name()))
	writeJSON(w, http.StatusOK, c.View())
}

// TurnOff handles POST /streams/{stream}/off.
func (h *Handler) TurnOff(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := c.Disable(r.Context()); err != nil {
		h.log.Error("failed to disable stream",
			slog.String("stream", c.Name()),
			slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	h.log.Info("stream disabled", slog.String("stream", c.Name()))
	writeJSON(w, http.StatusOK, c.View())
}

// optionsBody is the wire form of the mutable stream options. Absent
// fields keep their current value.
type optionsBody struct {
	ShowViewers    *bool   `json:"show_viewers"`
	StatusTemplate *string `json:"status_template"`
}

// GetOptions handles GET /streams/{stream}/options.
func (h *Handler) GetOptions(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toOptionsBody(c.Settings()))
}

// UpdateOptions handles PUT /streams/{stream}/options.
// Body: {"show_viewers": false, "status_template": "{{ state \"sensor.x\" }}"}.
func (h *Handler) UpdateOptions(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var body optionsBody
	data, err := io.ReadAll(io.LimitReader(r.Body, maxOptionsBody))
	if err == nil {
		err = jsonx.Unmarshal(data, &body)
	}
	if err != nil {
		h.log.Debug("invalid options body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid options body")
		return
	}

	if body.StatusTemplate != nil && *body.StatusTemplate != "" && h.engine != nil {
		if _, err := h.engine.Render(*body.StatusTemplate); err != nil {
			writeError(w, http.StatusBadRequest, "invalid status template: "+err.Error())
			return
		}
	}

	s, err := c.UpdateOptions(body.ShowViewers, body.StatusTemplate)
	if err != nil {
		h.log.Error("update options failed",
			slog.String("stream", c.Name()),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "cannot save options")
		return
	}
	writeJSON(w, http.StatusOK, toOptionsBody(s))
}

// lookup resolves the {stream} URL parameter, writing a 404 for unknown
// streams.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*Coordinator, bool) {
	c, err := h.registry.Get(chi.URLParam(r, "stream"))
	if errors.Is(err, ErrStreamNotFound) {
		writeError(w, http.StatusNotFound, notFoundMessage)
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return c, true
}

func toOptionsBody(s Settings) optionsBody {
	return optionsBody{ShowViewers: &s.ShowViewers, StatusTemplate: &s.StatusTemplate}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := jsonx.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
