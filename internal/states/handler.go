package states

import (
	"io"
	"log/slog"
	"net/http"

	"sharedcam/internal/platform/jsonx"

	"github.com/go-chi/chi/v5"
)

// maxBody bounds a state update body.
const maxBody = 64 << 10

// entityState is the wire form of one entity value.
type entityState struct {
	EntityID string `json:"entity_id"`
	State    string `json:"state"`
}

// Handler exposes entity values over HTTP so external systems can feed the
// values that status templates read.
type Handler struct {
	engine *Engine
	log    *slog.Logger
}

// NewHandler returns a Handler backed by engine.
func NewHandler(engine *Engine, log *slog.Logger) *Handler {
	return &Handler{engine: engine, log: log}
}

// Get handles GET /states/{entity_id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "entity_id")
	v, ok := h.engine.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Entity not found"})
		return
	}
	writeJSON(w, http.StatusOK, entityState{EntityID: id, State: v})
}

// Put handles PUT /states/{entity_id}. Body: {"state": "on"}.
func (h *Handler) Put(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "entity_id")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var body struct {
		State *string `json:"state"`
	}
	if err := decodeBody(r, &body); err != nil || body.State == nil {
		h.log.Debug("invalid state body", slog.String("entity_id", id))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be {\"state\": \"...\"}"})
		return
	}

	h.engine.Set(id, *body.State)
	h.log.Debug("entity state set", slog.String("entity_id", id), slog.String("state", *body.State))
	writeJSON(w, http.StatusOK, entityState{EntityID: id, State: *body.State})
}

func decodeBody(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return err
	}
	return jsonx.Unmarshal(data, v)
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
