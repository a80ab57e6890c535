package sharedcam

import "encoding/json"

// unavailableMessage is sent when the stream is not registered on the relay.
const unavailableMessage = "Stream not available at this time"

// StreamState is the relay's view of one registered stream. A nil
// *StreamState means the relay has no such stream. States are replaced
// wholesale and never modified after publication.
type StreamState struct {
	Producers []json.RawMessage
	Consumers []json.RawMessage
}

// Registered reports whether the stream exists on the relay.
func (s *StreamState) Registered() bool {
	return s != nil
}

// Viewers returns the number of active consumers, 0 when absent.
func (s *StreamState) Viewers() int {
	if s == nil {
		return 0
	}
	return len(s.Consumers)
}

// Phase is the coordinator's lifecycle state for its stream.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseAbsent
	PhaseRegistered
)

func (p Phase) String() string {
	switch p {
	case PhaseAbsent:
		return "absent"
	case PhaseRegistered:
		return "registered"
	default:
		return "uninitialized"
	}
}

// Settings are the persisted, externally mutable settings of one stream.
type Settings struct {
	// Enabled records the last successful control action. It only drives
	// re-registration at startup; display state comes from StreamState.
	Enabled        bool   `json:"stream_enabled"`
	ShowViewers    bool   `json:"show_viewers"`
	StatusTemplate string `json:"status_template,omitempty"`
}

// DefaultSettings returns the settings of a stream that was never configured.
func DefaultSettings() Settings {
	return Settings{ShowViewers: true}
}

// StatusPayload is the externally visible status of a stream. Hidden viewer
// counts are omitted rather than sent as null.
type StatusPayload struct {
	Available bool    `json:"available"`
	Message   string  `json:"message,omitempty"`
	Viewers   *int    `json:"viewers,omitempty"`
	Status    *string `json:"status,omitempty"`
}

// StreamView describes a managed stream for the control endpoints.
type StreamView struct {
	Name         string `json:"name"`
	FriendlyName string `json:"friendly_name"`
	Phase        string `json:"phase"`
	// Enabled is derived from the relay state, never from the persisted flag.
	Enabled          bool `json:"enabled"`
	Viewers          int  `json:"viewers"`
	PersistedEnabled bool `json:"persisted_enabled"`
}
