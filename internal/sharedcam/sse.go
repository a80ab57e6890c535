package sharedcam

import (
	"errors"
	"net/http"
	"time"
)

var (
	keepaliveFrame = []byte(": keepalive\n\n")
	dataPrefix     = []byte("data: ")
	frameEnd       = []byte("\n\n")
)

// sseWriter frames payloads as text/event-stream on an HTTP response.
type sseWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	timeout time.Duration
}

// newSSEWriter sets the event stream headers and commits the response.
// Every later write must complete within timeout.
func newSSEWriter(w http.ResponseWriter, timeout time.Duration) (*sseWriter, error) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	// Stop nginx and similar proxies from buffering frames.
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s := &sseWriter{w: w, rc: http.NewResponseController(w), timeout: timeout}
	if err := s.rc.Flush(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *sseWriter) WriteEvent(data []byte) error {
	frame := make([]byte, 0, len(dataPrefix)+len(data)+len(frameEnd))
	frame = append(frame, dataPrefix...)
	frame = append(frame, data...)
	frame = append(frame, frameEnd...)
	return s.write(frame)
}

func (s *sseWriter) WriteKeepalive() error {
	return s.write(keepaliveFrame)
}

func (s *sseWriter) write(frame []byte) error {
	if s.timeout > 0 {
		err := s.rc.SetWriteDeadline(time.Now().Add(s.timeout))
		if err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	return s.rc.Flush()
}
