package sharedcam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"sharedcam/internal/platform/logger"
	"sharedcam/internal/relay"
)

var (
	errRelayDown = errors.New("relay unreachable")
	discard      = logger.Discard()
)

// fakeRelay is an in-memory relay.API that records every call.
type fakeRelay struct {
	mu      sync.Mutex
	streams map[string]relay.Stream
	calls   []string

	listErr       error
	listFailures  int // remaining ListStreams calls that fail with errRelayDown
	registerErr   error
	deregisterErr error
	restartErr    error

	// onRegister runs after every successful Register, without f.mu held.
	onRegister func()

	// When listGate is set, ListStreams signals listEntered and waits.
	listEntered chan struct{}
	listGate    chan struct{}
}

var _ relay.API = (*fakeRelay)(nil)

func newFakeRelay() *fakeRelay {
	return &fakeRelay{streams: make(map[string]relay.Stream)}
}

func (f *fakeRelay) ListStreams(ctx context.Context) (map[string]relay.Stream, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "list")
	entered, gate := f.listEntered, f.listGate
	f.mu.Unlock()

	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listFailures > 0 {
		f.listFailures--
		return nil, errRelayDown
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make(map[string]relay.Stream, len(f.streams))
	for k, v := range f.streams {
		out[k] = v
	}
	return out, nil
}

func (f *fakeRelay) Register(ctx context.Context, name, src string) error {
	f.mu.Lock()
	f.calls = append(f.calls, "register "+name+" "+src)
	if f.registerErr != nil {
		f.mu.Unlock()
		return f.registerErr
	}
	f.streams[name] = relay.Stream{}
	hook := f.onRegister
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeRelay) Deregister(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "deregister "+name)
	if f.deregisterErr != nil {
		return f.deregisterErr
	}
	delete(f.streams, name)
	return nil
}

func (f *fakeRelay) Restart(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "restart")
	return f.restartErr
}

// setStream registers name with the given number of consumers.
func (f *fakeRelay) setStream(name string, consumers int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := relay.Stream{Producers: []json.RawMessage{json.RawMessage(`{"url":"rtsp://nvr/` + name + `"}`)}}
	for i := 0; i < consumers; i++ {
		s.Consumers = append(s.Consumers, json.RawMessage(fmt.Sprintf(`{"id":%d}`, i+1)))
	}
	f.streams[name] = s
}

func (f *fakeRelay) removeStream(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.streams, name)
}

// failListing makes the next n ListStreams calls fail.
func (f *fakeRelay) failListing(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listFailures = n
}

func (f *fakeRelay) pendingFailures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listFailures
}

func (f *fakeRelay) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRelay) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func testConfig(name string) CoordinatorConfig {
	return CoordinatorConfig{
		Name:         name,
		SourceURL:    "rtsp://nvr:8554/" + name,
		PollInterval: time.Hour,
		Defaults:     DefaultSettings(),
	}
}

func newTestCoordinator(t *testing.T, r relay.API, store Store) *Coordinator {
	t.Helper()
	if store == nil {
		store = NewInMemoryStore()
	}
	return NewCoordinator(testConfig("cam1"), r, store, discard, nil)
}

// frame is one write seen by recordingWriter.
type frame struct {
	keepalive bool
	data      string
}

// recordingWriter is an EventWriter that reports every frame on a channel.
type recordingWriter struct {
	frames chan frame

	mu      sync.Mutex
	gate    chan struct{} // first write waits for close(gate) when set
	entered chan struct{} // signalled when a gated write starts
	failOn  int           // 1-based write index that fails; 0 never
	writes  int
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{frames: make(chan frame, 64)}
}

func (w *recordingWriter) WriteEvent(data []byte) error {
	return w.write(frame{data: string(data)})
}

func (w *recordingWriter) WriteKeepalive() error {
	return w.write(frame{keepalive: true})
}

func (w *recordingWriter) write(f frame) error {
	w.mu.Lock()
	w.writes++
	n := w.writes
	gate, entered, failOn := w.gate, w.entered, w.failOn
	w.mu.Unlock()

	if gate != nil && n == 1 {
		entered <- struct{}{}
		<-gate
	}
	if failOn != 0 && n >= failOn {
		return errors.New("write: broken pipe")
	}
	w.frames <- f
	return nil
}

func (w *recordingWriter) next(t *testing.T, within time.Duration) frame {
	t.Helper()
	select {
	case f := <-w.frames:
		return f
	case <-time.After(within):
		t.Fatalf("no frame within %v", within)
		return frame{}
	}
}
