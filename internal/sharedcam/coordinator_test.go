package sharedcam

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sharedcam/internal/platform/logger"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCoordinator_phases(t *testing.T) {
	r := newFakeRelay()
	c := newTestCoordinator(t, r, nil)
	ctx := context.Background()

	require.Equal(t, PhaseUninitialized, c.Phase())
	require.False(t, c.State().Registered())

	require.NoError(t, c.Refresh(ctx))
	require.Equal(t, PhaseAbsent, c.Phase())

	r.setStream("cam1", 2)
	require.NoError(t, c.Refresh(ctx))
	require.Equal(t, PhaseRegistered, c.Phase())
	require.Equal(t, 2, c.State().Viewers())

	r.removeStream("cam1")
	require.NoError(t, c.Refresh(ctx))
	require.Equal(t, PhaseAbsent, c.Phase())
	require.Equal(t, 0, c.State().Viewers())
}

func TestCoordinator_Refresh_failure_keeps_state(t *testing.T) {
	r := newFakeRelay()
	r.setStream("cam1", 1)
	c := newTestCoordinator(t, r, nil)
	require.NoError(t, c.Refresh(context.Background()))
	before := c.State()

	r.listErr = errRelayDown
	err := c.Refresh(context.Background())
	require.ErrorIs(t, err, errRelayDown)
	require.Same(t, before, c.State())
}

func TestCoordinator_Refresh_notifies_only_on_change(t *testing.T) {
	r := newFakeRelay()
	r.setStream("cam1", 1)
	c := newTestCoordinator(t, r, nil)

	var seen []int
	c.AddListener(func(s *StreamState) { seen = append(seen, s.Viewers()) })

	ctx := context.Background()
	require.NoError(t, c.Refresh(ctx)) // first state always notifies
	require.NoError(t, c.Refresh(ctx)) // unchanged
	r.setStream("cam1", 3)
	require.NoError(t, c.Refresh(ctx))
	require.NoError(t, c.Refresh(ctx)) // unchanged

	require.Equal(t, []int{1, 3}, seen)
}

func TestCoordinator_Enable_is_optimistic(t *testing.T) {
	r := newFakeRelay()
	store := NewInMemoryStore()
	c := newTestCoordinator(t, r, store)
	require.NoError(t, c.Refresh(context.Background()))

	notified := 0
	c.AddListener(func(*StreamState) { notified++ })

	require.NoError(t, c.Enable(context.Background()))

	require.Equal(t, []string{"list", "register cam1 rtsp://nvr:8554/cam1"}, r.recorded())
	require.True(t, c.State().Registered())
	require.Equal(t, 0, c.State().Viewers())
	require.Equal(t, 1, notified)

	s, ok, err := store.Settings("cam1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, s.Enabled)
}

func TestCoordinator_Enable_failure_leaves_state(t *testing.T) {
	r := newFakeRelay()
	r.registerErr = errRelayDown
	store := NewInMemoryStore()
	c := newTestCoordinator(t, r, store)
	require.NoError(t, c.Refresh(context.Background()))

	notified := 0
	c.AddListener(func(*StreamState) { notified++ })

	err := c.Enable(context.Background())
	require.ErrorIs(t, err, errRelayDown)
	require.False(t, c.State().Registered())
	require.Zero(t, notified)
	require.False(t, c.Settings().Enabled)
}

func TestCoordinator_Disable_deregisters_then_restarts(t *testing.T) {
	r := newFakeRelay()
	r.setStream("cam1", 2)
	store := NewInMemoryStore()
	require.NoError(t, store.SaveSettings("cam1", Settings{Enabled: true, ShowViewers: true}))
	c := newTestCoordinator(t, r, store)
	require.NoError(t, c.Refresh(context.Background()))
	r.resetCalls()

	require.NoError(t, c.Disable(context.Background()))

	require.Equal(t, []string{"deregister cam1", "restart"}, r.recorded())
	require.Equal(t, PhaseAbsent, c.Phase())
	require.False(t, c.Settings().Enabled)
	require.True(t, c.Settings().ShowViewers, "disable must keep other settings")
}

func TestCoordinator_Disable_twice(t *testing.T) {
	r := newFakeRelay()
	r.setStream("cam1", 1)
	c := newTestCoordinator(t, r, nil)
	require.NoError(t, c.Refresh(context.Background()))

	require.NoError(t, c.Disable(context.Background()))

	notified := 0
	c.AddListener(func(*StreamState) { notified++ })
	require.NoError(t, c.Disable(context.Background()))

	require.Zero(t, notified)
	require.Equal(t, PhaseAbsent, c.Phase())
	require.False(t, c.State().Registered())
}

func TestCoordinator_Disable_failure(t *testing.T) {
	t.Run("deregister_fails_skips_restart", func(t *testing.T) {
		r := newFakeRelay()
		r.setStream("cam1", 1)
		c := newTestCoordinator(t, r, nil)
		require.NoError(t, c.Refresh(context.Background()))
		r.resetCalls()
		r.deregisterErr = errRelayDown

		require.ErrorIs(t, c.Disable(context.Background()), errRelayDown)
		require.Equal(t, []string{"deregister cam1"}, r.recorded())
		require.True(t, c.State().Registered())
	})

	t.Run("restart_fails_keeps_state", func(t *testing.T) {
		r := newFakeRelay()
		r.setStream("cam1", 1)
		c := newTestCoordinator(t, r, nil)
		require.NoError(t, c.Refresh(context.Background()))
		r.restartErr = errRelayDown

		require.ErrorIs(t, c.Disable(context.Background()), errRelayDown)
		require.True(t, c.State().Registered())
		require.Equal(t, 1, c.State().Viewers())
	})
}

func TestCoordinator_Start_fails_fast(t *testing.T) {
	r := newFakeRelay()
	r.listErr = errRelayDown
	c := newTestCoordinator(t, r, nil)

	err := c.Start(context.Background())
	require.ErrorIs(t, err, errRelayDown)
	require.Equal(t, PhaseUninitialized, c.Phase())
	require.Equal(t, []string{"list"}, r.recorded())
}

func TestCoordinator_Start_seeds_defaults(t *testing.T) {
	store := NewInMemoryStore()
	cfg := testConfig("cam1")
	cfg.Defaults = Settings{ShowViewers: false, StatusTemplate: "hi"}
	c := NewCoordinator(cfg, newFakeRelay(), store, logger.Discard(), nil)

	require.NoError(t, c.Start(context.Background()))

	s, ok, err := store.Settings("cam1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, cfg.Defaults, s)
}

func TestCoordinator_Start_recovers_enabled_stream(t *testing.T) {
	r := newFakeRelay()
	store := NewInMemoryStore()
	require.NoError(t, store.SaveSettings("cam1", Settings{Enabled: true, ShowViewers: true}))
	c := newTestCoordinator(t, r, store)

	require.NoError(t, c.Start(context.Background()))

	require.Equal(t, []string{"list", "register cam1 rtsp://nvr:8554/cam1", "list"}, r.recorded())
	require.Equal(t, PhaseRegistered, c.Phase())
}

func TestCoordinator_Start_recovery_failure_is_not_fatal(t *testing.T) {
	r := newFakeRelay()
	r.registerErr = errRelayDown
	store := NewInMemoryStore()
	require.NoError(t, store.SaveSettings("cam1", Settings{Enabled: true, ShowViewers: true}))
	c := newTestCoordinator(t, r, store)

	require.NoError(t, c.Start(context.Background()))

	require.Equal(t, []string{"list", "register cam1 rtsp://nvr:8554/cam1"}, r.recorded())
	require.Equal(t, PhaseAbsent, c.Phase())
	require.True(t, c.Settings().Enabled, "failed recovery must not clear enablement")
}

func TestCoordinator_Start_refresh_after_recovery_fails(t *testing.T) {
	r := newFakeRelay()
	r.onRegister = func() { r.failListing(1) }
	store := NewInMemoryStore()
	require.NoError(t, store.SaveSettings("cam1", Settings{Enabled: true, ShowViewers: true}))
	c := newTestCoordinator(t, r, store)

	require.NoError(t, c.Start(context.Background()))

	require.Equal(t, []string{"list", "register cam1 rtsp://nvr:8554/cam1", "list"}, r.recorded())
	// The optimistic state from the re-register stands until the next poll.
	require.Equal(t, PhaseRegistered, c.Phase())
	require.Equal(t, 0, c.State().Viewers())
	require.True(t, c.Settings().Enabled)
}

func TestCoordinator_Start_skips_recovery_when_present_or_disabled(t *testing.T) {
	r := newFakeRelay()
	c := newTestCoordinator(t, r, nil)
	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, []string{"list"}, r.recorded())

	r2 := newFakeRelay()
	r2.setStream("cam1", 0)
	store := NewInMemoryStore()
	require.NoError(t, store.SaveSettings("cam1", Settings{Enabled: true}))
	c2 := newTestCoordinator(t, r2, store)
	require.NoError(t, c2.Start(context.Background()))
	require.Equal(t, []string{"list"}, r2.recorded())
}

func TestCoordinator_listeners(t *testing.T) {
	r := newFakeRelay()
	c := newTestCoordinator(t, r, nil)

	var order []string
	c.AddListener(func(*StreamState) { order = append(order, "first") })
	c.AddListener(func(*StreamState) { panic("broken listener") })
	removeThird := c.AddListener(func(*StreamState) { order = append(order, "third") })
	require.Equal(t, 3, c.ListenerCount())

	require.NoError(t, c.Refresh(context.Background()))
	require.Equal(t, []string{"first", "third"}, order)

	removeThird()
	removeThird()
	require.Equal(t, 2, c.ListenerCount())

	r.setStream("cam1", 1)
	require.NoError(t, c.Refresh(context.Background()))
	require.Equal(t, []string{"first", "third", "first"}, order)
}

func TestCoordinator_serializes_poll_and_control(t *testing.T) {
	r := newFakeRelay()
	c := newTestCoordinator(t, r, nil)
	require.NoError(t, c.Refresh(context.Background()))
	r.resetCalls()

	r.listEntered = make(chan struct{})
	r.listGate = make(chan struct{})

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- c.Refresh(context.Background())
	}()
	<-r.listEntered

	go func() {
		defer wg.Done()
		errs <- c.Enable(context.Background())
	}()

	// Enable must wait for the in-flight poll instead of reaching the relay.
	require.Never(t, func() bool { return len(r.recorded()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	// The poll saw the stream absent; it must not overwrite the enable.
	close(r.listGate)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, []string{"list", "register cam1 rtsp://nvr:8554/cam1"}, r.recorded())
	require.True(t, c.State().Registered())
}

func TestCoordinator_Run_survives_poll_failures(t *testing.T) {
	r := newFakeRelay()
	r.setStream("cam1", 2)
	cfg := testConfig("cam1")
	cfg.PollInterval = 5 * time.Millisecond
	c := NewCoordinator(cfg, r, NewInMemoryStore(), discard, nil)
	require.NoError(t, c.Start(context.Background()))
	before := c.State()

	r.failListing(3)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	require.Eventually(t, func() bool { return r.pendingFailures() == 0 }, waitFor, time.Millisecond)
	require.Equal(t, PhaseRegistered, c.Phase())
	require.Equal(t, before.Viewers(), c.State().Viewers())

	r.setStream("cam1", 4)
	require.Eventually(t, func() bool { return c.State().Viewers() == 4 }, waitFor, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCoordinator_View(t *testing.T) {
	r := newFakeRelay()
	r.setStream("cam1", 4)
	store := NewInMemoryStore()
	require.NoError(t, store.SaveSettings("cam1", Settings{Enabled: false, ShowViewers: true}))
	c := newTestCoordinator(t, r, store)
	require.NoError(t, c.Refresh(context.Background()))

	v := c.View()
	require.Equal(t, StreamView{
		Name:             "cam1",
		FriendlyName:     "cam1",
		Phase:            "registered",
		Enabled:          true,
		Viewers:          4,
		PersistedEnabled: false,
	}, v, "enabled follows relay state, not the persisted flag")
}

func TestCoordinator_UpdateOptions(t *testing.T) {
	store := NewInMemoryStore()
	require.NoError(t, store.SaveSettings("cam1", Settings{Enabled: true, ShowViewers: true}))
	c := newTestCoordinator(t, newFakeRelay(), store)

	off := false
	tmpl := "{{ state \"sensor.door\" }}"
	s, err := c.UpdateOptions(&off, &tmpl)
	require.NoError(t, err)
	require.Equal(t, Settings{Enabled: true, ShowViewers: false, StatusTemplate: tmpl}, s)

	s, err = c.UpdateOptions(nil, nil)
	require.NoError(t, err)
	require.Equal(t, tmpl, s.StatusTemplate)
}

type failingStore struct{ *InMemoryStore }

func (failingStore) SaveSettings(string, Settings) error { return errors.New("disk full") }

func TestCoordinator_Enable_store_failure_keeps_action(t *testing.T) {
	r := newFakeRelay()
	c := newTestCoordinator(t, r, failingStore{NewInMemoryStore()})

	require.NoError(t, c.Enable(context.Background()))
	require.True(t, c.State().Registered())
}

// Every refresh sequence produces the same sequence of notified states,
// minus consecutive repeats.
func TestCoordinator_notification_order_property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		present := rapid.SliceOfN(rapid.Bool(), 1, 30).Draw(rt, "present")

		r := newFakeRelay()
		c := NewCoordinator(testConfig("cam1"), r, NewInMemoryStore(), logger.Discard(), nil)
		var got []bool
		c.AddListener(func(s *StreamState) { got = append(got, s.Registered()) })

		var want []bool
		for i, p := range present {
			if p {
				r.setStream("cam1", 0)
			} else {
				r.removeStream("cam1")
			}
			if err := c.Refresh(context.Background()); err != nil {
				rt.Fatalf("refresh: %v", err)
			}
			if i == 0 || p != present[i-1] {
				want = append(want, p)
			}
		}

		if len(got) != len(want) {
			rt.Fatalf("notifications %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				rt.Fatalf("notifications %v, want %v", got, want)
			}
		}
	})
}
