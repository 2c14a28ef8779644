package connwatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func fastTiming() Timing {
	return Timing{
		MinInterval:  time.Millisecond,
		MaxInterval:  4 * time.Millisecond,
		UpInterval:   2 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

// waitFor polls cond until it returns true or timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for condition: %s", msg)
}

func TestTimingDefaults(t *testing.T) {
	t.Parallel()
	d := Timing{}.withDefaults()

	if d.MinInterval != 2*time.Second {
		t.Errorf("MinInterval = %v, want 2s", d.MinInterval)
	}
	if d.MaxInterval != 60*time.Second {
		t.Errorf("MaxInterval = %v, want 60s", d.MaxInterval)
	}
	if d.UpInterval != 60*time.Second {
		t.Errorf("UpInterval = %v, want 60s", d.UpInterval)
	}
	if d.ProbeTimeout != 10*time.Second {
		t.Errorf("ProbeTimeout = %v, want 10s", d.ProbeTimeout)
	}
}

func TestLink_UpImmediately(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ups atomic.Int32
	r := NewRegistry(nil)
	l := r.Track(ctx, "mqtt-broker", func(context.Context) error { return nil }, fastTiming(),
		func(up bool, err error) {
			if up {
				ups.Add(1)
			}
		})

	waitFor(t, 2*time.Second, l.Up, "Up() == true")

	if l.LastError() != nil {
		t.Errorf("LastError() = %v, want nil while up", l.LastError())
	}
	if got := ups.Load(); got != 1 {
		t.Errorf("onChange(up) fired %d times, want 1", got)
	}
}

func TestLink_RampsThenConnects(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errDown := errors.New("broker refused connection")
	var attempts atomic.Int32
	probe := func(context.Context) error {
		if attempts.Add(1) <= 3 {
			return errDown
		}
		return nil
	}

	var ups atomic.Int32
	r := NewRegistry(nil)
	l := r.Track(ctx, "mqtt-broker", probe, fastTiming(), func(up bool, err error) {
		if up {
			ups.Add(1)
		}
	})

	waitFor(t, 2*time.Second, l.Up, "Up() == true after failed probes")

	if got := ups.Load(); got != 1 {
		t.Errorf("onChange(up) fired %d times, want 1", got)
	}
	if n := attempts.Load(); n < 4 {
		t.Errorf("expected at least 4 probe attempts, got %d", n)
	}
}

func TestLink_DropFiresDownOnce(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errDown := errors.New("connection reset")
	var failing atomic.Bool
	probe := func(context.Context) error {
		if failing.Load() {
			return errDown
		}
		return nil
	}

	var downs atomic.Int32
	var lastDownErr atomic.Value
	r := NewRegistry(nil)
	l := r.Track(ctx, "mqtt-broker", probe, fastTiming(), func(up bool, err error) {
		if !up {
			downs.Add(1)
			lastDownErr.Store(err)
		}
	})

	waitFor(t, 2*time.Second, l.Up, "initially up")
	failing.Store(true)
	waitFor(t, 2*time.Second, func() bool { return !l.Up() }, "down after probe failures")

	// Stay down across several more probes; the callback must not
	// repeat for the same state.
	time.Sleep(20 * time.Millisecond)
	if got := downs.Load(); got != 1 {
		t.Errorf("onChange(down) fired %d times, want 1", got)
	}
	if err, _ := lastDownErr.Load().(error); !errors.Is(err, errDown) {
		t.Errorf("onChange error = %v, want %v", err, errDown)
	}
	if l.LastError() == nil {
		t.Error("LastError() = nil, want probe error while down")
	}
}

func TestLink_RecoversAfterDrop(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var failing atomic.Bool
	probe := func(context.Context) error {
		if failing.Load() {
			return errors.New("down")
		}
		return nil
	}

	var ups atomic.Int32
	r := NewRegistry(nil)
	l := r.Track(ctx, "mqtt-broker", probe, fastTiming(), func(up bool, err error) {
		if up {
			ups.Add(1)
		}
	})

	waitFor(t, 2*time.Second, l.Up, "initially up")
	failing.Store(true)
	waitFor(t, 2*time.Second, func() bool { return !l.Up() }, "down after drop")
	failing.Store(false)
	waitFor(t, 2*time.Second, l.Up, "up again after recovery")

	if got := ups.Load(); got != 2 {
		t.Errorf("onChange(up) fired %d times, want 2 (initial + recovery)", got)
	}
}

func TestLink_StopTerminatesLoop(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	r := NewRegistry(nil)
	l := r.Track(ctx, "mqtt-broker", func(context.Context) error {
		attempts.Add(1)
		return nil
	}, fastTiming(), nil)

	waitFor(t, 2*time.Second, l.Up, "up before stop")
	l.Stop()

	settled := attempts.Load()
	time.Sleep(20 * time.Millisecond)
	if got := attempts.Load(); got != settled {
		t.Errorf("probe ran %d more times after Stop", got-settled)
	}
}

func TestLink_WaitReturnsOnContextCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	r := NewRegistry(nil)
	l := r.Track(ctx, "mqtt-broker", func(context.Context) error { return nil }, fastTiming(), nil)

	cancel()
	done := make(chan struct{})
	go func() {
		l.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after context cancellation")
	}
}

func TestRegistry_SnapshotReportsEveryLink(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errDown := errors.New("unreachable")
	r := NewRegistry(nil)
	up := r.Track(ctx, "mqtt-broker", func(context.Context) error { return nil }, fastTiming(), nil)
	down := r.Track(ctx, "visualizer", func(context.Context) error { return errDown }, fastTiming(), nil)

	waitFor(t, 2*time.Second, up.Up, "mqtt-broker up")
	waitFor(t, 2*time.Second, func() bool { return down.LastError() != nil }, "visualizer probed")

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot has %d entries, want 2", len(snap))
	}
	if s, ok := snap["mqtt-broker"]; !ok || !s.Up || s.Error != "" {
		t.Errorf("mqtt-broker status = %+v, want up with no error", s)
	}
	if s, ok := snap["visualizer"]; !ok || s.Up || s.Error == "" {
		t.Errorf("visualizer status = %+v, want down with error text", s)
	}
	if s := snap["mqtt-broker"]; s.CheckedAt.IsZero() {
		t.Error("CheckedAt not stamped")
	}
}

func TestRegistry_StopStopsAll(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	r := NewRegistry(nil)
	for _, name := range []string{"a", "b"} {
		r.Track(ctx, name, func(context.Context) error {
			attempts.Add(1)
			return nil
		}, fastTiming(), nil)
	}

	waitFor(t, 2*time.Second, func() bool { return attempts.Load() >= 2 }, "both links probed")
	r.Stop()

	settled := attempts.Load()
	time.Sleep(20 * time.Millisecond)
	if got := attempts.Load(); got != settled {
		t.Errorf("probes ran %d more times after registry Stop", got-settled)
	}
}
