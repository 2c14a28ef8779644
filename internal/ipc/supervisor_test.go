package ipc

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pyde1/pyde1-go/internal/apperr"
)

func TestSupervisorRestartsOnCrash(t *testing.T) {
	var calls int32
	s := &Supervisor{Name: "test", Policy: RetryPolicy{MaxRestarts: 3, Window: time.Second, Backoff: time.Millisecond}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context) error {
			n := atomic.AddInt32(&calls, 1)
			if n < 3 {
				return errors.New("boom")
			}
			cancel()
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil (context cancelled cleanly)", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not return after cancellation")
	}

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("worker called %d times, want 3", got)
	}
}

func TestSupervisorEscalatesToFatal(t *testing.T) {
	var fatalErr error
	s := &Supervisor{
		Name:    "flaky",
		Policy:  RetryPolicy{MaxRestarts: 2, Window: time.Minute, Backoff: time.Millisecond},
		OnFatal: func(err error) { fatalErr = err },
	}

	err := s.Run(context.Background(), func(ctx context.Context) error {
		return errors.New("always fails")
	})

	var fatal *apperr.Fatal
	if !errors.As(err, &fatal) {
		t.Fatalf("Run() error = %v, want *apperr.Fatal", err)
	}
	if fatalErr == nil {
		t.Error("OnFatal was not invoked")
	}
	if !s.Fatal() {
		t.Error("Fatal() = false, want true after escalation")
	}
}
