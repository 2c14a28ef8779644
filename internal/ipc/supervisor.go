package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pyde1/pyde1-go/internal/apperr"
)

// WorkerFunc is a supervised subsystem's entry point. It must return
// promptly when ctx is cancelled. A non-nil error (other than
// ctx.Err()) is treated as a crash and triggers a restart.
type WorkerFunc func(ctx context.Context) error

// RetryPolicy bounds restart attempts per time window.
type RetryPolicy struct {
	MaxRestarts int
	Window      time.Duration
	Backoff     time.Duration
}

// DefaultRetryPolicy allows 5 restarts per minute with a 1s gap
// between attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRestarts: 5, Window: time.Minute, Backoff: time.Second}
}

// Supervisor runs one named worker, restarting it on crash per
// policy, and reports fatal escalation through OnFatal.
type Supervisor struct {
	Name    string
	Policy  RetryPolicy
	Logger  *slog.Logger
	OnFatal func(err error)

	mu       sync.Mutex
	restarts []time.Time
	lastErr  error
	fatal    bool
}

// Run blocks, running fn and restarting it per s.Policy until ctx is
// cancelled or the restart cap is exceeded within the window, at
// which point it invokes OnFatal (if set) and returns the
// [apperr.Fatal] that was escalated.
func (s *Supervisor) Run(ctx context.Context, fn WorkerFunc) error {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	policy := s.Policy
	if policy.MaxRestarts <= 0 {
		policy = DefaultRetryPolicy()
	}

	for {
		err := fn(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			// Worker exited cleanly without a cancelled context; treat
			// as a crash so transient successful-return bugs still
			// get the restart-and-log treatment rather than silently
			// leaving the subsystem dark.
			err = fmt.Errorf("worker %q exited unexpectedly", s.Name)
		}

		s.mu.Lock()
		s.lastErr = err
		now := time.Now()
		s.restarts = append(s.restarts, now)
		cutoff := now.Add(-policy.Window)
		kept := s.restarts[:0]
		for _, t := range s.restarts {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		s.restarts = kept
		exceeded := len(s.restarts) > policy.MaxRestarts
		s.mu.Unlock()

		s.Logger.Error("ipc: worker crashed", "worker", s.Name, "error", err, "restarts_in_window", len(s.restarts))

		if exceeded {
			fatal := &apperr.Fatal{Reason: fmt.Sprintf("worker %q exceeded %d restarts in %s: %v", s.Name, policy.MaxRestarts, policy.Window, err)}
			s.mu.Lock()
			s.fatal = true
			s.mu.Unlock()
			if s.OnFatal != nil {
				s.OnFatal(fatal)
			}
			return fatal
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(policy.Backoff):
		}
	}
}

// LastError returns the most recent worker error, if any.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Fatal reports whether this supervisor has escalated to shutdown.
func (s *Supervisor) Fatal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}
