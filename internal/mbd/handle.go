package mbd

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pyde1/pyde1-go/internal/bus"
)

// intent is one slot of the two-deep request queue: a handle tracks a
// current intent and a desired intent, a new request only ever
// replaces the desired slot, and the in-flight operation toward the
// old desired intent is cancelled.
type intent int

const (
	intentReleased intent = iota
	intentCaptured
)

// Handle supervises one logical device slot for a single role. Its
// public surface is stable across the lifetime of the process even
// when the underlying specific model changes.
type Handle struct {
	role      bus.DeviceRole
	connector Connector
	models    *ModelRegistry
	bus       *bus.Bus
	policy    BackoffPolicy
	logger    *slog.Logger
	idFile    *idFile

	mu       sync.Mutex
	address  string
	desired  intent
	current  intent
	inFlight context.CancelFunc
	session  Session
	state    bus.LifecycleState
	ready    bool
	class    string
	scale    ScaleModel

	wake chan struct{}
	stop chan struct{}
	once sync.Once
}

// NewHandle builds a supervisor for role. idDir/idSuffix may be empty
// to disable crash-recovery scratch files (tests).
func NewHandle(role bus.DeviceRole, connector Connector, models *ModelRegistry, b *bus.Bus, policy BackoffPolicy, logger *slog.Logger, idDir, idSuffix string) *Handle {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handle{
		role:      role,
		connector: connector,
		models:    models,
		bus:       b,
		policy:    policy,
		logger:    logger.With("role", role),
		state:     bus.LifecycleInitial,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	if idDir != "" {
		h.idFile = newIDFile(idDir, string(role), idSuffix)
		if addr, ok := h.idFile.Load(); ok {
			h.address = addr
		}
	}
	go h.run()
	return h
}

// AssignAddress records the address to use for future captures.
// Changing the address forces a release of any current session and
// reverts the class to generic;
// an empty address "forgets" the device. Assigning the same address
// twice is a no-op.
func (h *Handle) AssignAddress(addr string) {
	h.mu.Lock()
	changed := h.address != addr
	if !changed {
		h.mu.Unlock()
		return
	}
	h.address = addr
	h.desired = intentReleased
	hadClass := h.class != ""
	if addr == "" {
		h.class = ""
		h.scale = nil
	}
	idle := h.current == intentReleased && h.session == nil
	h.mu.Unlock()

	h.persistAddress(addr)
	if hadClass && addr == "" {
		h.publishChanged("", true)
	}
	if idle {
		h.setState(bus.LifecycleReleased, false)
		h.publishAvailability(false, "")
	}
	h.signal()
}

// Capture requests the handle move to, and stay in, the Captured
// state.
func (h *Handle) Capture() {
	h.mu.Lock()
	h.desired = intentCaptured
	h.mu.Unlock()
	h.signal()
}

// Release requests the handle move to, and stay in, the Released
// state.
func (h *Handle) Release() {
	h.mu.Lock()
	h.desired = intentReleased
	h.mu.Unlock()
	h.signal()
}

// Close tears the handle down permanently.
func (h *Handle) Close() {
	h.once.Do(func() { close(h.stop) })
}

// IsReady reports whether the device is captured and initialised.
func (h *Handle) IsReady() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

// Availability returns an observable snapshot of the handle's state.
func (h *Handle) Availability() bus.DeviceAvailability {
	h.mu.Lock()
	defer h.mu.Unlock()
	return bus.DeviceAvailability{
		Role:    h.role,
		State:   h.state,
		Ready:   h.ready,
		Address: h.address,
	}
}

// Scale returns the specific scale model, if the captured device has
// been class-specialised as one, and whether one is available.
func (h *Handle) Scale() (ScaleModel, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.scale, h.scale != nil
}

// Session returns the live transport session, if captured. Consumers
// must treat it as borrowed: the handle may close it at any point, so
// per-call errors, not the snapshot, are the liveness signal.
func (h *Handle) Session() (Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session, h.session != nil
}

func (h *Handle) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Handle) persistAddress(addr string) {
	if h.idFile == nil {
		return
	}
	if addr == "" {
		h.idFile.Clear()
	} else {
		h.idFile.Save(addr)
	}
}

// run is the single goroutine owning all mutable handle state
// transitions, so capture/release races resolve by cancellation
// rather than locking around I/O.
func (h *Handle) run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			if h.inFlight != nil {
				h.inFlight()
			}
			session := h.session
			h.mu.Unlock()
			if session != nil {
				ctx, cancel := context.WithTimeout(context.Background(), h.policy.ConnectTimeout)
				session.Close(ctx, true)
				cancel()
			}
			return
		case <-h.wake:
			h.reconcile()
		}
	}
}

func (h *Handle) reconcile() {
	h.mu.Lock()
	desired := h.desired
	current := h.current
	addr := h.address
	h.mu.Unlock()

	if desired == current {
		return
	}

	h.mu.Lock()
	if h.inFlight != nil {
		h.inFlight()
		h.inFlight = nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.inFlight = cancel
	h.current = desired
	h.mu.Unlock()

	switch desired {
	case intentCaptured:
		go h.doCapture(ctx, addr)
	case intentReleased:
		go h.doRelease(ctx)
	}
}

func (h *Handle) doCapture(ctx context.Context, addr string) {
	h.setState(bus.LifecycleCapturing, false)
	h.publishAvailability(false, "")

	session, err := h.connectWithBackoff(ctx, addr)
	if err != nil {
		h.captureFailed(ctx, err)
		return
	}
	if ctx.Err() != nil {
		session.Close(context.Background(), true)
		return
	}

	if err := session.Initialize(ctx); err != nil {
		session.Close(context.Background(), true)
		h.captureFailed(ctx, err)
		return
	}

	class, scale := h.specialise(session)

	h.mu.Lock()
	if ctx.Err() != nil {
		h.mu.Unlock()
		session.Close(context.Background(), true)
		return
	}
	h.session = session
	h.class = class
	h.scale = scale
	h.ready = true
	h.mu.Unlock()

	if h.idFile != nil {
		h.idFile.Save(session.Address())
	}

	h.setState(bus.LifecycleCaptured, true)
	h.publishAvailability(true, "")
	h.publishChanged(class, class == "")

	h.watchForDrop(session)
}

// captureFailed rolls the handle back to Released so the next wake can
// retry. A
// cancelled context means a release request superseded this capture and
// reconcile already owns the transition.
func (h *Handle) captureFailed(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	h.mu.Lock()
	if h.current == intentCaptured {
		h.current = intentReleased
	}
	h.mu.Unlock()
	h.setState(bus.LifecycleReleased, false)
	h.publishAvailability(false, err.Error())
	h.signal()
}

func (h *Handle) doRelease(ctx context.Context) {
	h.setState(bus.LifecycleReleasing, false)
	h.publishAvailability(false, "")

	h.mu.Lock()
	session := h.session
	h.session = nil
	h.ready = false
	h.scale = nil
	hadClass := h.class != ""
	h.class = ""
	h.mu.Unlock()

	if session != nil {
		session.Close(context.Background(), true)
	}
	if h.idFile != nil {
		h.idFile.Clear()
	}
	if hadClass {
		h.publishChanged("", true)
	}
	h.setState(bus.LifecycleReleased, false)
	h.publishAvailability(false, "")
}

// connectWithBackoff retries the initial connect attempt up to
// ReconnectRetryCount times, pausing a fixed ReconnectGap after each
// failed attempt.
func (h *Handle) connectWithBackoff(ctx context.Context, addr string) (Session, error) {
	var lastErr error
	attempts := h.policy.ReconnectRetryCount
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		cctx, cancel := context.WithTimeout(ctx, h.policy.ConnectTimeout)
		session, err := h.connector.Connect(cctx, addr, addr == "")
		cancel()
		if err == nil {
			return session, nil
		}
		lastErr = err
		h.logger.Warn("connect attempt failed", "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(h.policy.ReconnectGap):
		}
	}
	return nil, lastErr
}

// watchForDrop blocks until the session reports an unexpected
// disconnect, then rolls the handle back to Released with the capture
// intent still desired, so the next wake re-enters Capturing and
// retries per policy.
func (h *Handle) watchForDrop(session Session) {
	select {
	case <-session.Disconnected():
	case <-h.stop:
		return
	}

	h.mu.Lock()
	stillCurrent := h.session == session && h.current == intentCaptured
	if stillCurrent {
		h.session = nil
		h.ready = false
		h.scale = nil
		hadClass := h.class != ""
		h.class = ""
		h.current = intentReleased
		h.mu.Unlock()
		if hadClass {
			h.publishChanged("", true)
		}
	} else {
		h.mu.Unlock()
		return
	}

	h.setState(bus.LifecycleReleased, false)
	h.publishAvailability(false, "unexpected disconnect")
	h.signal()
}

func (h *Handle) specialise(session Session) (class string, scale ScaleModel) {
	if h.models == nil {
		return "", nil
	}
	return h.models.Specialise(h.role, session)
}

func (h *Handle) setState(state bus.LifecycleState, ready bool) {
	h.mu.Lock()
	h.state = state
	h.ready = ready
	h.mu.Unlock()
}

func (h *Handle) publishAvailability(ready bool, failure string) {
	if h.bus == nil {
		return
	}
	h.mu.Lock()
	state, addr := h.state, h.address
	h.mu.Unlock()
	h.bus.Publish(bus.Envelope{
		Kind:   bus.KindDeviceAvailability,
		Sender: string(h.role),
		Payload: bus.DeviceAvailability{
			Role:          h.role,
			State:         state,
			Ready:         ready,
			Address:       addr,
			FailureReason: failure,
		},
	})
}

func (h *Handle) publishChanged(class string, generic bool) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(bus.Envelope{
		Kind:   bus.KindDeviceChanged,
		Sender: string(h.role),
		Payload: bus.DeviceChanged{
			Role:      h.role,
			ClassName: class,
			Generic:   generic,
		},
	})
}
