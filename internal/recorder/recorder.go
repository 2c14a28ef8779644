package recorder

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/pyde1/pyde1-go/internal/bus"
	"github.com/pyde1/pyde1-go/internal/store"
)

// capturedKinds lists every event kind the recorder absorbs into the
// ring buffer, matching the per-kind tables in internal/store/schema.go.
var capturedKinds = []bus.Kind{
	bus.KindStateUpdate,
	bus.KindShotSample,
	bus.KindWeightAndFlow,
	bus.KindWaterLevel,
	bus.KindStopAt,
	bus.KindScaleTare,
	bus.KindAutoTare,
	bus.KindScaleButton,
	bus.KindConnectivity,
	bus.KindDeviceAvailability,
	bus.KindDeviceChanged,
	bus.KindBlueDotUpdate,
}

// SnapshotProvider returns the cached resource snapshot (DE1
// settings/control/calibration/version, scale id) to embed in a new
// Sequence row, read synchronously with no on-wire round trip.
type SnapshotProvider func() json.RawMessage

// ProfileSource returns the profile id to attribute a new sequence to,
// and whether that attribution is a best guess rather than an upload
// seen this process run. An empty id
// means no profile has ever been uploaded; the row's profile_id stays
// NULL.
type ProfileSource func() (id string, assumed bool)

// Recorder fans bus events into the store, attributed per sequence.
type Recorder struct {
	b             *bus.Bus
	store         *store.Store
	snapshot      SnapshotProvider
	profile       ProfileSource
	flushInterval time.Duration
	preWindow     time.Duration
	logger        *slog.Logger

	mu         sync.Mutex
	ringBuf    *ring
	sequenceID string
	lastState  bus.MachineState
	pending    []bus.Envelope
}

// Config parameterises a Recorder.
type Config struct {
	RingCapacity      int
	FlushInterval     time.Duration
	PreSequenceWindow time.Duration

	// Profile resolves the sequence's profile attribution at
	// SequenceStart; nil records profile_assumed with no profile id.
	Profile ProfileSource
}

// New builds a Recorder. snapshot may be nil (empty snapshot stored).
func New(cfg Config, b *bus.Bus, st *store.Store, snapshot SnapshotProvider, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}
	if cfg.PreSequenceWindow <= 0 {
		cfg.PreSequenceWindow = 5 * time.Second
	}
	return &Recorder{
		b:             b,
		store:         st,
		snapshot:      snapshot,
		profile:       cfg.Profile,
		flushInterval: cfg.FlushInterval,
		preWindow:     cfg.PreSequenceWindow,
		logger:        logger,
		ringBuf:       newRing(cfg.RingCapacity),
	}
}

// Run absorbs events and gate transitions until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) {
	merged := make(chan bus.Envelope, 1024)
	var wg sync.WaitGroup
	for _, kind := range capturedKinds {
		ch, unsub := r.b.Subscribe(kind, 256)
		wg.Add(1)
		go func(ch <-chan bus.Envelope, unsub func()) {
			defer wg.Done()
			defer unsub()
			for {
				select {
				case env, ok := <-ch:
					if !ok {
						return
					}
					select {
					case merged <- env:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}(ch, unsub)
	}

	gates, unsubGates := r.b.Subscribe(bus.KindSequencerGate, 64)
	defer unsubGates()

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case env := <-merged:
			r.absorb(env)
		case env := <-gates:
			r.onGate(env)
		case <-ticker.C:
			r.flush()
		}
	}
}

func (r *Recorder) absorb(env bus.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if env.Kind == bus.KindStateUpdate {
		if su, ok := env.Payload.(bus.StateUpdate); ok {
			r.lastState = su.State
		}
	}
	if r.sequenceID == "" {
		r.ringBuf.push(env)
		return
	}
	env.SequenceID = r.sequenceID
	r.pending = append(r.pending, env)
}

// onGate reacts to gate transitions and persists them like any other
// captured event. SequenceStart binds the new id before its own
// envelope is absorbed; SequenceComplete is absorbed first so the
// closing gate row still lands inside the sequence it closes.
func (r *Recorder) onGate(env bus.Envelope) {
	g, ok := env.Payload.(bus.SequencerGate)
	if !ok {
		return
	}
	if g.State == bus.GateSet {
		switch g.Gate {
		case bus.GateSequenceStart:
			r.onSequenceStart(env.SequenceID)
		case bus.GateFlowBegin:
			if err := r.store.SetFlowStart(env.SequenceID, time.Now()); err != nil {
				r.logger.Error("set flow start failed", "sequence_id", env.SequenceID, "error", err)
			}
		case bus.GateFlowEnd:
			if err := r.store.SetFlowEnd(env.SequenceID, time.Now()); err != nil {
				r.logger.Error("set flow end failed", "sequence_id", env.SequenceID, "error", err)
			}
		}
	}

	r.absorb(env)

	if g.State == bus.GateSet && g.Gate == bus.GateSequenceComplete {
		r.onSequenceComplete(env.SequenceID)
	}
}

// onSequenceStart creates the Sequence row, re-labels the ring-buffer items
// that fall within the pre-sequence window under the new id and flushes
// them (older items are dropped), then switches to streaming mode.
func (r *Recorder) onSequenceStart(sequenceID string) {
	var snap json.RawMessage
	if r.snapshot != nil {
		snap = r.snapshot()
	}
	profileID, assumed := "", true
	if r.profile != nil {
		profileID, assumed = r.profile()
	}

	r.mu.Lock()
	activeState := r.lastState
	r.mu.Unlock()

	now := time.Now()
	seq := store.Sequence{
		ID:             sequenceID,
		ActiveState:    string(activeState),
		StartSequence:  &now,
		ProfileID:      profileID,
		ProfileAssumed: assumed,
		Snapshot:       snap,
	}
	if err := r.store.CreateSequence(seq); err != nil {
		r.logger.Error("create sequence row failed", "sequence_id", sequenceID, "error", err)
	}

	r.mu.Lock()
	windowed := r.ringBuf.drain(now.Add(-r.preWindow))
	r.sequenceID = sequenceID
	r.mu.Unlock()

	if len(windowed) == 0 {
		return
	}
	batch, err := r.store.BeginBatch()
	if err != nil {
		r.logger.Error("begin batch for pre-sequence window failed", "error", err)
		return
	}
	for _, env := range windowed {
		if err := batch.Insert(r.store, env, sequenceID); err != nil {
			r.logger.Error("insert pre-sequence event failed", "kind", env.Kind, "error", err)
		}
	}
	if err := batch.Commit(); err != nil {
		r.logger.Error("commit pre-sequence window failed", "error", err)
	}
}

// onSequenceComplete flushes any remaining pending writes, closes the
// sequence row, and returns the recorder to ring-buffer mode.
func (r *Recorder) onSequenceComplete(sequenceID string) {
	r.flush()
	if err := r.store.CloseSequence(sequenceID, time.Now()); err != nil {
		r.logger.Error("close sequence failed", "sequence_id", sequenceID, "error", err)
	}
	r.mu.Lock()
	if r.sequenceID == sequenceID {
		r.sequenceID = ""
	}
	r.mu.Unlock()
}

func (r *Recorder) flush() {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	batch, err := r.store.BeginBatch()
	if err != nil {
		r.logger.Error("begin batch failed", "error", err)
		return
	}
	for _, env := range pending {
		if err := batch.Insert(r.store, env, env.SequenceID); err != nil {
			r.logger.Error("insert event failed", "kind", env.Kind, "error", err)
		}
	}
	if err := batch.Commit(); err != nil {
		r.logger.Error("commit batch failed", "error", err)
	}
}
