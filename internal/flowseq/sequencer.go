package flowseq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pyde1/pyde1-go/internal/bus"
)

// Sequencer drives the shot lifecycle. It owns no persistence; it only
// observes the Event Bus and publishes gate/stop-at/auto-tare
// notifications. internal/recorder reacts to KindSequencerGate to
// open and close the persisted Sequence row.
type Sequencer struct {
	cfg       Config
	b         *bus.Bus
	logger    *slog.Logger
	requester StateRequester
	scale     ScaleController
	newID     IDGenerator

	mu              sync.Mutex
	quiesced        bool
	active          bool
	sequenceID      string
	activeState     bus.MachineState
	substate        bus.Substate
	stateCfg        StateConfig
	gates           gateSet
	stop            stopState
	flowStartSample float64
	sawFlow         bool
	volumePour      float64
	override        *ProfileOverride

	lastDropsTimer *time.Timer
	watchdogTimer  *time.Timer
}

// New builds a Sequencer. scale and requester may be nil for a
// pure-observer deployment.
func New(cfg Config, b *bus.Bus, requester StateRequester, scale ScaleController, logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = 270 * time.Second
	}
	return &Sequencer{
		cfg:       cfg,
		b:         b,
		logger:    logger,
		requester: requester,
		scale:     scale,
		newID:     uuid.NewString,
		gates:     newGateSet(),
	}
}

// SetProfileOverride installs the just-loaded profile's target_weight
// / target_volume for the ensuing sequence only.
func (s *Sequencer) SetProfileOverride(o *ProfileOverride) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.override = o
}

// StateConfig returns the per-active_state configuration for state
// (GET /de1/control/{mode}), and whether that state admits
// a flow sequence at all.
func (s *Sequencer) StateConfig(state bus.MachineState) (StateConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.cfg.States[state]
	return cfg, ok
}

// SetStateConfig replaces the per-active_state configuration for
// state (PATCH /de1/control/{mode}). Only affects sequences started
// after the call; an in-flight sequence keeps the StateConfig it
// captured at SequenceStart.
func (s *Sequencer) SetStateConfig(state bus.MachineState, cfg StateConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.States == nil {
		s.cfg.States = map[bus.MachineState]StateConfig{}
	}
	s.cfg.States[state] = cfg
}

// Run consumes StateUpdate, ShotSample, and WeightAndFlow events until
// ctx is cancelled.
func (s *Sequencer) Run(ctx context.Context) {
	states, unsubStates := s.b.Subscribe(bus.KindStateUpdate, 32)
	samples, unsubSamples := s.b.Subscribe(bus.KindShotSample, 256)
	weights, unsubWeights := s.b.Subscribe(bus.KindWeightAndFlow, 256)
	defer unsubStates()
	defer unsubSamples()
	defer unsubWeights()

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-states:
			if su, ok := env.Payload.(bus.StateUpdate); ok {
				s.onStateUpdate(su)
			}
		case env := <-samples:
			if ss, ok := env.Payload.(bus.ShotSample); ok {
				s.onShotSample(ss)
			}
		case env := <-weights:
			if wf, ok := env.Payload.(bus.WeightAndFlow); ok {
				s.onWeightAndFlow(wf)
			}
		}
	}
}

func (s *Sequencer) onStateUpdate(su bus.StateUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		cfg, admits := s.cfg.States[su.State]
		if !admits || s.quiesced {
			return
		}
		s.startSequence(su.State, cfg)
		s.activeState = su.State
		s.substate = su.Substate
		return
	}

	prevSubstate := s.substate
	s.substate = su.Substate

	if su.State != s.activeState {
		s.setGate(bus.GateFlowStateExit, "")
		s.maybeComplete()
		return
	}

	if prevSubstate == bus.SubstatePreInfuse && su.Substate != bus.SubstatePreInfuse {
		s.setGate(bus.GateExitPreinfuse, "")
	}
	if prevSubstate != bus.SubstateEnding && su.Substate == bus.SubstateEnding {
		s.setGate(bus.GateFlowEnd, "")
		s.armLastDropsTimer()
	}
}

func (s *Sequencer) startSequence(state bus.MachineState, cfg StateConfig) {
	s.active = true
	s.sequenceID = s.newID()
	s.activeState = state
	s.stateCfg = cfg
	s.gates = newGateSet()
	s.stop = stopState{}
	s.flowStartSample = 0
	s.sawFlow = false
	s.volumePour = 0

	if s.override != nil && cfg.ProfileCanOverrideStopLimits {
		if s.override.TargetWeight != nil {
			cfg.StopAtWeight = s.override.TargetWeight
		}
		if s.override.TargetVolume != nil {
			cfg.StopAtVolume = s.override.TargetVolume
		}
		s.stateCfg = cfg
	}
	s.override = nil

	s.setGate(bus.GateSequenceStart, "")
	s.clearAllGatesExcept(bus.GateSequenceStart)

	s.issueAutoTare(cfg)
	s.armWatchdog()
}

func (s *Sequencer) issueAutoTare(cfg StateConfig) {
	action := bus.AutoTareDisabled
	if !cfg.DisableAutoTare && s.scale != nil && s.scale.Ready() {
		action = bus.AutoTareEnabled
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.scale.Tare(ctx); err != nil {
			s.logger.Warn("auto-tare failed", "error", err)
		}
	}
	if s.b != nil {
		s.b.Publish(bus.Envelope{
			Kind:       bus.KindAutoTare,
			Sender:     "flowseq",
			SequenceID: s.sequenceID,
			Payload:    bus.AutoTare{Action: action},
		})
	}
}

func (s *Sequencer) armWatchdog() {
	if s.watchdogTimer != nil {
		s.watchdogTimer.Stop()
	}
	id := s.sequenceID
	s.watchdogTimer = time.AfterFunc(s.cfg.WatchdogTimeout, func() {
		s.onWatchdogExpired(id)
	})
}

func (s *Sequencer) onWatchdogExpired(sequenceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || s.sequenceID != sequenceID {
		return
	}
	s.logger.Error("sequence watchdog expired, force-closing", "sequence_id", sequenceID)
	s.setGate(bus.GateFlowStateExit, "watchdog")
	s.setGate(bus.GateLastDrops, "watchdog")
	s.setGate(bus.GateSequenceComplete, "watchdog")
	if s.requester != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.requester.RequestState(ctx, bus.StateIdle)
		cancel()
	}
	s.active = false
}

func (s *Sequencer) armLastDropsTimer() {
	if s.lastDropsTimer != nil {
		s.lastDropsTimer.Stop()
	}
	id := s.sequenceID
	s.lastDropsTimer = time.AfterFunc(s.stateCfg.LastDropsMinimumTime, func() {
		s.onLastDropsElapsed(id)
	})
}

func (s *Sequencer) onLastDropsElapsed(sequenceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || s.sequenceID != sequenceID {
		return
	}
	s.setGate(bus.GateLastDrops, "")
	s.maybeComplete()
}

func (s *Sequencer) maybeComplete() {
	if s.gates.isSet(bus.GateFlowStateExit) && s.gates.isSet(bus.GateLastDrops) {
		s.setGate(bus.GateSequenceComplete, "")
		if s.watchdogTimer != nil {
			s.watchdogTimer.Stop()
		}
		s.active = false
	}
}

// Active reports whether a sequence is currently open.
func (s *Sequencer) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Quiesce stops the sequencer from opening new sequences, the first
// step of the ordered shutdown drain. An in-flight
// sequence still runs to completion; callers poll Active to await it.
func (s *Sequencer) Quiesce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quiesced = true
}

// DeviceLost closes the active sequence with reason device_lost
// when the DE1 drops mid-shot.
func (s *Sequencer) DeviceLost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.setGate(bus.GateFlowStateExit, "device_lost")
	s.setGate(bus.GateLastDrops, "device_lost")
	s.setGate(bus.GateSequenceComplete, "device_lost")
	if s.watchdogTimer != nil {
		s.watchdogTimer.Stop()
	}
	s.active = false
}

func (s *Sequencer) onShotSample(ss bus.ShotSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}

	if !s.sawFlow && ss.GroupFlow >= s.stateCfg.FirstDropsThreshold {
		s.sawFlow = true
		s.flowStartSample = ss.SampleTime
		s.setGate(bus.GateFlowBegin, "")
		s.setGate(bus.GateExpectDrops, "")
	}

	if s.sawFlow {
		s.volumePour = ss.VolumePour
		s.evaluateTimeStop(ss.SampleTime - s.flowStartSample)
		s.evaluateVolumeStop(ss.VolumePour)
	}
}

func (s *Sequencer) onWeightAndFlow(wf bus.WeightAndFlow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	if s.stateCfg.StopAtWeight != nil && (s.scale == nil || !s.scale.Ready()) {
		if !s.stop.weightTriggered {
			s.logger.Warn("scale not ready, disabling stop-at-weight for this sequence")
			s.stop.weightTriggered = true
		}
		return
	}
	s.evaluateWeightStop(wf.CurrentWeight, wf.CurrentFlow)
}
