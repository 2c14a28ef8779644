package flowseq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pyde1/pyde1-go/internal/bus"
)

type fakeRequester struct {
	mu    sync.Mutex
	calls []bus.MachineState
}

func (f *fakeRequester) RequestState(ctx context.Context, state bus.MachineState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, state)
	return nil
}

func (f *fakeRequester) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeScale struct {
	ready   bool
	tareErr error
	tares   int
}

func (f *fakeScale) Tare(ctx context.Context) error { f.tares++; return f.tareErr }
func (f *fakeScale) Ready() bool                    { return f.ready }

func idSeq(ids ...string) IDGenerator {
	i := 0
	return func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}
}

func espressoConfig() StateConfig {
	return StateConfig{
		FirstDropsThreshold:  0.2,
		LastDropsMinimumTime: 5 * time.Millisecond,
	}
}

func newTestSequencer(t *testing.T, cfg Config, req StateRequester, scale ScaleController) (*Sequencer, *bus.Bus) {
	t.Helper()
	b := bus.New(nil)
	s := New(cfg, b, req, scale, nil)
	s.newID = idSeq("seq-1")
	return s, b
}

func TestSequencer_StopAtWeightTriggersOnceWithAdjust(t *testing.T) {
	limit := 46.0
	cfg := Config{
		States: map[bus.MachineState]StateConfig{
			bus.StateEspresso: {FirstDropsThreshold: 0.2, StopAtWeight: &limit, LastDropsMinimumTime: time.Hour},
		},
		StopAtWeightAdjust: -70 * time.Millisecond,
	}
	req := &fakeRequester{}
	scale := &fakeScale{ready: true}
	s, _ := newTestSequencer(t, cfg, req, scale)

	s.onStateUpdate(bus.StateUpdate{State: bus.StateEspresso, Substate: bus.SubstatePour})
	s.onShotSample(bus.ShotSample{SampleTime: 0, GroupFlow: 1.0})

	// current_weight >= 46.0 - 2.0*0.07 = 45.86 should trigger.
	s.onWeightAndFlow(bus.WeightAndFlow{CurrentWeight: 45.86, CurrentFlow: 2.0})
	s.onWeightAndFlow(bus.WeightAndFlow{CurrentWeight: 45.9, CurrentFlow: 2.0})
	s.onWeightAndFlow(bus.WeightAndFlow{CurrentWeight: 46.5, CurrentFlow: 2.0})

	if req.count() != 1 {
		t.Fatalf("RequestState called %d times, want exactly 1 (fires once per sequence)", req.count())
	}
	if !s.stop.weightTriggered {
		t.Fatal("expected weightTriggered to be set")
	}
}

func TestSequencer_StopAtWeightDoesNotTriggerBelowAdjustedTarget(t *testing.T) {
	limit := 46.0
	cfg := Config{
		States: map[bus.MachineState]StateConfig{
			bus.StateEspresso: {FirstDropsThreshold: 0.2, StopAtWeight: &limit, LastDropsMinimumTime: time.Hour},
		},
		StopAtWeightAdjust: -70 * time.Millisecond,
	}
	req := &fakeRequester{}
	scale := &fakeScale{ready: true}
	s, _ := newTestSequencer(t, cfg, req, scale)

	s.onStateUpdate(bus.StateUpdate{State: bus.StateEspresso, Substate: bus.SubstatePour})
	s.onShotSample(bus.ShotSample{SampleTime: 0, GroupFlow: 1.0})
	s.onWeightAndFlow(bus.WeightAndFlow{CurrentWeight: 45.0, CurrentFlow: 2.0})

	if req.count() != 0 {
		t.Fatalf("RequestState called %d times, want 0 below the adjusted target", req.count())
	}
}

func TestSequencer_GateLifecycleAndSequenceComplete(t *testing.T) {
	cfg := Config{
		States: map[bus.MachineState]StateConfig{
			bus.StateEspresso: espressoConfig(),
		},
	}
	req := &fakeRequester{}
	scale := &fakeScale{ready: false}
	s, b := newTestSequencer(t, cfg, req, scale)

	gates, unsub := b.Subscribe(bus.KindSequencerGate, 64)
	defer unsub()

	s.onStateUpdate(bus.StateUpdate{State: bus.StateEspresso, Substate: bus.SubstatePreInfuse})
	s.onShotSample(bus.ShotSample{SampleTime: 0.5, GroupFlow: 0.5})
	s.onStateUpdate(bus.StateUpdate{State: bus.StateEspresso, Substate: bus.SubstatePour})
	s.onStateUpdate(bus.StateUpdate{State: bus.StateEspresso, Substate: bus.SubstateEnding})
	s.onStateUpdate(bus.StateUpdate{State: bus.StateIdle, Substate: ""})

	time.Sleep(20 * time.Millisecond)

	seen := map[bus.GateName]bus.GateState{}
	draining := true
	for draining {
		select {
		case env := <-gates:
			g := env.Payload.(bus.SequencerGate)
			if g.State == bus.GateSet {
				seen[g.Gate] = g.State
			}
		default:
			draining = false
		}
	}

	for _, want := range []bus.GateName{
		bus.GateSequenceStart, bus.GateFlowBegin, bus.GateExpectDrops,
		bus.GateExitPreinfuse, bus.GateFlowEnd, bus.GateFlowStateExit,
		bus.GateLastDrops, bus.GateSequenceComplete,
	} {
		if seen[want] != bus.GateSet {
			t.Errorf("gate %s was never Set", want)
		}
	}

	if s.active {
		t.Error("expected sequence to be closed after SequenceComplete")
	}
}

func TestSequencer_DeviceLostClosesSequence(t *testing.T) {
	cfg := Config{States: map[bus.MachineState]StateConfig{bus.StateEspresso: espressoConfig()}}
	s, b := newTestSequencer(t, cfg, nil, nil)

	gates, unsub := b.Subscribe(bus.KindSequencerGate, 64)
	defer unsub()

	s.onStateUpdate(bus.StateUpdate{State: bus.StateEspresso})
	s.DeviceLost()

	if s.active {
		t.Fatal("expected sequence to close on device loss")
	}

	foundComplete := false
	draining := true
	for draining {
		select {
		case env := <-gates:
			g := env.Payload.(bus.SequencerGate)
			if g.Gate == bus.GateSequenceComplete && g.State == bus.GateSet && g.Reason == "device_lost" {
				foundComplete = true
			}
		default:
			draining = false
		}
	}
	if !foundComplete {
		t.Error("expected SequenceComplete.Set{reason: device_lost}")
	}
}

func TestSequencer_AutoTareDisabledWhenScaleNotReady(t *testing.T) {
	cfg := Config{States: map[bus.MachineState]StateConfig{bus.StateEspresso: espressoConfig()}}
	scale := &fakeScale{ready: false}
	s, b := newTestSequencer(t, cfg, nil, scale)

	autoTares, unsub := b.Subscribe(bus.KindAutoTare, 4)
	defer unsub()

	s.onStateUpdate(bus.StateUpdate{State: bus.StateEspresso})

	select {
	case env := <-autoTares:
		at := env.Payload.(bus.AutoTare)
		if at.Action != bus.AutoTareDisabled {
			t.Errorf("Action = %v, want disabled", at.Action)
		}
	default:
		t.Fatal("expected an AutoTare notification")
	}
	if scale.tares != 0 {
		t.Error("expected Tare not to be called when scale is not ready")
	}
}
