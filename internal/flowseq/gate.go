package flowseq

import "github.com/pyde1/pyde1-go/internal/bus"

// gateSet tracks the three-valued latch state of every gate in a
// single sequence's lifecycle.
type gateSet map[bus.GateName]bus.GateState

func newGateSet() gateSet {
	g := gateSet{}
	for _, name := range allGates {
		g[name] = bus.GateUnset
	}
	return g
}

var allGates = []bus.GateName{
	bus.GateSequenceStart,
	bus.GateFlowBegin,
	bus.GateExpectDrops,
	bus.GateExitPreinfuse,
	bus.GateFlowEnd,
	bus.GateFlowStateExit,
	bus.GateLastDrops,
	bus.GateSequenceComplete,
}

func (g gateSet) isSet(name bus.GateName) bool { return g[name] == bus.GateSet }

// set latches name to Set and publishes the transition, unless it is
// already Set. Gates latch exactly once per sequence.
func (s *Sequencer) setGate(name bus.GateName, reason string) {
	if s.gates.isSet(name) {
		return
	}
	s.gates[name] = bus.GateSet
	s.publishGate(name, bus.GateSet, reason)
}

// clear latches name to Cleared and publishes the transition.
func (s *Sequencer) clearGate(name bus.GateName) {
	s.gates[name] = bus.GateCleared
	s.publishGate(name, bus.GateCleared, "")
}

func (s *Sequencer) clearAllGatesExcept(except bus.GateName) {
	for _, name := range allGates {
		if name == except {
			continue
		}
		s.clearGate(name)
	}
}

func (s *Sequencer) publishGate(name bus.GateName, state bus.GateState, reason string) {
	if s.b == nil {
		return
	}
	s.b.Publish(bus.Envelope{
		Kind:       bus.KindSequencerGate,
		Sender:     "flowseq",
		SequenceID: s.sequenceID,
		Payload:    bus.SequencerGate{Gate: name, State: state, Reason: reason},
	})
}
