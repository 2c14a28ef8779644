package flowseq

import (
	"context"
	"time"

	"github.com/pyde1/pyde1-go/internal/bus"
)

// stopState tracks which stop conditions have already fired for the
// current sequence, so each triggers at most once even if several
// samples cross the threshold in the same tick.
type stopState struct {
	timeTriggered   bool
	volumeTriggered bool
	weightTriggered bool
}

func (s *Sequencer) evaluateTimeStop(elapsed float64) {
	limit := s.stateCfg.StopAtTime
	if limit == nil || s.stop.timeTriggered {
		return
	}
	if elapsed < *limit {
		return
	}
	s.stop.timeTriggered = true
	s.triggerStop(bus.StopAtTime, *limit, elapsed)
}

func (s *Sequencer) evaluateVolumeStop(volumePour float64) {
	limit := s.stateCfg.StopAtVolume
	if limit == nil || s.stop.volumeTriggered {
		return
	}
	if volumePour < *limit {
		return
	}
	s.stop.volumeTriggered = true
	s.triggerStop(bus.StopAtVolume, *limit, volumePour)
}

// evaluateWeightStop applies fall-time compensation: the comparison
// target is shifted by flowRate * adjustSeconds,
// where adjustSeconds is the configured STOP_AT_WEIGHT_ADJUST (a
// signed seconds value, negative for the typical ~170ms mechanical
// fall time between basket and cup).
func (s *Sequencer) evaluateWeightStop(currentWeight, flowRate float64) {
	limit := s.stateCfg.StopAtWeight
	if limit == nil || s.stop.weightTriggered {
		return
	}
	adjustedTarget := *limit + flowRate*s.cfg.StopAtWeightAdjust.Seconds()
	if currentWeight < adjustedTarget {
		return
	}
	s.stop.weightTriggered = true
	s.triggerStop(bus.StopAtWeight, *limit, currentWeight)
}

func (s *Sequencer) triggerStop(kind bus.StopAtKind, target, current float64) {
	if s.requester != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.requester.RequestState(ctx, bus.StateIdle); err != nil {
			s.logger.Error("stop-at state request failed", "kind", kind, "error", err)
		}
	}
	if s.b != nil {
		s.b.Publish(bus.Envelope{
			Kind:       bus.KindStopAt,
			Sender:     "flowseq",
			SequenceID: s.sequenceID,
			Payload:    bus.StopAt{Kind: kind, Action: bus.StopAtTriggered, Target: target, Current: current},
		})
	}
}
