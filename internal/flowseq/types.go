// Package flowseq implements the FlowSequencer: the
// shot-lifecycle state machine that gates a sequence's lifetime,
// enforces stop-at-time/volume/weight, drives auto-tare, and marks
// last-drops. It is a pure Event Bus consumer/producer; sequence
// persistence belongs to internal/recorder, which reacts to the gate
// notifications published here.
package flowseq

import (
	"context"
	"time"

	"github.com/pyde1/pyde1-go/internal/bus"
)

// StateConfig is the per-active_state configuration record,
// doubling as the GET/PATCH /de1/control/{mode} wire shape. A state with no entry in Config.States does not admit a flow
// sequence at all (e.g. Idle, Sleep, Clean). Stop-at-time is seconds
// of flow; stop-at-volume is mL; stop-at-weight is grams. A nil limit
// is disabled.
type StateConfig struct {
	DisableAutoTare                   bool          `json:"disable_auto_tare"`
	StopAtTime                        *float64      `json:"stop_at_time"`
	StopAtVolume                      *float64      `json:"stop_at_volume"`
	StopAtWeight                      *float64      `json:"stop_at_weight"`
	FirstDropsThreshold               float64       `json:"first_drops_threshold"`
	LastDropsMinimumTime              time.Duration `json:"last_drops_minimum_time"`
	ProfileCanOverrideStopLimits      bool          `json:"profile_can_override_stop_limits"`
	ProfileCanOverrideTankTemperature bool          `json:"profile_can_override_tank_temperature"`
}

// ProfileOverride carries the just-loaded profile's target_weight /
// target_volume, applied for exactly the ensuing sequence.
type ProfileOverride struct {
	TargetWeight *float64
	TargetVolume *float64
}

// Config parameterises a Sequencer. GHC gating lives at the request
// surface: with a Group Head Controller present the API refuses
// flow-state requests, and the Sequencer is a pure observer either
// way.
type Config struct {
	States             map[bus.MachineState]StateConfig
	WatchdogTimeout    time.Duration
	StopAtWeightAdjust time.Duration
}

// StateRequester issues a control request back to the DE1.
type StateRequester interface {
	RequestState(ctx context.Context, state bus.MachineState) error
}

// ScaleController lets the sequencer drive auto-tare and learn scale
// readiness for the missing-scale/SAW interaction.
type ScaleController interface {
	Tare(ctx context.Context) error
	Ready() bool
}

// IDGenerator allocates sequence ids. Tests substitute a deterministic
// generator; production uses uuid.NewString.
type IDGenerator func() string
