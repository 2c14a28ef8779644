package bus

// MachineState is the DE1's coarse operating state.
type MachineState string

const (
	StateSleep         MachineState = "Sleep"
	StateIdle          MachineState = "Idle"
	StateEspresso      MachineState = "Espresso"
	StateSteam         MachineState = "Steam"
	StateHotWater      MachineState = "HotWater"
	StateHotWaterRinse MachineState = "HotWaterRinse"
	StateClean         MachineState = "Clean"
	StateDescale       MachineState = "Descale"
	StateTransport     MachineState = "Transport"
)

// Substate is the DE1's finer-grained state within a MachineState.
type Substate string

const (
	SubstatePreInfuse Substate = "PreInfuse"
	SubstatePour      Substate = "Pour"
	SubstateFlush     Substate = "Flush"
	SubstatePouring   Substate = "Pouring"
	SubstateEnding    Substate = "Ending"
)

// StateUpdate is published whenever the DE1 reports a new
// (MachineState, Substate) pair.
type StateUpdate struct {
	State    MachineState `json:"state"`
	Substate Substate     `json:"substate"`
}

// ShotSample carries one tick of the DE1's shot telemetry.
type ShotSample struct {
	SampleTime    float64 `json:"sample_time"`
	GroupPressure float64 `json:"group_pressure"`
	GroupFlow     float64 `json:"group_flow"`
	MixTemp       float64 `json:"mix_temp"`
	HeadTemp      float64 `json:"head_temp"`
	VolumePour    float64 `json:"volume_pour"`
}

// WeightAndFlow carries one tick of scale telemetry.
type WeightAndFlow struct {
	CurrentWeight float64 `json:"current_weight"`
	CurrentFlow   float64 `json:"current_flow"`
}

// WaterLevel reports the DE1's reservoir level.
type WaterLevel struct {
	LevelMM      float64 `json:"level_mm"`
	LevelPercent float64 `json:"level_percent"`
}

// GateState is the three-valued latch state of a sequence gate.
type GateState string

const (
	GateUnset   GateState = "Unset"
	GateSet     GateState = "Set"
	GateCleared GateState = "Cleared"
)

// GateName identifies which gate in the shot lifecycle transitioned.
type GateName string

const (
	GateSequenceStart    GateName = "SequenceStart"
	GateFlowBegin        GateName = "FlowBegin"
	GateExpectDrops      GateName = "ExpectDrops"
	GateExitPreinfuse    GateName = "ExitPreinfuse"
	GateFlowEnd          GateName = "FlowEnd"
	GateFlowStateExit    GateName = "FlowStateExit"
	GateLastDrops        GateName = "LastDrops"
	GateSequenceComplete GateName = "SequenceComplete"
)

// SequencerGate is published on every gate transition.
type SequencerGate struct {
	Gate   GateName  `json:"gate"`
	State  GateState `json:"state"`
	Reason string    `json:"reason,omitempty"`
}

// StopAtKind identifies which stop condition fired.
type StopAtKind string

const (
	StopAtTime   StopAtKind = "time"
	StopAtVolume StopAtKind = "volume"
	StopAtWeight StopAtKind = "weight"
)

// StopAtAction describes a stop-condition notification's lifecycle point.
type StopAtAction string

const (
	StopAtEnabled   StopAtAction = "enabled"
	StopAtDisabled  StopAtAction = "disabled"
	StopAtTriggered StopAtAction = "triggered"
)

// StopAt is published when a stop-at-time/volume/weight condition is
// armed, disarmed, or triggered.
type StopAt struct {
	Kind    StopAtKind   `json:"kind"`
	Action  StopAtAction `json:"action"`
	Target  float64      `json:"target"`
	Current float64      `json:"current"`
}

// ScaleTare is published when the scale itself reports a tare event
// (e.g. the user pressed the tare button).
type ScaleTare struct{}

// AutoTareAction describes whether auto-tare fired for a sequence.
type AutoTareAction string

const (
	AutoTareEnabled  AutoTareAction = "enabled"
	AutoTareDisabled AutoTareAction = "disabled"
)

// AutoTare is published on SequenceStart to report whether the
// FlowSequencer issued an automatic tare command.
type AutoTare struct {
	Action AutoTareAction `json:"action"`
}

// ScaleButton reports a physical button press on the scale.
type ScaleButton struct {
	Button string `json:"button"`
}

// Connectivity reports a transport-level connectivity change not tied
// to a specific ManagedDevice role (e.g. the adapter itself).
type Connectivity struct {
	Connected bool   `json:"connected"`
	Detail    string `json:"detail,omitempty"`
}

// DeviceRole enumerates the logical device roles.
type DeviceRole string

const (
	RoleDE1         DeviceRole = "DE1"
	RoleScale       DeviceRole = "Scale"
	RoleThermometer DeviceRole = "Thermometer"
	RoleOther       DeviceRole = "Other"
)

// LifecycleState enumerates the MBD lifecycle states.
type LifecycleState string

const (
	LifecycleInitial   LifecycleState = "Initial"
	LifecycleCapturing LifecycleState = "Capturing"
	LifecycleCaptured  LifecycleState = "Captured"
	LifecycleReleasing LifecycleState = "Releasing"
	LifecycleReleased  LifecycleState = "Released"
)

// DeviceAvailability is published on every MBD lifecycle transition.
type DeviceAvailability struct {
	Role          DeviceRole     `json:"role"`
	State         LifecycleState `json:"state"`
	Ready         bool           `json:"ready"`
	Address       string         `json:"address,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
}

// DeviceChanged is published whenever an MBD handle specialises to a
// specific model or reverts to generic.
type DeviceChanged struct {
	Role      DeviceRole `json:"role"`
	ClassName string     `json:"class_name"`
	Generic   bool       `json:"generic"`
}

// BlueDotUpdate mirrors the DE1's "blue dot" shot-progress indicator.
type BlueDotUpdate struct {
	State string `json:"state"`
}
