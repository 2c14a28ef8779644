// Package mbd implements the Managed Bluetooth Device layer: a
// per-role lifecycle supervisor that keeps a logical
// device (DE1, Scale, Thermometer) reachable, initialised, and
// substitutable by physical model, behind a handle whose public
// contract never changes.
package mbd

import (
	"context"
	"time"
)

// Advertisement is the subset of a BLE advertisement the model registry
// needs to pick a specific device class.
type Advertisement struct {
	Address   string
	LocalName string
}

// Session is a live transport handle to a captured device. Concrete
// implementations live in internal/ble, wrapping tinygo.org/x/bluetooth.
type Session interface {
	// Address returns the connected device's BLE address.
	Address() string
	// Advertisement returns the advertisement seen when this session
	// was established, used for class specialisation.
	Advertisement() Advertisement
	// Initialize performs post-connect setup (service/characteristic
	// discovery, enabling notifications). Called once per capture.
	Initialize(ctx context.Context) error
	// Close disconnects the session. willful indicates this is a
	// locally-requested release, not an unexpected drop.
	Close(ctx context.Context, willful bool) error
	// Disconnected returns a channel closed when the transport detects
	// the peer went away.
	Disconnected() <-chan struct{}
}

// Connector establishes a new Session for a role, given a target
// address or, if addr is empty, a scan hint.
type Connector interface {
	Connect(ctx context.Context, addr string, scanHint bool) (Session, error)
}

// ScaleModel is the specialised-behaviour interface a specific scale
// class implements once class specialisation has occurred. Other
// roles follow the same shape with their own interfaces.
type ScaleModel interface {
	Name() string
	Tare(ctx context.Context) error
}

// ModelEntry registers a LocalName prefix to a specific-model
// constructor.
type ModelEntry struct {
	Prefix   string
	NewScale func(Session) ScaleModel
}

// BackoffPolicy parameterises the unexpected-disconnect reconnect loop.
type BackoffPolicy struct {
	ConnectTimeout      time.Duration
	ReconnectRetryCount int
	ReconnectGap        time.Duration
}
