// Package bus provides the typed in-process publish/subscribe event
// bus. Components publish [Envelope] values wrapping a kind-specific
// payload; subscribers register per-Kind and receive events on a
// bounded channel. The bus is nil-safe: calling Publish on a nil *Bus
// is a no-op, so components never need guard checks.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Kind identifies the payload type carried by an Envelope.
type Kind string

const (
	KindStateUpdate        Kind = "state_update"
	KindShotSample         Kind = "shot_sample"
	KindWeightAndFlow      Kind = "weight_and_flow"
	KindWaterLevel         Kind = "water_level"
	KindSequencerGate      Kind = "sequencer_gate"
	KindStopAt             Kind = "stop_at"
	KindScaleTare          Kind = "scale_tare"
	KindAutoTare           Kind = "auto_tare"
	KindScaleButton        Kind = "scale_button"
	KindConnectivity       Kind = "connectivity"
	KindDeviceAvailability Kind = "device_availability"
	KindDeviceChanged      Kind = "device_changed"
	KindBlueDotUpdate      Kind = "bluedot_update"
)

// Envelope wraps a kind-specific payload with the timestamps and
// identity fields every persisted event carries.
type Envelope struct {
	Kind Kind `json:"kind"`

	// ArrivalTime is when the bus received the Publish call.
	ArrivalTime time.Time `json:"arrival_time"`
	// CreateTime is when the payload was constructed by its sender. If
	// zero at Publish time, it is stamped equal to ArrivalTime.
	CreateTime time.Time `json:"create_time"`
	// EventTime is the event's own monotonic timestamp (e.g. the BLE
	// notification's on-wire time). If zero at Publish time, it is
	// stamped equal to ArrivalTime.
	EventTime time.Time `json:"event_time"`

	Sender  string `json:"sender"`
	Version string `json:"version"`

	// SequenceID attributes this event to a sequence, or the
	// pre-sequence sentinel (see internal/recorder).
	SequenceID string `json:"sequence_id,omitempty"`

	// Payload is the kind-specific body, one of the StateUpdate,
	// ShotSample, etc. structs in internal/bus/payloads.go.
	Payload any `json:"data"`
}

type subscription struct {
	kind Kind
	ch   chan Envelope
}

// Bus is a non-blocking broadcast event bus keyed by payload Kind.
// Subscribers receive events on buffered channels; a slow subscriber
// drops events rather than blocking the publisher or other subscribers.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[Kind]map[chan Envelope]struct{}
}

// New creates a Bus ready for use. A nil logger is replaced with
// [slog.Default].
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[Kind]map[chan Envelope]struct{}),
	}
}

// Publish stamps any zero timestamp fields and fans the envelope out to
// every subscriber registered for env.Kind. Safe to call on a nil
// receiver (no-op). Non-blocking: when a subscriber's queue is full,
// the oldest queued envelope is evicted to admit the new one, with an
// error logged, so a stalled subscriber sees the freshest events and
// never blocks the publisher or other subscribers.
func (b *Bus) Publish(env Envelope) {
	if b == nil {
		return
	}

	now := time.Now()
	if env.ArrivalTime.IsZero() {
		env.ArrivalTime = now
	}
	if env.CreateTime.IsZero() {
		env.CreateTime = env.ArrivalTime
	}
	if env.EventTime.IsZero() {
		env.EventTime = env.ArrivalTime
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[env.Kind] {
		select {
		case ch <- env:
			continue
		default:
		}

		// Queue full: evict the oldest queued envelope to make room.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- env:
		default:
			// The subscriber refilled the slot between the eviction and
			// the retry; the new envelope loses the race instead.
		}
		b.logger.Error("bus: subscriber queue full, dropped oldest event",
			"kind", env.Kind, "sender", env.Sender)
	}
}

// Subscribe registers a subscriber for a single Kind and returns a
// receive channel plus a cancel function. Calling cancel is idempotent
// and closes the channel; subsequent calls are no-ops.
func (b *Bus) Subscribe(kind Kind, bufSize int) (<-chan Envelope, func()) {
	if bufSize <= 0 {
		bufSize = 64
	}
	ch := make(chan Envelope, bufSize)

	b.mu.Lock()
	if b.subs[kind] == nil {
		b.subs[kind] = make(map[chan Envelope]struct{})
	}
	b.subs[kind][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if set, ok := b.subs[kind]; ok {
				if _, present := set[ch]; present {
					delete(set, ch)
					close(ch)
				}
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// SubscriberCount returns the number of active subscribers for kind.
func (b *Bus) SubscriberCount(kind Kind) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}
