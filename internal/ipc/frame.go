// Package ipc implements a length-prefixed framed-message codec and a
// [Supervisor] that restarts a failed worker with a capped retry count
// per time window, escalating to [apperr.Fatal] when the cap is
// exceeded. cmd/pyde1d runs its workers (the MQTT forwarder, the HTTP
// server) as in-process goroutines under a Supervisor; they share the
// bus and store with the core directly, and no frames pass between
// them.
package ipc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameSize guards against a corrupt or malicious length prefix
// causing an unbounded allocation.
const maxFrameSize = 16 << 20 // 16 MiB

// WriteFrame writes payload to w as a 4-byte big-endian length prefix
// followed by the payload bytes.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("ipc: frame of %d bytes exceeds max %d", len(payload), maxFrameSize)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("ipc: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("ipc: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r. It returns
// io.EOF unwrapped when the peer closed the pipe cleanly between
// frames, so callers can distinguish "drained" from "corrupt."
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("ipc: truncated frame header: %w", err)
		}
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("ipc: frame of %d bytes exceeds max %d", size, maxFrameSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("ipc: read frame body: %w", err)
	}
	return payload, nil
}

// Message is the envelope carried by every frame between a worker and
// the core. Kind identifies the message's purpose ("ready", "event",
// "error", "shutdown"); Data is the kind-specific JSON payload.
type Message struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// WriteMessage JSON-encodes msg and writes it as one frame.
func WriteMessage(w io.Writer, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("ipc: marshal message: %w", err)
	}
	return WriteFrame(w, data)
}

// ReadMessage reads one frame and JSON-decodes it as a Message.
func ReadMessage(r *bufio.Reader) (Message, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("ipc: unmarshal message: %w", err)
	}
	return msg, nil
}

// ErrorEnvelope is the serialisable structured-error shape for errors
// crossing a process boundary: a tagged kind,
// a message, and an optional traceback snippet, never an opaque
// language-runtime error value.
type ErrorEnvelope struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// Error implements the error interface so an ErrorEnvelope decoded
// from a worker can be returned and logged like any other error.
func (e ErrorEnvelope) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewErrorMessage builds a "error" Message wrapping err, for a worker
// to report a fatal condition back to the core.
func NewErrorMessage(kind string, err error) (Message, error) {
	env := ErrorEnvelope{Kind: kind, Message: err.Error()}
	data, marshalErr := json.Marshal(env)
	if marshalErr != nil {
		return Message{}, marshalErr
	}
	return Message{Kind: "error", Data: data}, nil
}
