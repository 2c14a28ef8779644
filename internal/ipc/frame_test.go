package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{
		[]byte("hello"),
		[]byte(""),
		bytes.Repeat([]byte("x"), 4096),
	}
	for _, p := range payloads {
		if err := WriteFrame(&buf, p); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	r := bufio.NewReader(&buf)
	for i, want := range payloads {
		got, err := ReadFrame(r)
		if err != nil {
			t.Fatalf("ReadFrame(%d): %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d = %q, want %q", i, got, want)
		}
	}
}

func TestReadFrameEOFOnCleanClose(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader(nil))
	_, err := ReadFrame(r)
	if !errors.Is(err, io.EOF) {
		t.Errorf("ReadFrame on empty reader = %v, want io.EOF", err)
	}
}

func TestWriteReadMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := Message{Kind: "ready", Data: []byte(`{"ok":true}`)}
	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	got, err := ReadMessage(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.Kind != msg.Kind {
		t.Errorf("Kind = %q, want %q", got.Kind, msg.Kind)
	}
	if string(got.Data) != string(msg.Data) {
		t.Errorf("Data = %q, want %q", got.Data, msg.Data)
	}
}

func TestErrorEnvelopeCrossesBoundary(t *testing.T) {
	var buf bytes.Buffer
	msg, err := NewErrorMessage("TransportError", errors.New("broker unreachable"))
	if err != nil {
		t.Fatalf("NewErrorMessage: %v", err)
	}
	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	got, err := ReadMessage(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.Kind != "error" {
		t.Fatalf("Kind = %q, want error", got.Kind)
	}

	var env ErrorEnvelope
	if jsonErr := json.Unmarshal(got.Data, &env); jsonErr != nil {
		t.Fatalf("unmarshal envelope: %v", jsonErr)
	}
	if env.Kind != "TransportError" || env.Message != "broker unreachable" {
		t.Errorf("envelope = %+v, want {TransportError broker unreachable}", env)
	}
}
