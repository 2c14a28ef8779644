package recorder

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pyde1/pyde1-go/internal/bus"
	"github.com/pyde1/pyde1-go/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pyde1.sqlite3")
	s, err := store.Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// TestScenario_PreSequenceCapture: a handful of samples arrive before SequenceStart, landing in the ring
// buffer; once the sequence opens they are re-labelled under its id
// and flushed alongside streamed events.
func TestScenario_PreSequenceCapture(t *testing.T) {
	st := openTestStore(t)
	b := bus.New(nil)
	r := New(Config{RingCapacity: 32, FlushInterval: 10 * time.Millisecond}, b, st, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	for i := 0; i < 3; i++ {
		b.Publish(bus.Envelope{Kind: bus.KindShotSample, Sender: "de1", Version: "1.0",
			Payload: bus.ShotSample{SampleTime: float64(i)}})
	}
	time.Sleep(20 * time.Millisecond)

	sequenceID := "seq-pre"
	b.Publish(bus.Envelope{Kind: bus.KindSequencerGate, Sender: "flowseq", SequenceID: sequenceID,
		Payload: bus.SequencerGate{Gate: bus.GateSequenceStart, State: bus.GateSet}})

	for i := 3; i < 6; i++ {
		b.Publish(bus.Envelope{Kind: bus.KindShotSample, Sender: "de1", Version: "1.0", SequenceID: sequenceID,
			Payload: bus.ShotSample{SampleTime: float64(i)}})
	}

	waitUntil(t, func() bool {
		events, err := st.EventsForSequence(sequenceID)
		if err != nil {
			return false
		}
		return len(events["shot_sample"]) == 6
	})

	b.Publish(bus.Envelope{Kind: bus.KindSequencerGate, Sender: "flowseq", SequenceID: sequenceID,
		Payload: bus.SequencerGate{Gate: bus.GateSequenceComplete, State: bus.GateSet}})

	waitUntil(t, func() bool {
		seq, err := st.GetSequence(sequenceID)
		return err == nil && seq.EndSequence != nil
	})
}

func TestExport_FailsBeforeSequenceCloses(t *testing.T) {
	st := openTestStore(t)
	now := time.Now()
	if err := st.CreateSequence(store.Sequence{ID: "open-seq", StartSequence: &now, ProfileAssumed: true}); err != nil {
		t.Fatal(err)
	}

	_, err := Export(st, "open-seq")
	if err == nil {
		t.Fatal("expected IncompleteSequenceRecord error for an unclosed sequence")
	}
}

func TestExport_RendersTabSeparatedRows(t *testing.T) {
	st := openTestStore(t)
	start := time.Now()
	if err := st.CreateSequence(store.Sequence{ID: "closed-seq", StartSequence: &start, ProfileAssumed: true}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		env := bus.Envelope{
			Kind: bus.KindShotSample, Sender: "de1", Version: "1.0",
			EventTime: start.Add(time.Duration(i) * time.Second),
			Payload:   bus.ShotSample{SampleTime: float64(i), GroupPressure: 9.0, GroupFlow: 2.0},
		}
		if err := st.InsertEvent(env, "closed-seq"); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.CloseSequence("closed-seq", start.Add(3*time.Second)); err != nil {
		t.Fatal(err)
	}

	out, err := Export(st, "closed-seq")
	if err != nil {
		t.Fatal(err)
	}
	if !containsHeader(out) {
		t.Errorf("expected a tab-separated header row, got: %q", out)
	}
}

func containsHeader(s string) bool {
	return len(s) > 0 && s[0:4] == "time"
}
