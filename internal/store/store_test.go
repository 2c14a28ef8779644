package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pyde1/pyde1-go/internal/bus"
	"github.com/pyde1/pyde1-go/internal/profile"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pyde1.sqlite3")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_SchemaUpgradesToCurrentVersion(t *testing.T) {
	s := openTestStore(t)
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != SchemaVersion {
		t.Errorf("user_version = %d, want %d", version, SchemaVersion)
	}

	for _, table := range []string{"device_availability", "scale_change", "bluedot_update", "profile", "sequence"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("expected table %q to exist: %v", table, err)
		}
	}
}

func TestOpen_UpgradesFromOlderVersionWithBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pyde1.sqlite3")

	// Build a version-1 database by hand, as an older binary would have
	// left it.
	db, err := sql.Open(sqlDriverName, dsn(path))
	if err != nil {
		t.Fatal(err)
	}
	for _, stmt := range upgrades[0] {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed v0->v1 schema: %v", err)
		}
	}
	if _, err := db.Exec("PRAGMA user_version = 1"); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open over v1 database: %v", err)
	}
	defer s.Close()

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version != SchemaVersion {
		t.Errorf("user_version = %d, want %d", version, SchemaVersion)
	}

	for _, table := range []string{"device_availability", "scale_change", "bluedot_update"} {
		var name string
		if err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name); err != nil {
			t.Errorf("expected upgraded table %q to exist: %v", table, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	backedUp := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "pyde1.sqlite3.") && !strings.HasSuffix(e.Name(), "-wal") && !strings.HasSuffix(e.Name(), "-shm") {
			backedUp = true
		}
	}
	if !backedUp {
		t.Error("expected a timestamped backup copy before the upgrade")
	}
}

func TestOpen_FailsOnNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pyde1.sqlite3")
	db, err := sql.Open(sqlDriverName, dsn(path))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec("PRAGMA user_version = 99"); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(path, nil); err == nil {
		t.Fatal("expected Open to fail against a newer schema version")
	}
}

func TestProfileRoundTrip(t *testing.T) {
	s := openTestStore(t)

	p := profile.Profile{
		ID:          profile.ID([]byte("source-bytes-1")),
		Fingerprint: "deadbeef",
		Source:      []byte("source-bytes-1"),
		Format:      profile.FormatJSONv2,
		Title:       "My Profile",
		DateAdded:   time.Now().Truncate(time.Second),
	}

	if err := s.InsertProfile(p); err != nil {
		t.Fatalf("InsertProfile: %v", err)
	}

	got, err := s.GetProfile(p.ID)
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if string(got.Source) != string(p.Source) {
		t.Errorf("Source = %q, want %q", got.Source, p.Source)
	}
	if got.Fingerprint != p.Fingerprint {
		t.Errorf("Fingerprint = %q, want %q", got.Fingerprint, p.Fingerprint)
	}

	// Duplicate insert is a no-op.
	if err := s.InsertProfile(p); err != nil {
		t.Fatalf("duplicate InsertProfile: %v", err)
	}
}

func TestFingerprintCollisionDifferentMetadata(t *testing.T) {
	s := openTestStore(t)

	s1 := []byte("frames-identical||title:Morning Shot")
	s2 := []byte("frames-identical||title:Evening Shot")

	p1 := profile.Profile{ID: profile.ID(s1), Fingerprint: "fp-common", Source: s1, Format: profile.FormatJSONv2, Title: "Morning Shot", DateAdded: time.Now()}
	p2 := profile.Profile{ID: profile.ID(s2), Fingerprint: "fp-common", Source: s2, Format: profile.FormatJSONv2, Title: "Evening Shot", DateAdded: time.Now()}

	if err := s.InsertProfile(p1); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertProfile(p2); err != nil {
		t.Fatal(err)
	}

	if p1.ID == p2.ID {
		t.Fatal("expected distinct ids for distinct source bytes")
	}
	got1, err := s.GetProfile(p1.ID)
	if err != nil {
		t.Fatal(err)
	}
	got2, err := s.GetProfile(p2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got1.Fingerprint != got2.Fingerprint {
		t.Error("expected identical fingerprints for profiles differing only in metadata")
	}
}

func TestHKVLastUploaded(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.GetHKV(HKVHeaderProfile, HKVKeyLastProfile); err != nil || ok {
		t.Fatalf("expected no last-uploaded id initially, ok=%v err=%v", ok, err)
	}

	if err := s.SetHKV(HKVHeaderProfile, HKVKeyLastProfile, "abc123"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.GetHKV(HKVHeaderProfile, HKVKeyLastProfile)
	if err != nil || !ok || v != "abc123" {
		t.Fatalf("GetHKV = %q, %v, %v; want abc123, true, nil", v, ok, err)
	}

	if err := s.SetHKV(HKVHeaderProfile, HKVKeyLastProfile, "def456"); err != nil {
		t.Fatal(err)
	}
	v, _, _ = s.GetHKV(HKVHeaderProfile, HKVKeyLastProfile)
	if v != "def456" {
		t.Errorf("expected upsert to replace value, got %q", v)
	}
}

func TestSequenceLifecycleAndEventAttribution(t *testing.T) {
	s := openTestStore(t)

	id := "seq-1"
	start := time.Now()
	if err := s.CreateSequence(Sequence{ID: id, ActiveState: "Espresso", StartSequence: &start, ProfileAssumed: true}); err != nil {
		t.Fatalf("CreateSequence: %v", err)
	}

	batch, err := s.BeginBatch()
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 6; i++ {
		env := bus.Envelope{
			Kind:    bus.KindShotSample,
			Sender:  "de1",
			Version: "1.0",
			Payload: bus.ShotSample{SampleTime: float64(i)},
		}
		if err := batch.Insert(s, env, id); err != nil {
			t.Fatalf("batch insert %d: %v", i, err)
		}
	}
	if err := batch.Commit(); err != nil {
		t.Fatal(err)
	}

	end := start.Add(30 * time.Second)
	if err := s.CloseSequence(id, end); err != nil {
		t.Fatal(err)
	}

	events, err := s.EventsForSequence(id)
	if err != nil {
		t.Fatal(err)
	}
	rows := events["shot_sample"]
	if len(rows) != 6 {
		t.Errorf("got %d shot_sample rows, want 6", len(rows))
	}

	seq, err := s.GetSequence(id)
	if err != nil {
		t.Fatal(err)
	}
	if seq.EndSequence == nil {
		t.Fatal("expected EndSequence to be set")
	}
	if seq.StartSequence.After(*seq.EndSequence) {
		t.Error("invariant violated: start_sequence must be <= end_sequence")
	}
	if !seq.ProfileAssumed {
		t.Error("expected ProfileAssumed to be true")
	}
}

func TestInsertEvent_UnknownKind(t *testing.T) {
	s := openTestStore(t)
	err := s.InsertEvent(bus.Envelope{Kind: bus.Kind("nonsense")}, SentinelSequenceID)
	if err == nil {
		t.Fatal("expected error for unmapped event kind")
	}
}
