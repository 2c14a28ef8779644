package profile

import (
	"errors"
	"testing"
)

type fakeBackend struct {
	profiles map[string]Profile
	hkv      map[string]string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{profiles: map[string]Profile{}, hkv: map[string]string{}}
}

func (f *fakeBackend) InsertProfile(p Profile) error {
	if _, exists := f.profiles[p.ID]; exists {
		return nil
	}
	f.profiles[p.ID] = p
	return nil
}

func (f *fakeBackend) GetProfile(id string) (Profile, error) {
	p, ok := f.profiles[id]
	if !ok {
		return Profile{}, errors.New("not found")
	}
	return p, nil
}

func (f *fakeBackend) SetHKV(header, key, value string) error {
	f.hkv[header+"/"+key] = value
	return nil
}

func (f *fakeBackend) GetHKV(header, key string) (string, bool, error) {
	v, ok := f.hkv[header+"/"+key]
	return v, ok, nil
}

func constantFrames(f Frames) Decoder {
	return func(source []byte, format SourceFormat) (Frames, error) {
		return f, nil
	}
}

func TestFingerprint_IdenticalFramesEqualFingerprint(t *testing.T) {
	frames := Frames{
		Header:    []byte("header"),
		Frames:    [][]byte{[]byte("f0"), []byte("f1")},
		ExtFrames: [][]byte{[]byte("ext0")},
		Tail:      []byte("tail"),
	}

	fp1 := Fingerprint(frames)
	fp2 := Fingerprint(frames)
	if fp1 != fp2 {
		t.Fatal("fingerprint must be deterministic over identical frames")
	}
}

func TestFingerprint_DiffersWhenExtFramesDiffer(t *testing.T) {
	base := Frames{Header: []byte("h"), Frames: [][]byte{[]byte("f0")}, Tail: []byte("t")}
	withExt := base
	withExt.ExtFrames = [][]byte{[]byte("ext")}

	if Fingerprint(base) == Fingerprint(withExt) {
		t.Fatal("fingerprint must change when extended frames are present vs absent (Open Question (b): include as produced)")
	}
}

func TestScenario_ProfileFingerprinting(t *testing.T) {
	// Two sources differing only in title that decode to identical
	// frames produce distinct ids but equal fingerprints.
	frames := Frames{Header: []byte("H"), Frames: [][]byte{[]byte("F")}, Tail: []byte("T")}

	backend := newFakeBackend()
	reg := NewRegistry(backend, constantFrames(frames))

	s1 := []byte(`{"title":"Morning","frames":"F"}`)
	s2 := []byte(`{"title":"Evening","frames":"F"}`)

	id1, err := reg.Insert(s1, FormatJSONv2, Metadata{Title: "Morning"})
	if err != nil {
		t.Fatal(err)
	}
	id2, err := reg.Insert(s2, FormatJSONv2, Metadata{Title: "Evening"})
	if err != nil {
		t.Fatal(err)
	}

	if id1 == id2 {
		t.Fatal("expected distinct ids for distinct source bytes")
	}

	p1, err := reg.Get(id1)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := reg.Get(id2)
	if err != nil {
		t.Fatal(err)
	}
	if p1.Fingerprint != p2.Fingerprint {
		t.Fatal("expected equal fingerprints for identical frames")
	}

	lastID, ok, err := reg.LookupLastUploaded()
	if err != nil || !ok || lastID != id2 {
		t.Fatalf("LookupLastUploaded = %q, %v, %v; want %q, true, nil", lastID, ok, err, id2)
	}
}

func TestID_RoundTrip(t *testing.T) {
	backend := newFakeBackend()
	reg := NewRegistry(backend, nil)

	source := []byte("raw-bytes-no-decode-needed")
	id, err := reg.Insert(source, FormatLegacy, Metadata{})
	if err != nil {
		t.Fatal(err)
	}
	if id != ID(source) {
		t.Fatalf("id = %q, want %q", id, ID(source))
	}

	got, err := reg.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Source) != string(source) {
		t.Fatal("expected byte-identical round trip")
	}
}
