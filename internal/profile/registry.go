package profile

import (
	"sync"
	"time"
)

// Backend is the persistence contract the Registry needs. *store.Store
// satisfies this interface structurally; profile does not import store
// directly to avoid a cycle (store.Profile* methods already import
// profile.Profile).
type Backend interface {
	InsertProfile(Profile) error
	GetProfile(id string) (Profile, error)
	SetHKV(header, key, value string) error
	GetHKV(header, key string) (value string, ok bool, err error)
}

// Registry implements the profile operations:
// content-addressed insert/get, and a best-guess last-uploaded lookup
// for sequences that start before any profile has been uploaded in
// this process's lifetime.
type Registry struct {
	backend Backend
	decode  Decoder

	mu           sync.Mutex
	lastInserted string
}

// NewRegistry builds a Registry backed by store and decode. decode may
// be nil; Insert then stores each profile with an empty fingerprint.
func NewRegistry(backend Backend, decode Decoder) *Registry {
	return &Registry{backend: backend, decode: decode}
}

// Insert stores a profile's raw source bytes, computing id and
// fingerprint, and duplicate-safely inserting the row. Returns the
// assigned id.
func (r *Registry) Insert(source []byte, format SourceFormat, meta Metadata) (string, error) {
	id := ID(source)

	var fp string
	if r.decode != nil {
		frames, err := r.decode(source, format)
		if err != nil {
			return "", err
		}
		fp = Fingerprint(frames)
	}

	p := Profile{
		ID:          id,
		Fingerprint: fp,
		Source:      source,
		Format:      format,
		Title:       meta.Title,
		Author:      meta.Author,
		Notes:       meta.Notes,
		Beverage:    meta.Beverage,
		DateAdded:   time.Now(),
	}

	if err := r.backend.InsertProfile(p); err != nil {
		return "", err
	}

	if err := r.backend.SetHKV(HKVHeaderProfile, HKVKeyLastProfile, id); err != nil {
		return "", err
	}

	r.mu.Lock()
	r.lastInserted = id
	r.mu.Unlock()

	return id, nil
}

// Current resolves the profile a new sequence should be attributed to.
// A profile uploaded during this process run is authoritative
// (assumed=false); otherwise the restart-persisted last-uploaded id is
// returned as a best guess (assumed=true). An empty id means no
// profile has ever been uploaded.
func (r *Registry) Current() (id string, assumed bool) {
	r.mu.Lock()
	last := r.lastInserted
	r.mu.Unlock()
	if last != "" {
		return last, false
	}
	persisted, ok, err := r.LookupLastUploaded()
	if err != nil || !ok {
		return "", true
	}
	return persisted, true
}

// HKVHeaderProfile and HKVKeyLastProfile mirror the constants defined
// in internal/store so callers configuring a Registry directly (tests)
// don't need to import store just for these two string literals.
const (
	HKVHeaderProfile  = "profile"
	HKVKeyLastProfile = "last_uploaded_id"
)

// Select makes a previously-stored profile the current one (PUT
// /de1/profile/id): sequences started after this call are attributed
// to it with profile_assumed=false, same as a fresh upload.
func (r *Registry) Select(id string) (Profile, error) {
	p, err := r.backend.GetProfile(id)
	if err != nil {
		return Profile{}, err
	}
	if err := r.backend.SetHKV(HKVHeaderProfile, HKVKeyLastProfile, id); err != nil {
		return Profile{}, err
	}
	r.mu.Lock()
	r.lastInserted = id
	r.mu.Unlock()
	return p, nil
}

// Get retrieves a profile by id.
func (r *Registry) Get(id string) (Profile, error) {
	return r.backend.GetProfile(id)
}

// LookupLastUploaded returns the id of the most recently uploaded
// profile, persisted across restarts, and whether one exists at all.
func (r *Registry) LookupLastUploaded() (id string, ok bool, err error) {
	return r.backend.GetHKV(HKVHeaderProfile, HKVKeyLastProfile)
}
