// Package profile implements the content-addressed profile registry:
// profiles are stored by a hash of their raw source
// bytes and fingerprinted by a hash over the canonical on-wire frame
// sequence, independent of metadata.
package profile

import (
	"time"
)

// SourceFormat identifies the encoding of a profile's raw source bytes.
type SourceFormat string

const (
	FormatJSONv2 SourceFormat = "json_v2"
	FormatLegacy SourceFormat = "legacy"
)

// Profile is a content-addressed record of one uploaded profile.
type Profile struct {
	ID          string       `json:"id"`
	Fingerprint string       `json:"fingerprint"`
	Source      []byte       `json:"-"`
	Format      SourceFormat `json:"format"`
	Title       string       `json:"title,omitempty"`
	Author      string       `json:"author,omitempty"`
	Notes       string       `json:"notes,omitempty"`
	Beverage    string       `json:"beverage,omitempty"`
	DateAdded   time.Time    `json:"date_added"`

	// TargetWeight and TargetVolume are operational overrides a profile
	// may carry. Nil means unset.
	TargetWeight *float64 `json:"target_weight,omitempty"`
	TargetVolume *float64 `json:"target_volume,omitempty"`
}

// Metadata holds the optional, non-operational fields a caller may
// attach when inserting a profile. These fields are excluded from the
// fingerprint.
type Metadata struct {
	Title    string
	Author   string
	Notes    string
	Beverage string
}

// Frames is the decoded on-wire instruction set extracted from a
// profile's source bytes. A reimplementation of the DE1's specific
// binary frame encoding is outside this module's scope; the
// decoder that produces a Frames value from raw source bytes is
// passed to [NewRegistry] as a [Decoder].
type Frames struct {
	Header    []byte
	Frames    [][]byte // ShotFrame[0..N-1], ascending index
	ExtFrames [][]byte // ShotExtFrame[0..M-1], ascending index, as produced
	Tail      []byte
}

// Decoder converts raw profile source bytes into the canonical Frames
// used for fingerprinting. A concrete implementation for the DE1's
// specific profile source format is an external collaborator; this
// package only requires that it be deterministic.
type Decoder func(source []byte, format SourceFormat) (Frames, error)
