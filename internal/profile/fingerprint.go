package profile

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// digestSize is 20 bytes: a collision-resistant 160-bit digest
// expressed as hex. blake2b's output size is configurable from 1 to
// 64 bytes, so the truncated width costs nothing while staying on a
// modern, still-maintained hash.
const digestSize = 20

// ID computes the content address of a profile's raw source bytes:
// id = hex(blake2b_160(source)). Two profiles are bit-identical iff
// their ids match.
func ID(source []byte) string {
	return digestHex(source)
}

// Fingerprint computes the canonical fingerprint over a decoded
// Frames value: ShotDescHeader ∥ ShotFrame[0..N-1] ∥
// ShotExtFrame[0..M-1] ∥ ShotTail. Extended frames are
// included exactly as produced, never synthesised or elided.
func Fingerprint(f Frames) string {
	h, err := blake2b.New(digestSize, nil)
	if err != nil {
		// digestSize is a constant within blake2b's valid range
		// (1..64), so New can only fail on a programming error here.
		panic(err)
	}
	h.Write(f.Header)
	for _, frame := range f.Frames {
		h.Write(frame)
	}
	for _, ext := range f.ExtFrames {
		h.Write(ext)
	}
	h.Write(f.Tail)
	return hex.EncodeToString(h.Sum(nil))
}

func digestHex(data []byte) string {
	h, err := blake2b.New(digestSize, nil)
	if err != nil {
		panic(err)
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
