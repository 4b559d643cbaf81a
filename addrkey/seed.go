package addrkey

import (
	"fmt"
)

// SeedSize is the width of the persisted hash seed: a 16-byte SipHash-24
// key.
const SeedSize = 16

// Seed is the per-database random key used to derive AddrIds. It is
// generated once, the first time the index is opened, and never rewritten.
type Seed [SeedSize]byte

// EncodeSeed serializes a seed for storage under SeedKey().
func EncodeSeed(s Seed) []byte {
	out := make([]byte, SeedSize)
	copy(out, s[:])
	return out
}

// DecodeSeed parses a value previously produced by EncodeSeed.
func DecodeSeed(data []byte) (Seed, error) {
	var s Seed
	if len(data) != SeedSize {
		return s, fmt.Errorf(
			"addrkey: seed record has %d bytes, want %d",
			len(data), SeedSize,
		)
	}
	copy(s[:], data)
	return s, nil
}
