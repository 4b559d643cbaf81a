// Package addrhash derives the seeded AddrId used as the address index's
// scan prefix from a script's raw bytes.
//
// Bitcoin Core's addrindex patch seeded MurmurHash3 with a uint64 drawn from
// the node's RNG the first time the index was opened. This port uses
// SipHash-24 instead, which is already part of the ecosystem's dependency
// graph (btcutil's compact block filters use it) and gives the same
// property the spec asks for: an attacker who does not know the seed cannot
// cheaply grind scripts that collide to a chosen AddrId.
package addrhash

import (
	"crypto/rand"
	"fmt"

	"github.com/aead/siphash"
	"github.com/marcinja/bitcoin/addrkey"
)

// SeedStore is the minimal persistence contract the hasher needs: read the
// existing seed record, or write one if it doesn't exist yet. indexdb.DB
// satisfies this.
type SeedStore interface {
	GetSingleton(key addrkey.Key) ([]byte, error)
	PutSingleton(key addrkey.Key, value []byte) error
}

// Hasher derives AddrIds from scripts using a seed that is fixed for the
// lifetime of the underlying database. Two Hashers opened against the same
// database -- even across process restarts -- always agree on AddrId(script)
// for any given script.
type Hasher struct {
	seed addrkey.Seed
}

// New loads the hash seed from store, generating and persisting a fresh
// cryptographically random one if the database has never been opened
// before. The seed is never logged or otherwise exposed; callers only ever
// observe it indirectly through HashScript.
func New(store SeedStore) (*Hasher, error) {
	raw, err := store.GetSingleton(addrkey.SeedKey())
	if err != nil {
		return nil, fmt.Errorf("addrhash: reading seed record: %w", err)
	}

	if raw != nil {
		seed, err := addrkey.DecodeSeed(raw)
		if err != nil {
			return nil, fmt.Errorf(
				"addrhash: decoding seed record: %w", err,
			)
		}
		return &Hasher{seed: seed}, nil
	}

	var seed addrkey.Seed
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf(
			"addrhash: generating random seed: %w", err,
		)
	}

	if err := store.PutSingleton(
		addrkey.SeedKey(), addrkey.EncodeSeed(seed),
	); err != nil {
		return nil, fmt.Errorf("addrhash: persisting seed record: %w", err)
	}

	return &Hasher{seed: seed}, nil
}

// HashScript derives the AddrId for script. Identical scripts always
// produce identical AddrIds for the lifetime of this Hasher's seed;
// different scripts may still collide, which is why callers must verify the
// stored script before trusting a match.
func (h *Hasher) HashScript(script []byte) addrkey.AddrId {
	mac, err := siphash.New64(h.seed[:])
	if err != nil {
		// The seed is always exactly addrkey.SeedSize (16) bytes, the
		// only thing New64 validates, so this is unreachable.
		panic(fmt.Sprintf("addrhash: invalid seed: %v", err))
	}

	mac.Write(script)
	return addrkey.AddrId(mac.Sum64())
}
