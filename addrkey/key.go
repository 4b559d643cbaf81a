// Package addrkey defines the on-disk byte layout used by the address
// index: the tagged key variants that make every record for a given AddrId
// sort together under a single prefix, and the value encoding that carries
// enough information to resolve AddrId hash collisions without a second
// disk read.
//
// The layout follows the scheme Bitcoin Core's experimental addrindex patch
// used for its leveldb keys, generalized from a base/derived class
// hierarchy into a single tagged Key type, as recommended for an idiomatic
// Go port.
package addrkey

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// AddrId is the seeded hash of a script used as the secondary index's
// ordered-scan prefix. Collisions are expected and are resolved by the
// stored script bytes in the value.
type AddrId uint64

// Kind distinguishes a CREATED entry (this script received an output) from a
// SPENT entry (this script's prior output was consumed). It also carries the
// distinguished seed-record marker so the seed row can live in the same
// keyspace without ever matching a real (AddrId, Kind) prefix.
type Kind byte

const (
	// Created marks an entry recording the creation of an output paying
	// the indexed script.
	Created Kind = 'C'

	// Spent marks an entry recording the consumption of a prior output
	// that paid the indexed script.
	Spent Kind = 'S'

	// seedKind is the kind byte reserved for the singleton hash-seed
	// record. It is not a valid prefix for any (AddrId, Kind) search key.
	seedKind Kind = 'K'
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Spent:
		return "spent"
	case seedKind:
		return "seed"
	default:
		return fmt.Sprintf("unknown(%#02x)", byte(k))
	}
}

// addrIndexTag is the single byte every key in this index starts with. It
// exists so the address index can share a kvdb bucket namespace with other
// data without ambiguity, and so a corrupt or foreign key is detected
// immediately on decode.
const addrIndexTag = 'a'

const (
	addrIdSize    = 8
	outpointSize  = chainhash.HashSize + 4
	searchKeySize = 1 + addrIdSize + 1
	fullKeySize   = searchKeySize + outpointSize
)

// DiskTxPos locates a single transaction on disk: the flat block file it
// lives in, the byte offset of the start of that block (header included),
// and the byte offset of the transaction measured from the end of that
// block's header. It is
// the only information the query surface needs in order to re-open the
// block file and deserialize exactly one transaction.
type DiskTxPos struct {
	// FileID identifies the flat block file, e.g. blk00017.dat.
	FileID uint32

	// BlockOffset is the byte offset, within that file, of the start of
	// the block (its header).
	BlockOffset uint64

	// TxOffset is the byte offset of the transaction, measured from the
	// position immediately after the block header -- i.e. it starts at
	// the varint-encoded transaction count and advances by each
	// transaction's serialized size as ingest walks the block.
	TxOffset uint64
}

// Outpoint uniquely names a prior output: the hash of the transaction that
// created it and the output's index within that transaction's vout list.
// This is deliberately the same shape as wire.OutPoint so the ingest engine
// can hand us chain primitives without any translation step.
type Outpoint = wire.OutPoint

// Key is a tagged variant over the three kinds of row the address index
// ever stores. Using one variant with one byte-layout function (rather than
// a base/derived key class hierarchy) keeps encode/decode symmetric and
// keeps "is this key a prefix of that search" a plain field comparison.
type Key struct {
	kind Kind

	// addrID and hasAddrID are populated for Search and Full keys.
	addrID    AddrId
	hasAddrID bool

	// outpoint is populated for Full keys only.
	outpoint  Outpoint
	hasOutpoint bool
}

// SeedKey returns the distinguished key under which the per-database random
// hash seed is stored. It is the only key in the index with kind byte 'K'.
func SeedKey() Key {
	return Key{kind: seedKind}
}

// SearchKey returns the key prefix that bounds a prefix scan for every
// record -- CREATED and SPENT alike -- belonging to addrID. Iterating from
// this key until the prefix no longer matches yields exactly the contiguous
// range required by the query surface.
func SearchKey(addrID AddrId) Key {
	return Key{kind: 0, addrID: addrID, hasAddrID: true}
}

// FullKey returns the key for a single index record.
func FullKey(addrID AddrId, kind Kind, outpoint Outpoint) Key {
	return Key{
		kind:        kind,
		addrID:      addrID,
		hasAddrID:   true,
		outpoint:    outpoint,
		hasOutpoint: true,
	}
}

// IsSeed reports whether this key is the singleton seed record.
func (k Key) IsSeed() bool { return k.kind == seedKind }

// Kind returns the entry kind of a full key. It is meaningless for seed or
// search keys.
func (k Key) Kind() Kind { return k.kind }

// AddrId returns the address id encoded in a search or full key.
func (k Key) AddrId() AddrId { return k.addrID }

// Outpoint returns the outpoint encoded in a full key.
func (k Key) Outpoint() Outpoint { return k.outpoint }

// MatchesSearch reports whether k (expected to be a full key decoded off an
// iterator) falls within the range bounded by search -- i.e. whether it
// carries the same AddrId. This is the "matches search key" predicate from
// the original class hierarchy, reduced to a structural comparison of the
// shared prefix fields.
func (k Key) MatchesSearch(search Key) bool {
	return k.hasAddrID && search.hasAddrID && k.addrID == search.addrID
}

// Encode serializes k using the layout:
//
//	[ tag : 1 byte = 'a' ]
//	[ addr_id : 8 bytes, big-endian ]   (absent for the seed key)
//	[ kind : 1 byte ]
//	[ outpoint.Hash : 32 bytes ]        (full keys only)
//	[ outpoint.Index : 4 bytes, big-endian ]
//
// AddrId is serialized big-endian so that byte-lexicographic order on the
// encoded key matches numeric order on AddrId, which is what makes a prefix
// scan over (tag, addr_id) return a contiguous range regardless of kind or
// outpoint.
func (k Key) Encode() []byte {
	if k.IsSeed() {
		return []byte{addrIndexTag, byte(seedKind)}
	}

	size := searchKeySize
	if k.hasOutpoint {
		size = fullKeySize
	}

	buf := make([]byte, size)
	buf[0] = addrIndexTag
	binary.BigEndian.PutUint64(buf[1:1+addrIdSize], uint64(k.addrID))
	buf[1+addrIdSize] = byte(k.kind)

	if k.hasOutpoint {
		off := searchKeySize
		copy(buf[off:off+chainhash.HashSize], k.outpoint.Hash[:])
		off += chainhash.HashSize
		binary.BigEndian.PutUint32(buf[off:off+4], k.outpoint.Index)
	}

	return buf
}

// DecodeKey decodes a key previously produced by Key.Encode. It fails if
// the tag byte is wrong, the length matches neither the seed layout nor the
// full-key layout (a search key is a scan bound and does not decode), or a
// full key's kind byte is neither Created nor Spent, which is how a corrupt
// or foreign key is surfaced to the caller as a storage failure rather than
// silently misread.
func DecodeKey(data []byte) (Key, error) {
	if len(data) < 2 || data[0] != addrIndexTag {
		return Key{}, fmt.Errorf("addrkey: bad tag in key %x", data)
	}

	if Kind(data[1]) == seedKind && len(data) == 2 {
		return SeedKey(), nil
	}

	switch len(data) {
	case fullKeySize:
		addrID := AddrId(binary.BigEndian.Uint64(data[1 : 1+addrIdSize]))
		kind := Kind(data[1+addrIdSize])

		var outpoint Outpoint
		off := searchKeySize
		copy(outpoint.Hash[:], data[off:off+chainhash.HashSize])
		off += chainhash.HashSize
		outpoint.Index = binary.BigEndian.Uint32(data[off : off+4])

		if kind != Created && kind != Spent {
			return Key{}, fmt.Errorf(
				"addrkey: invalid entry kind %v in key %x",
				kind, data,
			)
		}

		return FullKey(addrID, kind, outpoint), nil

	default:
		return Key{}, fmt.Errorf(
			"addrkey: unexpected key length %d", len(data),
		)
	}
}
