package addrsync

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/marcinja/bitcoin/kvdb"
)

// syncBucketName is a second top-level bucket living alongside the address
// index's own bucket, opened on the same backend. Keeping sync state in its
// own bucket mirrors lnd's height hint cache, which also carves out a
// private bucket rather than borrowing a layout-specific byte tag the way
// addrkey's record space does.
var syncBucketName = []byte("addrindex-sync")

var bestBlockKey = []byte("best-block")

// Locator is a sparse list of ancestor hashes of the last ingested block,
// nearest ancestor first, at exponentially increasing depth -- the same
// shape as btcd's blockchain.BlockLocator. It lets Start rediscover the
// fork point with the host's current chain after a restart that crossed a
// reorg, without having to persist every block hash ever seen.
type Locator struct {
	Height int32
	Hashes []chainhash.Hash
}

// BuildLocator constructs a sparse locator for a chain of ancestors, given a
// function that looks up the hash at a given height. ancestorAt must return
// an error only for a height that genuinely cannot be resolved (e.g.
// negative); genesis is always included.
func BuildLocator(height int32, ancestorAt func(h int32) (chainhash.Hash, error)) (Locator, error) {
	var hashes []chainhash.Hash

	step := int32(1)
	h := height
	for {
		hash, err := ancestorAt(h)
		if err != nil {
			return Locator{}, fmt.Errorf(
				"addrsync: resolving ancestor at height %d: %w",
				h, err,
			)
		}
		hashes = append(hashes, hash)

		if h == 0 {
			break
		}

		// After ten entries, start doubling the step, exactly as
		// btcd's BlockLocator does, so that distant ancestors are
		// represented sparsely while recent ones stay dense.
		if len(hashes) >= 10 {
			step *= 2
		}

		h -= step
		if h < 0 {
			h = 0
		}
	}

	return Locator{Height: height, Hashes: hashes}, nil
}

// FindForkPoint walks locator's hashes from nearest to furthest, recomputing
// the same height sequence BuildLocator used, and returns the height of the
// first one that hashAtHeight confirms is still on the host's current best
// chain. It returns -1 if none of the locator's hashes (including genesis)
// are on the current chain, which should not happen in practice since
// genesis never reorgs.
func FindForkPoint(
	locator Locator,
	hashAtHeight func(h int32) (chainhash.Hash, error),
) (int32, error) {

	height := locator.Height
	step := int32(1)

	for i, want := range locator.Hashes {
		got, err := hashAtHeight(height)
		if err == nil && got == want {
			return height, nil
		}

		if height == 0 {
			break
		}

		if i+1 >= 10 {
			step *= 2
		}

		height -= step
		if height < 0 {
			height = 0
		}
	}

	return -1, nil
}

func encodeLocator(l Locator) []byte {
	buf := make([]byte, 4+4+len(l.Hashes)*chainhash.HashSize)
	binary.BigEndian.PutUint32(buf[:4], uint32(l.Height))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(l.Hashes)))

	off := 8
	for _, h := range l.Hashes {
		copy(buf[off:off+chainhash.HashSize], h[:])
		off += chainhash.HashSize
	}
	return buf
}

func decodeLocator(data []byte) (Locator, error) {
	if len(data) < 8 {
		return Locator{}, fmt.Errorf(
			"addrsync: locator record too short: %d bytes", len(data),
		)
	}

	height := int32(binary.BigEndian.Uint32(data[:4]))
	count := binary.BigEndian.Uint32(data[4:8])

	want := 8 + int(count)*chainhash.HashSize
	if len(data) != want {
		return Locator{}, fmt.Errorf(
			"addrsync: locator record has %d hashes but wrong "+
				"length %d (want %d)", count, len(data), want,
		)
	}

	hashes := make([]chainhash.Hash, count)
	off := 8
	for i := range hashes {
		copy(hashes[i][:], data[off:off+chainhash.HashSize])
		off += chainhash.HashSize
	}

	return Locator{Height: height, Hashes: hashes}, nil
}

// loadBestBlock reads the persisted locator, returning ok=false if none has
// ever been committed (a brand-new database).
func loadBestBlock(backend kvdb.Backend) (Locator, bool, error) {
	var (
		locator Locator
		ok      bool
	)

	err := kvdb.Update(backend, func(tx kvdb.RwTx) error {
		bucket, err := tx.CreateTopLevelBucket(syncBucketName)
		if err != nil {
			return err
		}

		data := bucket.Get(bestBlockKey)
		if data == nil {
			return nil
		}

		locator, err = decodeLocator(data)
		if err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return Locator{}, false, fmt.Errorf(
			"addrsync: loading best block: %w", err,
		)
	}

	return locator, ok, nil
}

// commitBestBlock persists locator as the new best block record. Callers
// must call this only after the corresponding index batch has already
// committed, so that a crash between the two never advances the locator
// past data that isn't actually on disk.
func commitBestBlock(backend kvdb.Backend, locator Locator) error {
	return kvdb.Update(backend, func(tx kvdb.RwTx) error {
		bucket, err := tx.CreateTopLevelBucket(syncBucketName)
		if err != nil {
			return err
		}
		return bucket.Put(bestBlockKey, encodeLocator(locator))
	})
}
