package bitcoin

import (
	"bytes"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/marcinja/bitcoin/addrkey"
)

// TxRef identifies a transaction wherever it was found during a query: its
// hash, plus the position used to materialize it, so a caller that wants
// the raw bytes again later doesn't have to re-scan the index.
type TxRef struct {
	Hash chainhash.Hash
	Pos  addrkey.DiskTxPos
}

// OutputEvent is one entry of a FindTxsByScript result: the outpoint the
// script was created at or spent from, the transaction responsible, and
// the hash of the block that transaction is in.
type OutputEvent struct {
	Outpoint  addrkey.Outpoint
	Tx        TxRef
	BlockHash chainhash.Hash
}

// FindTxsByScript returns every transaction that created or spent an
// output paying script, split into creations and spends. An empty result
// with a nil error means the script has never appeared on chain, which is
// success, not failure. A non-nil error means the query was aborted before
// producing a trustworthy (possibly partial) answer -- no partial results
// are ever returned alongside an error.
func (idx *Index) FindTxsByScript(script []byte) (spends, creations []OutputEvent, err error) {
	if atomic.LoadInt32(&idx.running) == 0 {
		return nil, nil, newError(NotRunning, "index is not running")
	}

	addrID := idx.hasher.HashScript(script)

	records, err := idx.db.IteratePrefix(addrID)
	if err != nil {
		return nil, nil, newError(StorageFailure,
			"scanning addr_id=%d: %w", addrID, err)
	}

	for _, r := range records {
		if !bytes.Equal(r.Value.Script, script) {
			// AddrId collision: a different script hashed to the
			// same prefix. Not our record.
			continue
		}

		tx, blockHash, err := idx.reader.ReadTx(r.Value.Pos)
		if err != nil {
			return nil, nil, newError(BlockReadFailure,
				"materializing transaction at %+v: %w",
				r.Value.Pos, err)
		}

		event := OutputEvent{
			Outpoint:  r.Key.Outpoint(),
			Tx:        TxRef{Hash: tx.TxHash(), Pos: r.Value.Pos},
			BlockHash: blockHash,
		}

		switch r.Key.Kind() {
		case addrkey.Created:
			creations = append(creations, event)
		case addrkey.Spent:
			spends = append(spends, event)
		default:
			log.Errorf("invariant violation: record for "+
				"addr_id=%d has kind byte %q", addrID,
				r.Key.Kind())
			return nil, nil, newError(InvariantViolation,
				"record for addr_id=%d has unexpected kind %q",
				addrID, r.Key.Kind())
		}
	}

	return spends, creations, nil
}

// FindOutpointsByScript is a cheaper variant of FindTxsByScript for a
// caller that only needs existence and outpoint information, not the
// materialized transaction: it runs the same prefix scan and collision
// filter but skips the block-file read FindTxsByScript pays per hit.
func (idx *Index) FindOutpointsByScript(script []byte) ([]addrkey.Outpoint, error) {
	if atomic.LoadInt32(&idx.running) == 0 {
		return nil, newError(NotRunning, "index is not running")
	}

	addrID := idx.hasher.HashScript(script)

	records, err := idx.db.IteratePrefix(addrID)
	if err != nil {
		return nil, newError(StorageFailure,
			"scanning addr_id=%d: %w", addrID, err)
	}

	var outpoints []addrkey.Outpoint
	for _, r := range records {
		if !bytes.Equal(r.Value.Script, script) {
			continue
		}
		outpoints = append(outpoints, r.Key.Outpoint())
	}

	return outpoints, nil
}
