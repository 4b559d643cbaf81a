// Package ingest turns a connected or disconnected block into the set of
// address-index entries that must be written or erased. It is grounded on
// Bitcoin Core's addrindex patch (AddrIndex::WriteBlock), generalized to
// also produce SPENT entries from block undo data and to support
// disconnect, neither of which the original patch's WriteBlock got to
// before it was abandoned.
package ingest

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/marcinja/bitcoin/addrhash"
	"github.com/marcinja/bitcoin/addrkey"
	"github.com/marcinja/bitcoin/blockio"
	"github.com/marcinja/bitcoin/indexdb"
)

// PrevOut describes the prior output a transaction input consumed: the
// outpoint it spent and the script that output paid. The chain state
// service supplies these via BlockUndo; an index that only sees block data
// itself has no way to recover a spent output's script once the output has
// left the live UTXO set.
type PrevOut struct {
	Outpoint addrkey.Outpoint
	Script   []byte
}

// BlockUndo carries, for each non-coinbase transaction in a block (in
// block order), the prior outputs consumed by that transaction's inputs （in
// input order). Its length must equal len(block.Transactions)-1.
type BlockUndo struct {
	// TxPrevOuts[i] lists the prevouts spent by block.Transactions[i+1]
	// (transaction 0 is always the coinbase and is never represented
	// here).
	TxPrevOuts [][]PrevOut
}

// ErrUndoUnavailable is returned when the caller has no BlockUndo to offer
// for a block ingest requires one for (i.e. any block with more than just a
// coinbase transaction).
var ErrUndoUnavailable = fmt.Errorf("ingest: block undo data unavailable")

// ErrUndoShapeMismatch is returned when a supplied BlockUndo's length
// doesn't match the number of non-coinbase transactions in the block it is
// paired with; treating this as a hard error prevents a mismatched undo
// from misattributing a spend to the wrong transaction.
var ErrUndoShapeMismatch = fmt.Errorf("ingest: undo does not match block shape")

// BuildConnectEntries computes the list of index entries that
// BlockConnected(block, undo) at (fileID, blockOffset) must write.
// Non-coinbase inputs are only indexed when undo is non-nil; undo may be nil
// only for a block holding nothing but its coinbase (such as the genesis
// block) -- any block with more transactions and no undo data is a caller
// error surfaced as ErrUndoUnavailable.
func BuildConnectEntries(
	block *wire.MsgBlock,
	undo *BlockUndo,
	fileID uint32,
	blockOffset uint64,
	hasher *addrhash.Hasher,
) ([]indexdb.Entry, error) {

	if len(block.Transactions) == 0 {
		return nil, nil
	}

	if undo == nil && len(block.Transactions) > 1 {
		log.Errorf("refusing to ingest %d-tx block without undo data",
			len(block.Transactions))
		return nil, ErrUndoUnavailable
	}

	if err := checkUndoShape(block, undo); err != nil {
		return nil, err
	}

	positions := blockio.TxPositions(block, fileID, blockOffset)

	var entries []indexdb.Entry
	for i, tx := range block.Transactions {
		pos := positions[i]
		txHash := tx.TxHash()

		for j, out := range tx.TxOut {
			addrID := hasher.HashScript(out.PkScript)
			outpoint := addrkey.Outpoint{Hash: txHash, Index: uint32(j)}

			entries = append(entries, indexdb.Entry{
				Key: addrkey.FullKey(addrID, addrkey.Created, outpoint),
				Value: addrkey.Value{
					Pos:    pos,
					Script: out.PkScript,
				},
			})
		}

		// Transaction 0 is always the coinbase and spends nothing
		// indexable; every other transaction's spends come from undo.
		if i == 0 || undo == nil {
			continue
		}

		for _, prev := range undo.TxPrevOuts[i-1] {
			addrID := hasher.HashScript(prev.Script)

			entries = append(entries, indexdb.Entry{
				Key: addrkey.FullKey(addrID, addrkey.Spent, prev.Outpoint),
				Value: addrkey.Value{
					Pos:    pos,
					Script: prev.Script,
				},
			})
		}
	}

	return entries, nil
}

// BuildDisconnectErasures deterministically reconstructs the same key set
// BuildConnectEntries would have produced for block and returns it as the
// erasure list for the block's BlockDisconnected event. This requires the same undo data used
// at connect time still be reachable, which is why the sync controller
// must keep it around (or re-derive it) until the block it describes is no
// longer at risk of being disconnected.
func BuildDisconnectErasures(
	block *wire.MsgBlock,
	undo *BlockUndo,
	fileID uint32,
	blockOffset uint64,
	hasher *addrhash.Hasher,
) ([]addrkey.Key, error) {

	entries, err := BuildConnectEntries(block, undo, fileID, blockOffset, hasher)
	if err != nil {
		return nil, err
	}

	keys := make([]addrkey.Key, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}

	return keys, nil
}

// ScanAndEraseByPosition is the disconnect fallback used when undo data for
// the disconnected block is no longer available. For each AddrId touched by
// the block it iterates that AddrId's prefix range and collects every
// record whose DiskTxPos falls inside the disconnected block (identified by
// fileID and blockOffset), since DiskTxPos uniquely identifies residency in
// a block regardless of which script or kind produced the record.
//
// This requires the caller to already know every AddrId the block touched,
// which in practice means re-deriving the CREATED entries from the block's
// own outputs (always available) even though the SPENT entries' AddrIds
// cannot be recovered without undo data.
func ScanAndEraseByPosition(
	db *indexdb.DB,
	addrIDs []addrkey.AddrId,
	fileID uint32,
	blockOffset uint64,
) ([]addrkey.Key, error) {

	seen := make(map[addrkey.AddrId]struct{}, len(addrIDs))
	var keys []addrkey.Key

	for _, addrID := range addrIDs {
		if _, ok := seen[addrID]; ok {
			continue
		}
		seen[addrID] = struct{}{}

		records, err := db.IteratePrefix(addrID)
		if err != nil {
			return nil, fmt.Errorf(
				"ingest: scanning addr_id=%d for disconnect "+
					"fallback: %w", addrID, err,
			)
		}

		for _, r := range records {
			if r.Value.Pos.FileID == fileID &&
				r.Value.Pos.BlockOffset == blockOffset {

				keys = append(keys, r.Key)
			}
		}
	}

	return keys, nil
}

// AddrIDsForCreatedOutputs returns the AddrId of every output created by
// block, without needing undo data. It is the input ScanAndEraseByPosition
// needs when spend undo is unavailable; spent-output AddrIds are
// necessarily missing from the result, since recovering them also requires
// undo.
func AddrIDsForCreatedOutputs(block *wire.MsgBlock, hasher *addrhash.Hasher) []addrkey.AddrId {
	var ids []addrkey.AddrId
	for _, tx := range block.Transactions {
		for _, out := range tx.TxOut {
			ids = append(ids, hasher.HashScript(out.PkScript))
		}
	}
	return ids
}

func checkUndoShape(block *wire.MsgBlock, undo *BlockUndo) error {
	if undo == nil {
		return nil
	}

	want := len(block.Transactions) - 1
	if want < 0 {
		want = 0
	}

	if len(undo.TxPrevOuts) != want {
		return fmt.Errorf(
			"%w: block has %d non-coinbase txs, undo describes %d",
			ErrUndoShapeMismatch, want, len(undo.TxPrevOuts),
		)
	}

	return nil
}
