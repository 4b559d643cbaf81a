package blockio

import (
	"github.com/btcsuite/btcd/wire"
	"github.com/marcinja/bitcoin/addrkey"
)

// TxPositions returns, for each transaction in block in order, the
// DiskTxPos that locates it on disk, given that the block itself starts at
// blockOffset in file fileID.
//
// The first transaction starts right after the varint-encoded transaction
// count (which itself immediately follows the block header); each
// subsequent transaction starts immediately after the serialized bytes of
// the one before it. This mirrors how Bitcoin Core computes CDiskTxPos
// while walking a block's transactions during indexing.
func TxPositions(block *wire.MsgBlock, fileID uint32, blockOffset uint64) []addrkey.DiskTxPos {
	positions := make([]addrkey.DiskTxPos, len(block.Transactions))

	offset := uint64(wire.VarIntSerializeSize(uint64(len(block.Transactions))))
	for i, tx := range block.Transactions {
		positions[i] = addrkey.DiskTxPos{
			FileID:      fileID,
			BlockOffset: blockOffset,
			TxOffset:    offset,
		}
		offset += uint64(tx.SerializeSize())
	}

	return positions
}
