// Package chainevents defines the chain-event interface the address index
// consumes from its host node and a small pub/sub bus for dispatching those
// events to the sync controller. It is grounded on lnd's subscribe package
// (server/client fan-out over a quit channel) and its chainntnfs package
// (the shape of a connect/disconnect notification), adapted from a
// general-purpose notifier to the three events addrsync needs.
package chainevents

import (
	"github.com/btcsuite/btcd/wire"
	"github.com/marcinja/bitcoin/ingest"
)

// BlockIndexEntry carries the positional metadata an indexer needs about a
// connected block that isn't in the block's own serialization: which flat
// file it lives in and the byte offset of its header within that file.
type BlockIndexEntry struct {
	FileID      uint32
	BlockOffset uint64
	Height      int32
}

// BlockConnected is emitted once for every block the host node adds to its
// best chain, in connection order.
type BlockConnected struct {
	Block      *wire.MsgBlock
	IndexEntry BlockIndexEntry

	// Undo holds the prevouts consumed by the block's non-coinbase
	// transactions. It is nil only when the host genuinely has none
	// available (e.g. it does not retain undo data), never as a
	// shorthand for "no spends".
	Undo *ingest.BlockUndo
}

// BlockDisconnected is emitted once for every block the host node removes
// from its best chain during a reorg, in disconnection order (tip first).
type BlockDisconnected struct {
	Block      *wire.MsgBlock
	IndexEntry BlockIndexEntry
}

// ChainTipChanged is emitted after a burst of connects/disconnects settles,
// reporting the new best block. addrsync uses it to decide whether it has
// caught up to the host's view of the chain.
type ChainTipChanged struct {
	Hash   [32]byte
	Height int32
}

// Source is the event feed the address index consumes. A host node adapts
// whatever notification mechanism it already has (ZMQ, an RPC long-poll
// loop, an in-process notifier) into a Bus via SendConnected,
// SendDisconnected and SendTipChanged.
type Source interface {
	// Subscribe registers a new Client. Events published before
	// Subscribe returns are not guaranteed to be delivered to it.
	Subscribe() (*Client, error)
}
