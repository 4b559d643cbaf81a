// Package blockio reads raw transactions back out of the node's flat block
// files given a DiskTxPos. It does not define the on-disk block format --
// that is owned by the host node -- it only consumes it the same way Bitcoin
// Core's addrindex patch did: open the numbered block file, deserialize the
// header, seek past it by the recorded offset, and deserialize one
// transaction.
package blockio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/marcinja/bitcoin/addrkey"
)

// Reader locates and deserializes a single transaction from the flat block
// files, given the position an ingest batch previously recorded for it.
type Reader interface {
	// ReadTx opens the block file named by pos, parses the block header,
	// advances to pos.TxOffset, and deserializes exactly one
	// transaction. It returns the transaction, the hash of the
	// containing block (computed from the header), and an error. No
	// partial result is ever returned: any I/O or deserialization
	// failure yields a zero value and a non-nil error.
	ReadTx(pos addrkey.DiskTxPos) (*wire.MsgTx, chainhash.Hash, error)
}

// FlatFileReader implements Reader against a directory of numbered block
// files laid out the way Bitcoin Core lays them out: blk00000.dat,
// blk00001.dat, and so on, each holding a run of consecutive blocks with no
// separator between a block's end and the next block's header.
type FlatFileReader struct {
	dir string
}

// NewFlatFileReader returns a Reader over the block files rooted at dir.
func NewFlatFileReader(dir string) *FlatFileReader {
	return &FlatFileReader{dir: dir}
}

// BlockFileName returns the conventional name of block file fileID within
// dir.
func BlockFileName(dir string, fileID uint32) string {
	return filepath.Join(dir, fmt.Sprintf("blk%05d.dat", fileID))
}

// ReadTx implements Reader.
func (r *FlatFileReader) ReadTx(pos addrkey.DiskTxPos) (*wire.MsgTx, chainhash.Hash, error) {
	name := BlockFileName(r.dir, pos.FileID)

	f, err := os.Open(name)
	if err != nil {
		log.Debugf("failed to open block file %s: %v", name, err)
		return nil, chainhash.Hash{}, fmt.Errorf(
			"blockio: opening %s: %w", name, err,
		)
	}
	defer f.Close()

	if _, err := f.Seek(int64(pos.BlockOffset), io.SeekStart); err != nil {
		return nil, chainhash.Hash{}, fmt.Errorf(
			"blockio: seeking to block in %s: %w", name, err,
		)
	}

	var header wire.BlockHeader
	if err := header.Deserialize(f); err != nil {
		return nil, chainhash.Hash{}, fmt.Errorf(
			"blockio: reading block header from %s: %w", name, err,
		)
	}

	if _, err := f.Seek(int64(pos.TxOffset), io.SeekCurrent); err != nil {
		return nil, chainhash.Hash{}, fmt.Errorf(
			"blockio: seeking to tx offset in %s: %w", name, err,
		)
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(f); err != nil {
		return nil, chainhash.Hash{}, fmt.Errorf(
			"blockio: deserializing tx from %s: %w", name, err,
		)
	}

	return &tx, header.BlockHash(), nil
}
