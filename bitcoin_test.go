package bitcoin

import (
	"os"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/marcinja/bitcoin/addrkey"
	"github.com/marcinja/bitcoin/blockio"
	"github.com/marcinja/bitcoin/chainevents"
	"github.com/marcinja/bitcoin/indexdb"
	"github.com/marcinja/bitcoin/ingest"
	"github.com/stretchr/testify/require"
)

// testChain writes blocks to a real flat block file as they are appended,
// so that FindTxsByScript exercises the same block-file read path a real
// deployment would.
type testChain struct {
	t    *testing.T
	dir  string
	file *os.File

	blocks  []*wire.MsgBlock
	offsets []uint64
	undos   []*ingest.BlockUndo

	nextOffset uint64
}

func newTestChain(t *testing.T) *testChain {
	dir := t.TempDir()
	f, err := os.Create(blockio.BlockFileName(dir, 0))
	require.NoError(t, err)

	return &testChain{t: t, dir: dir, file: f}
}

func (c *testChain) addBlock(nonce uint32, txs []*wire.MsgTx, undo *ingest.BlockUndo) int32 {
	height := int32(len(c.blocks))

	block := &wire.MsgBlock{}
	block.Header.Nonce = nonce
	for _, tx := range txs {
		block.AddTransaction(tx)
	}

	var buf countingWriter
	require.NoError(c.t, block.Serialize(&buf))
	require.NoError(c.t, block.Serialize(c.file))

	c.blocks = append(c.blocks, block)
	c.offsets = append(c.offsets, c.nextOffset)
	c.undos = append(c.undos, undo)
	c.nextOffset += buf.n

	return height
}

type countingWriter struct{ n uint64 }

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += uint64(len(p))
	return len(p), nil
}

func (c *testChain) HashAtHeight(h int32) (chainhash.Hash, error) {
	return c.blocks[h].Header.BlockHash(), nil
}

func (c *testChain) BestHeight() (int32, error) {
	return int32(len(c.blocks)) - 1, nil
}

// resetForReorg discards every block above height, simulating the host's
// view jumping to a fork that has not yet been extended past that point.
// It leaves the underlying block file untouched, so blocks appended
// afterward land at fresh offsets rather than overwriting anything a
// still-in-flight disconnect might reference.
func (c *testChain) resetForReorg(height int32) {
	c.blocks = c.blocks[:height+1]
	c.offsets = c.offsets[:height+1]
	c.undos = c.undos[:height+1]
}

func (c *testChain) ConnectEventAt(h int32) (chainevents.BlockConnected, error) {
	return chainevents.BlockConnected{
		Block: c.blocks[h],
		IndexEntry: chainevents.BlockIndexEntry{
			FileID:      0,
			BlockOffset: c.offsets[h],
			Height:      h,
		},
		Undo: c.undos[h],
	}, nil
}

// coinbaseNonce lets each call to coinbase produce a transaction with a
// distinct hash even when paying an identical script, the same role a real
// coinbase's extra-nonce field plays.
var coinbaseNonce uint64

func coinbase(script []byte) *wire.MsgTx {
	coinbaseNonce++

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 0xffffffff},
		SignatureScript:  []byte{byte(coinbaseNonce), byte(coinbaseNonce >> 8), byte(coinbaseNonce >> 16), byte(coinbaseNonce >> 24)},
	})
	tx.AddTxOut(wire.NewTxOut(50_0000_0000, script))
	return tx
}

func openTestIndex(t *testing.T, blockDir string) *Index {
	t.Helper()

	cfg := &Config{
		DataDir:  t.TempDir(),
		BlockDir: blockDir,
	}
	idx, err := New(cfg)
	require.NoError(t, err)
	return idx
}

func TestHundredCoinbaseBlocksPayingSameScript(t *testing.T) {
	chain := newTestChain(t)
	script := []byte("shared-script")

	for i := 0; i < 100; i++ {
		chain.addBlock(uint32(i)+1, []*wire.MsgTx{coinbase(script)}, nil)
	}

	idx := openTestIndex(t, chain.dir)
	bus := chainevents.NewBus()
	require.NoError(t, bus.Start())
	defer bus.Stop()

	require.NoError(t, idx.Start(bus, chain))
	defer idx.Stop()

	tipHash, _ := chain.HashAtHeight(99)
	require.True(t, idx.BlockUntilSyncedToCurrentChain(tipHash, 99))

	spends, creations, err := idx.FindTxsByScript(script)
	require.NoError(t, err)
	require.Len(t, creations, 100)
	require.Len(t, spends, 0)
}

func TestDistinctScriptsThenRepay(t *testing.T) {
	chain := newTestChain(t)

	scripts := make([][]byte, 10)
	txs := make([]*wire.MsgTx, 10)
	for i := range scripts {
		scripts[i] = []byte{byte('A' + i)}
		txs[i] = coinbase(scripts[i])
	}
	// Only the first transaction of a block is its coinbase; the others
	// spend nothing indexable, so their undo entries are empty.
	chain.addBlock(1, txs, &ingest.BlockUndo{TxPrevOuts: make([][]ingest.PrevOut, len(txs)-1)})

	repay := make([]*wire.MsgTx, 5)
	for i := 0; i < 5; i++ {
		repay[i] = coinbase(scripts[i])
	}
	chain.addBlock(2, repay, &ingest.BlockUndo{TxPrevOuts: make([][]ingest.PrevOut, len(repay)-1)})

	idx := openTestIndex(t, chain.dir)
	bus := chainevents.NewBus()
	require.NoError(t, bus.Start())
	defer bus.Stop()

	require.NoError(t, idx.Start(bus, chain))
	defer idx.Stop()

	tipHash, _ := chain.HashAtHeight(1)
	require.True(t, idx.BlockUntilSyncedToCurrentChain(tipHash, 1))

	for i, script := range scripts {
		_, creations, err := idx.FindTxsByScript(script)
		require.NoError(t, err)
		if i < 5 {
			require.Len(t, creations, 2, "script %d", i)
		} else {
			require.Len(t, creations, 1, "script %d", i)
		}
	}
}

func TestSpendTrackingAcrossBlocks(t *testing.T) {
	chain := newTestChain(t)
	script := []byte("to-be-spent")

	createTx := coinbase(script)
	chain.addBlock(1, []*wire.MsgTx{createTx}, nil)

	spendTx := wire.NewMsgTx(wire.TxVersion)
	spendTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: createTx.TxHash(), Index: 0},
	})
	spendTx.AddTxOut(wire.NewTxOut(1, []byte("change")))

	coinbase2 := coinbase([]byte("block-2-coinbase"))
	undo := &ingest.BlockUndo{
		TxPrevOuts: [][]ingest.PrevOut{
			{{
				Outpoint: wire.OutPoint{Hash: createTx.TxHash(), Index: 0},
				Script:   script,
			}},
		},
	}
	chain.addBlock(2, []*wire.MsgTx{coinbase2, spendTx}, undo)

	idx := openTestIndex(t, chain.dir)
	bus := chainevents.NewBus()
	require.NoError(t, bus.Start())
	defer bus.Stop()

	require.NoError(t, idx.Start(bus, chain))
	defer idx.Stop()

	tipHash, _ := chain.HashAtHeight(1)
	require.True(t, idx.BlockUntilSyncedToCurrentChain(tipHash, 1))

	spends, creations, err := idx.FindTxsByScript(script)
	require.NoError(t, err)
	require.Len(t, creations, 1)
	require.Equal(t, createTx.TxHash(), creations[0].Tx.Hash)
	require.Len(t, spends, 1)
	require.Equal(t, spendTx.TxHash(), spends[0].Tx.Hash)
	require.Equal(t, createTx.TxHash(), spends[0].Outpoint.Hash)
}

func TestDisconnectRemovesEntries(t *testing.T) {
	chain := newTestChain(t)
	script := []byte("orphaned-script")

	chain.addBlock(1, []*wire.MsgTx{coinbase([]byte("block-0"))}, nil)
	chain.addBlock(2, []*wire.MsgTx{coinbase(script)}, nil)

	idx := openTestIndex(t, chain.dir)
	bus := chainevents.NewBus()
	require.NoError(t, bus.Start())
	defer bus.Stop()

	require.NoError(t, idx.Start(bus, chain))
	defer idx.Stop()

	tipHash, _ := chain.HashAtHeight(1)
	require.True(t, idx.BlockUntilSyncedToCurrentChain(tipHash, 1))

	_, creations, err := idx.FindTxsByScript(script)
	require.NoError(t, err)
	require.Len(t, creations, 1)

	disconnected, err := chain.ConnectEventAt(1)
	require.NoError(t, err)
	bus.SendDisconnected(chainevents.BlockDisconnected{
		Block:      disconnected.Block,
		IndexEntry: disconnected.IndexEntry,
	})

	require.Eventually(t, func() bool {
		_, creations, err := idx.FindTxsByScript(script)
		require.NoError(t, err)
		return len(creations) == 0
	}, time.Second, 5*time.Millisecond)
}

// TestQueryExcludesForcedAddrIdCollision hand-writes a second record at the
// real AddrId of wantedScript, carrying a different stored script, to stand
// in for a genuine SipHash collision. FindTxsByScript must filter it out by
// comparing stored script bytes rather than trusting the AddrId prefix
// alone.
func TestQueryExcludesForcedAddrIdCollision(t *testing.T) {
	chain := newTestChain(t)
	wantedScript := []byte("wanted-script")

	createTx := coinbase(wantedScript)
	chain.addBlock(1, []*wire.MsgTx{createTx}, nil)

	idx := openTestIndex(t, chain.dir)
	bus := chainevents.NewBus()
	require.NoError(t, bus.Start())
	defer bus.Stop()

	require.NoError(t, idx.Start(bus, chain))
	defer idx.Stop()

	tipHash, _ := chain.HashAtHeight(0)
	require.True(t, idx.BlockUntilSyncedToCurrentChain(tipHash, 0))

	addrID := idx.hasher.HashScript(wantedScript)

	var impostorHash chainhash.Hash
	impostorHash[0] = 0xFF
	impostor := indexdb.Entry{
		Key: addrkey.FullKey(addrID, addrkey.Created, addrkey.Outpoint{Hash: impostorHash, Index: 0}),
		Value: addrkey.Value{
			Pos:    addrkey.DiskTxPos{FileID: 99, BlockOffset: 99, TxOffset: 99},
			Script: []byte("impostor-script"),
		},
	}
	require.NoError(t, idx.db.WriteBatch([]indexdb.Entry{impostor}, nil))

	records, err := idx.db.IteratePrefix(addrID)
	require.NoError(t, err)
	require.Len(t, records, 2, "the real creation and the forced-collision impostor")

	_, creations, err := idx.FindTxsByScript(wantedScript)
	require.NoError(t, err)
	require.Len(t, creations, 1)
	require.Equal(t, createTx.TxHash(), creations[0].Tx.Hash)
}

// TestReorgReplacesForkWithSpendAwareDisconnect drives a full fork
// replacement through Index/Controller: fork A (two blocks past the
// genesis, one of which spends an output the other created) is connected,
// then disconnected in favor of a longer fork B. This is the scenario the
// cached-undo fix in addrsync.Controller exists for -- disconnecting fork A
// must erase fork A's SPENT entry along with its CREATED ones, not just the
// latter.
func TestReorgReplacesForkWithSpendAwareDisconnect(t *testing.T) {
	chain := newTestChain(t)

	genesisScript := []byte("genesis-script")
	chain.addBlock(1, []*wire.MsgTx{coinbase(genesisScript)}, nil)

	forkAScript := []byte("fork-a-target")
	createTxA := coinbase(forkAScript)
	chain.addBlock(2, []*wire.MsgTx{createTxA}, nil)

	spendTxA := wire.NewMsgTx(wire.TxVersion)
	spendTxA.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: createTxA.TxHash(), Index: 0},
	})
	spendTxA.AddTxOut(wire.NewTxOut(1, []byte("fork-a-change")))
	undoA := &ingest.BlockUndo{
		TxPrevOuts: [][]ingest.PrevOut{
			{{
				Outpoint: addrkey.Outpoint{Hash: createTxA.TxHash(), Index: 0},
				Script:   forkAScript,
			}},
		},
	}
	chain.addBlock(3, []*wire.MsgTx{coinbase([]byte("fork-a-coinbase-2")), spendTxA}, undoA)

	idx := openTestIndex(t, chain.dir)
	bus := chainevents.NewBus()
	require.NoError(t, bus.Start())
	defer bus.Stop()

	require.NoError(t, idx.Start(bus, chain))
	defer idx.Stop()

	forkATip, _ := chain.HashAtHeight(2)
	require.True(t, idx.BlockUntilSyncedToCurrentChain(forkATip, 2))

	spends, creations, err := idx.FindTxsByScript(forkAScript)
	require.NoError(t, err)
	require.Len(t, creations, 1)
	require.Len(t, spends, 1, "fork A's spend must be indexed before the reorg")

	// Capture fork A's own connect events before the chain's view is
	// reset to fork B -- a disconnect event carries its own block, but
	// ConnectEventAt reads from the chain's current state, so it has to
	// run against fork A now.
	forkAEvent2, err := chain.ConnectEventAt(2)
	require.NoError(t, err)
	forkAEvent1, err := chain.ConnectEventAt(1)
	require.NoError(t, err)

	bus.SendDisconnected(chainevents.BlockDisconnected{
		Block:      forkAEvent2.Block,
		IndexEntry: forkAEvent2.IndexEntry,
	})
	bus.SendDisconnected(chainevents.BlockDisconnected{
		Block:      forkAEvent1.Block,
		IndexEntry: forkAEvent1.IndexEntry,
	})

	require.Eventually(t, func() bool {
		spends, creations, err := idx.FindTxsByScript(forkAScript)
		require.NoError(t, err)
		return len(spends) == 0 && len(creations) == 0
	}, time.Second, 5*time.Millisecond, "fork A's spend must not survive the disconnect")

	// Fork B is longer than fork A and shares no scripts with it past
	// the genesis block.
	chain.resetForReorg(0)
	forkBScript := []byte("fork-b-target")
	chain.addBlock(11, []*wire.MsgTx{coinbase(forkBScript)}, nil)
	chain.addBlock(12, []*wire.MsgTx{coinbase([]byte("fork-b-coinbase-2"))}, nil)
	chain.addBlock(13, []*wire.MsgTx{coinbase([]byte("fork-b-coinbase-3"))}, nil)

	for h := int32(1); h <= 3; h++ {
		ev, err := chain.ConnectEventAt(h)
		require.NoError(t, err)
		bus.SendConnected(ev)
	}

	forkBTip, _ := chain.HashAtHeight(3)
	require.True(t, idx.BlockUntilSyncedToCurrentChain(forkBTip, 3))

	_, creations, err = idx.FindTxsByScript(genesisScript)
	require.NoError(t, err)
	require.Len(t, creations, 1, "the common ancestor must survive the reorg")

	spends, creations, err = idx.FindTxsByScript(forkAScript)
	require.NoError(t, err)
	require.Empty(t, creations, "fork A's created output must stay erased")
	require.Empty(t, spends, "fork A's spend must stay erased")

	_, creations, err = idx.FindTxsByScript(forkBScript)
	require.NoError(t, err)
	require.Len(t, creations, 1, "fork B's own output must be indexed")
}

func TestQueryForUnseenScriptIsEmptyNotError(t *testing.T) {
	chain := newTestChain(t)
	chain.addBlock(1, []*wire.MsgTx{coinbase([]byte("something"))}, nil)

	idx := openTestIndex(t, chain.dir)
	bus := chainevents.NewBus()
	require.NoError(t, bus.Start())
	defer bus.Stop()

	require.NoError(t, idx.Start(bus, chain))
	defer idx.Stop()

	tipHash, _ := chain.HashAtHeight(0)
	require.True(t, idx.BlockUntilSyncedToCurrentChain(tipHash, 0))

	spends, creations, err := idx.FindTxsByScript([]byte("never-seen"))
	require.NoError(t, err)
	require.Empty(t, spends)
	require.Empty(t, creations)
}

func TestQueryBeforeStartReturnsNotRunning(t *testing.T) {
	chain := newTestChain(t)
	chain.addBlock(1, []*wire.MsgTx{coinbase([]byte("x"))}, nil)

	idx := openTestIndex(t, chain.dir)
	defer idx.Stop()

	_, _, err := idx.FindTxsByScript([]byte("x"))
	require.Error(t, err)

	var typed *Error
	require.ErrorAs(t, err, &typed)
	require.Equal(t, NotRunning, typed.Kind)
}
