package ingest

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/marcinja/bitcoin/addrhash"
	"github.com/marcinja/bitcoin/addrkey"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	values map[string][]byte
}

func newMemStore() *memStore { return &memStore{values: make(map[string][]byte)} }

func (m *memStore) GetSingleton(key addrkey.Key) ([]byte, error) {
	return m.values[string(key.Encode())], nil
}

func (m *memStore) PutSingleton(key addrkey.Key, value []byte) error {
	m.values[string(key.Encode())] = append([]byte(nil), value...)
	return nil
}

func testHasher(t *testing.T) *addrhash.Hasher {
	t.Helper()
	h, err := addrhash.New(newMemStore())
	require.NoError(t, err)
	return h
}

func coinbaseTx(script []byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0xffffffff}})
	tx.AddTxOut(wire.NewTxOut(50_0000_0000, script))
	return tx
}

func spendingTx(prev wire.OutPoint, newScript []byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: prev})
	tx.AddTxOut(wire.NewTxOut(1, newScript))
	return tx
}

func TestBuildConnectEntriesCoinbaseOnlyHasNoSpends(t *testing.T) {
	hasher := testHasher(t)
	script := []byte("genesis-script")

	block := &wire.MsgBlock{}
	block.AddTransaction(coinbaseTx(script))

	entries, err := BuildConnectEntries(block, nil, 0, 0, hasher)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, addrkey.Created, entries[0].Key.Kind())
}

func TestBuildConnectEntriesWithoutUndoFailsForNonCoinbaseBlock(t *testing.T) {
	hasher := testHasher(t)

	block := &wire.MsgBlock{}
	block.AddTransaction(coinbaseTx([]byte("cb")))
	block.AddTransaction(spendingTx(wire.OutPoint{}, []byte("out")))

	_, err := BuildConnectEntries(block, nil, 0, 0, hasher)
	require.ErrorIs(t, err, ErrUndoUnavailable)
}

func TestBuildConnectEntriesProducesSpendsFromUndo(t *testing.T) {
	hasher := testHasher(t)

	prevScript := []byte("prev-output-script")
	prevOutpoint := addrkey.Outpoint{Index: 3}

	block := &wire.MsgBlock{}
	block.AddTransaction(coinbaseTx([]byte("cb")))
	block.AddTransaction(spendingTx(prevOutpoint, []byte("new-script")))

	undo := &BlockUndo{
		TxPrevOuts: [][]PrevOut{
			{{Outpoint: prevOutpoint, Script: prevScript}},
		},
	}

	entries, err := BuildConnectEntries(block, undo, 0, 0, hasher)
	require.NoError(t, err)

	// 1 CREATED for the coinbase output, 1 CREATED for the spending tx's
	// new output, 1 SPENT for the consumed prevout.
	require.Len(t, entries, 3)

	var spends int
	for _, e := range entries {
		if e.Key.Kind() == addrkey.Spent {
			spends++
			require.Equal(t, hasher.HashScript(prevScript), e.Key.AddrId())
			require.Equal(t, prevOutpoint, e.Key.Outpoint())
			require.Equal(t, prevScript, e.Value.Script)
		}
	}
	require.Equal(t, 1, spends)
}

func TestBuildConnectEntriesRejectsMismatchedUndoShape(t *testing.T) {
	hasher := testHasher(t)

	block := &wire.MsgBlock{}
	block.AddTransaction(coinbaseTx([]byte("cb")))
	block.AddTransaction(spendingTx(wire.OutPoint{}, []byte("out")))

	// Two non-coinbase transactions worth of undo for a block with only
	// one.
	undo := &BlockUndo{TxPrevOuts: [][]PrevOut{{}, {}}}

	_, err := BuildConnectEntries(block, undo, 0, 0, hasher)
	require.ErrorIs(t, err, ErrUndoShapeMismatch)
}

func TestBuildDisconnectErasuresMatchConnectEntries(t *testing.T) {
	hasher := testHasher(t)

	prevScript := []byte("prev-output-script")
	prevOutpoint := addrkey.Outpoint{Index: 9}

	block := &wire.MsgBlock{}
	block.AddTransaction(coinbaseTx([]byte("cb")))
	block.AddTransaction(spendingTx(prevOutpoint, []byte("new-script")))

	undo := &BlockUndo{
		TxPrevOuts: [][]PrevOut{
			{{Outpoint: prevOutpoint, Script: prevScript}},
		},
	}

	entries, err := BuildConnectEntries(block, undo, 5, 1000, hasher)
	require.NoError(t, err)

	erasures, err := BuildDisconnectErasures(block, undo, 5, 1000, hasher)
	require.NoError(t, err)

	require.Len(t, erasures, len(entries))
	for i, e := range entries {
		require.Equal(t, e.Key, erasures[i])
	}
}
