package indexdb

import (
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/marcinja/bitcoin/addrkey"
	"github.com/marcinja/bitcoin/kvdb"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	backend, err := kvdb.Create(filepath.Join(t.TempDir(), "addrindex.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	db, err := Open(backend)
	require.NoError(t, err)

	return db
}

func outpointWithByte(b byte) addrkey.Outpoint {
	var hash chainhash.Hash
	hash[0] = b
	return addrkey.Outpoint{Hash: hash, Index: uint32(b)}
}

func TestWriteBatchAndIteratePrefix(t *testing.T) {
	db := openTestDB(t)

	const addrID = addrkey.AddrId(100)
	entries := []Entry{
		{
			Key: addrkey.FullKey(addrID, addrkey.Created, outpointWithByte(1)),
			Value: addrkey.Value{
				Pos:    addrkey.DiskTxPos{FileID: 1, BlockOffset: 10, TxOffset: 5},
				Script: []byte("script-a"),
			},
		},
		{
			Key: addrkey.FullKey(addrID, addrkey.Spent, outpointWithByte(2)),
			Value: addrkey.Value{
				Pos:    addrkey.DiskTxPos{FileID: 1, BlockOffset: 10, TxOffset: 200},
				Script: []byte("script-a"),
			},
		},
		{
			// Different AddrId: must not show up in the addrID scan.
			Key: addrkey.FullKey(addrID+1, addrkey.Created, outpointWithByte(3)),
			Value: addrkey.Value{
				Pos:    addrkey.DiskTxPos{FileID: 2, BlockOffset: 0, TxOffset: 0},
				Script: []byte("script-b"),
			},
		},
	}

	require.NoError(t, db.WriteBatch(entries, nil))

	records, err := db.IteratePrefix(addrID)
	require.NoError(t, err)
	require.Len(t, records, 2)

	for _, r := range records {
		require.Equal(t, addrID, r.Key.AddrId())
		require.Equal(t, "script-a", string(r.Value.Script))
	}
}

func TestWriteBatchIsAtomic(t *testing.T) {
	db := openTestDB(t)

	const addrID = addrkey.AddrId(7)
	entries := []Entry{
		{
			Key: addrkey.FullKey(addrID, addrkey.Created, outpointWithByte(1)),
			Value: addrkey.Value{
				Pos:    addrkey.DiskTxPos{FileID: 1},
				Script: []byte("s"),
			},
		},
	}
	require.NoError(t, db.WriteBatch(entries, nil))

	records, err := db.IteratePrefix(addrID)
	require.NoError(t, err)
	require.Len(t, records, 1)

	// Erasing the entry we just wrote, in a batch with no writes, must
	// leave nothing behind for addrID.
	require.NoError(t, db.WriteBatch(nil, []addrkey.Key{entries[0].Key}))

	records, err = db.IteratePrefix(addrID)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestIteratePrefixEmptyIsNotAnError(t *testing.T) {
	db := openTestDB(t)

	records, err := db.IteratePrefix(addrkey.AddrId(999))
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestSingletonPutGet(t *testing.T) {
	db := openTestDB(t)

	empty, err := db.GetSingleton(addrkey.SeedKey())
	require.NoError(t, err)
	require.Nil(t, empty)

	require.NoError(t, db.PutSingleton(addrkey.SeedKey(), []byte("seed-bytes")))

	got, err := db.GetSingleton(addrkey.SeedKey())
	require.NoError(t, err)
	require.Equal(t, []byte("seed-bytes"), got)
}
