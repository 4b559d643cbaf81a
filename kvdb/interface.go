// Package kvdb provides the thin ordered key-value store abstraction that
// the rest of this module is built on. It mirrors the shape of lnd's own
// kvdb package, but is trimmed down to the single backend this project
// actually ships: an embedded bbolt database opened through walletdb's "bdb"
// driver. Buckets give us atomic batched writes and cursor-based prefix
// iteration, which is exactly the contract the address index needs from its
// storage engine.
package kvdb

import (
	"time"

	"github.com/btcsuite/btcwallet/walletdb"

	// Register the bbolt-backed walletdb driver under the name "bdb".
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
)

const (
	// BoltBackendName is the driver name passed to walletdb.Create/Open to
	// obtain a bbolt-backed Backend.
	BoltBackendName = "bdb"

	// DefaultDBTimeout is used when opening the bbolt database file if the
	// caller does not specify one.
	DefaultDBTimeout = 60 * time.Second
)

// Backend represents the ACID, ordered key-value store the index is
// persisted to. All access happens through read-only or read-write
// transactions.
type Backend = walletdb.DB

// RTx is a read-only database transaction.
type RTx = walletdb.ReadTx

// RwTx is a read-write database transaction.
type RwTx = walletdb.ReadWriteTx

// RBucket is a read-only view of a bucket.
type RBucket = walletdb.ReadBucket

// RwBucket is a read-write view of a bucket.
type RwBucket = walletdb.ReadWriteBucket

// RCursor iterates a bucket read-only.
type RCursor = walletdb.ReadCursor

// RwCursor iterates a bucket read-write.
type RwCursor = walletdb.ReadWriteCursor

// Open opens an existing bbolt database at the given path, creating the
// parent directories if necessary is the caller's responsibility.
func Open(dbPath string) (Backend, error) {
	return OpenWithTimeout(dbPath, DefaultDBTimeout)
}

// Create creates a brand-new bbolt database at the given path.
func Create(dbPath string) (Backend, error) {
	return CreateWithTimeout(dbPath, DefaultDBTimeout)
}

// OpenWithTimeout is Open with a caller-supplied file-lock timeout.
func OpenWithTimeout(dbPath string, timeout time.Duration) (Backend, error) {
	return walletdb.Open(BoltBackendName, dbPath, true, timeout)
}

// CreateWithTimeout is Create with a caller-supplied file-lock timeout.
func CreateWithTimeout(dbPath string, timeout time.Duration) (Backend, error) {
	return walletdb.Create(BoltBackendName, dbPath, true, timeout)
}

// Update runs f inside a single read-write transaction. If f returns an
// error the transaction is rolled back, otherwise it is committed. This is
// the only way entries are written to the index: a batch is either entirely
// visible or entirely absent. The bbolt backend never asks for a retry, so
// reset is never invoked, but the signature is kept so other backends could
// be swapped in without touching call sites.
func Update(db Backend, f func(tx RwTx) error) error {
	return db.Update(f, func() {})
}

// View runs f inside a read-only transaction. Changes made to buckets
// obtained from tx are discarded once f returns.
func View(db Backend, f func(tx RTx) error) error {
	return db.View(f, func() {})
}
