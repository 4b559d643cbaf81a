package bitcoin

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/marcinja/bitcoin/addrhash"
	"github.com/marcinja/bitcoin/addrsync"
	"github.com/marcinja/bitcoin/blockio"
	"github.com/marcinja/bitcoin/chainevents"
	"github.com/marcinja/bitcoin/indexdb"
	"github.com/marcinja/bitcoin/ingest"
	"github.com/marcinja/bitcoin/kvdb"
)

// dbFileName is the conventional leaf name of the index's database file
// under Config.DataDir, matching §6's "indexes/addrindex" subpath
// convention one level up (the caller is expected to already point
// Config.DataDir at that subpath).
const dbFileName = "addrindex.db"

// Index is the process-wide handle a host constructs once, starts, and
// stops. Unlike the source this is adapted from, which exposed a single
// ambient global, every caller here gets an explicit value: the host is
// free to construct more than one (against different data directories) or
// none at all.
type Index struct {
	cfg *Config

	backend kvdb.Backend
	db      *indexdb.DB
	hasher  *addrhash.Hasher
	reader  blockio.Reader

	controller *addrsync.Controller

	running int32 // atomic bool
}

// New constructs an Index against cfg's data directory, opening (or
// creating) its database and loading or generating its hash seed. It does
// not yet subscribe to chain events or begin ingest -- call Start for that.
func New(cfg *Config) (*Index, error) {
	timeout := cfg.DBTimeout
	if timeout == 0 {
		timeout = DefaultDBTimeout
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, newError(StorageFailure,
			"creating index data directory %s: %w", cfg.DataDir, err)
	}

	dbPath := filepath.Join(cfg.DataDir, dbFileName)

	backend, err := kvdb.OpenWithTimeout(dbPath, timeout)
	if err != nil {
		backend, err = kvdb.CreateWithTimeout(dbPath, timeout)
		if err != nil {
			return nil, newError(StorageFailure,
				"opening index database at %s: %w", dbPath, err)
		}
	}

	db, err := indexdb.Open(backend)
	if err != nil {
		backend.Close()
		return nil, newError(StorageFailure,
			"initializing index database: %w", err)
	}

	hasher, err := addrhash.New(db)
	if err != nil {
		backend.Close()
		return nil, newError(StorageFailure,
			"initializing hash seed: %w", err)
	}

	return &Index{
		cfg:     cfg,
		backend: backend,
		db:      db,
		hasher:  hasher,
		reader:  blockio.NewFlatFileReader(cfg.BlockDir),
	}, nil
}

// Start subscribes to source for chain events, catches the index up to the
// host's current tip, and begins processing live events. chain supplies the
// chain-walking operations (HashAtHeight, BestHeight, ConnectEventAt) the
// sync controller needs to rediscover a fork point and replay history.
func (idx *Index) Start(source chainevents.Source, chain addrsync.ChainSource) error {
	idx.controller = addrsync.New(idx.db, idx.hasher, source, chain)

	if err := idx.controller.Start(); err != nil {
		kind := StorageFailure
		if errors.Is(err, ingest.ErrUndoUnavailable) {
			kind = UndoUnavailable
		}
		return newError(kind, "starting sync controller: %w", err)
	}

	atomic.StoreInt32(&idx.running, 1)
	return nil
}

// Stop halts ingest and releases the database handle New opened. Safe to
// call even if Start was never called, so that a construct-then-abandon
// caller still releases its file lock.
func (idx *Index) Stop() error {
	if atomic.CompareAndSwapInt32(&idx.running, 1, 0) {
		if err := idx.controller.Stop(); err != nil {
			return newError(StorageFailure, "stopping sync controller: %w", err)
		}
	}

	if err := idx.db.Close(); err != nil {
		return newError(StorageFailure, "closing index database: %w", err)
	}

	return nil
}

// BlockUntilSyncedToCurrentChain returns true once the index has observed
// and committed every event up to tip. It returns false immediately if the
// index is not running.
func (idx *Index) BlockUntilSyncedToCurrentChain(tipHash [32]byte, tipHeight int32) bool {
	if atomic.LoadInt32(&idx.running) == 0 || idx.controller == nil {
		return false
	}
	return idx.controller.BlockUntilSyncedToCurrentChain(tipHash, tipHeight)
}
