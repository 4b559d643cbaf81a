// Package indexdb is the thin adapter between the address index and the
// underlying ordered key-value engine. It exposes exactly the four
// operations the rest of the index needs: prefix iteration, atomic batched
// writes, and singleton get/put for the hash-seed record. Everything above
// this layer talks in addrkey.Key/Value; everything at or below it talks in
// raw bytes and kvdb transactions.
package indexdb

import (
	"fmt"

	"github.com/marcinja/bitcoin/addrkey"
	"github.com/marcinja/bitcoin/kvdb"
)

// bucketName is the single top-level bucket the address index lives in.
// Using one bucket keeps the tagged-key scheme in addrkey the sole source
// of namespacing, mirroring how Bitcoin Core's addrindex patch used a
// single leveldb column keyed by a 1-byte tag rather than per-purpose
// buckets.
var bucketName = []byte("addrindex")

// Entry is a single (key, value) pair to write as part of a connect batch.
type Entry struct {
	Key   addrkey.Key
	Value addrkey.Value
}

// DB wraps a kvdb.Backend and speaks addrkey's vocabulary.
type DB struct {
	backend kvdb.Backend
}

// Open wraps an already-open kvdb.Backend, creating the address index's
// bucket if this is the first time it has been used.
func Open(backend kvdb.Backend) (*DB, error) {
	db := &DB{backend: backend}

	err := kvdb.Update(backend, func(tx kvdb.RwTx) error {
		_, err := tx.CreateTopLevelBucket(bucketName)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("indexdb: creating bucket: %w", err)
	}

	return db, nil
}

// Close releases the underlying database handle. The DB does not own the
// backend's lifetime beyond this; callers that opened it are responsible
// for not using it again afterwards.
func (db *DB) Close() error {
	return db.backend.Close()
}

// Backend returns the underlying kvdb.Backend so that a component owning a
// back-reference to the DB (the sync controller's persisted locator, for
// instance) can manage its own bucket on the same database file rather than
// opening a second one.
func (db *DB) Backend() kvdb.Backend {
	return db.backend
}

// PutSingleton writes the seed record. It is also used by tests to seed
// arbitrary fixed keys.
func (db *DB) PutSingleton(key addrkey.Key, value []byte) error {
	return kvdb.Update(db.backend, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(bucketName)
		return bucket.Put(key.Encode(), value)
	})
}

// GetSingleton reads the seed record, returning a nil slice (and no error)
// if it has never been written.
func (db *DB) GetSingleton(key addrkey.Key) ([]byte, error) {
	var value []byte
	err := kvdb.View(db.backend, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(bucketName)
		if v := bucket.Get(key.Encode()); v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	return value, err
}

// WriteBatch atomically applies every write in entries and every deletion in
// erasures. Either the whole batch becomes visible or none of it does: both
// sets are applied inside a single kvdb read-write transaction.
func (db *DB) WriteBatch(entries []Entry, erasures []addrkey.Key) error {
	if len(entries) == 0 && len(erasures) == 0 {
		return nil
	}

	return kvdb.Update(db.backend, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(bucketName)

		for _, e := range entries {
			err := bucket.Put(e.Key.Encode(), addrkey.EncodeValue(e.Value))
			if err != nil {
				return fmt.Errorf(
					"indexdb: writing entry: %w", err,
				)
			}
		}

		for _, k := range erasures {
			if err := bucket.Delete(k.Encode()); err != nil {
				return fmt.Errorf(
					"indexdb: deleting entry: %w", err,
				)
			}
		}

		return nil
	})
}

// Record is a single decoded row returned by IteratePrefix.
type Record struct {
	Key   addrkey.Key
	Value addrkey.Value
}

// IteratePrefix returns every record whose key begins with the
// (tag, addr_id) prefix for addrID, in lexicographic key order. The scan is
// finite and non-restartable: it runs to completion (or to the first
// decode error) inside a single read transaction and returns a materialized
// slice, since the bbolt cursor it is built on cannot outlive its
// transaction.
func (db *DB) IteratePrefix(addrID addrkey.AddrId) ([]Record, error) {
	search := addrkey.SearchKey(addrID)
	prefix := search.Encode()

	var records []Record
	err := kvdb.View(db.backend, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(bucketName)
		cursor := bucket.ReadCursor()

		for k, v := cursor.Seek(prefix); k != nil; k, v = cursor.Next() {
			key, err := addrkey.DecodeKey(k)
			if err != nil {
				log.Errorf("corrupt key during scan for "+
					"addr_id=%d: %v", addrID, err)
				return fmt.Errorf(
					"indexdb: corrupt key during scan: %w",
					err,
				)
			}

			if !key.MatchesSearch(search) {
				break
			}

			value, err := addrkey.DecodeValue(v)
			if err != nil {
				return fmt.Errorf(
					"indexdb: corrupt value during scan: %w",
					err,
				)
			}

			records = append(records, Record{Key: key, Value: value})
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}
