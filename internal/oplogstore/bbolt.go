// Package oplogstore is the bbolt-backed implementation of
// external.OplogStorage: single-process, single-writer, ACID
// transactions per write, CRC-checked on open.
//
// Schema (bbolt bucket layout):
//
//	/workers
//	    <owner>/entries
//	        key:   big-endian uint64 OplogIndex
//	        value: JSON-encoded envelope{Version, Entry}
//	    <owner>/payloads
//	        key:   payload ref
//	        value: raw bytes
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC integrity check on database open (bbolt built-in).
//
// Failure modes:
//   - File corruption: bbolt detects via CRC and returns an error on
//     Open(). The executor logs a fatal event and refuses to start.
//   - Disk full: bbolt.Update() returns an error, surfaced to the caller
//     (internal/oplog.Oplog.Commit) unmodified.
package oplogstore

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/golemcloud/golem-worker-executor/internal/model"
)


// payloadRef derives a content-addressed reference for data, so identical
// payloads written twice collapse to a single stored copy.
func payloadRef(data []byte) model.PayloadRef {
	sum := sha1.Sum(data)
	return model.PayloadRef(hex.EncodeToString(sum[:]))
}

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	bucketWorkers = "workers"
	bucketMeta    = "meta"

	subBucketEntries  = "entries"
	subBucketPayloads = "payloads"

	entryEnvelopeVersion = 1
)

// DB is a bbolt-backed external.OplogStorage.
type DB struct {
	db *bolt.DB
}

// Open opens (or creates) the bbolt database at path and verifies the
// schema version.
func Open(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb}
	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketWorkers, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			return meta.Put([]byte("schema_version"), []byte(SchemaVersion))
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, executor requires %q; "+
					"run migration or restore from backup", string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying bbolt file.
func (d *DB) Close() error { return d.db.Close() }

func indexKey(idx model.OplogIndex) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(idx))
	return key
}

// workerBucket returns (creating if necessary) the top-level bucket for
// owner, with entries/payloads sub-buckets inside it.
func workerBucket(tx *bolt.Tx, owner model.OwnedWorkerId, create bool) (*bolt.Bucket, error) {
	workers := tx.Bucket([]byte(bucketWorkers))
	name := []byte(owner.String())
	if create {
		return workers.CreateBucketIfNotExists(name)
	}
	b := workers.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("oplogstore: no such worker %s", owner)
	}
	return b, nil
}

// EnsureOpen creates the bucket hierarchy for owner if it doesn't exist.
func (d *DB) EnsureOpen(_ context.Context, owner model.OwnedWorkerId) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		wb, err := workerBucket(tx, owner, true)
		if err != nil {
			return err
		}
		if _, err := wb.CreateBucketIfNotExists([]byte(subBucketEntries)); err != nil {
			return err
		}
		_, err = wb.CreateBucketIfNotExists([]byte(subBucketPayloads))
		return err
	})
}

// entryEnvelope is the versioned on-disk wrapper around an OplogEntry, so
// the codec can evolve without an offline migration pass.
type entryEnvelope struct {
	Version int              `json:"version"`
	Entry   model.OplogEntry `json:"entry"`
}

// AppendEntries assigns the next contiguous indices after the bucket's
// current highest key and writes them all in a single ACID transaction.
func (d *DB) AppendEntries(_ context.Context, owner model.OwnedWorkerId, entries []model.OplogEntry) ([]model.OplogIndex, error) {
	var indices []model.OplogIndex
	err := d.db.Update(func(tx *bolt.Tx) error {
		wb, err := workerBucket(tx, owner, true)
		if err != nil {
			return err
		}
		eb, err := wb.CreateBucketIfNotExists([]byte(subBucketEntries))
		if err != nil {
			return err
		}
		next := model.FirstOplogIndex
		if k, _ := eb.Cursor().Last(); k != nil {
			next = model.OplogIndex(binary.BigEndian.Uint64(k)).Next()
		}
		indices = make([]model.OplogIndex, 0, len(entries))
		for _, e := range entries {
			data, err := json.Marshal(entryEnvelope{Version: entryEnvelopeVersion, Entry: e})
			if err != nil {
				return fmt.Errorf("AppendEntries marshal: %w", err)
			}
			if err := eb.Put(indexKey(next), data); err != nil {
				return fmt.Errorf("AppendEntries put: %w", err)
			}
			indices = append(indices, next)
			next = next.Next()
		}
		return nil
	})
	return indices, err
}

// Commit flushes the current transaction to stable storage. bbolt commits
// every Update transaction to disk before it returns, so AppendEntries is
// already durable by the time it returns regardless of level; Commit
// exists to preserve the DurableOnly/Always distinction in the interface
// for storage backends (and tests) that batch writes before flushing.
func (d *DB) Commit(_ context.Context, owner model.OwnedWorkerId, _ model.DurabilityLevel) error {
	return d.db.View(func(tx *bolt.Tx) error {
		_, err := workerBucket(tx, owner, false)
		return err
	})
}

func (d *DB) Read(_ context.Context, owner model.OwnedWorkerId, idx model.OplogIndex) (model.OplogEntry, error) {
	var out model.OplogEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		wb, err := workerBucket(tx, owner, false)
		if err != nil {
			return err
		}
		eb := wb.Bucket([]byte(subBucketEntries))
		if eb == nil {
			return fmt.Errorf("oplogstore: worker %s has no entries bucket", owner)
		}
		data := eb.Get(indexKey(idx))
		if data == nil {
			return fmt.Errorf("oplogstore: no entry at index %d for %s", idx, owner)
		}
		var env entryEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("oplogstore: corrupt entry at index %d for %s: %w", idx, owner, err)
		}
		out = env.Entry
		return nil
	})
	return out, err
}

func (d *DB) CurrentIndex(_ context.Context, owner model.OwnedWorkerId) (model.OplogIndex, error) {
	var idx model.OplogIndex
	err := d.db.View(func(tx *bolt.Tx) error {
		wb, err := workerBucket(tx, owner, false)
		if err != nil {
			// A worker that has never been opened simply has no history yet.
			idx = model.NoOplogIndex
			return nil
		}
		eb := wb.Bucket([]byte(subBucketEntries))
		if eb == nil {
			idx = model.NoOplogIndex
			return nil
		}
		if k, _ := eb.Cursor().Last(); k != nil {
			idx = model.OplogIndex(binary.BigEndian.Uint64(k))
		}
		return nil
	})
	return idx, err
}

func (d *DB) PutPayload(_ context.Context, owner model.OwnedWorkerId, data []byte) (model.PayloadRef, error) {
	ref := payloadRef(data)
	err := d.db.Update(func(tx *bolt.Tx) error {
		wb, err := workerBucket(tx, owner, true)
		if err != nil {
			return err
		}
		pb, err := wb.CreateBucketIfNotExists([]byte(subBucketPayloads))
		if err != nil {
			return err
		}
		return pb.Put([]byte(ref), data)
	})
	if err != nil {
		return "", err
	}
	return ref, nil
}

func (d *DB) GetPayload(_ context.Context, owner model.OwnedWorkerId, ref model.PayloadRef) ([]byte, error) {
	var out []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		wb, err := workerBucket(tx, owner, false)
		if err != nil {
			return err
		}
		pb := wb.Bucket([]byte(subBucketPayloads))
		if pb == nil {
			return fmt.Errorf("oplogstore: worker %s has no payloads bucket", owner)
		}
		data := pb.Get([]byte(ref))
		if data == nil {
			return fmt.Errorf("oplogstore: no payload %q for %s", ref, owner)
		}
		out = append([]byte(nil), data...)
		return nil
	})
	return out, err
}
