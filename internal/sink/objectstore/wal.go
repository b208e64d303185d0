// Write-ahead buffer for the object-store sink's in-flight (not yet
// rotated) partition data, adapted from the teacher's
// storage/egress.Store bolt transaction pattern (storage/egress/db.go):
// one bucket, JSON-encoded values, a transaction per call. Here the key
// is the partition name rather than a sequence id, since each partition
// has at most one in-flight buffer at a time.
package objectstore

import (
	"encoding/json"

	bolt "github.com/coreos/bbolt"

	"github.com/maximumstock/stash-indexer/internal/poeapi"
)

const walBucketName = "objectstore-wal"

// BoltWAL persists each partition's currently-buffered stashes to a local
// bolt database so a crash between bucket rotations does not silently
// drop already-accepted data. It is optional (S3_SINK_WAL_PATH).
type BoltWAL struct {
	db *bolt.DB
}

// NewBoltWAL opens (creating if absent) the bolt database at path.
func NewBoltWAL(path string) (*BoltWAL, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(walBucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltWAL{db: db}, nil
}

// walRecord is the JSON-encoded value stored per partition: the bucket
// the buffer belongs to plus its accumulated stashes, so recovery can
// restore a buffer without guessing which time bucket it was mid-way
// through.
type walRecord struct {
	Bucket  string         `json:"bucket"`
	Stashes []poeapi.Stash `json:"stashes"`
}

// Put overwrites the WAL entry for partition with the full current
// buffer contents (not an append — the sink always calls Put with the
// complete in-memory buffer after appending to it).
func (w *BoltWAL) Put(partition, bucket string, stashes []poeapi.Stash) error {
	raw, err := json.Marshal(walRecord{Bucket: bucket, Stashes: stashes})
	if err != nil {
		return err
	}
	return w.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(walBucketName)).Put([]byte(partition), raw)
	})
}

// Clear removes the WAL entry for partition, called once its buffer has
// been durably written to S3.
func (w *BoltWAL) Clear(partition string) error {
	return w.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(walBucketName)).Delete([]byte(partition))
	})
}

// Load returns every partition's buffered stashes and bucket still
// recorded in the WAL, used by Sink.New to recover in-flight data left
// behind by a crash before the sink resumes accepting batches.
func (w *BoltWAL) Load() (map[string]WALEntry, error) {
	out := make(map[string]WALEntry)
	err := w.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(walBucketName))
		return b.ForEach(func(k, v []byte) error {
			var rec walRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out[string(k)] = WALEntry{Bucket: rec.Bucket, Stashes: rec.Stashes}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the underlying bolt database.
func (w *BoltWAL) Close() error {
	return w.db.Close()
}
