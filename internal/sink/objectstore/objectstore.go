// Package objectstore implements the object-store sink: it partitions
// each batch by a grouping key (league), buffers the partition's stashes
// in memory, and rotates into one S3 object per time bucket
// (spec.md §4.6, bucket format YYYY/MM/DD/HH/MM). Flush forces rollover
// of every open bucket regardless of the clock.
//
// The in-flight (not-yet-rotated) buffer can optionally be mirrored to a
// local bolt database (S3_SINK_WAL_PATH) so a crash between rotations
// does not silently drop already-accepted stashes; this adapts the
// teacher's storage/egress.Store bolt transaction pattern
// (storage/egress/db.go: bucket-per-collection, sequence-keyed Put) into
// a write-ahead buffer for this domain.
package objectstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/op/go-logging"
	"github.com/pkg/errors"

	"github.com/maximumstock/stash-indexer/internal/clock"
	"github.com/maximumstock/stash-indexer/internal/poeapi"
	"github.com/maximumstock/stash-indexer/internal/sink"
)

// bucketLayout is the time-bucket format from spec.md §6:
// "{partition}/{YYYY}/{MM}/{DD}/{HH}/{MM}.json[.gz]".
const bucketLayout = "2006/01/02/15/04"

// Putter is the subset of the S3 client this sink calls, so tests can
// substitute a fake without a live bucket.
type Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// WALEntry is one partition's recovered in-flight buffer: the bucket it
// was accumulating toward plus the stashes already accepted into it.
type WALEntry struct {
	Bucket  string
	Stashes []poeapi.Stash
}

// WAL is the optional local durability layer for in-flight buffered data.
type WAL interface {
	Put(partition, bucket string, stashes []poeapi.Stash) error
	Load() (map[string]WALEntry, error)
	Clear(partition string) error
	Close() error
}

// Config wires a Sink to its collaborators.
type Config struct {
	Bucket string
	Client Putter
	Clock  clock.Clock
	Gzip   bool
	WAL    WAL // optional, nil disables the write-ahead buffer
	Log    *logging.Logger
}

type partitionBuffer struct {
	bucket  string // the bucket-boundary key this buffer belongs to, e.g. "2024/01/02/03/04"
	stashes []poeapi.Stash
}

// Sink rotates per-partition buffers into S3 objects on bucket rollover.
type Sink struct {
	mu         sync.Mutex
	cfg        Config
	partitions map[string]*partitionBuffer
}

// New constructs a Sink, recovering any in-flight partition buffers a
// configured WAL still holds from before a crash or restart.
func New(cfg Config) *Sink {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	s := &Sink{cfg: cfg, partitions: make(map[string]*partitionBuffer)}

	if cfg.WAL != nil {
		recovered, err := cfg.WAL.Load()
		if err != nil {
			if cfg.Log != nil {
				cfg.Log.Warningf("objectstore: WAL recovery failed: %v", err)
			}
		} else {
			for partition, entry := range recovered {
				if len(entry.Stashes) == 0 {
					continue
				}
				s.partitions[partition] = &partitionBuffer{bucket: entry.Bucket, stashes: entry.Stashes}
				if cfg.Log != nil {
					cfg.Log.Infof("objectstore: recovered %d stashes for partition %s bucket %s", len(entry.Stashes), partition, entry.Bucket)
				}
			}
		}
	}

	return s
}

// Handle partitions batch.Stashes by league and appends them to the
// matching in-memory buffer, rotating it first if the current time has
// crossed into a new bucket.
func (s *Sink) Handle(ctx context.Context, batch sink.Batch) (int, error) {
	byLeague := make(map[string][]poeapi.Stash)
	for _, st := range batch.Stashes {
		key := st.League
		if key == "" {
			key = batch.League
		}
		byLeague[key] = append(byLeague[key], st)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Clock.Now().UTC()
	currentBucket := now.Format(bucketLayout)

	handled := 0
	for partition, stashes := range byLeague {
		buf, ok := s.partitions[partition]
		if !ok {
			buf = &partitionBuffer{bucket: currentBucket}
			s.partitions[partition] = buf
		} else if buf.bucket != currentBucket {
			if err := s.rotateLocked(ctx, partition, buf); err != nil {
				return handled, err
			}
			buf = &partitionBuffer{bucket: currentBucket}
			s.partitions[partition] = buf
		}
		buf.stashes = append(buf.stashes, stashes...)
		if s.cfg.WAL != nil {
			if err := s.cfg.WAL.Put(partition, buf.bucket, buf.stashes); err != nil && s.cfg.Log != nil {
				s.cfg.Log.Warningf("objectstore: WAL put failed for %s: %v", partition, err)
			}
		}
		handled += len(stashes)
	}
	return handled, nil
}

// Flush forces rollover of every open partition buffer regardless of
// whether its bucket boundary has passed, per spec.md §4.6.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for partition, buf := range s.partitions {
		if len(buf.stashes) == 0 {
			continue
		}
		if err := s.rotateLocked(ctx, partition, buf); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.partitions = make(map[string]*partitionBuffer)
	return firstErr
}

// rotateLocked encodes buf's accumulated stashes and writes them as one
// object keyed "{partition}/{bucket}.json[.gz]". Caller holds s.mu.
func (s *Sink) rotateLocked(ctx context.Context, partition string, buf *partitionBuffer) error {
	if len(buf.stashes) == 0 {
		return nil
	}

	raw, err := json.Marshal(buf.stashes)
	if err != nil {
		return errors.Wrap(err, "objectstore: marshal partition buffer")
	}

	ext := ".json"
	body := raw
	if s.cfg.Gzip {
		var gz bytes.Buffer
		w := gzip.NewWriter(&gz)
		if _, err := w.Write(raw); err != nil {
			return errors.Wrap(err, "objectstore: gzip encode")
		}
		if err := w.Close(); err != nil {
			return errors.Wrap(err, "objectstore: gzip close")
		}
		body = gz.Bytes()
		ext = ".json.gz"
	}

	key := fmt.Sprintf("%s/%s%s", partition, buf.bucket, ext)
	_, err = s.cfg.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return errors.Wrapf(err, "objectstore: put object %s", key)
	}

	if s.cfg.WAL != nil {
		if err := s.cfg.WAL.Clear(partition); err != nil && s.cfg.Log != nil {
			s.cfg.Log.Warningf("objectstore: WAL clear failed for %s: %v", partition, err)
		}
	}
	if s.cfg.Log != nil {
		s.cfg.Log.Infof("objectstore: wrote %s (%d stashes)", key, len(buf.stashes))
	}
	return nil
}
