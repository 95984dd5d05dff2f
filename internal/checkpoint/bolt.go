package checkpoint

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/rohankatakam/retailgraph/internal/errors"
)

// BoltStore keeps checkpoints in a local bbolt file, one bucket per namespace
// (typically "<topic>/<group>").
type BoltStore struct {
	db     *bolt.DB
	bucket []byte
}

var _ Store = (*BoltStore)(nil)

// OpenBolt opens (or creates) the checkpoint file. bbolt holds an exclusive
// file lock, so a second consumer on the same file fails fast.
func OpenBolt(path, namespace string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.WrapConfig(err, "create checkpoint directory")
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.WrapConfig(err, fmt.Sprintf("open checkpoint file %s", path))
	}

	s := &BoltStore{db: db, bucket: []byte(namespace)}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.WrapConfig(err, "create checkpoint bucket")
	}
	return s, nil
}

func partitionKey(partition int) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, uint32(partition))
	return k
}

// Load returns the stored offset for partition
func (s *BoltStore) Load(ctx context.Context, partition int) (int64, bool, error) {
	var (
		offset int64
		ok     bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(s.bucket).Get(partitionKey(partition))
		if v == nil {
			return nil
		}
		if len(v) != 8 {
			return fmt.Errorf("corrupt checkpoint for partition %d", partition)
		}
		offset, ok = int64(binary.BigEndian.Uint64(v)), true
		return nil
	})
	return offset, ok, err
}

// Save stores offset unless the stored one is already greater. The
// compare-and-set runs inside one write transaction.
func (s *BoltStore) Save(ctx context.Context, partition int, offset int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		key := partitionKey(partition)
		if v := b.Get(key); len(v) == 8 && int64(binary.BigEndian.Uint64(v)) >= offset {
			return nil
		}
		val := make([]byte, 8)
		binary.BigEndian.PutUint64(val, uint64(offset))
		return b.Put(key, val)
	})
}

// Clear deletes the partition's checkpoint
func (s *BoltStore) Clear(ctx context.Context, partition int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Delete(partitionKey(partition))
	})
}

// List returns all checkpoints in partition order
func (s *BoltStore) List(ctx context.Context) ([]Checkpoint, error) {
	var out []Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).ForEach(func(k, v []byte) error {
			if len(k) != 4 || len(v) != 8 {
				return nil
			}
			out = append(out, Checkpoint{
				Partition: int(binary.BigEndian.Uint32(k)),
				Offset:    int64(binary.BigEndian.Uint64(v)),
			})
			return nil
		})
	})
	return out, err
}

// Close closes the bbolt file
func (s *BoltStore) Close() error {
	return s.db.Close()
}
