package queue

import (
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"

	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/errs"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/model"
)

var priorityBuckets = map[model.Priority][]byte{
	model.PriorityHigh:   []byte("queue_high"),
	model.PriorityNormal: []byte("queue_normal"),
	model.PriorityLow:    []byte("queue_low"),
}

// Store is the durable backing for a Queue's three priority lists, one
// bbolt bucket per priority so replay naturally reconstructs FIFO order
// within each level.
type Store struct {
	db *bbolt.DB
}

// OpenStore opens (creating if absent) a bbolt file at path. A blank
// path yields a nil *Store, meaning the queue should degrade to
// in-memory-only operation.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		return nil, nil
	}
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errs.Storage("open queue store", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range priorityBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errs.Storage("create queue buckets", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// Append durably records op under priority's bucket, returning its
// sequence number.
func (s *Store) Append(priority model.Priority, op model.QueuedOperation) (uint64, error) {
	buf, err := cbor.Marshal(op)
	if err != nil {
		return 0, errs.Internal("queue encode", err)
	}

	var seq uint64
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(priorityBuckets[priority])
		var err error
		seq, err = b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), buf)
	})
	if err != nil {
		return 0, errs.Storage("append queue entry", err)
	}
	return seq, nil
}

// Remove drops the entry at seq from priority's bucket.
func (s *Store) Remove(priority model.Priority, seq uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(priorityBuckets[priority]).Delete(seqKey(seq))
	})
}

// sequencedOp pairs a replayed operation with its durable sequence, so
// the in-memory list can later ask the store to remove it by the same
// key it was stored under.
type sequencedOp struct {
	seq uint64
	op  model.QueuedOperation
}

// Replay loads every persisted operation, grouped and ordered by priority.
func (s *Store) Replay() (map[model.Priority][]sequencedOp, error) {
	out := make(map[model.Priority][]sequencedOp, 3)
	err := s.db.View(func(tx *bbolt.Tx) error {
		for priority, bucket := range priorityBuckets {
			b := tx.Bucket(bucket)
			err := b.ForEach(func(k, v []byte) error {
				var op model.QueuedOperation
				if err := cbor.Unmarshal(v, &op); err != nil {
					return errs.Internal("queue decode", err)
				}
				out[priority] = append(out[priority], sequencedOp{seq: binary.BigEndian.Uint64(k), op: op})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.Storage("replay queue store", err)
	}
	return out, nil
}

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
