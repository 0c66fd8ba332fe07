package replication

import (
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"

	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/errs"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/model"
)

var outboxBucket = []byte("outbox")

// Outbox is a durable FIFO of replication events awaiting publish,
// keyed by monotonic sequence number so ordering survives a restart.
// An Outbox opened with a blank path has no bbolt file and keeps its
// entries in an in-memory slice instead.
type Outbox struct {
	db     *bbolt.DB
	memSeq uint64
	mem    []memEntry
}

type memEntry struct {
	seq uint64
	evt model.ReplicationEvent
}

// OpenOutbox opens (creating if absent) a bbolt-backed outbox at path.
// A blank path yields an in-memory-only outbox (single-node or test use).
func OpenOutbox(path string) (*Outbox, error) {
	if path == "" {
		return &Outbox{}, nil
	}
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errs.Storage("open outbox", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(outboxBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errs.Storage("create outbox bucket", err)
	}
	return &Outbox{db: db}, nil
}

// Close releases the underlying bbolt file handle, if any.
func (o *Outbox) Close() error {
	if o.db == nil {
		return nil
	}
	return o.db.Close()
}

// Enqueue durably appends evt to the tail of the outbox.
func (o *Outbox) Enqueue(evt model.ReplicationEvent) error {
	if o.db == nil {
		o.memSeq++
		o.mem = append(o.mem, memEntry{seq: o.memSeq, evt: evt})
		return nil
	}
	buf, err := cbor.Marshal(evt)
	if err != nil {
		return errs.Internal("outbox encode", err)
	}
	return o.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(outboxBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), buf)
	})
}

// Front returns the oldest queued event without removing it, along with
// an opaque sequence handle for Remove, and ok=false if the outbox is empty.
func (o *Outbox) Front() (seq uint64, evt model.ReplicationEvent, ok bool) {
	if o.db == nil {
		if len(o.mem) == 0 {
			return 0, model.ReplicationEvent{}, false
		}
		head := o.mem[0]
		return head.seq, head.evt, true
	}

	var found bool
	_ = o.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(outboxBucket).Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		if err := cbor.Unmarshal(v, &evt); err != nil {
			return errs.Internal("outbox decode", err)
		}
		seq = binary.BigEndian.Uint64(k)
		found = true
		return nil
	})
	return seq, evt, found
}

// Remove drops the event at seq (obtained from Front) from the outbox.
func (o *Outbox) Remove(seq uint64) error {
	if o.db == nil {
		if len(o.mem) > 0 && o.mem[0].seq == seq {
			o.mem = o.mem[1:]
		}
		return nil
	}
	return o.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(outboxBucket).Delete(seqKey(seq))
	})
}

// Depth returns the number of events currently queued.
func (o *Outbox) Depth() int {
	if o.db == nil {
		return len(o.mem)
	}
	var n int
	_ = o.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(outboxBucket).Stats().KeyN
		return nil
	})
	return n
}

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
