package storage

import (
	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"

	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/errs"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/model"
)

var journalBucket = []byte("entries")

// Journal is an append-only-by-key bbolt store that lets the engine
// survive a restart: one record per key, keeping only its latest
// version, keyed by the key itself so a later write naturally replaces
// an earlier one without an explicit compaction pass.
type Journal struct {
	db *bbolt.DB
}

// OpenJournal opens (creating if absent) a bbolt file at path for use
// as an Engine's journal.
func OpenJournal(path string) (*Journal, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errs.Storage("open journal", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(journalBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errs.Storage("create journal bucket", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append durably records entry as the latest known version for its key.
func (j *Journal) Append(entry *model.VersionedEntry) error {
	evt := model.EventFromEntry(entry)
	buf, err := cbor.Marshal(evt)
	if err != nil {
		return errs.Internal("journal encode", err)
	}
	return j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(journalBucket).Put([]byte(entry.Key), buf)
	})
}

// Delete removes key's record entirely, used once a tombstone has
// cleared garbage collection and no longer needs to survive a restart.
func (j *Journal) Delete(key string) error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(journalBucket).Delete([]byte(key))
	})
}

// Replay loads every journaled record into engine via its ordinary LWW
// merge path, run once at startup before the engine serves traffic.
func (j *Journal) Replay(engine *Engine) error {
	return j.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(journalBucket)
		return b.ForEach(func(k, v []byte) error {
			var evt model.ReplicationEvent
			if err := cbor.Unmarshal(v, &evt); err != nil {
				return errs.Internal("journal decode", err)
			}
			engine.merge(evt.ToEntry())
			return nil
		})
	})
}
