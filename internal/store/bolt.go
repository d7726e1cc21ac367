package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketProbes = []byte("probes")
	bucketState  = []byte("state")
	keySelection = []byte("selection")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketProbes, bucketState} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func probeKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

// AppendProbe assigns rec the next journal ID and stores it.
func (s *BoltStore) AppendProbe(rec *ProbeRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProbes)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketProbes)
		}
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec.ID = id
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(probeKey(id), data)
	})
}

func (s *BoltStore) GetProbe(id uint64) (*ProbeRecord, error) {
	var rec ProbeRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProbes)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketProbes)
		}
		data := b.Get(probeKey(id))
		if data == nil {
			return fmt.Errorf("probe %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListProbes(limit int) ([]*ProbeRecord, error) {
	var recs []*ProbeRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProbes)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(recs) >= limit {
				break
			}
			var rec ProbeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("probe %d: %w", binary.BigEndian.Uint64(k), err)
			}
			recs = append(recs, &rec)
		}
		return nil
	})
	return recs, err
}

func (s *BoltStore) PruneProbes(keep int) error {
	if keep < 0 {
		keep = 0
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProbes)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketProbes)
		}
		excess := b.Stats().KeyN - keep
		if excess <= 0 {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.First(); k != nil && excess > 0; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
			excess--
		}
		return nil
	})
}

func (s *BoltStore) SaveSelection(sel *SelectionState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketState)
		}
		data, err := json.Marshal(sel)
		if err != nil {
			return err
		}
		return b.Put(keySelection, data)
	})
}

func (s *BoltStore) GetSelection() (*SelectionState, error) {
	var sel SelectionState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketState)
		}
		data := b.Get(keySelection)
		if data == nil {
			return fmt.Errorf("selection: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &sel)
	})
	if err != nil {
		return nil, err
	}
	return &sel, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
