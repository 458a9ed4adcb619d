package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"
	bolt "go.etcd.io/bbolt"

	"github.com/sirsinexus/nexus/pkg/events"
)

var (
	// Bucket names
	bucketJournal       = []byte("journal")
	bucketTasksArchive  = []byte("tasks_archive")
	bucketManifestState = []byte("manifest_state")
)

// manifest state lives under a single fixed key
var keyManifest = []byte("current")

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "nexus.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketJournal,
			bucketTasksArchive,
			bucketManifestState,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// AppendEvent writes an event to the journal keyed by a monotonic sequence
// number, so ListEvents returns them in publish order.
func (s *BoltStore) AppendEvent(event *events.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJournal)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

// ListEvents returns the most recent limit events in chronological order.
// limit <= 0 returns everything.
func (s *BoltStore) ListEvents(limit int) ([]*events.Event, error) {
	var out []*events.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJournal)
		c := b.Cursor()

		// Walk backwards to collect the tail, then reverse.
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var event events.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			out = append(out, &event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// PruneJournal deletes all but the newest keep entries.
func (s *BoltStore) PruneJournal(keep int) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJournal)
		total := b.Stats().KeyN
		excess := total - keep
		if excess <= 0 {
			return nil
		}

		c := b.Cursor()
		for k, _ := c.First(); k != nil && removed < excess; k, _ = c.First() {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// ArchiveTask writes a terminal task and its session to the archive.
func (s *BoltStore) ArchiveTask(archived *ArchivedTask) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasksArchive)
		data, err := json.Marshal(archived)
		if err != nil {
			return err
		}
		return b.Put([]byte(archived.Task.ID), data)
	})
}

// GetArchivedTask retrieves an archived task by task ID.
func (s *BoltStore) GetArchivedTask(taskID string) (*ArchivedTask, error) {
	var archived ArchivedTask
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasksArchive)
		data := b.Get([]byte(taskID))
		if data == nil {
			return fmt.Errorf("archived task %s: %w", taskID, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &archived)
	})
	if err != nil {
		return nil, err
	}
	return &archived, nil
}

// ListArchivedTasks returns up to limit archived tasks in key order.
// limit <= 0 returns everything.
func (s *BoltStore) ListArchivedTasks(limit int) ([]*ArchivedTask, error) {
	var out []*ArchivedTask
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasksArchive)
		return b.ForEach(func(k, v []byte) error {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var archived ArchivedTask
			if err := json.Unmarshal(v, &archived); err != nil {
				return err
			}
			out = append(out, &archived)
			return nil
		})
	})
	return out, err
}

// SaveManifestState records the last applied ignition manifest.
func (s *BoltStore) SaveManifestState(state *ManifestState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketManifestState)
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put(keyManifest, data)
	})
}

// GetManifestState returns the last applied ignition manifest state.
func (s *BoltStore) GetManifestState() (*ManifestState, error) {
	var state ManifestState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketManifestState)
		data := b.Get(keyManifest)
		if data == nil {
			return fmt.Errorf("manifest state: %w", errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
