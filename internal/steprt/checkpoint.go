package steprt

import (
	"bytes"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// CheckpointStore persists completed step results keyed by run. A run that
// retries after a crash replays its finished steps from here instead of
// re-executing them.
type CheckpointStore interface {
	Get(runID, step string) ([]byte, bool, error)
	Put(runID, step string, result []byte) error
	// Clear drops all checkpoints for a run, called once the run succeeds.
	Clear(runID string) error
	Close() error
}

const checkpointBucket = "checkpoints"

// BoltCheckpoints stores checkpoints in a local bbolt file so step results
// survive worker restarts.
type BoltCheckpoints struct {
	db *bolt.DB
}

// NewBoltCheckpoints opens (or creates) the checkpoint database at path.
func NewBoltCheckpoints(path string) (*BoltCheckpoints, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(checkpointBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoint bucket: %w", err)
	}
	return &BoltCheckpoints{db: db}, nil
}

func checkpointKey(runID, step string) []byte {
	return []byte(runID + "/" + step)
}

func (c *BoltCheckpoints) Get(runID, step string) ([]byte, bool, error) {
	var result []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(checkpointBucket)).Get(checkpointKey(runID, step))
		if v != nil {
			result = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("read checkpoint: %w", err)
	}
	return result, result != nil, nil
}

func (c *BoltCheckpoints) Put(runID, step string, result []byte) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(checkpointBucket)).Put(checkpointKey(runID, step), result)
	})
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

func (c *BoltCheckpoints) Clear(runID string) error {
	prefix := []byte(runID + "/")
	err := c.db.Update(func(tx *bolt.Tx) error {
		cur := tx.Bucket([]byte(checkpointBucket)).Cursor()
		for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
			if err := cur.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear checkpoints: %w", err)
	}
	return nil
}

func (c *BoltCheckpoints) Close() error {
	return c.db.Close()
}

// MemoryCheckpoints is an in-process CheckpointStore for tests and
// single-shot CLI runs where durability across restarts is not needed.
type MemoryCheckpoints struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryCheckpoints creates an empty in-memory checkpoint store.
func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{data: make(map[string][]byte)}
}

func (c *MemoryCheckpoints) Get(runID, step string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[runID+"/"+step]
	return v, ok, nil
}

func (c *MemoryCheckpoints) Put(runID, step string, result []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[runID+"/"+step] = result
	return nil
}

func (c *MemoryCheckpoints) Clear(runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := runID + "/"
	for k := range c.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.data, k)
		}
	}
	return nil
}

func (c *MemoryCheckpoints) Close() error {
	return nil
}
