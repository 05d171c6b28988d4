// Package history stores a summary of every sweep run in a bbolt database.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var bucketRuns = []byte("runs")

// Run summarizes one sweep.
type Run struct {
	ID       string    `json:"id"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Scope    string    `json:"scope"`
	DryRun   bool      `json:"dry_run,omitempty"`
	Accounts int       `json:"accounts"`
	Groups   int       `json:"groups"`
	Deleted  int       `json:"deleted"`
	Failed   int       `json:"failed"`
	Skipped  int       `json:"skipped"`
	Fatal    string    `json:"fatal,omitempty"`
}

// Duration returns how long the run took.
func (r Run) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

func lessByStart(a, b *Run) bool {
	if !a.Started.Equal(b.Started) {
		return a.Started.Before(b.Started)
	}
	return a.ID < b.ID
}

// Store is the run history: bbolt on disk, a btree ordered by start time in
// memory.
type Store struct {
	mu    sync.RWMutex
	db    *bbolt.DB
	index *btree.BTreeG[*Run]
}

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRuns)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:    db,
		index: btree.NewG[*Run](32, lessByStart),
	}
	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores run, assigning an id when it has none, and returns the id.
func (s *Store) Record(run Run) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	value, err := json.Marshal(run)
	if err != nil {
		return "", fmt.Errorf("marshal run: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte(run.ID), value)
	})
	if err != nil {
		return "", fmt.Errorf("store run: %w", err)
	}

	// Re-recording an id replaces its index entry.
	var stale *Run
	s.index.Ascend(func(r *Run) bool {
		if r.ID == run.ID {
			stale = r
			return false
		}
		return true
	})
	if stale != nil {
		s.index.Delete(stale)
	}
	s.index.ReplaceOrInsert(&run)
	return run.ID, nil
}

// Get returns the run with id.
func (s *Store) Get(id string) (*Run, error) {
	var run *Run
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("run %s not found", id)
		}
		run = &Run{}
		return json.Unmarshal(data, run)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Recent returns up to n runs, newest first. n <= 0 returns every run.
func (s *Store) Recent(n int) []Run {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []Run
	s.index.Descend(func(r *Run) bool {
		runs = append(runs, *r)
		return n <= 0 || len(runs) < n
	})
	return runs
}

// Len returns the number of stored runs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Len()
}

func (s *Store) rebuildIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("decode run %s: %w", k, err)
			}
			s.index.ReplaceOrInsert(&run)
			return nil
		})
	})
}
