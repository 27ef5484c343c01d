// Package runstore persists per-run training metrics in a local Badger
// database.
//
// Every training run is identified by a UUID. The loop records one Metrics
// snapshot per epoch under the key run/<uuid>/step/<%012d>, so a run's
// history iterates back out in step order. The store is append-only from
// the trainer's point of view; nothing in the training path ever reads it.
//
// Example Usage:
//
//	store, err := runstore.Open(filepath.Join(dataDir, "runs"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	runID := uuid.New()
//	store.Record(runID, runstore.Metrics{Step: 120, TrainAcc: 0.98})
package runstore

import (
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Metrics is one recorded snapshot of a training run.
type Metrics struct {
	// Step is the optimization step count when the snapshot was taken.
	Step int `json:"step"`
	// Epoch is the epoch index.
	Epoch int `json:"epoch"`

	TrainLoss float64 `json:"train_loss"`
	TrainAcc  float64 `json:"train_acc"`
	ValLoss   float64 `json:"val_loss"`
	ValAcc    float64 `json:"val_acc"`
}

// Store is a Badger-backed metrics store.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a store in the given directory.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("runstore: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a store that lives only in memory. Used in tests and
// for runs that do not need persisted history.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("runstore: open in-memory: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func stepKey(runID uuid.UUID, step int) []byte {
	return []byte(fmt.Sprintf("run/%s/step/%012d", runID, step))
}

func runPrefix(runID uuid.UUID) []byte {
	return []byte(fmt.Sprintf("run/%s/step/", runID))
}

// Record stores one snapshot for a run. Recording the same step twice
// overwrites the earlier snapshot.
func (s *Store) Record(runID uuid.UUID, m Metrics) error {
	val, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("runstore: marshal metrics: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stepKey(runID, m.Step), val)
	})
	if err != nil {
		return fmt.Errorf("runstore: record run %s step %d: %w", runID, m.Step, err)
	}
	return nil
}

// History returns every snapshot recorded for a run, in step order.
func (s *Store) History(runID uuid.UUID) ([]Metrics, error) {
	prefix := runPrefix(runID)
	var out []Metrics

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			var m Metrics
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			})
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("runstore: history for run %s: %w", runID, err)
	}
	return out, nil
}

// Runs lists the distinct run IDs present in the store.
func (s *Store) Runs() ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte("run/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(opts.Prefix); it.Next() {
			key := string(it.Item().Key())
			// run/<uuid>/step/<n>
			if len(key) < len("run/")+36 {
				continue
			}
			id, err := uuid.Parse(key[len("run/") : len("run/")+36])
			if err != nil {
				continue
			}
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("runstore: list runs: %w", err)
	}
	return out, nil
}
