// Package runlog keeps a history of pipeline runs in an embedded key-value
// store.
package runlog

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotFound is returned when no run has the requested ID.
var ErrNotFound = errors.New("not found")

// Run status values.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Key layout:
//
//	run/<start nanos, big endian><id>  -> JSON Run
//	id/<id>                            -> run/ key
var (
	runPrefix = []byte("run/")
	idPrefix  = []byte("id/")
)

// Run is one pipeline execution.
type Run struct {
	ID         uuid.UUID        `json:"id"`
	Dialect    string           `json:"dialect"`
	Steps      []string         `json:"steps"`
	Status     string           `json:"status"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Statements []Statement      `json:"statements"`
	TableRows  map[string]int64 `json:"table_rows,omitempty"`
}

// Statement is the outcome of one executed statement.
type Statement struct {
	Group    string        `json:"group"`
	Table    string        `json:"table"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Duration returns how long the run took.
func (r *Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Options configures a Store.
type Options struct {
	// Path is the database directory. Empty means in-memory.
	Path   string
	Logger *zap.Logger
}

// Store is a badger-backed run history.
type Store struct {
	db *badger.DB
}

// Open opens the run history at opts.Path.
func Open(opts Options) (*Store, error) {
	bo := badger.DefaultOptions(opts.Path)
	if opts.Path == "" {
		bo = bo.WithInMemory(true)
	}
	if opts.Logger != nil {
		bo = bo.WithLogger(badgerLogger{opts.Logger.Sugar()})
	} else {
		bo = bo.WithLogger(nil)
	}

	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record saves run, replacing any earlier record with the same ID.
func (s *Store) Record(run *Run) error {
	if run.ID == uuid.Nil {
		return fmt.Errorf("recording run: missing ID")
	}
	// Keys order by start time as unsigned nanoseconds since the epoch.
	if run.StartedAt.IsZero() || run.StartedAt.Before(time.Unix(0, 0)) {
		return fmt.Errorf("recording run %s: start time %s is not after 1970", run.ID, run.StartedAt)
	}
	val, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encoding run: %w", err)
	}
	key := runKey(run.StartedAt, run.ID)

	return s.db.Update(func(txn *badger.Txn) error {
		idx := append(bytes.Clone(idPrefix), run.ID[:]...)

		// A re-recorded run may have a different start time.
		old, err := txn.Get(idx)
		switch {
		case err == nil:
			oldKey, err := old.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !bytes.Equal(oldKey, key) {
				if err := txn.Delete(oldKey); err != nil {
					return err
				}
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		if err := txn.Set(key, val); err != nil {
			return err
		}
		return txn.Set(idx, key)
	})
}

// Get returns the run with the given ID.
func (s *Store) Get(id uuid.UUID) (*Run, error) {
	var run Run
	err := s.db.View(func(txn *badger.Txn) error {
		idx, err := txn.Get(append(bytes.Clone(idPrefix), id[:]...))
		if err != nil {
			return err
		}
		key, err := idx.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &run)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading run %s: %w", id, err)
	}
	return &run, nil
}

// List returns up to limit runs, newest first. A limit of zero or less
// returns every run.
func (s *Store) List(limit int) ([]Run, error) {
	runs := []Run{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = runPrefix
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks to the largest key at or below the target.
		for it.Seek(append(bytes.Clone(runPrefix), 0xff)); it.Valid(); it.Next() {
			if limit > 0 && len(runs) >= limit {
				break
			}
			var run Run
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &run)
			}); err != nil {
				return fmt.Errorf("decoding %x: %w", it.Item().Key(), err)
			}
			runs = append(runs, run)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

func runKey(started time.Time, id uuid.UUID) []byte {
	key := make([]byte, 0, len(runPrefix)+8+len(id))
	key = append(key, runPrefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(started.UnixNano()))
	return append(key, id[:]...)
}

// badgerLogger routes badger's own logging through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...any)   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...any) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...any)    { l.s.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...any)   { l.s.Debugf(f, v...) }
