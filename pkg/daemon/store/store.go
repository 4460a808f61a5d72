// Package store provides the Badger-backed event journal for forgevisord.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/jamesainslie/forgevisor/pkg/forge/events"
)

// Key prefixes for different data types
const (
	prefixJournal = "j:" // Journal entries, ordered by time
	prefixMeta    = "m:" // Metadata (schema, etc.)
)

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 100

// Entry is one journaled event.
type Entry struct {
	ID    string          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Time  time.Time       `json:"time"`
}

// Query filters List results.
type Query struct {
	// Limit caps the number of entries. Zero means DefaultListLimit.
	Limit int
	// Event restricts results to one event name.
	Event string
	// Since excludes entries older than this time.
	Since time.Time
}

// Store is the journal storage backed by Badger DB.
type Store struct {
	db *badger.DB

	// Skip lists event names Record ignores.
	Skip []string
}

// Open opens or creates a store at the given path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Disable logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// OpenInMemory opens a store that keeps nothing on disk.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// journalKey orders entries by time; the id breaks ties.
func journalKey(t time.Time, id string) []byte {
	return fmt.Appendf(nil, "%s%020d-%s", prefixJournal, t.UnixNano(), id)
}

// Append stores an entry, filling in ID and Time when unset.
func (s *Store) Append(entry *Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(journalKey(entry.Time, entry.ID), data)
	})
}

// Record journals a published event. It implements events.Recorder.
func (s *Store) Record(env events.Envelope) {
	for _, skip := range s.Skip {
		if env.Event == skip {
			return
		}
	}
	_ = s.Append(&Entry{Event: env.Event, Data: env.Data, Time: env.Time})
}

// List returns entries newest first.
func (s *Store) List(q Query) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var results []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(prefixJournal)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks to the last key with the prefix.
		seek := []byte(prefixJournal + "\xff")
		for it.Seek(seek); it.ValidForPrefix([]byte(prefixJournal)); it.Next() {
			if len(results) >= limit {
				break
			}

			var entry Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				continue // Skip malformed entries
			}

			if !q.Since.IsZero() && entry.Time.Before(q.Since) {
				break
			}
			if q.Event != "" && entry.Event != q.Event {
				continue
			}
			results = append(results, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return results, nil
}

// Count returns the number of journal entries.
func (s *Store) Count() (int, error) {
	var count int
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixJournal)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Prune deletes the oldest entries so that at most keep remain.
// It returns the number deleted.
func (s *Store) Prune(keep int) (int, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		opts.Prefix = []byte(prefixJournal)
		it := txn.NewIterator(opts)
		defer it.Close()

		seen := 0
		for it.Seek([]byte(prefixJournal + "\xff")); it.ValidForPrefix([]byte(prefixJournal)); it.Next() {
			seen++
			if seen > keep {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Clear deletes every journal entry.
func (s *Store) Clear() error {
	return s.db.DropPrefix([]byte(prefixJournal))
}

// ErrNotFound is returned when a metadata key is missing.
var ErrNotFound = errors.New("not found")

// getMeta decodes a metadata value into v.
func (s *Store) getMeta(name string, v any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixMeta + name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

// setMeta stores v as JSON under a metadata key.
func (s *Store) setMeta(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixMeta+name), data)
	})
}
