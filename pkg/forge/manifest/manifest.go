package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jamesainslie/forgevisor/pkg/forge/fsutil"
)

// DefaultSaveAttempts is how often SaveWithRetry tries before giving up.
const DefaultSaveAttempts = 3

// retryBackoff is the pause between save attempts, scaled by attempt number.
var retryBackoff = 100 * time.Millisecond

// Manifest is an ordered set of records keyed by filename. Records keep
// their insertion order; Put on an existing filename replaces in place.
// A Manifest is not safe for concurrent mutation.
type Manifest struct {
	records []Record
	index   map[string]int
}

// New returns an empty manifest.
func New() *Manifest {
	return &Manifest{index: make(map[string]int)}
}

// FromRecords builds a manifest from records. A repeated filename replaces
// the earlier record.
func FromRecords(records []Record) *Manifest {
	m := New()
	for _, r := range records {
		m.Put(r)
	}
	return m
}

// Get returns the record for filename.
func (m *Manifest) Get(filename string) (Record, bool) {
	i, ok := m.index[filename]
	if !ok {
		return Record{}, false
	}
	return m.records[i], true
}

// Put appends r, or replaces the existing record with the same filename.
func (m *Manifest) Put(r Record) {
	if i, ok := m.index[r.Filename]; ok {
		m.records[i] = r
		return
	}
	m.index[r.Filename] = len(m.records)
	m.records = append(m.records, r)
}

// Remove deletes the record for filename and reports whether it existed.
func (m *Manifest) Remove(filename string) bool {
	i, ok := m.index[filename]
	if !ok {
		return false
	}
	m.records = append(m.records[:i], m.records[i+1:]...)
	delete(m.index, filename)
	for j := i; j < len(m.records); j++ {
		m.index[m.records[j].Filename] = j
	}
	return true
}

// Records returns a copy of the records in insertion order.
func (m *Manifest) Records() []Record {
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// Len returns the number of records.
func (m *Manifest) Len() int {
	return len(m.records)
}

// Clone returns an independent copy.
func (m *Manifest) Clone() *Manifest {
	return FromRecords(m.records)
}

// Equal reports whether both manifests map the same filenames to the same
// hashes. Order is ignored.
func (m *Manifest) Equal(other *Manifest) bool {
	if other == nil {
		return m.Len() == 0
	}
	if m.Len() != other.Len() {
		return false
	}
	for _, r := range m.records {
		o, ok := other.Get(r.Filename)
		if !ok || o.Hash != r.Hash {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the manifest as a JSON array of records.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Records())
}

// UnmarshalJSON decodes a JSON array of records.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}
	*m = *FromRecords(records)
	return nil
}

// Load reads the manifest at path. A missing file yields an empty manifest.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(), nil
		}
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	m := New()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	return m, nil
}

// Save atomically replaces the manifest at path.
func Save(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m.Records(), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	data = append(data, '\n')

	if err := fsutil.WriteAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// SaveWithRetry calls Save up to attempts times and returns the last error.
func SaveWithRetry(path string, m *Manifest, attempts int) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(time.Duration(i) * retryBackoff)
		}
		if err = Save(path, m); err == nil {
			return nil
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}
