// Package install tracks the installed game and loader version in
// version.json and hands version changes to an installer.
package install

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jamesainslie/forgevisor/pkg/forge/fsutil"
)

// VersionFile is the record's file name inside the server directory.
const VersionFile = "version.json"

// VersionRecord is the installed version. A nil Version means nothing has
// been installed and is stored as false.
type VersionRecord struct {
	Version *string
	Forge   string
}

// NewVersionRecord returns a record for the given versions.
func NewVersionRecord(version, forge string) VersionRecord {
	return VersionRecord{Version: &version, Forge: forge}
}

// Installed reports whether a version is recorded.
func (r VersionRecord) Installed() bool {
	return r.Version != nil
}

// VersionString returns the version or "" when none is recorded.
func (r VersionRecord) VersionString() string {
	if r.Version == nil {
		return ""
	}
	return *r.Version
}

// Equal compares both fields by value.
func (r VersionRecord) Equal(o VersionRecord) bool {
	if r.Installed() != o.Installed() {
		return false
	}
	return r.VersionString() == o.VersionString() && r.Forge == o.Forge
}

// String renders the record for logs.
func (r VersionRecord) String() string {
	if !r.Installed() {
		return "none"
	}
	if r.Forge == "" {
		return *r.Version
	}
	return *r.Version + "-forge-" + r.Forge
}

type versionJSON struct {
	Version json.RawMessage `json:"version"`
	Forge   string          `json:"forge"`
}

// MarshalJSON writes {"version": "<v>"|false, "forge": "<f>"}.
func (r VersionRecord) MarshalJSON() ([]byte, error) {
	v := json.RawMessage("false")
	if r.Version != nil {
		b, err := json.Marshal(*r.Version)
		if err != nil {
			return nil, err
		}
		v = b
	}
	return json.Marshal(versionJSON{Version: v, Forge: r.Forge})
}

// UnmarshalJSON accepts a string, false or null for version.
func (r *VersionRecord) UnmarshalJSON(data []byte) error {
	var raw versionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.Forge = raw.Forge
	r.Version = nil

	trimmed := bytes.TrimSpace(raw.Version)
	switch {
	case len(trimmed) == 0, bytes.Equal(trimmed, []byte("null")), bytes.Equal(trimmed, []byte("false")):
		return nil
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return fmt.Errorf("version must be a string or false: %w", err)
	}
	r.Version = &s
	return nil
}

// LoadVersion reads dir/version.json. A missing file yields an empty record.
func LoadVersion(dir string) (VersionRecord, error) {
	data, err := os.ReadFile(filepath.Join(dir, VersionFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return VersionRecord{}, nil
		}
		return VersionRecord{}, fmt.Errorf("reading version record: %w", err)
	}

	var rec VersionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return VersionRecord{}, fmt.Errorf("parsing version record: %w", err)
	}
	return rec, nil
}

// SaveVersion atomically writes dir/version.json.
func SaveVersion(dir string, rec VersionRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding version record: %w", err)
	}
	data = append(data, '\n')

	if err := fsutil.WriteAtomic(filepath.Join(dir, VersionFile), data, 0o644); err != nil {
		return fmt.Errorf("writing version record: %w", err)
	}
	return nil
}
