package store

import (
	"errors"
	"fmt"
	"time"
)

// Schema versions:
// 1 - Journal entries (j:) and metadata (m:)
const CurrentSchemaVersion = 1

const schemaKey = "__schema__"

// ErrNewerSchema is returned when the database was written by a newer forgevisord.
var ErrNewerSchema = errors.New("journal schema is newer than this build")

// Schema holds database schema information.
type Schema struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetSchema returns the current schema version, or nil if not set.
func (s *Store) GetSchema() *Schema {
	var schema Schema
	if err := s.getMeta(schemaKey, &schema); err != nil {
		return nil
	}
	return &schema
}

// SetSchema stores the schema version.
func (s *Store) SetSchema(schema *Schema) error {
	return s.setMeta(schemaKey, schema)
}

// Migrate brings the database up to the current schema. A fresh database is
// stamped with the current version; a newer one is refused.
func (s *Store) Migrate() error {
	schema := s.GetSchema()
	switch {
	case schema == nil:
		return s.SetSchema(&Schema{Version: CurrentSchemaVersion, UpdatedAt: time.Now()})
	case schema.Version > CurrentSchemaVersion:
		return fmt.Errorf("%w: version %d", ErrNewerSchema, schema.Version)
	default:
		return nil
	}
}
