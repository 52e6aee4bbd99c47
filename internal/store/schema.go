package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// RequiredSchemaVersion is the migration version this binary expects.
// Bump it together with new files under migrations/.
const RequiredSchemaVersion uint = 1

// SchemaStatus is the outcome of comparing the database's migration
// version against RequiredSchemaVersion.
type SchemaStatus struct {
	CurrentVersion  uint
	RequiredVersion uint
	Dirty           bool
	Compatible      bool
	NeedsMigration  bool
}

// CheckSchema reads the schema_migrations table written by
// `clawdbot migrate` and reports whether this binary can use the
// database. A missing table means a fresh database that still needs
// `clawdbot migrate up`.
func CheckSchema(db *sql.DB) (*SchemaStatus, error) {
	var version uint
	var dirty bool

	err := db.QueryRow("SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&version, &dirty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &SchemaStatus{RequiredVersion: RequiredSchemaVersion, NeedsMigration: true}, nil
		}
		// Table missing: fresh database.
		return &SchemaStatus{RequiredVersion: RequiredSchemaVersion, NeedsMigration: true}, nil
	}

	s := &SchemaStatus{
		CurrentVersion:  version,
		RequiredVersion: RequiredSchemaVersion,
		Dirty:           dirty,
	}
	if dirty {
		return s, nil
	}
	switch {
	case version == RequiredSchemaVersion:
		s.Compatible = true
	case version < RequiredSchemaVersion:
		s.NeedsMigration = true
	}
	return s, nil
}

// SchemaError renders a status that blocks startup into an actionable
// message.
func SchemaError(s *SchemaStatus) error {
	switch {
	case s.Dirty:
		return fmt.Errorf("database schema is dirty at v%d (a migration failed partway); run `clawdbot migrate force %d` then `clawdbot migrate up`", s.CurrentVersion, s.CurrentVersion-1)
	case s.CurrentVersion > s.RequiredVersion:
		return fmt.Errorf("database schema v%d is newer than this binary (requires v%d); upgrade clawdbot", s.CurrentVersion, s.RequiredVersion)
	default:
		return fmt.Errorf("database schema v%d is behind required v%d; run `clawdbot migrate up`", s.CurrentVersion, s.RequiredVersion)
	}
}
