// Package store selects and opens the session persistence backend.
package store

import (
	"fmt"
	"strings"

	"github.com/uriafranko/clawdbot/internal/sessions"
)

// Store is the session persistence contract shared by all backends.
type Store interface {
	GetOrCreate(key string) (sessions.Session, error)
	Get(key string) (sessions.Session, bool, error)
	Update(key string, patch sessions.Patch) (sessions.Session, error)
	Reset(key string) (sessions.Session, error)
	Delete(key string) error
	List() (map[string]sessions.Session, error)
	LastPeer(agentID string) (channel, chatID string, ok bool)

	// Dir is the directory holding .jsonl transcripts. Transcripts stay on
	// the filesystem regardless of the metadata backend.
	Dir() string

	Close() error
}

// Open creates the backend selected by the session.store config value:
//
//	""             file-backed sessions.json under dir (default)
//	"file"         same
//	"sqlite:<path>" SQLite database at <path>
//	"postgres://…"  Postgres via DSN (schema managed by `clawdbot migrate`)
//
// dir is always used for transcripts.
func Open(backend, dir string) (Store, error) {
	switch {
	case backend == "" || backend == "file":
		return sessions.NewFileStore(dir)
	case strings.HasPrefix(backend, "sqlite:"):
		return openSQLite(strings.TrimPrefix(backend, "sqlite:"), dir)
	case strings.HasPrefix(backend, "postgres://") || strings.HasPrefix(backend, "postgresql://"):
		return openPostgres(backend, dir)
	default:
		return nil, fmt.Errorf("unknown session store backend %q", backend)
	}
}
