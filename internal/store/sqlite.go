package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/uriafranko/clawdbot/internal/sessions"
)

// SQLiteStore keeps session metadata in a single-file SQLite database.
// Sessions are stored as JSON blobs keyed by session key, mirroring the
// sessions.json layout so backends stay interchangeable.
type SQLiteStore struct {
	mu  sync.Mutex
	db  *sql.DB
	dir string
	now func() time.Time
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_key   TEXT PRIMARY KEY,
	data          TEXT NOT NULL,
	updated_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at_ms);
`

func openSQLite(path, dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The sqlite driver serializes writes; one connection avoids lock churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, dir: dir, now: time.Now}, nil
}

func (s *SQLiteStore) Dir() string { return s.dir }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) loadLocked(key string) (sessions.Session, bool, error) {
	var raw string
	err := s.db.QueryRow(`SELECT data FROM sessions WHERE session_key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return sessions.Session{}, false, nil
	}
	if err != nil {
		return sessions.Session{}, false, fmt.Errorf("load session: %w", err)
	}
	var sess sessions.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return sessions.Session{}, false, fmt.Errorf("decode session: %w", err)
	}
	return sess, true, nil
}

func (s *SQLiteStore) saveLocked(key string, sess sessions.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (session_key, data, updated_at_ms) VALUES (?, ?, ?)
		 ON CONFLICT(session_key) DO UPDATE SET data = excluded.data, updated_at_ms = excluded.updated_at_ms`,
		key, string(data), sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetOrCreate(key string) (sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok, err := s.loadLocked(key)
	if err != nil {
		return sessions.Session{}, err
	}
	if ok {
		return sess, nil
	}
	sess = sessions.NewSession(s.now())
	return sess, s.saveLocked(key, sess)
}

func (s *SQLiteStore) Get(key string) (sessions.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(key)
}

func (s *SQLiteStore) Update(key string, patch sessions.Patch) (sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok, err := s.loadLocked(key)
	if err != nil {
		return sessions.Session{}, err
	}
	if !ok {
		sess = sessions.NewSession(s.now())
	}
	sess.Apply(patch, s.now())
	return sess, s.saveLocked(key, sess)
}

func (s *SQLiteStore) Reset(key string) (sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok, err := s.loadLocked(key)
	if err != nil {
		return sessions.Session{}, err
	}
	if !ok {
		sess = sessions.NewSession(s.now())
	} else {
		sess.ResetIdentity(s.now())
	}
	return sess, s.saveLocked(key, sess)
}

func (s *SQLiteStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM sessions WHERE session_key = ?`, key)
	return err
}

func (s *SQLiteStore) List() (map[string]sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT session_key, data FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]sessions.Session)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		var sess sessions.Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			continue
		}
		out[key] = sess
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LastPeer(agentID string) (channel, chatID string, ok bool) {
	all, err := s.List()
	if err != nil {
		return "", "", false
	}
	var best int64
	for key, sess := range all {
		keyAgent, _ := sessions.ParseKey(key)
		if keyAgent != agentID {
			continue
		}
		ch, id, isPeer := sessions.PeerFromKey(key)
		if !isPeer {
			continue
		}
		if sess.UpdatedAt > best {
			best = sess.UpdatedAt
			channel, chatID, ok = ch, id, true
		}
	}
	return channel, chatID, ok
}
