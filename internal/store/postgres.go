package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/uriafranko/clawdbot/internal/sessions"
)

// PostgresStore keeps session metadata in Postgres. Schema is managed by
// `clawdbot migrate up`; Open fails fast when the table is missing.
type PostgresStore struct {
	mu  sync.Mutex
	db  *sql.DB
	dir string
	now func() time.Time
}

func openPostgres(dsn, dir string) (*PostgresStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	status, err := CheckSchema(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("check schema: %w", err)
	}
	if !status.Compatible {
		db.Close()
		return nil, SchemaError(status)
	}
	return &PostgresStore{db: db, dir: dir, now: time.Now}, nil
}

func (s *PostgresStore) Dir() string { return s.dir }

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) loadLocked(key string) (sessions.Session, bool, error) {
	var raw []byte
	err := s.db.QueryRow(`SELECT data FROM sessions WHERE session_key = $1`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return sessions.Session{}, false, nil
	}
	if err != nil {
		return sessions.Session{}, false, fmt.Errorf("load session: %w", err)
	}
	var sess sessions.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return sessions.Session{}, false, fmt.Errorf("decode session: %w", err)
	}
	return sess, true, nil
}

func (s *PostgresStore) saveLocked(key string, sess sessions.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (session_key, data, updated_at_ms) VALUES ($1, $2, $3)
		 ON CONFLICT (session_key) DO UPDATE SET data = EXCLUDED.data, updated_at_ms = EXCLUDED.updated_at_ms`,
		key, data, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrCreate(key string) (sessions.Session, error) {
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

func (s *PostgresStore) Get(key string) (sessions.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(key)
}

func (s *PostgresStore) Update(key string, patch sessions.Patch) (sessions.Session, error) {
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

func (s *PostgresStore) Reset(key string) (sessions.Session, error) {
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

func (s *PostgresStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM sessions WHERE session_key = $1`, key)
	return err
}

func (s *PostgresStore) List() (map[string]sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT session_key, data FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]sessions.Session)
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		var sess sessions.Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			continue
		}
		out[key] = sess
	}
	return out, rows.Err()
}

func (s *PostgresStore) LastPeer(agentID string) (channel, chatID string, ok bool) {
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
