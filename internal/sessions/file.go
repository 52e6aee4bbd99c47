package sessions

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore persists the session map as sessions.json inside dir.
// Writes are atomic: temp file in the same directory, fsync, rename,
// then a best-effort .bak copy of the fresh content.
type FileStore struct {
	mu   sync.Mutex
	dir  string
	path string
	data map[string]Session

	now func() time.Time
}

// NewFileStore opens (or initializes) the session map under dir.
// A corrupt or missing file starts empty rather than failing.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	fs := &FileStore{
		dir:  dir,
		path: filepath.Join(dir, "sessions.json"),
		data: make(map[string]Session),
		now:  time.Now,
	}
	fs.load()
	return fs, nil
}

// Dir returns the directory holding sessions.json and the transcripts.
func (fs *FileStore) Dir() string { return fs.dir }

func (fs *FileStore) load() {
	raw, err := os.ReadFile(fs.path)
	if err != nil {
		return
	}
	var data map[string]Session
	if err := json.Unmarshal(raw, &data); err != nil {
		slog.Warn("sessions.json unreadable, starting empty", "path", fs.path, "error", err)
		return
	}
	fs.data = data
}

// GetOrCreate returns the session for key, creating it on first reference.
// Concurrent callers observe the same id.
func (fs *FileStore) GetOrCreate(key string) (Session, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if s, ok := fs.data[key]; ok {
		return s, nil
	}
	s := NewSession(fs.now())
	fs.data[key] = s
	return s, fs.saveLocked()
}

// Get returns the session for key without creating it.
func (fs *FileStore) Get(key string) (Session, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	s, ok := fs.data[key]
	return s, ok, nil
}

// Update merges patch into the session for key, creating it if needed.
func (fs *FileStore) Update(key string, patch Patch) (Session, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	s, ok := fs.data[key]
	if !ok {
		s = NewSession(fs.now())
	}
	s.Apply(patch, fs.now())
	fs.data[key] = s
	return s, fs.saveLocked()
}

// Reset gives the session for key a new id and zeroed counters.
func (fs *FileStore) Reset(key string) (Session, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	s, ok := fs.data[key]
	if !ok {
		s = NewSession(fs.now())
	} else {
		s.ResetIdentity(fs.now())
	}
	fs.data[key] = s
	return s, fs.saveLocked()
}

// Delete removes the session for key.
func (fs *FileStore) Delete(key string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.data[key]; !ok {
		return nil
	}
	delete(fs.data, key)
	return fs.saveLocked()
}

// List returns a copy of the whole session map.
func (fs *FileStore) List() (map[string]Session, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make(map[string]Session, len(fs.data))
	for k, v := range fs.data {
		out[k] = v
	}
	return out, nil
}

// LastPeer returns the (channel, chatID) of the most recently updated
// per-peer session for agentID. Used to resolve heartbeat target "last".
func (fs *FileStore) LastPeer(agentID string) (channel, chatID string, ok bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var best int64
	for key, s := range fs.data {
		keyAgent, _ := ParseKey(key)
		if keyAgent != agentID {
			continue
		}
		ch, id, isPeer := PeerFromKey(key)
		if !isPeer {
			continue
		}
		if s.UpdatedAt > best {
			best = s.UpdatedAt
			channel, chatID, ok = ch, id, true
		}
	}
	return channel, chatID, ok
}

// Close flushes nothing; the map is saved on every mutation.
func (fs *FileStore) Close() error { return nil }

// saveLocked writes the session map atomically. Callers hold fs.mu.
func (fs *FileStore) saveLocked() error {
	data, err := json.MarshalIndent(fs.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sessions: %w", err)
	}

	tmp := fmt.Sprintf("%s.%d.%06d.tmp", fs.path, os.Getpid(), rand.IntN(1000000))
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmp)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return fmt.Errorf("rename sessions: %w", err)
	}
	cleanup = false

	// Backup is best effort; a failed copy never fails the write.
	if err := os.WriteFile(fs.path+".bak", data, 0o600); err != nil {
		slog.Debug("sessions backup failed", "error", err)
	}
	return nil
}
