// Package pairing manages pending pairing codes and the per-provider
// allow-list of principals authorized to command the agent.
package pairing

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultExpiry is how long a pairing code stays redeemable.
const DefaultExpiry = 10 * time.Minute

const codeLen = 6

// codeSpace is 36^6; a 32-bit random reduced into it always formats to at
// most six base36 digits.
const codeSpace = 2176782336

// ErrCodeNotFound is returned when an approval names no pending code.
var ErrCodeNotFound = errors.New("pairing code not found or expired")

// PendingCode is one unredeemed pairing request.
type PendingCode struct {
	Code        string `json:"code"`
	Provider    string `json:"provider"`
	Principal   string `json:"principal"`
	CreatedAtMs int64  `json:"createdAtMs"`
	ExpiresAtMs int64  `json:"expiresAtMs"`
}

type fileData struct {
	Version int                 `json:"version"`
	Pending []PendingCode       `json:"pending"`
	Allow   map[string][]string `json:"allow"`   // provider → principals
	Secrets map[string]string   `json:"secrets"` // e.g. bridge-token/<nodeId> → bearer
}

// Store is the file-backed pairing state at <state>/pairing.json.
type Store struct {
	mu     sync.Mutex
	path   string
	data   fileData
	expiry time.Duration

	now func() time.Time
}

// NewStore opens (or initializes) the pairing file at path.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create pairing dir: %w", err)
	}
	s := &Store{
		path:   path,
		expiry: DefaultExpiry,
		data: fileData{
			Version: 1,
			Allow:   make(map[string][]string),
			Secrets: make(map[string]string),
		},
		now: time.Now,
	}
	s.load()
	return s, nil
}

func (s *Store) load() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var data fileData
	if err := json.Unmarshal(raw, &data); err != nil {
		slog.Warn("pairing.json unreadable, starting empty", "path", s.path, "error", err)
		return
	}
	if data.Allow == nil {
		data.Allow = make(map[string][]string)
	}
	if data.Secrets == nil {
		data.Secrets = make(map[string]string)
	}
	data.Version = 1
	s.data = data
}

// RequestCode returns the pending code for (provider, principal), creating
// one when none is outstanding. Requesting again before expiry returns the
// same code instead of minting a new one.
func (s *Store) RequestCode(provider, principal string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()

	for _, p := range s.data.Pending {
		if p.Provider == provider && p.Principal == principal {
			return p.Code, nil
		}
	}

	code := s.generateCodeLocked()
	nowMs := s.now().UnixMilli()
	s.data.Pending = append(s.data.Pending, PendingCode{
		Code:        code,
		Provider:    provider,
		Principal:   principal,
		CreatedAtMs: nowMs,
		ExpiresAtMs: nowMs + s.expiry.Milliseconds(),
	})
	return code, s.saveLocked()
}

// generateCodeLocked draws 32-bit randoms formatted as six base36 chars
// until the code collides with no pending entry.
func (s *Store) generateCodeLocked() string {
	for {
		n := uint64(rand.Uint32()) % codeSpace
		code := strings.ToUpper(strconv.FormatUint(n, 36))
		for len(code) < codeLen {
			code = "0" + code
		}
		collision := false
		for _, p := range s.data.Pending {
			if p.Code == code {
				collision = true
				break
			}
		}
		if !collision {
			return code
		}
	}
}

// Approve redeems a pending code: the (provider, principal) pair moves to
// the allow-list and the pending entry is removed. Returns the principal
// that was approved.
func (s *Store) Approve(provider, code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()

	code = strings.ToUpper(strings.TrimSpace(code))
	for i, p := range s.data.Pending {
		if p.Provider != provider || p.Code != code {
			continue
		}
		s.data.Pending = slices.Delete(s.data.Pending, i, i+1)
		if !slices.Contains(s.data.Allow[provider], p.Principal) {
			s.data.Allow[provider] = append(s.data.Allow[provider], p.Principal)
		}
		return p.Principal, s.saveLocked()
	}
	return "", ErrCodeNotFound
}

// IsAllowed reports whether principal is authorized for provider.
func (s *Store) IsAllowed(provider, principal string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.data.Allow[provider], principal)
}

// Allow adds a principal directly, bypassing the code exchange. Used by
// the CLI for operator-owned identities.
func (s *Store) Allow(provider, principal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.data.Allow[provider], principal) {
		return nil
	}
	s.data.Allow[provider] = append(s.data.Allow[provider], principal)
	return s.saveLocked()
}

// Revoke removes a principal from the allow-list.
func (s *Store) Revoke(provider, principal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.data.Allow[provider]
	idx := slices.Index(list, principal)
	if idx < 0 {
		return nil
	}
	s.data.Allow[provider] = slices.Delete(list, idx, idx+1)
	return s.saveLocked()
}

// ListPending returns unexpired pending codes.
func (s *Store) ListPending() []PendingCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	out := make([]PendingCode, len(s.data.Pending))
	copy(out, s.data.Pending)
	return out
}

// ListAllowed returns a copy of the allow-list.
func (s *Store) ListAllowed() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.data.Allow))
	for provider, principals := range s.data.Allow {
		out[provider] = slices.Clone(principals)
	}
	return out
}

// SetSecret stores an opaque secret (bridge bearer tokens live under
// "bridge-token/<nodeId>").
func (s *Store) SetSecret(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Secrets[key] = value
	return s.saveLocked()
}

// GetSecret returns the secret stored under key.
func (s *Store) GetSecret(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data.Secrets[key]
	return v, ok
}

// DeleteSecret removes the secret stored under key.
func (s *Store) DeleteSecret(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Secrets[key]; !ok {
		return nil
	}
	delete(s.data.Secrets, key)
	return s.saveLocked()
}

// pruneLocked drops expired pending codes. Callers hold s.mu.
func (s *Store) pruneLocked() {
	nowMs := s.now().UnixMilli()
	s.data.Pending = slices.DeleteFunc(s.data.Pending, func(p PendingCode) bool {
		return p.ExpiresAtMs <= nowMs
	})
}

// saveLocked writes pairing.json atomically (tmp, fsync, rename, .bak).
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pairing: %w", err)
	}

	tmp := fmt.Sprintf("%s.%d.%06d.tmp", s.path, os.Getpid(), rand.IntN(1000000))
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
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename pairing: %w", err)
	}
	cleanup = false

	if err := os.WriteFile(s.path+".bak", data, 0o600); err != nil {
		slog.Debug("pairing backup failed", "error", err)
	}
	return nil
}
