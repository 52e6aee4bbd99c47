package sessions

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TranscriptEntry is one line of a session's .jsonl transcript.
type TranscriptEntry struct {
	TS      int64  `json:"ts"` // unix ms
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Input   string `json:"input,omitempty"`
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"isError,omitempty"`
}

// TranscriptWriter appends entries to <dir>/<sessionID>.jsonl.
type TranscriptWriter struct {
	mu sync.Mutex
	f  *os.File
}

// OpenTranscript opens the transcript for appending, creating it if absent.
func OpenTranscript(dir, sessionID string) (*TranscriptWriter, error) {
	f, err := os.OpenFile(TranscriptPath(dir, sessionID), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	return &TranscriptWriter{f: f}, nil
}

// TranscriptPath returns <dir>/<sessionID>.jsonl.
func TranscriptPath(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".jsonl")
}

// Append writes one entry as a JSON line, stamping TS when unset.
func (w *TranscriptWriter) Append(entry TranscriptEntry) error {
	if entry.TS == 0 {
		entry.TS = time.Now().UnixMilli()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.f.Write(append(data, '\n'))
	return err
}

// Close closes the underlying file.
func (w *TranscriptWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// ReadTranscript loads up to limit most recent entries (0 = all).
// Unparseable lines are skipped.
func ReadTranscript(dir, sessionID string, limit int) ([]TranscriptEntry, error) {
	f, err := os.Open(TranscriptPath(dir, sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []TranscriptEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e TranscriptEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}
