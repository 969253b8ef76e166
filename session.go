package cogito

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	sessionFileName     = "current.jsonl"
	sessionArchiveStamp = "20060102-150405"
)

// SessionStore is the durable main-conversation transcript: one JSONL line
// per message under {dataDir}/main/current.jsonl. Compaction archives the
// current file and reseeds it with a summary message, so the live file stays
// bounded while nothing is ever deleted.
type SessionStore struct {
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	messages []ChatMessage
}

// SessionOption configures a SessionStore.
type SessionOption func(*SessionStore)

// WithSessionLogger sets the structured logger.
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *SessionStore) { s.logger = l }
}

// NewSessionStore opens the store rooted at {dataDir}/main, replaying
// current.jsonl into memory. A missing file is an empty session; a corrupt
// line ends the replay with an error rather than silently losing history.
func NewSessionStore(dataDir string, opts ...SessionOption) (*SessionStore, error) {
	s := &SessionStore{
		dir:    filepath.Join(dataDir, "main"),
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create dir: %w", err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SessionStore) currentPath() string {
	return filepath.Join(s.dir, sessionFileName)
}

func (s *SessionStore) load() error {
	f, err := os.Open(s.currentPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("session: open: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var msg ChatMessage
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			return fmt.Errorf("session: corrupt line: %w", err)
		}
		s.messages = append(s.messages, msg)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("session: read: %w", err)
	}
	return nil
}

// Append adds messages to the in-memory transcript and the JSONL file. A
// write failure is logged; the in-memory transcript stays authoritative for
// the running process.
func (s *SessionStore) Append(msgs ...ChatMessage) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = append(s.messages, msgs...)
	for _, m := range msgs {
		if err := appendJSONL(s.currentPath(), m); err != nil {
			s.logger.Warn("session: append failed", "error", err)
			return
		}
	}
}

// Messages returns a copy of the current transcript.
func (s *SessionStore) Messages() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages in the current transcript.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Archive moves the current transcript to a timestamped file and reseeds the
// session with a system message carrying the summary. It returns the archive
// path.
func (s *SessionStore) Archive(summary string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	archive := filepath.Join(s.dir, "session-"+time.Now().Format(sessionArchiveStamp)+".jsonl")
	if err := os.Rename(s.currentPath(), archive); err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("session: archive: %w", err)
		}
	}

	seed := SystemMessage("Summary of the conversation so far:\n" + summary)
	s.messages = []ChatMessage{seed}
	if err := appendJSONL(s.currentPath(), seed); err != nil {
		s.logger.Warn("session: seed write failed", "error", err)
	}
	s.logger.Info("session archived", "path", archive)
	return archive, nil
}
