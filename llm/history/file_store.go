package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BaSui01/agentflow/config"
	"github.com/BaSui01/agentflow/llm"
)

// FileStore persists history to a single JSON index file, loaded into
// memory on startup and rewritten atomically on every mutation. Grounded
// on agent/persistence/file_message_store.go's load/save-to-disk idiom.
type FileStore struct {
	mu         sync.RWMutex
	path       string
	sessions   map[string][]llm.Message
	maxHistory int
}

// NewFileStore loads cfg.FilePath (creating it on first use) into memory.
func NewFileStore(cfg config.HistoryMemoryConfig) (*FileStore, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("memory.file_path is required for backend_type \"file\"")
	}
	if dir := filepath.Dir(cfg.FilePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	max := cfg.MaxHistoryLength
	if max <= 0 {
		max = 100
	}

	s := &FileStore{path: cfg.FilePath, sessions: make(map[string][]llm.Message), maxHistory: max}
	if err := s.loadFromDisk(); err != nil {
		return nil, fmt.Errorf("failed to load history from disk: %w", err)
	}
	return s, nil
}

func (s *FileStore) loadFromDisk() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var sessions map[string][]llm.Message
	if err := json.Unmarshal(data, &sessions); err != nil {
		return err
	}
	if sessions != nil {
		s.sessions = sessions
	}
	return nil
}

// saveToDisk writes the full index atomically (temp file + rename), the
// same pattern file_message_store.go uses to avoid a torn write.
func (s *FileStore) saveToDisk() error {
	data, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) Append(_ context.Context, sessionID string, msg llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := append(s.sessions[sessionID], msg)
	if len(msgs) > s.maxHistory {
		msgs = msgs[len(msgs)-s.maxHistory:]
	}
	s.sessions[sessionID] = msgs
	return s.saveToDisk()
}

func (s *FileStore) Recall(_ context.Context, sessionID string) ([]llm.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]llm.Message, len(s.sessions[sessionID]))
	copy(out, s.sessions[sessionID])
	return out, nil
}

func (s *FileStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return s.saveToDisk()
}
