// Package history implements the gateway's conversation-history memory
// backend (the `memory` config section), consumed by the chain-engine
// and RAG-manager roles to recall prior turns for a session. It is
// distinct from config.MemoryConfig, which configures a single agent's
// buffer/summary/vector memory.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/config"
	"github.com/BaSui01/agentflow/llm"
)

// Store records and recalls the message history for a session.
type Store interface {
	Append(ctx context.Context, sessionID string, msg llm.Message) error
	Recall(ctx context.Context, sessionID string) ([]llm.Message, error)
	Clear(ctx context.Context, sessionID string) error
}

// NewStore builds the Store named by cfg.BackendType ("memory", "redis",
// or "file"). config.Config.Validate already enforces the field each
// backend requires (redis_url for "redis", file_path for "file").
func NewStore(cfg config.HistoryMemoryConfig, logger *zap.Logger) (Store, error) {
	switch cfg.BackendType {
	case "", "memory":
		return NewMemoryStore(cfg), nil
	case "redis":
		return NewRedisStore(cfg, logger)
	case "file":
		return NewFileStore(cfg)
	default:
		return nil, fmt.Errorf("unknown memory.backend_type %q", cfg.BackendType)
	}
}

// MemoryStore keeps history in a process-local map. Suitable for the
// "all roles in one process" deployment and for tests.
type MemoryStore struct {
	mu         sync.RWMutex
	sessions   map[string][]llm.Message
	maxHistory int
}

// NewMemoryStore builds an in-memory Store bounded by cfg.MaxHistoryLength.
func NewMemoryStore(cfg config.HistoryMemoryConfig) *MemoryStore {
	max := cfg.MaxHistoryLength
	if max <= 0 {
		max = 100
	}
	return &MemoryStore{sessions: make(map[string][]llm.Message), maxHistory: max}
}

func (s *MemoryStore) Append(_ context.Context, sessionID string, msg llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := append(s.sessions[sessionID], msg)
	if len(msgs) > s.maxHistory {
		msgs = msgs[len(msgs)-s.maxHistory:]
	}
	s.sessions[sessionID] = msgs
	return nil
}

func (s *MemoryStore) Recall(_ context.Context, sessionID string) ([]llm.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]llm.Message, len(s.sessions[sessionID]))
	copy(out, s.sessions[sessionID])
	return out, nil
}

func (s *MemoryStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// RedisStore keeps history in a Redis list per session, trimmed to
// MaxHistoryLength and expiring after HistoryTTLSecs of inactivity.
// Grounded on agent/persistence/redis_message_store.go's client setup
// and pipelined RPush/LTrim/Expire pattern.
type RedisStore struct {
	client     *redis.Client
	keyPrefix  string
	maxHistory int
	ttl        time.Duration
}

// NewRedisStore dials cfg.RedisURL and verifies connectivity with a Ping,
// the same startup-time failure mode redis_message_store.go uses.
func NewRedisStore(cfg config.HistoryMemoryConfig, logger *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid memory.redis_url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis history backend: %w", err)
	}

	max := cfg.MaxHistoryLength
	if max <= 0 {
		max = 100
	}
	ttl := time.Duration(cfg.HistoryTTLSecs) * time.Second
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	logger.Info("connected to redis history backend", zap.Int("max_history_length", max))
	return &RedisStore{client: client, keyPrefix: "agentflow:history:", maxHistory: max, ttl: ttl}, nil
}

func (s *RedisStore) key(sessionID string) string {
	return s.keyPrefix + sessionID
}

func (s *RedisStore) Append(ctx context.Context, sessionID string, msg llm.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}

	key := s.key(sessionID)
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, int64(-s.maxHistory), -1)
	pipe.Expire(ctx, key, s.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Recall(ctx context.Context, sessionID string) ([]llm.Message, error) {
	raw, err := s.client.LRange(ctx, s.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]llm.Message, 0, len(raw))
	for _, r := range raw {
		var msg llm.Message
		if err := json.Unmarshal([]byte(r), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, s.key(sessionID)).Err()
}
