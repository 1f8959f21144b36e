package history

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/BaSui01/agentflow/config"
	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/types"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(config.HistoryMemoryConfig{MaxHistoryLength: 2})

	t.Run("RecallEmpty", func(t *testing.T) {
		msgs, err := store.Recall(ctx, "session-1")
		if err != nil {
			t.Fatalf("Recall failed: %v", err)
		}
		if len(msgs) != 0 {
			t.Fatalf("expected no history, got %d messages", len(msgs))
		}
	})

	t.Run("AppendAndRecall", func(t *testing.T) {
		if err := store.Append(ctx, "session-1", llm.Message{Role: types.RoleUser, Content: "hi"}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if err := store.Append(ctx, "session-1", llm.Message{Role: types.RoleAssistant, Content: "hello"}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}

		msgs, err := store.Recall(ctx, "session-1")
		if err != nil {
			t.Fatalf("Recall failed: %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(msgs))
		}
		if msgs[1].Content != "hello" {
			t.Errorf("Content mismatch: got %s, want hello", msgs[1].Content)
		}
	})

	t.Run("TrimsToMaxHistoryLength", func(t *testing.T) {
		_ = store.Append(ctx, "session-1", llm.Message{Role: types.RoleUser, Content: "third"})

		msgs, err := store.Recall(ctx, "session-1")
		if err != nil {
			t.Fatalf("Recall failed: %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("expected history trimmed to 2, got %d", len(msgs))
		}
		if msgs[0].Content != "hello" || msgs[1].Content != "third" {
			t.Errorf("unexpected history contents after trim: %+v", msgs)
		}
	})

	t.Run("Clear", func(t *testing.T) {
		if err := store.Clear(ctx, "session-1"); err != nil {
			t.Fatalf("Clear failed: %v", err)
		}
		msgs, err := store.Recall(ctx, "session-1")
		if err != nil {
			t.Fatalf("Recall failed: %v", err)
		}
		if len(msgs) != 0 {
			t.Fatalf("expected history cleared, got %d messages", len(msgs))
		}
	})

	t.Run("SessionsAreIsolated", func(t *testing.T) {
		_ = store.Append(ctx, "session-a", llm.Message{Role: types.RoleUser, Content: "a"})
		_ = store.Append(ctx, "session-b", llm.Message{Role: types.RoleUser, Content: "b"})

		a, _ := store.Recall(ctx, "session-a")
		b, _ := store.Recall(ctx, "session-b")
		if len(a) != 1 || a[0].Content != "a" {
			t.Errorf("session-a polluted: %+v", a)
		}
		if len(b) != 1 || b[0].Content != "b" {
			t.Errorf("session-b polluted: %+v", b)
		}
	})
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.json")

	store, err := NewFileStore(config.HistoryMemoryConfig{FilePath: path, MaxHistoryLength: 10})
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	if err := store.Append(ctx, "session-1", llm.Message{Role: types.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	t.Run("PersistsAcrossInstances", func(t *testing.T) {
		reopened, err := NewFileStore(config.HistoryMemoryConfig{FilePath: path, MaxHistoryLength: 10})
		if err != nil {
			t.Fatalf("NewFileStore (reopen) failed: %v", err)
		}
		msgs, err := reopened.Recall(ctx, "session-1")
		if err != nil {
			t.Fatalf("Recall failed: %v", err)
		}
		if len(msgs) != 1 || msgs[0].Content != "hi" {
			t.Fatalf("expected persisted history, got %+v", msgs)
		}
	})

	t.Run("RequiresFilePath", func(t *testing.T) {
		if _, err := NewFileStore(config.HistoryMemoryConfig{}); err == nil {
			t.Fatal("expected error for missing file_path")
		}
	})
}

func TestNewStoreUnknownBackend(t *testing.T) {
	if _, err := NewStore(config.HistoryMemoryConfig{BackendType: "carrier-pigeon"}, nil); err == nil {
		t.Fatal("expected error for unknown backend_type")
	}
}
