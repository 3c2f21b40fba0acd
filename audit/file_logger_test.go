package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestFileLogger(t *testing.T) (*FileLogger, string) {
	t.Helper()

	logPath := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewFileLogger(&Config{
		Enabled: true,
		Type:    FileAuditType,
		Options: map[string]interface{}{"file_path": logPath},
	})
	if err != nil {
		t.Fatalf("Failed to create file logger: %v", err)
	}
	t.Cleanup(func() { logger.Close() })

	return logger, logPath
}

func TestFileLoggerWritesJSONL(t *testing.T) {
	logger, logPath := newTestFileLogger(t)

	err := logger.Log("key.store", true, map[string]interface{}{
		"key_id":  "k1",
		"account": "acct-1",
	})
	if err != nil {
		t.Fatalf("Failed to log event: %v", err)
	}
	err = logger.Log("key.retrieve", false, map[string]interface{}{
		"key_id": "k1",
		"error":  "checksum mismatch",
	})
	if err != nil {
		t.Fatalf("Failed to log event: %v", err)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 JSONL lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], `"key.store"`) || !strings.Contains(lines[0], `"k1"`) {
		t.Errorf("First line should carry the action and key ID: %s", lines[0])
	}
	if !strings.Contains(lines[1], "checksum mismatch") {
		t.Errorf("Failure line should carry the error: %s", lines[1])
	}
}

func TestFileLoggerQuery(t *testing.T) {
	logger, _ := newTestFileLogger(t)

	events := []struct {
		action  string
		success bool
		keyID   string
	}{
		{"key.store", true, "k1"},
		{"key.retrieve", true, "k1"},
		{"key.retrieve", false, "k2"},
		{"key.revoke", true, "k2"},
	}
	for _, e := range events {
		if err := logger.Log(e.action, e.success, map[string]interface{}{"key_id": e.keyID}); err != nil {
			t.Fatalf("Failed to log: %v", err)
		}
	}

	t.Run("ByAction", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Action: "key.retrieve"})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if result.Filtered != 2 {
			t.Errorf("Expected 2 retrieve events, got %d", result.Filtered)
		}
	})

	t.Run("ByKeyID", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{KeyID: "k2"})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if result.Filtered != 2 {
			t.Errorf("Expected 2 events for k2, got %d", result.Filtered)
		}
	})

	t.Run("ByFailure", func(t *testing.T) {
		failed := false
		result, err := logger.Query(QueryOptions{Success: &failed})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if result.Filtered != 1 || result.Events[0].KeyID != "k2" {
			t.Errorf("Expected the single failed event for k2, got %+v", result.Events)
		}
	})

	t.Run("Limit", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Limit: 2})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(result.Events) != 2 {
			t.Errorf("Limit should cap the result, got %d", len(result.Events))
		}
		if !result.HasMore {
			t.Error("HasMore should be set when events were cut off")
		}
	})
}

func TestFileLoggerRequiresPath(t *testing.T) {
	_, err := NewFileLogger(&Config{Enabled: true, Type: FileAuditType})
	if err == nil {
		t.Error("Missing file_path should be rejected")
	}
}

func TestNewLoggerFactory(t *testing.T) {
	t.Run("DisabledIsNoOp", func(t *testing.T) {
		logger, err := NewLogger(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("Disabled config should build a logger: %v", err)
		}
		if _, ok := logger.(*NoOpLogger); !ok {
			t.Errorf("Disabled config should yield NoOpLogger, got %T", logger)
		}
	})

	t.Run("NilIsNoOp", func(t *testing.T) {
		logger, err := NewLogger(nil)
		if err != nil {
			t.Fatalf("Nil config should build a logger: %v", err)
		}
		if _, ok := logger.(*NoOpLogger); !ok {
			t.Errorf("Nil config should yield NoOpLogger, got %T", logger)
		}
	})

	t.Run("UnknownType", func(t *testing.T) {
		if _, err := NewLogger(&Config{Enabled: true, Type: "elasticsearch"}); err == nil {
			t.Error("Unknown logger type should be rejected")
		}
	})

	t.Run("FileType", func(t *testing.T) {
		logPath := filepath.Join(t.TempDir(), "audit.log")
		logger, err := NewLogger(&Config{
			Enabled: true,
			Type:    FileAuditType,
			Options: map[string]interface{}{"file_path": logPath},
		})
		if err != nil {
			t.Fatalf("File config should build a logger: %v", err)
		}
		defer logger.Close()
		if _, ok := logger.(*FileLogger); !ok {
			t.Errorf("File config should yield FileLogger, got %T", logger)
		}
	})
}
