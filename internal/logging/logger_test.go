package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesJSONFileAndConsole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "mtxd.log")
	var console bytes.Buffer

	logger, err := NewWithConsole(path, "main", "debug", &console)
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("outbox drained")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, data)
	}
	if entry["msg"] != "outbox drained" || entry["session"] != "main" {
		t.Errorf("entry = %v, want msg and session fields", entry)
	}
	if _, ok := entry["ts"]; !ok {
		t.Error("entry has no ts field")
	}
	if !strings.Contains(console.String(), "outbox drained") {
		t.Errorf("console output = %q, want the message", console.String())
	}
}

func TestLevelFiltersDebug(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mtxd.log")
	var console bytes.Buffer

	logger, err := NewWithConsole(path, "main", "", &console)
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("hidden")
	logger.Info("shown")
	_ = logger.Sync()

	if strings.Contains(console.String(), "hidden") {
		t.Error("debug entry written at default info level")
	}
	if !strings.Contains(console.String(), "shown") {
		t.Error("info entry missing")
	}
}

func TestInvalidLevel(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "x.log"), "main", "loud"); err == nil {
		t.Error("New() accepted an invalid level")
	}
}
