package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNewFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nylon.log")
	logger, closer, err := New(Config{Level: "info", Output: path})
	if err != nil {
		t.Fatal(err)
	}
	if closer == nil {
		t.Fatal("file output should return a closer")
	}

	logger.Info("hello", zap.String("k", "v"))
	logger.Sync()
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"hello"`) || !strings.Contains(string(data), `"k":"v"`) {
		t.Errorf("log line missing fields: %s", data)
	}
}

func TestNewStdoutHasNoCloser(t *testing.T) {
	_, closer, err := New(Config{Level: "debug", Output: "stdout"})
	if err != nil {
		t.Fatal(err)
	}
	if closer != nil {
		t.Error("stdout output should not return a closer")
	}
}

func TestSetGlobal(t *testing.T) {
	old := Global()
	defer SetGlobal(old)

	replacement := zap.NewNop()
	SetGlobal(replacement)
	if Global() != replacement {
		t.Error("global logger not replaced")
	}
}
