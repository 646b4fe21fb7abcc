package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
		err  bool
	}{
		{"", zapcore.InfoLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"WARN", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.err {
			t.Errorf("ParseLevel(%q) err = %v, want err %v", tt.in, err, tt.err)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New(Config{Level: "nope"}); err == nil {
		t.Fatal("expected error for bad level")
	}
}

func TestNewFileWritesJSON(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	logger, err := NewFile(dir, DefaultConfig())
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	logger.Named("batch").Info("flushed", zap.Int("items", 3))
	logger.Sync()

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := string(data)
	for _, want := range []string{`"message":"flushed"`, `"logger":"batch"`, `"level":"info"`, `"items":3`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %s", line, want)
		}
	}
}

func TestNewFileFallsBackToStderr(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	logger, err := NewFile(filepath.Join(blocker, "sub"), DefaultConfig())
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if logger == nil {
		t.Fatal("expected a fallback logger")
	}
}

func TestDevelopmentConfig(t *testing.T) {
	cfg := DevelopmentConfig()
	if !cfg.Development || cfg.Level != "debug" {
		t.Errorf("DevelopmentConfig = %+v", cfg)
	}
	if _, err := New(cfg); err != nil {
		t.Fatalf("New: %v", err)
	}
}
