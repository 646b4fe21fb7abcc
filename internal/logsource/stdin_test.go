package logsource

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tinytelemetry/outpost/internal/model"
)

func TestStdinSourceStopClosesLines(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer func() { _ = w.Close() }()

	src := newStdinSourceWithReader(context.Background(), r)
	src.Stop()

	select {
	case _, ok := <-src.Lines():
		if ok {
			t.Fatal("expected lines channel to be closed after Stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lines channel to close")
	}
}

func TestStdinSourceStopIsIdempotent(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer func() { _ = w.Close() }()

	src := newStdinSourceWithReader(context.Background(), r)
	src.Stop()
	src.Stop()
}

func TestStdinSourceForwardsNonEmptyLines(t *testing.T) {
	src := newStdinSourceWithReader(context.Background(), strings.NewReader("first\n\nsecond\n"))
	defer src.Stop()

	var got []model.IngestEnvelope
	for env := range src.Lines() {
		got = append(got, env)
	}
	if len(got) != 2 {
		t.Fatalf("got %d lines, want 2", len(got))
	}
	if got[0].Line != "first" || got[1].Line != "second" {
		t.Fatalf("lines = %+v", got)
	}
	if got[0].Source != "stdin" {
		t.Fatalf("source = %q, want stdin", got[0].Source)
	}
}

func TestStdinSourceStopsOnOversizedLine(t *testing.T) {
	input := strings.Repeat("x", 100) + "\nafter\n"
	src := newStdinSourceWithReader(context.Background(), strings.NewReader(input), StdinConfig{MaxLineSize: 16})

	count := 0
	for range src.Lines() {
		count++
	}
	if count != 0 {
		t.Fatalf("got %d lines, want 0 after oversized line", count)
	}
}

func TestFileSourceReadsToEOF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	src, err := NewFileSource(context.Background(), path)
	if err != nil {
		t.Fatalf("NewFileSource: %v", err)
	}
	defer src.Stop()

	if src.Name() != "file:app.log" {
		t.Fatalf("Name() = %q", src.Name())
	}
	var lines []string
	for env := range src.Lines() {
		lines = append(lines, env.Line)
		if env.Source != "file:app.log" {
			t.Fatalf("source = %q", env.Source)
		}
	}
	if strings.Join(lines, ",") != "one,two,three" {
		t.Fatalf("lines = %v", lines)
	}
}

func TestFileSourceMissingFile(t *testing.T) {
	if _, err := NewFileSource(context.Background(), filepath.Join(t.TempDir(), "missing.log")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
