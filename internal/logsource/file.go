package logsource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileSource reads a log file from the beginning to EOF.
type FileSource struct {
	*readerSource
}

// NewFileSource opens path and streams its lines. The file is closed when
// the source stops or reaches EOF.
func NewFileSource(ctx context.Context, path string, conf ...StdinConfig) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &FileSource{newReaderSource(ctx, "file:"+filepath.Base(path), f, f, conf...)}, nil
}
