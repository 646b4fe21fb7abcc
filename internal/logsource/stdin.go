package logsource

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/tinytelemetry/outpost/internal/model"
)

const (
	// DefaultStdinBuffer is the default channel buffer size for stdin lines.
	DefaultStdinBuffer = 50_000

	// DefaultStdinMaxLineSize is the default maximum size (in bytes) of a single stdin line.
	DefaultStdinMaxLineSize = 1024 * 1024 // 1MB
)

// StdinConfig holds tunable parameters for the stdin source.
type StdinConfig struct {
	BufferSize  int
	MaxLineSize int
	Logger      *zap.Logger
}

// StdinSource reads log lines from stdin.
type StdinSource struct {
	*readerSource
}

// NewStdinSource creates a StdinSource that reads from stdin in a background goroutine.
func NewStdinSource(ctx context.Context, conf ...StdinConfig) *StdinSource {
	return &StdinSource{newReaderSource(ctx, "stdin", os.Stdin, nil, conf...)}
}

func newStdinSourceWithReader(ctx context.Context, r io.Reader, conf ...StdinConfig) *StdinSource {
	return &StdinSource{newReaderSource(ctx, "stdin", r, nil, conf...)}
}

// readerSource turns any line-oriented reader into a LogSource.
type readerSource struct {
	name   string
	ch     chan model.IngestEnvelope
	cancel context.CancelFunc
	logger *zap.Logger
	once   sync.Once
}

// newReaderSource starts reading r. closer, when set, is closed once
// reading ends.
func newReaderSource(ctx context.Context, name string, r io.Reader, closer io.Closer, conf ...StdinConfig) *readerSource {
	bufferSize := DefaultStdinBuffer
	maxLineSize := DefaultStdinMaxLineSize
	logger := zap.NewNop()
	if len(conf) > 0 {
		if conf[0].BufferSize > 0 {
			bufferSize = conf[0].BufferSize
		}
		if conf[0].MaxLineSize > 0 {
			maxLineSize = conf[0].MaxLineSize
		}
		if conf[0].Logger != nil {
			logger = conf[0].Logger
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &readerSource{
		name:   name,
		ch:     make(chan model.IngestEnvelope, bufferSize),
		cancel: cancel,
		logger: logger.Named("logsource").With(zap.String("source", name)),
	}
	go s.read(ctx, r, closer, maxLineSize)
	return s
}

func (s *readerSource) read(ctx context.Context, r io.Reader, closer io.Closer, maxLineSize int) {
	defer close(s.ch)
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, min(64*1024, maxLineSize)), maxLineSize)

	// A single scanning goroutine feeds results so cancellation is observed
	// without waiting on a blocked read.
	results := make(chan string)
	go func() {
		defer close(results)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			select {
			case results <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				s.logger.Warn("line exceeded max size, stopping source", zap.Int("max_bytes", maxLineSize))
				return
			}
			s.logger.Warn("scanner error", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-results:
			if !ok {
				return
			}
			select {
			case s.ch <- model.IngestEnvelope{Source: s.name, Line: line}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *readerSource) Lines() <-chan model.IngestEnvelope { return s.ch }
func (s *readerSource) Stop()                              { s.once.Do(s.cancel) }
func (s *readerSource) Name() string                       { return s.name }
