package ingest

import (
	"fmt"
	"strings"

	"github.com/tinytelemetry/outpost/internal/model"
)

const (
	// ProcessorModeParse decodes JSON and OTLP/JSON lines into structured records.
	ProcessorModeParse = "parse"
	// ProcessorModePassthrough forwards every line as a plain-text body.
	ProcessorModePassthrough = "passthrough"
)

// RecordSink receives records produced by a processor.
type RecordSink interface {
	Add(record *model.LogRecord)
}

// SinkFunc adapts a function to RecordSink.
type SinkFunc func(record *model.LogRecord)

func (f SinkFunc) Add(record *model.LogRecord) { f(record) }

// EnvelopeProcessor consumes source-tagged ingest lines and emits log records.
type EnvelopeProcessor interface {
	Name() string
	ProcessEnvelope(model.IngestEnvelope) *ProcessResult
}

// ProcessResult holds the records produced from one complete input.
type ProcessResult struct {
	// Record is the first record; most inputs produce exactly one.
	Record  *model.LogRecord
	Records []*model.LogRecord
}

// NewEnvelopeProcessor creates the processor for mode. An empty mode
// selects ProcessorModeParse.
func NewEnvelopeProcessor(mode string, sink RecordSink, sourceName string) (EnvelopeProcessor, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ProcessorModeParse:
		return NewProcessor(sink, sourceName), nil
	case ProcessorModePassthrough:
		return NewPassthroughProcessor(sink, sourceName), nil
	default:
		return nil, fmt.Errorf("unknown processor mode %q (want %s or %s)", mode, ProcessorModeParse, ProcessorModePassthrough)
	}
}

func newResult(records []*model.LogRecord) *ProcessResult {
	if len(records) == 0 {
		return nil
	}
	return &ProcessResult{Record: records[0], Records: records}
}
