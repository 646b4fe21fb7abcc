package ingest

import (
	"strings"
	"sync"

	"github.com/tinytelemetry/outpost/internal/model"
)

// maxJSONBuffer bounds multi-line JSON accumulation. A runaway object is
// flushed as plain text.
const maxJSONBuffer = 1 << 20

// Processor parses log lines into records and hands them to a sink.
// JSON objects spanning several lines are reassembled before parsing.
type Processor struct {
	sink RecordSink

	mu         sync.Mutex
	sourceName string

	// multi-line JSON accumulation, keyed to the source that started it
	jsonBuffer   strings.Builder
	jsonDepth    int
	inJSONObject bool
	jsonSource   string
}

// NewProcessor creates a new log processor.
func NewProcessor(sink RecordSink, sourceName string) *Processor {
	return &Processor{
		sink:       sink,
		sourceName: sourceName,
	}
}

func (p *Processor) Name() string { return ProcessorModeParse }

// ProcessLine processes an untagged line using the processor source name.
func (p *Processor) ProcessLine(line string) *ProcessResult {
	return p.ProcessEnvelope(model.IngestEnvelope{Line: line})
}

// ProcessEnvelope processes one source-tagged line. It returns nil while a
// multi-line JSON object is still being accumulated.
func (p *Processor) ProcessEnvelope(env model.IngestEnvelope) *ProcessResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	source := env.Source
	if source == "" {
		source = p.sourceName
	}

	if p.inJSONObject && source != p.jsonSource {
		// Another source interleaved; give up on the partial object.
		p.flushPartialLocked()
	}

	complete, consumed := p.tryAccumulateJSON(env.Line, source)
	if consumed {
		if complete == "" {
			return nil
		}
		return p.processEntry(complete, source)
	}
	if strings.TrimSpace(env.Line) == "" {
		return nil
	}
	return p.processEntry(env.Line, source)
}

// Flush emits a partially accumulated JSON object as plain text.
func (p *Processor) Flush() *ProcessResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushPartialLocked()
}

func (p *Processor) flushPartialLocked() *ProcessResult {
	if !p.inJSONObject {
		return nil
	}
	partial := strings.TrimSpace(p.jsonBuffer.String())
	source := p.jsonSource
	p.resetJSONAccumulation()
	if partial == "" {
		return nil
	}
	return p.emit([]*model.LogRecord{CreateFallbackLogEntry(partial)}, source)
}

// processEntry parses a complete input and stores the records.
func (p *Processor) processEntry(line, source string) *ProcessResult {
	records := ParseJSONLogEntries(line)
	if len(records) == 0 {
		records = []*model.LogRecord{CreateFallbackLogEntry(line)}
	}
	return p.emit(records, source)
}

func (p *Processor) emit(records []*model.LogRecord, source string) *ProcessResult {
	for _, record := range records {
		if record.Attributes == nil {
			record.Attributes = model.Attributes{}
		}
		if source != "" {
			record.Attributes[AttrSource] = source
		}
		if _, ok := record.Attributes["service.name"]; !ok {
			if svc := ExtractService(record.Attributes); svc != "unknown" {
				record.Attributes["service.name"] = svc
			}
		}
		if host, ok := record.Attributes["host"]; ok {
			record.Attributes[AttrHostName] = host
			delete(record.Attributes, "host")
		}
		if p.sink != nil {
			p.sink.Add(record)
		}
	}
	return newResult(records)
}

// tryAccumulateJSON buffers lines of a JSON object. It reports whether the
// line was consumed and returns the complete object once depth returns to zero.
func (p *Processor) tryAccumulateJSON(line, source string) (string, bool) {
	if !p.inJSONObject {
		if !strings.HasPrefix(strings.TrimSpace(line), "{") {
			return "", false
		}
		p.inJSONObject = true
		p.jsonSource = source
		p.jsonBuffer.Reset()
		p.jsonDepth = 0
	}

	p.jsonBuffer.WriteString(line)
	p.jsonBuffer.WriteString("\n")
	p.jsonDepth += CountJSONDepth(line)

	if p.jsonDepth <= 0 || p.jsonBuffer.Len() > maxJSONBuffer {
		complete := strings.TrimSpace(p.jsonBuffer.String())
		p.resetJSONAccumulation()
		return complete, true
	}
	return "", true
}

// CountJSONDepth counts the net change in JSON nesting depth for a line.
func CountJSONDepth(line string) int {
	depth := 0
	inString := false
	escaped := false

	for _, char := range line {
		if escaped {
			escaped = false
			continue
		}

		switch char {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{', '[':
			if !inString {
				depth++
			}
		case '}', ']':
			if !inString {
				depth--
			}
		}
	}

	return depth
}

func (p *Processor) resetJSONAccumulation() {
	p.inJSONObject = false
	p.jsonDepth = 0
	p.jsonSource = ""
	p.jsonBuffer.Reset()
}

// SetSourceName updates the default source name for untagged lines.
func (p *Processor) SetSourceName(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sourceName = name
}
