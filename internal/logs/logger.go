package logs

import (
	"time"

	"github.com/tinytelemetry/outpost/internal/model"
)

// Logger emits records for one instrumentation scope.
type Logger struct {
	provider *Provider
	scope    model.Scope
}

// Scope returns the logger's instrumentation scope.
func (l *Logger) Scope() model.Scope { return l.scope }

// Emit records a log line. Records without trace ids pick up the active
// span's context.
func (l *Logger) Emit(sev model.Severity, body string, attrs model.Attributes) {
	l.EmitRecord(model.LogRecord{Severity: sev, Body: body, Attributes: attrs.Clone()})
}

// EmitRecord records a fully built record, filling the scope, timestamps
// and trace correlation when they are unset.
func (l *Logger) EmitRecord(r model.LogRecord) {
	p := l.provider
	if p.minSev != model.SeverityUnspecified && r.Severity < p.minSev {
		return
	}
	now := p.now()
	if r.ObservedTimestamp.IsZero() {
		r.ObservedTimestamp = now
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = now
	}
	if r.Scope == (model.Scope{}) {
		r.Scope = l.scope
	}
	if r.TraceID == "" && p.spans != nil {
		if sc := p.spans.ActiveSpanContext(); sc.IsValid() {
			r.TraceID, r.SpanID, r.TraceFlags = sc.TraceID, sc.SpanID, sc.TraceFlags
		}
	}
	p.pending.Add(r)
}

func (l *Logger) Debug(body string, attrs model.Attributes) {
	l.Emit(model.SeverityDebug, body, attrs)
}

func (l *Logger) Info(body string, attrs model.Attributes) {
	l.Emit(model.SeverityInfo, body, attrs)
}

func (l *Logger) Warn(body string, attrs model.Attributes) {
	l.Emit(model.SeverityWarn, body, attrs)
}

func (l *Logger) Error(body string, attrs model.Attributes) {
	l.Emit(model.SeverityError, body, attrs)
}

// EmitAt records a line with an explicit event time, as read from a log
// source.
func (l *Logger) EmitAt(ts time.Time, sev model.Severity, body string, attrs model.Attributes) {
	l.EmitRecord(model.LogRecord{Timestamp: ts, Severity: sev, Body: body, Attributes: attrs.Clone()})
}
