package trace

import (
	"fmt"
	"sync"

	"github.com/tinytelemetry/outpost/internal/model"
)

// Span is a live span. Mutators are no-ops once the span has ended.
type Span struct {
	provider *Provider
	// parent is the local span this one was started under, if any.
	parent *Span

	mu    sync.Mutex
	data  model.Span
	ended bool
}

func (s *Span) descendsFrom(ancestor *Span) bool {
	for c := s.parent; c != nil; c = c.parent {
		if c == ancestor {
			return true
		}
	}
	return false
}

// SpanContext returns the span's identity.
func (s *Span) SpanContext() model.SpanContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Context
}

// IsRecording reports whether the span still accepts changes.
func (s *Span) IsRecording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ended
}

// SetName renames the span.
func (s *Span) SetName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.data.Name = name
	}
}

// SetAttribute sets one attribute.
func (s *Span) SetAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	if s.data.Attributes == nil {
		s.data.Attributes = make(model.Attributes)
	}
	s.data.Attributes[key] = value
}

// SetAttributes merges attrs into the span's attributes.
func (s *Span) SetAttributes(attrs model.Attributes) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || len(attrs) == 0 {
		return
	}
	if s.data.Attributes == nil {
		s.data.Attributes = make(model.Attributes, len(attrs))
	}
	s.data.Attributes.Merge(attrs)
}

// AddEvent records a timestamped event.
func (s *Span) AddEvent(name string, attrs model.Attributes) {
	now := s.provider.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.data.Events = append(s.data.Events, model.Event{Name: name, Time: now, Attributes: attrs.Clone()})
}

// AddLink links the span to another span context.
func (s *Span) AddLink(sc model.SpanContext, attrs model.Attributes) {
	if !sc.IsValid() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.data.Links = append(s.data.Links, model.Link{Context: sc, Attributes: attrs.Clone()})
}

// SetStatus sets the status. The message is kept only for errors, and an
// ok status is final.
func (s *Span) SetStatus(code model.StatusCode, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.data.Status.Code == model.StatusOK {
		return
	}
	if code != model.StatusError {
		msg = ""
	}
	s.data.Status = model.Status{Code: code, Message: msg}
}

// RecordError adds an exception event and marks the span as failed.
func (s *Span) RecordError(err error) {
	if err == nil {
		return
	}
	s.AddEvent("exception", model.Attributes{
		"exception.type":    fmt.Sprintf("%T", err),
		"exception.message": err.Error(),
	})
	s.SetStatus(model.StatusError, err.Error())
}

// Snapshot returns a copy of the span's current data.
func (s *Span) Snapshot() model.Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Span) snapshotLocked() model.Span {
	out := s.data
	out.Attributes = s.data.Attributes.Clone()
	out.Events = append([]model.Event(nil), s.data.Events...)
	out.Links = append([]model.Link(nil), s.data.Links...)
	return out
}

// End finishes the span, removes it from the active stack and hands it to
// the provider. Calling End twice has no effect.
func (s *Span) End() {
	now := s.provider.now()
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	if now.Before(s.data.StartTime) {
		now = s.data.StartTime
	}
	s.data.EndTime = now
	finished := s.snapshotLocked()
	s.mu.Unlock()

	s.provider.remove(s)
	s.provider.finish(finished)
}
