// Package timestamp finds and parses timestamps in log lines and JSON
// fields.
package timestamp

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	isoPrefix      = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:[.,]\d{1,9})?(?:Z|[+-]\d{2}:?\d{2})?)\s*`)
	syslogPrefix   = regexp.MustCompile(`^([A-Z][a-z]{2} [ \d]\d \d{2}:\d{2}:\d{2})\s*`)
	timeOnlyPrefix = regexp.MustCompile(`^(\d{2}:\d{2}:\d{2}(?:[.,]\d{1,9})?)\s*`)
	severityPrefix = regexp.MustCompile(`(?i)^\[?(TRACE|DEBUG|INFO|WARN|WARNING|ERROR|ERR|FATAL|CRITICAL|PANIC)\]?:?\s+`)
)

var isoLayouts = []string{
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
}

// Result is the outcome of ParseFromText.
type Result struct {
	Timestamp time.Time
	Found     bool
	// Remaining is the text after the timestamp, or the whole input when
	// none was found.
	Remaining string
}

// Parser recognizes leading timestamps. Formats without a date or year
// are completed from the clock.
type Parser struct {
	now func() time.Time
}

// NewParser returns a parser using the wall clock.
func NewParser() *Parser {
	return &Parser{now: time.Now}
}

// ParseFromText looks for an ISO-8601, syslog or time-only timestamp at
// the start of text.
func (p *Parser) ParseFromText(text string) Result {
	if m := isoPrefix.FindStringSubmatch(text); m != nil {
		if ts, ok := parseISO(m[1]); ok {
			return Result{Timestamp: ts, Found: true, Remaining: text[len(m[0]):]}
		}
	}
	if m := syslogPrefix.FindStringSubmatch(text); m != nil {
		if ts, err := time.ParseInLocation("Jan _2 15:04:05", m[1], time.Local); err == nil {
			ts = ts.AddDate(p.now().Year(), 0, 0)
			return Result{Timestamp: ts, Found: true, Remaining: text[len(m[0]):]}
		}
	}
	if m := timeOnlyPrefix.FindStringSubmatch(text); m != nil {
		if clock, err := time.Parse("15:04:05.999999999", strings.Replace(m[1], ",", ".", 1)); err == nil {
			now := p.now()
			ts := time.Date(now.Year(), now.Month(), now.Day(), clock.Hour(), clock.Minute(), clock.Second(), clock.Nanosecond(), now.Location())
			return Result{Timestamp: ts, Found: true, Remaining: text[len(m[0]):]}
		}
	}
	return Result{Remaining: text}
}

func parseISO(s string) (time.Time, bool) {
	s = strings.Replace(s, ",", ".", 1)
	if len(s) > 10 && s[10] == ' ' {
		s = s[:10] + "T" + s[11:]
	}
	for _, layout := range isoLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// ParseTimestamp parses a JSON timestamp value: an RFC 3339 string, a
// numeric string, or a Unix epoch number in seconds, milliseconds,
// microseconds or nanoseconds chosen by magnitude.
func (p *Parser) ParseTimestamp(v any) (time.Time, bool) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}
		if ts, ok := parseISO(s); ok {
			return ts, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return parseUnix(f), true
		}
		if r := p.ParseFromText(s); r.Found {
			return r.Timestamp, true
		}
		return time.Time{}, false
	case float64:
		return parseUnix(x), x > 0
	case int:
		return parseUnix(float64(x)), x > 0
	case int64:
		return parseUnix(float64(x)), x > 0
	case uint64:
		return parseUnix(float64(x)), x > 0
	}
	return time.Time{}, false
}

func parseUnix(v float64) time.Time {
	switch {
	case v < 1e11:
		sec := int64(v)
		return time.Unix(sec, int64((v-float64(sec))*1e9)).UTC()
	case v < 1e14:
		return time.UnixMilli(int64(v)).UTC()
	case v < 1e17:
		return time.UnixMicro(int64(v)).UTC()
	default:
		return time.Unix(0, int64(v)).UTC()
	}
}

// ExtractLogMessage strips a leading timestamp and severity marker.
func (p *Parser) ExtractLogMessage(text string) string {
	rest := strings.TrimSpace(p.ParseFromText(text).Remaining)
	if m := severityPrefix.FindString(rest); m != "" {
		rest = rest[len(m):]
	}
	if rest == "" {
		return strings.TrimSpace(text)
	}
	return rest
}

