package timestamp

import (
	"testing"
	"time"
)

func TestParseFromText_ISO8601(t *testing.T) {
	p := NewParser()

	tests := []struct {
		name  string
		input string
	}{
		{"RFC3339", "2024-01-15T10:30:45Z some log message"},
		{"RFC3339Nano", "2024-01-15T10:30:45.123456789Z some log message"},
		{"RFC3339 offset", "2024-01-15T10:30:45+05:00 some message"},
		{"space separated", "2024-01-15 10:30:45 some log message"},
		{"millis", "2024-01-15 10:30:45.123 some log message"},
		{"micros", "2024-01-15 10:30:45.123456 some log message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := p.ParseFromText(tt.input)
			if !result.Found {
				t.Errorf("ParseFromText(%q) did not find timestamp", tt.input)
			}
			if result.Timestamp.IsZero() {
				t.Errorf("ParseFromText(%q) returned zero timestamp", tt.input)
			}
		})
	}
}

func TestParseFromText_Syslog(t *testing.T) {
	p := NewParser()

	result := p.ParseFromText("Jan 15 10:30:45 some syslog message")
	if !result.Found {
		t.Error("syslog format not parsed")
	}
}

func TestParseFromText_TimeOnly(t *testing.T) {
	p := NewParser()

	result := p.ParseFromText("10:30:45.123 some log message")
	if !result.Found {
		t.Error("time-only format not parsed")
	}
}

func TestParseFromText_NoTimestamp(t *testing.T) {
	p := NewParser()

	result := p.ParseFromText("just a regular log message")
	if result.Found {
		t.Error("should not find timestamp in plain text")
	}
	if result.Remaining != "just a regular log message" {
		t.Errorf("remaining = %q, want original text", result.Remaining)
	}
}

func TestParseFromText_CommaDecimal(t *testing.T) {
	p := NewParser()

	result := p.ParseFromText("2024-01-15 10:30:45,123 international format")
	if !result.Found {
		t.Error("comma decimal format not parsed")
	}
}

func TestParseTimestamp_String(t *testing.T) {
	p := NewParser()

	ts, ok := p.ParseTimestamp("2024-01-15T10:30:45Z")
	if !ok {
		t.Fatal("ParseTimestamp string failed")
	}
	if ts.Year() != 2024 || ts.Month() != time.January || ts.Day() != 15 {
		t.Errorf("ParseTimestamp date = %v, want 2024-01-15", ts)
	}
}

func TestParseTimestamp_UnixSeconds(t *testing.T) {
	p := NewParser()

	// 946684800 = 2000-01-01T00:00:00Z
	ts, ok := p.ParseTimestamp(float64(946684800))
	if !ok {
		t.Fatal("ParseTimestamp unix seconds failed")
	}
	if ts.Year() != 2000 {
		t.Errorf("unix seconds year = %d, want 2000", ts.Year())
	}
}

func TestParseTimestamp_UnixMillis(t *testing.T) {
	p := NewParser()

	ts, ok := p.ParseTimestamp(float64(1705312245000))
	if !ok {
		t.Fatal("ParseTimestamp unix millis failed")
	}
	if ts.Year() != 2024 || ts.Month() != time.January {
		t.Errorf("unix millis = %v, want January 2024", ts)
	}
}

func TestParseTimestamp_UnixMicros(t *testing.T) {
	p := NewParser()

	ts, ok := p.ParseTimestamp(float64(1600000000000000))
	if !ok {
		t.Fatal("ParseTimestamp unix micros failed")
	}
	if ts.Year() != 2020 {
		t.Errorf("unix micros year = %d, want 2020", ts.Year())
	}
}

func TestParseTimestamp_UnixNanos(t *testing.T) {
	p := NewParser()

	// 1.6e18 ns = 1.6e9 seconds, in 2020
	ts, ok := p.ParseTimestamp(float64(1600000000000000000))
	if !ok {
		t.Fatal("ParseTimestamp unix nanos failed")
	}
	if ts.Year() != 2020 {
		t.Errorf("unix nanos year = %d, want 2020", ts.Year())
	}
}

func TestParseTimestamp_Float64_NonZero(t *testing.T) {
	p := NewParser()

	ts, ok := p.ParseTimestamp(float64(1705312245))
	if !ok {
		t.Fatal("ParseTimestamp float64 failed")
	}
	if ts.IsZero() {
		t.Error("should return non-zero time for numeric input")
	}
}

func TestParseTimestamp_Int64(t *testing.T) {
	p := NewParser()

	ts, ok := p.ParseTimestamp(int64(946684800))
	if !ok {
		t.Fatal("ParseTimestamp int64 failed")
	}
	if ts.Year() != 2000 {
		t.Errorf("int64 year = %d, want 2000", ts.Year())
	}
}

func TestParseTimestamp_EmptyString(t *testing.T) {
	p := NewParser()

	_, ok := p.ParseTimestamp("")
	if ok {
		t.Error("ParseTimestamp empty string should return false")
	}
}

func TestExtractLogMessage(t *testing.T) {
	p := NewParser()

	tests := []struct {
		name     string
		input    string
		contains string
	}{
		{"with timestamp", "2024-01-15T10:30:45Z INFO: server started", "server started"},
		{"with severity", "ERROR: connection refused", "connection refused"},
		{"plain message", "some log message", "some log message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := p.ExtractLogMessage(tt.input)
			if msg != tt.contains {
				t.Errorf("ExtractLogMessage(%q) = %q, want %q", tt.input, msg, tt.contains)
			}
		})
	}
}

func TestParseFromText_Remaining(t *testing.T) {
	p := NewParser()

	result := p.ParseFromText("2024-01-15T10:30:45.5+02:00 WARN disk almost full")
	if !result.Found {
		t.Fatal("timestamp not found")
	}
	if result.Remaining != "WARN disk almost full" {
		t.Errorf("remaining = %q", result.Remaining)
	}
	if got := result.Timestamp.UTC().Hour(); got != 8 {
		t.Errorf("UTC hour = %d, want 8", got)
	}
}

func TestParseFromText_SyslogUsesCurrentYear(t *testing.T) {
	p := &Parser{now: func() time.Time { return time.Date(2031, 6, 1, 0, 0, 0, 0, time.UTC) }}

	result := p.ParseFromText("Feb  3 04:05:06 host sshd[42]: accepted")
	if !result.Found || result.Timestamp.Year() != 2031 || result.Timestamp.Day() != 3 {
		t.Errorf("syslog result = %+v", result)
	}
}

func TestParseTimestamp_NumericString(t *testing.T) {
	p := NewParser()

	ts, ok := p.ParseTimestamp("946684800")
	if !ok || ts.Year() != 2000 {
		t.Errorf("numeric string = %v, %v", ts, ok)
	}
}
