// Package logparse maps free-form log level text onto OTLP severity numbers.
package logparse

import (
	"regexp"
	"strings"

	"github.com/tinytelemetry/outpost/internal/model"
)

// SeverityRegex matches common severity levels in log text.
var SeverityRegex = regexp.MustCompile(`(?i)\b(TRACE|DEBUG|INFO|WARN|WARNING|ERROR|FATAL|CRITICAL)\b`)

var aliases = map[string]string{
	"TRACE": "TRACE", "TRAC": "TRACE", "TRC": "TRACE",
	"DEBUG": "DEBUG", "DEBU": "DEBUG", "DBG": "DEBUG", "DEB": "DEBUG",
	"INFO": "INFO", "INFORMATION": "INFO", "INF": "INFO", "NOTICE": "INFO",
	"WARN": "WARN", "WARNING": "WARN", "WRNG": "WARN", "WRN": "WARN",
	"ERROR": "ERROR", "ERR": "ERROR", "ERRO": "ERROR",
	"FATAL": "FATAL", "FATL": "FATAL", "FTL": "FATAL",
	"CRITICAL": "FATAL", "CRIT": "FATAL", "CRT": "FATAL",
	"PANIC": "FATAL", "PNC": "FATAL", "EMERG": "FATAL", "ALERT": "FATAL",
}

var prefixes = map[string]string{
	"INFO": "INFO", "WARN": "WARN", "ERRO": "ERROR", "DEBU": "DEBUG",
	"TRAC": "TRACE", "FATA": "FATAL", "CRIT": "FATAL",
}

var numbers = map[string]model.Severity{
	"TRACE": model.SeverityTrace,
	"DEBUG": model.SeverityDebug,
	"INFO":  model.SeverityInfo,
	"WARN":  model.SeverityWarn,
	"ERROR": model.SeverityError,
	"FATAL": model.SeverityFatal,
}

// NormalizeSeverity converts level spellings to TRACE, DEBUG, INFO, WARN,
// ERROR or FATAL. Unknown input is INFO.
func NormalizeSeverity(severity string) string {
	normalized := strings.ToUpper(strings.TrimSpace(severity))
	if s, ok := aliases[normalized]; ok {
		return s
	}
	if len(normalized) >= 4 {
		if s, ok := prefixes[normalized[:4]]; ok {
			return s
		}
	}
	return "INFO"
}

// SeverityNumber returns the OTLP severity number for a level spelling.
func SeverityNumber(severity string) model.Severity {
	return numbers[NormalizeSeverity(severity)]
}

// SeverityFromNumber returns the normalized name of an OTLP severity number.
func SeverityFromNumber(n model.Severity) string {
	if n <= model.SeverityUnspecified {
		return "INFO"
	}
	return n.String()
}

// ExtractSeverityFromText extracts severity level from log message text.
func ExtractSeverityFromText(message string) string {
	matches := SeverityRegex.FindStringSubmatch(message)
	if len(matches) > 1 {
		return NormalizeSeverity(matches[1])
	}
	return "INFO"
}

// PinoLevelToString converts pino/bunyan numeric levels to strings.
func PinoLevelToString(level int) string {
	switch {
	case level < 20:
		return "TRACE"
	case level < 30:
		return "DEBUG"
	case level < 40:
		return "INFO"
	case level < 50:
		return "WARN"
	case level < 60:
		return "ERROR"
	default:
		return "FATAL"
	}
}
