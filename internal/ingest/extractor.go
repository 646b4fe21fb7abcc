package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tinytelemetry/outpost/internal/logparse"
	"github.com/tinytelemetry/outpost/internal/model"
	"github.com/tinytelemetry/outpost/internal/timestamp"
)

// Attribute keys the extractor fills from structured input.
const (
	AttrSource       = "log.source"
	AttrApp          = "app"
	AttrHostName     = "host.name"
	AttrScopeName    = "otel.scope.name"
	AttrScopeVersion = "otel.scope.version"
	AttrRaw          = "log.record.original"
)

var (
	messageKeys   = []string{"msg", "message", "body", "text", "log"}
	levelKeys     = []string{"level", "severity", "lvl", "loglevel", "log.level"}
	timestampKeys = []string{"time", "timestamp", "ts", "@timestamp", "date", "datetime"}
	traceIDKeys   = []string{"trace_id", "traceId", "traceID", "trace.id"}
	spanIDKeys    = []string{"span_id", "spanId", "spanID", "span.id"}
)

var timestamps = timestamp.NewParser()

// ParseJSONLogEntries parses one JSON line into one or more log records.
// It accepts OTLP/JSON log envelopes, bare OTLP log records and generic
// structured logs (pino, bunyan, winston, zap, logrus).
func ParseJSONLogEntries(line string) []*model.LogRecord {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil
	}

	if records, ok := parseOTELJSONLogEntries(raw); ok {
		return records
	}
	return []*model.LogRecord{parseGenericJSON(raw)}
}

// ParseJSONLogEntry parses a JSON log line into a single record.
// When an OTLP envelope holds several records the first is returned.
func ParseJSONLogEntry(line string) *model.LogRecord {
	records := ParseJSONLogEntries(line)
	if len(records) == 0 {
		return nil
	}
	return records[0]
}

// CreateFallbackLogEntry wraps a plain-text line. The severity is taken
// from the text and a leading timestamp is honoured when present.
func CreateFallbackLogEntry(line string) *model.LogRecord {
	now := time.Now()
	level := logparse.ExtractSeverityFromText(line)

	ts := now
	if result := timestamps.ParseFromText(strings.TrimSpace(line)); result.Found {
		ts = result.Timestamp
	}

	return &model.LogRecord{
		Timestamp:         ts,
		ObservedTimestamp: now,
		Severity:          logparse.SeverityNumber(level),
		SeverityText:      level,
		Body:              sanitizeLogMessage(line),
		Attributes:        model.Attributes{},
	}
}

func parseGenericJSON(raw map[string]interface{}) *model.LogRecord {
	now := time.Now()
	level := logparse.NormalizeSeverity(ExtractLevelFromJSON(raw))

	record := &model.LogRecord{
		Timestamp:         now,
		ObservedTimestamp: now,
		Severity:          logparse.SeverityNumber(level),
		SeverityText:      level,
		Attributes:        model.Attributes{},
	}
	if ts := ExtractTimestampFromJSON(raw); !ts.IsZero() {
		record.Timestamp = ts
	}

	consumed := map[string]bool{}
	if key, msg := firstString(raw, messageKeys); key != "" {
		record.Body = sanitizeLogMessage(msg)
		consumed[key] = true
	}
	if key, _ := firstString(raw, levelKeys); key != "" {
		consumed[key] = true
	}
	for _, key := range timestampKeys {
		if _, ok := raw[key]; ok {
			consumed[key] = true
			break
		}
	}
	if key, id := firstString(raw, traceIDKeys); key != "" && model.IsValidTraceID(strings.ToLower(id)) {
		record.TraceID = strings.ToLower(id)
		consumed[key] = true
	}
	if key, id := firstString(raw, spanIDKeys); key != "" && model.IsValidSpanID(strings.ToLower(id)) {
		record.SpanID = strings.ToLower(id)
		consumed[key] = true
	}
	if app := ExtractStringField(raw, "_app"); app != "" {
		record.Attributes[AttrApp] = app
	}
	consumed["_app"] = true

	for k, v := range raw {
		if consumed[k] {
			continue
		}
		if val := attributeValue(v); val != nil {
			record.Attributes[k] = val
		}
	}

	if record.Body == "" {
		if encoded, err := json.Marshal(raw); err == nil {
			record.Body = string(encoded)
		}
	}
	return record
}

func firstString(raw map[string]interface{}, keys []string) (string, string) {
	for _, k := range keys {
		if v, ok := raw[k]; ok {
			if s := stringifyJSONValue(v); s != "" {
				return k, s
			}
		}
	}
	return "", ""
}

// ExtractLevelFromJSON returns the level spelling of a structured log.
// Numeric pino/bunyan levels are mapped to names. The default is INFO.
func ExtractLevelFromJSON(raw map[string]interface{}) string {
	for _, key := range levelKeys {
		switch v := raw[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return logparse.PinoLevelToString(int(v))
		case int:
			return logparse.PinoLevelToString(v)
		case int64:
			return logparse.PinoLevelToString(int(v))
		}
	}
	return "INFO"
}

// ExtractTimestampFromJSON returns the first parseable timestamp field, or
// the zero time.
func ExtractTimestampFromJSON(raw map[string]interface{}) time.Time {
	for _, key := range timestampKeys {
		v, ok := raw[key]
		if !ok {
			continue
		}
		if ts, ok := timestamps.ParseTimestamp(v); ok {
			return ts
		}
	}
	return time.Time{}
}

func parseOTELJSONLogEntries(raw map[string]interface{}) ([]*model.LogRecord, bool) {
	if resourceLogs, ok := raw["resourceLogs"]; ok {
		return parseOTELResourceLogs(resourceLogs), true
	}

	if scopeLogs, ok := raw["scopeLogs"]; ok {
		inherited := parseOTELResourceAttributes(raw["resource"])
		return parseOTELScopeLogs(scopeLogs, inherited), true
	}

	if instrumentationLogs, ok := raw["instrumentationLibraryLogs"]; ok {
		inherited := parseOTELResourceAttributes(raw["resource"])
		return parseOTELScopeLogs(instrumentationLogs, inherited), true
	}

	if logRecords, ok := raw["logRecords"]; ok {
		baseAttrs := parseOTELResourceAttributes(raw["resource"])
		return parseOTELLogRecords(logRecords, baseAttrs, model.Scope{}), true
	}

	if isOTELLogRecord(raw) {
		return []*model.LogRecord{parseOTELLogRecord(raw, nil, model.Scope{})}, true
	}

	return nil, false
}

func parseOTELResourceLogs(value interface{}) []*model.LogRecord {
	resourceLogs, ok := value.([]interface{})
	if !ok {
		return nil
	}

	var records []*model.LogRecord
	for _, item := range resourceLogs {
		resourceLog, ok := item.(map[string]interface{})
		if !ok {
			continue
		}

		inherited := parseOTELResourceAttributes(resourceLog["resource"])
		scopeLogsVal := resourceLog["scopeLogs"]
		if scopeLogsVal == nil {
			scopeLogsVal = resourceLog["instrumentationLibraryLogs"]
		}
		records = append(records, parseOTELScopeLogs(scopeLogsVal, inherited)...)
	}
	return records
}

func parseOTELResourceAttributes(value interface{}) model.Attributes {
	resource, ok := value.(map[string]interface{})
	if !ok {
		return model.Attributes{}
	}
	return parseOTELAttributes(resource["attributes"])
}

func parseOTELScopeLogs(value interface{}, inherited model.Attributes) []*model.LogRecord {
	scopeLogs, ok := value.([]interface{})
	if !ok {
		return nil
	}

	var records []*model.LogRecord
	for _, item := range scopeLogs {
		scopeLog, ok := item.(map[string]interface{})
		if !ok {
			continue
		}

		var scope model.Scope
		scopeAttrs := inherited.Clone()
		if scopeAttrs == nil {
			scopeAttrs = model.Attributes{}
		}
		scopeAttrs.Merge(parseOTELAttributes(scopeLog["attributes"]))

		for _, key := range []string{"scope", "instrumentationLibrary"} {
			s, ok := scopeLog[key].(map[string]interface{})
			if !ok {
				continue
			}
			scope.Name = ExtractStringField(s, "name")
			scope.Version = ExtractStringField(s, "version")
			scopeAttrs.Merge(parseOTELAttributes(s["attributes"]))
			break
		}

		records = append(records, parseOTELLogRecords(scopeLog["logRecords"], scopeAttrs, scope)...)
	}
	return records
}

func parseOTELLogRecords(value interface{}, inherited model.Attributes, scope model.Scope) []*model.LogRecord {
	logRecords, ok := value.([]interface{})
	if !ok {
		return nil
	}

	records := make([]*model.LogRecord, 0, len(logRecords))
	for _, item := range logRecords {
		logRecord, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		records = append(records, parseOTELLogRecord(logRecord, inherited, scope))
	}
	return records
}

func parseOTELLogRecord(raw map[string]interface{}, inherited model.Attributes, scope model.Scope) *model.LogRecord {
	now := time.Now()
	attributes := inherited.Clone()
	if attributes == nil {
		attributes = model.Attributes{}
	}
	attributes.Merge(parseOTELAttributes(raw["attributes"]))
	if scope.Name != "" {
		attributes[AttrScopeName] = scope.Name
	}
	if scope.Version != "" {
		attributes[AttrScopeVersion] = scope.Version
	}

	record := &model.LogRecord{
		Timestamp:         now,
		ObservedTimestamp: now,
		Attributes:        attributes,
		Scope:             scope,
	}

	if traceID := strings.ToLower(ExtractStringField(raw, "traceId")); model.IsValidTraceID(traceID) {
		record.TraceID = traceID
	}
	if spanID := strings.ToLower(ExtractStringField(raw, "spanId")); model.IsValidSpanID(spanID) {
		record.SpanID = spanID
	}
	if flags, err := strconv.ParseUint(stringifyJSONValue(raw["flags"]), 10, 32); err == nil {
		record.TraceFlags = uint8(flags)
	}

	message := extractOTELBody(raw["body"])
	if message == "" {
		if encoded, err := json.Marshal(raw); err == nil {
			message = string(encoded)
		}
	}
	record.Body = sanitizeLogMessage(message)

	severityNumber := parseOTELSeverityNumber(raw["severityNumber"])
	severity := ExtractStringField(raw, "severityText")
	switch {
	case severity == "" && severityNumber > 0:
		severity = logparse.SeverityFromNumber(severityNumber)
	case severity == "":
		severity = "INFO"
	}
	normalized := logparse.NormalizeSeverity(severity)
	if severityNumber == 0 {
		severityNumber = logparse.SeverityNumber(normalized)
	}
	record.Severity = severityNumber
	record.SeverityText = normalized

	if ts, ok := parseTimeUnixNano(raw["timeUnixNano"]); ok {
		record.Timestamp = ts
	}
	if ts, ok := parseTimeUnixNano(raw["observedTimeUnixNano"]); ok {
		record.ObservedTimestamp = ts
		if _, hasTime := raw["timeUnixNano"]; !hasTime {
			record.Timestamp = ts
		}
	}
	return record
}

func parseOTELAttributes(value interface{}) model.Attributes {
	out := model.Attributes{}
	attributes, ok := value.([]interface{})
	if !ok {
		return out
	}

	for _, item := range attributes {
		attr, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		key := ExtractStringField(attr, "key")
		if key == "" {
			continue
		}
		if val := extractOTELAnyValue(attr["value"]); val != nil {
			out[key] = val
		}
	}
	return out
}

func extractOTELBody(value interface{}) string {
	switch body := value.(type) {
	case string:
		return body
	case map[string]interface{}:
		return stringifyJSONValue(extractOTELAnyValue(body))
	default:
		return stringifyJSONValue(body)
	}
}

// extractOTELAnyValue unwraps an OTLP AnyValue into a Go scalar. Arrays
// and key-value lists are flattened to strings.
func extractOTELAnyValue(value interface{}) interface{} {
	anyValue, ok := value.(map[string]interface{})
	if !ok {
		return attributeValue(value)
	}

	if v, ok := anyValue["stringValue"].(string); ok {
		return v
	}
	if v, ok := anyValue["boolValue"].(bool); ok {
		return v
	}
	if v, ok := anyValue["intValue"]; ok {
		switch n := v.(type) {
		case float64:
			return int64(n)
		case string:
			if i, err := strconv.ParseInt(n, 10, 64); err == nil {
				return i
			}
			return n
		}
	}
	if v, ok := anyValue["doubleValue"]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case string:
			if f, err := strconv.ParseFloat(n, 64); err == nil {
				return f
			}
			return n
		}
	}
	if v, ok := anyValue["bytesValue"].(string); ok {
		return v
	}

	if arrayValue, ok := anyValue["arrayValue"].(map[string]interface{}); ok {
		if vals, ok := arrayValue["values"].([]interface{}); ok {
			parts := make([]string, 0, len(vals))
			for _, v := range vals {
				if part := stringifyJSONValue(extractOTELAnyValue(v)); part != "" {
					parts = append(parts, part)
				}
			}
			return strings.Join(parts, ",")
		}
	}

	if kvListValue, ok := anyValue["kvlistValue"].(map[string]interface{}); ok {
		return stringifyJSONValue(kvListValue["values"])
	}

	return stringifyJSONValue(anyValue)
}

// attributeValue keeps JSON scalars typed and flattens composites.
func attributeValue(v interface{}) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case string, bool:
		return x
	case float64:
		if x == float64(int64(x)) {
			return int64(x)
		}
		return x
	default:
		if s := stringifyJSONValue(x); s != "" {
			return s
		}
		return nil
	}
}

func parseTimeUnixNano(value interface{}) (time.Time, bool) {
	switch v := value.(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, false
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
			return time.Unix(0, n), true
		}
	case float64:
		if v > 0 {
			return time.Unix(0, int64(v)), true
		}
	case int64:
		if v > 0 {
			return time.Unix(0, v), true
		}
	}
	return time.Time{}, false
}

func parseOTELSeverityNumber(value interface{}) model.Severity {
	var n int
	switch v := value.(type) {
	case float64:
		n = int(v)
	case int:
		n = v
	case int64:
		n = int(v)
	case string:
		n, _ = strconv.Atoi(strings.TrimSpace(v))
	}
	if n <= 0 || n > 24 {
		return model.SeverityUnspecified
	}
	return model.Severity(n)
}

func isOTELLogRecord(raw map[string]interface{}) bool {
	for _, key := range []string{
		"timeUnixNano",
		"observedTimeUnixNano",
		"severityNumber",
		"severityText",
		"droppedAttributesCount",
	} {
		if _, ok := raw[key]; ok {
			return true
		}
	}

	_, hasBody := raw["body"]
	_, hasAttrs := raw["attributes"].([]interface{})
	return hasBody && hasAttrs
}

func stringifyJSONValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(value)
}

func sanitizeLogMessage(message string) string {
	return strings.NewReplacer("\t", " ", "\n", " ", "\r", " ").Replace(message)
}

// ExtractStringField returns the first non-empty string value found among the given keys.
func ExtractStringField(raw map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := raw[k]; ok {
			if str := stringifyJSONValue(v); str != "" {
				return str
			}
		}
	}
	return ""
}

// ExtractService extracts the service name from log attributes.
func ExtractService(attributes model.Attributes) string {
	for _, key := range []string{"service.name", "service", "serviceName", AttrApp, "name"} {
		if s, ok := attributes[key].(string); ok && s != "" {
			return s
		}
	}
	return "unknown"
}
