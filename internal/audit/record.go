package audit

import (
	"fmt"
	"strings"
	"time"
)

// Severity is the level of an audit record.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "DEBUG"
	case SeverityInfo:
		return "INFO"
	case SeverityWarn:
		return "WARN"
	case SeverityError:
		return "ERROR"
	default:
		return fmt.Sprintf("SEVERITY(%d)", int(s))
	}
}

// ParseSeverity parses the serialized form of a severity, case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return SeverityDebug, nil
	case "INFO":
		return SeverityInfo, nil
	case "WARN", "WARNING":
		return SeverityWarn, nil
	case "ERROR":
		return SeverityError, nil
	default:
		return 0, fmt.Errorf("audit.ParseSeverity: unknown severity %q", s)
	}
}

// Fields are the structured attributes of a record. Values are normalized to
// scalars when the record is created.
type Fields map[string]any

// Record is one immutable audit event.
type Record struct {
	time     time.Time
	severity Severity
	source   string
	message  string
	fields   Fields
}

// NewRecord creates a record stamped with the current time. fields is copied.
func NewRecord(sev Severity, source, message string, fields Fields) Record {
	return newRecordAt(time.Now(), sev, source, message, fields)
}

func newRecordAt(t time.Time, sev Severity, source, message string, fields Fields) Record {
	var cp Fields
	if len(fields) > 0 {
		cp = make(Fields, len(fields))
		for k, v := range fields {
			cp[k] = normalize(v)
		}
	}
	return Record{time: t, severity: sev, source: source, message: message, fields: cp}
}

func (r Record) Time() time.Time      { return r.time }
func (r Record) Severity() Severity   { return r.severity }
func (r Record) Source() string       { return r.source }
func (r Record) Message() string      { return r.message }
func (r Record) Field(key string) any { return r.fields[key] }

// Fields returns a copy of the record's fields.
func (r Record) Fields() Fields {
	cp := make(Fields, len(r.fields))
	for k, v := range r.fields {
		cp[k] = v
	}
	return cp
}

func normalize(v any) any {
	switch val := v.(type) {
	case nil, string, bool, float64, int64, uint64:
		return val
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint:
		return uint64(val)
	case uint8:
		return uint64(val)
	case uint16:
		return uint64(val)
	case uint32:
		return uint64(val)
	case float32:
		return float64(val)
	case time.Duration:
		return float64(val) / float64(time.Millisecond)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case error:
		return val.Error()
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}
