package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Top-level keys of a serialized record. time, level and message match
// zerolog's default field names so the text console mirror can render lines
// with zerolog.ConsoleWriter.
const (
	KeyTime    = "time"
	KeyMono    = "mono_ns"
	KeySeq     = "seq"
	KeyRunID   = "run_id"
	KeyLevel   = "level"
	KeySource  = "source"
	KeyMessage = "message"
	KeyFields  = "fields"
)

type wireRecord struct {
	Time    string `json:"time"`
	Mono    int64  `json:"mono_ns"`
	Seq     uint64 `json:"seq"`
	RunID   string `json:"run_id"`
	Level   string `json:"level"`
	Source  string `json:"source"`
	Message string `json:"message"`
	Fields  Fields `json:"fields,omitempty"`
}

// encodeLine serializes rec as a single newline-terminated JSON line.
// json.Marshal escapes control characters, so the only newline is the
// terminator.
func encodeLine(rec Record, seq uint64, runID string, start time.Time) ([]byte, error) {
	w := wireRecord{
		Time:    rec.time.UTC().Format(time.RFC3339Nano),
		Mono:    int64(rec.time.Sub(start)),
		Seq:     seq,
		RunID:   runID,
		Level:   rec.severity.String(),
		Source:  rec.source,
		Message: rec.message,
		Fields:  rec.fields,
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("audit.encodeLine: %w", err)
	}
	return append(b, '\n'), nil
}
