package audit

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SourceAudit is the source of records the logger writes about itself.
const SourceAudit = "audit"

// Stats counts logger activity since creation.
type Stats struct {
	Emitted         uint64 // records accepted by Emit
	DurableFailures uint64 // primary durable writes that failed
	FallbackWrites  uint64 // lines written to the fallback file
	Lost            uint64 // records that reached no durable sink and no console
	ConsoleDropped  uint64 // lines the console mirror did not take
}

// Options configures a Logger. Durable is required; Fallback and Console may
// be nil.
type Options struct {
	Durable  Sink
	Fallback Sink
	Console  Sink
	RunID    string // generated when empty
}

// Logger fans every record out to a durable sink (mandatory) and an
// interactive sink (best-effort). All writes pass through one mutex, so the
// durable file holds records in exactly the order Emit was called.
type Logger struct {
	durable  Sink
	fallback Sink
	console  Sink
	runID    string
	start    time.Time

	mu       sync.Mutex
	seq      uint64
	degraded bool
	stats    Stats
}

// New creates a logger.
func New(opts Options) *Logger {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	durable := opts.Durable
	if durable == nil {
		durable = missingSink{}
	}
	return &Logger{
		durable:  durable,
		fallback: opts.Fallback,
		console:  opts.Console,
		runID:    runID,
		start:    time.Now(),
	}
}

// RunID identifies this process run in every record it writes.
func (l *Logger) RunID() string { return l.runID }

// Log is shorthand for Emit(NewRecord(...)).
func (l *Logger) Log(sev Severity, source, message string, fields Fields) {
	l.Emit(NewRecord(sev, source, message, fields))
}

// Emit writes rec to the sinks. It never fails and never panics; sink errors
// degrade to the fallback file, then to the console alone.
func (l *Logger) Emit(rec Record) {
	if l == nil {
		return
	}
	defer func() { _ = recover() }()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.stats.Emitted++
	line := l.encode(rec)
	durable := l.writeDurable(line, rec.time)
	mirrored := l.writeConsole(line)
	if !durable && !mirrored {
		l.stats.Lost++
	}
}

// Stats returns a snapshot of the counters.
func (l *Logger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Close closes every sink.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for _, s := range []Sink{l.durable, l.fallback, l.console} {
		if s != nil {
			errs = append(errs, s.Close())
		}
	}
	return errors.Join(errs...)
}

func (l *Logger) encode(rec Record) []byte {
	l.seq++
	line, err := encodeLine(rec, l.seq, l.runID, l.start)
	if err == nil {
		return line
	}
	// Unencodable field values (NaN, Inf): keep the event, drop its fields.
	stripped := newRecordAt(rec.time, rec.severity, rec.source, rec.message, Fields{"encode_error": err.Error()})
	line, _ = encodeLine(stripped, l.seq, l.runID, l.start)
	return line
}

// writeDurable reports whether the line reached a durable sink. Caller holds mu.
func (l *Logger) writeDurable(line []byte, at time.Time) bool {
	_, err := l.durable.Write(line)
	if err == nil {
		if l.degraded {
			l.degraded = false
			l.writeSelf(SeverityInfo, "durable sink recovered", nil, at, l.durable)
		}
		return true
	}

	l.stats.DurableFailures++
	saved := false
	if l.fallback != nil {
		if _, ferr := l.fallback.Write(line); ferr == nil {
			l.stats.FallbackWrites++
			saved = true
		}
	}

	if !l.degraded {
		l.degraded = true
		fields := Fields{"error": err.Error()}
		if fs, ok := l.durable.(*FileSink); ok {
			fields["path"] = fs.Path()
		}
		l.writeSelf(SeverityError, "durable sink write failed", fields, at, l.fallback, l.console)
	}
	return saved
}

// writeConsole reports whether the console mirror took the line.
func (l *Logger) writeConsole(line []byte) bool {
	if l.console == nil {
		return false
	}
	if _, err := l.console.Write(line); err != nil {
		l.stats.ConsoleDropped++
		return false
	}
	return true
}

// writeSelf records a logger-health event on the given sinks. It consumes a
// sequence number like any other record. Caller holds mu.
func (l *Logger) writeSelf(sev Severity, message string, fields Fields, at time.Time, sinks ...Sink) {
	line := l.encode(newRecordAt(at, sev, SourceAudit, message, fields))
	for _, s := range sinks {
		if s != nil {
			_, _ = s.Write(line)
		}
	}
}

// errNoDurable backs a logger created without a durable sink.
var errNoDurable = errors.New("audit: no durable sink configured")

type missingSink struct{}

func (missingSink) Write([]byte) (int, error) { return 0, errNoDurable }
func (missingSink) Close() error              { return nil }
