package audit

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Sink receives complete, newline-terminated record lines. A Write returns
// only after the line has been handed to the destination.
type Sink interface {
	io.Writer
	Close() error
}

// FileSink appends lines to a file and fsyncs after every write.
type FileSink struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// NewFileSink returns a sink for path. The file is opened lazily on the first
// write and reopened after any write failure.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Path returns the file path the sink appends to.
func (s *FileSink) Path() string { return s.path }

func (s *FileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		if err := s.open(); err != nil {
			return 0, err
		}
	}

	n, err := s.file.Write(p)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	if err == nil {
		err = s.file.Sync()
	}
	if err != nil {
		_ = s.file.Close()
		s.file = nil
		return n, fmt.Errorf("audit.FileSink.Write %s: %w", s.path, err)
	}
	return n, nil
}

// open creates the file if needed. A file left ending mid-line by an abrupt
// termination gets a newline first so the fragment stays on its own line.
func (s *FileSink) open() error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("audit.FileSink.open: %w", err)
		}
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("audit.FileSink.open: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("audit.FileSink.open: %w", err)
	}

	if size := info.Size(); size > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, size-1); err != nil {
			_ = f.Close()
			return fmt.Errorf("audit.FileSink.open: read tail: %w", err)
		}
		if last[0] != '\n' {
			if _, err := f.Write([]byte{'\n'}); err != nil {
				_ = f.Close()
				return fmt.Errorf("audit.FileSink.open: seal torn tail: %w", err)
			}
		}
	}

	s.file = f
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	if err != nil {
		return fmt.Errorf("audit.FileSink.Close: %w", err)
	}
	return nil
}

// ConsoleMode selects when the interactive mirror is attached.
type ConsoleMode string

const (
	ConsoleAuto   ConsoleMode = "auto"
	ConsoleAlways ConsoleMode = "always"
	ConsoleNever  ConsoleMode = "never"
)

// ConsoleFormat selects how mirrored lines are rendered. ConsoleJSON, the
// default, mirrors the exact line written to the file. ConsoleText is an
// opt-in operator view rendered through zerolog's console writer; it drops
// run_id and mono_ns.
type ConsoleFormat string

const (
	ConsoleJSON ConsoleFormat = "json"
	ConsoleText ConsoleFormat = "text"
)

// ErrConsoleDetached is returned by a console sink with no output attached.
var ErrConsoleDetached = errors.New("audit: console detached")

// ConsoleSink mirrors lines to an interactive stream. It is best-effort: a
// detached or failing stream never affects the durable sinks.
type ConsoleSink struct {
	mu  sync.Mutex
	out io.Writer // nil when detached
}

// NewConsoleSink attaches to f according to mode. In auto mode the sink is
// attached only when f is a terminal.
func NewConsoleSink(f *os.File, mode ConsoleMode, format ConsoleFormat) *ConsoleSink {
	if f == nil || mode == ConsoleNever {
		return &ConsoleSink{}
	}
	if mode == ConsoleAuto && !term.IsTerminal(int(f.Fd())) {
		return &ConsoleSink{}
	}
	return NewWriterSink(f, format)
}

// NewWriterSink mirrors to w unconditionally.
func NewWriterSink(w io.Writer, format ConsoleFormat) *ConsoleSink {
	if w == nil {
		return &ConsoleSink{}
	}
	if format == ConsoleText {
		w = newTextWriter(w)
	}
	return &ConsoleSink{out: w}
}

// Attached reports whether the sink has an output stream.
func (s *ConsoleSink) Attached() bool {
	return s.out != nil
}

func (s *ConsoleSink) Write(p []byte) (int, error) {
	if s.out == nil {
		return 0, ErrConsoleDetached
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Write(p)
}

func (s *ConsoleSink) Close() error { return nil }

func newTextWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:           w,
		NoColor:       true,
		TimeFormat:    "15:04:05.000",
		FieldsExclude: []string{KeyMono, KeyRunID},
		FormatLevel: func(i any) string {
			s, _ := i.(string)
			return fmt.Sprintf("%-5s", strings.ToUpper(s))
		},
		FormatPrepare: func(evt map[string]any) error {
			// Render the nested fields object inline as key=value pairs.
			if nested, ok := evt[KeyFields].(map[string]any); ok {
				delete(evt, KeyFields)
				for k, v := range nested {
					if _, clash := evt[k]; !clash {
						evt[k] = v
					}
				}
			}
			return nil
		},
	}
}
