package audit

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/valyala/fastjson"
)

// Entry is a record read back from an audit file.
type Entry struct {
	File     string // set by ReadFile and ReadFiles
	Line     int    // 1-based line number in the file
	Time     time.Time
	Mono     time.Duration
	Seq      uint64
	RunID    string
	Severity Severity
	Source   string
	Message  string
	Fields   map[string]any
}

// Str returns the string field key, or "" when absent or not a string.
func (e Entry) Str(key string) string {
	s, _ := e.Fields[key].(string)
	return s
}

// ScanStats summarises a scan.
type ScanStats struct {
	Lines   int // lines seen, including skipped ones
	Entries int // lines decoded into entries
	Skipped int // malformed lines and a torn final line
}

// ErrStop may be returned by a scan callback to end the scan early.
var ErrStop = errors.New("audit: stop scan")

// maxLine bounds a single record line; longer lines are skipped.
const maxLine = 1 << 20

// Scan decodes records from r in file order. Lines that do not decode, and a
// final line missing its newline (a write cut short by termination), are
// skipped without affecting the records before them.
func Scan(r io.Reader, fn func(Entry) error) (ScanStats, error) {
	var (
		stats  ScanStats
		parser fastjson.Parser
	)
	br := bufio.NewReaderSize(r, maxLine)

	for {
		raw, err := br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			// Oversized line: drain it and count it as skipped.
			stats.Lines++
			stats.Skipped++
			if derr := discardLine(br); derr != nil {
				return stats, nil
			}
			continue
		}
		if len(raw) == 0 && errors.Is(err, io.EOF) {
			return stats, nil
		}

		stats.Lines++
		torn := errors.Is(err, io.EOF) // no trailing newline
		if err != nil && !torn {
			return stats, fmt.Errorf("audit.Scan: %w", err)
		}
		if torn {
			stats.Skipped++
			return stats, nil
		}

		entry, perr := decode(&parser, raw, stats.Lines)
		if perr != nil {
			stats.Skipped++
			continue
		}
		stats.Entries++
		if cbErr := fn(entry); cbErr != nil {
			if errors.Is(cbErr, ErrStop) {
				return stats, nil
			}
			return stats, cbErr
		}
	}
}

func discardLine(br *bufio.Reader) error {
	for {
		_, err := br.ReadSlice('\n')
		if err == nil {
			return nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}

// ReadFile returns every decodable entry in the file at path. A missing file
// yields no entries and no error.
func ReadFile(path string) ([]Entry, ScanStats, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ScanStats{}, nil
		}
		return nil, ScanStats{}, fmt.Errorf("audit.ReadFile: %w", err)
	}
	defer f.Close()

	var entries []Entry
	stats, err := Scan(f, func(e Entry) error {
		e.File = path
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return entries, stats, fmt.Errorf("audit.ReadFile: %w", err)
	}
	return entries, stats, nil
}

// ReadFiles reads a primary audit file and its fallbacks as one trail. After
// a degradation a call's dispatch and its resolution can sit in different
// files, so the files are merged: each file keeps its own order, records of
// the same run interleave by seq and records of different runs by time.
// Repeated and empty paths are read once or not at all. A file that cannot be
// read does not hide the others; its error is joined into the result.
func ReadFiles(paths ...string) ([]Entry, ScanStats, error) {
	var (
		lists [][]Entry
		total ScanStats
		errs  []error
		seen  = make(map[string]bool, len(paths))
	)
	for _, path := range paths {
		if path == "" || seen[filepath.Clean(path)] {
			continue
		}
		seen[filepath.Clean(path)] = true

		entries, stats, err := ReadFile(path)
		if err != nil {
			errs = append(errs, err)
		}
		lists = append(lists, entries)
		total.Lines += stats.Lines
		total.Entries += stats.Entries
		total.Skipped += stats.Skipped
	}
	return merge(lists), total, errors.Join(errs...)
}

func merge(lists [][]Entry) []Entry {
	n := 0
	for _, l := range lists {
		n += len(l)
	}
	out := make([]Entry, 0, n)
	heads := make([]int, len(lists))
	for len(out) < n {
		best := -1
		for i, l := range lists {
			if heads[i] == len(l) {
				continue
			}
			if best < 0 || precedes(l[heads[i]], lists[best][heads[best]]) {
				best = i
			}
		}
		out = append(out, lists[best][heads[best]])
		heads[best]++
	}
	return out
}

// precedes reports whether a was written before b.
func precedes(a, b Entry) bool {
	if a.RunID != "" && a.RunID == b.RunID {
		return a.Seq < b.Seq
	}
	return a.Time.Before(b.Time)
}

func decode(p *fastjson.Parser, raw []byte, line int) (Entry, error) {
	v, err := p.ParseBytes(raw)
	if err != nil {
		return Entry{}, err
	}
	if v.Type() != fastjson.TypeObject || !v.Exists(KeyMessage) {
		return Entry{}, errors.New("not an audit record")
	}

	sev, err := ParseSeverity(string(v.GetStringBytes(KeyLevel)))
	if err != nil {
		return Entry{}, err
	}

	e := Entry{
		Line:     line,
		Mono:     time.Duration(v.GetInt64(KeyMono)),
		Seq:      v.GetUint64(KeySeq),
		RunID:    string(v.GetStringBytes(KeyRunID)),
		Severity: sev,
		Source:   string(v.GetStringBytes(KeySource)),
		Message:  string(v.GetStringBytes(KeyMessage)),
	}
	if ts := v.GetStringBytes(KeyTime); len(ts) > 0 {
		t, terr := time.Parse(time.RFC3339Nano, string(ts))
		if terr != nil {
			return Entry{}, terr
		}
		e.Time = t
	}

	if obj := v.GetObject(KeyFields); obj != nil {
		e.Fields = make(map[string]any, obj.Len())
		obj.Visit(func(key []byte, fv *fastjson.Value) {
			e.Fields[string(key)] = scalar(fv)
		})
	}
	return e, nil
}

func scalar(v *fastjson.Value) any {
	switch v.Type() {
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	case fastjson.TypeNumber:
		if n, err := v.Int64(); err == nil {
			return n
		}
		f, _ := v.Float64()
		return f
	case fastjson.TypeTrue:
		return true
	case fastjson.TypeFalse:
		return false
	case fastjson.TypeNull:
		return nil
	default:
		return v.String()
	}
}
