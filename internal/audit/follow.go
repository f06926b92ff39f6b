package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fastjson"
)

// followPoll is the fallback read interval used alongside fsnotify events,
// and alone when no watcher can be created.
const followPoll = time.Second

// follower tracks the read position in a growing audit file.
type follower struct {
	path    string
	offset  int64
	line    int
	pending []byte
	parser  fastjson.Parser
	fn      func(Entry)
}

// Follow calls fn for every record appended to the file at path until ctx is
// done. With fromStart set, existing records are delivered first. The file
// does not need to exist yet. A line is delivered only once its newline has
// been written.
func Follow(ctx context.Context, path string, fromStart bool, fn func(Entry)) error {
	fw := &follower{path: filepath.Clean(path), fn: fn}
	if !fromStart {
		if info, err := os.Stat(fw.path); err == nil {
			fw.offset = info.Size()
			// Existing lines still count toward line numbers.
			fw.line = countLines(fw.path)
		}
	}
	if err := fw.drain(); err != nil {
		return err
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("audit.Follow: fsnotify unavailable, polling")
	} else {
		defer watcher.Close()
		if addErr := watcher.Add(filepath.Dir(fw.path)); addErr != nil {
			log.Warn().Err(addErr).Str("dir", filepath.Dir(fw.path)).Msg("audit.Follow: cannot watch directory, polling")
		} else {
			events, errs = watcher.Events, watcher.Errors
		}
	}

	ticker := time.NewTicker(followPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != fw.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				if err := fw.drain(); err != nil {
					return err
				}
			}
		case werr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Debug().Err(werr).Msg("audit.Follow: watcher error")
		case <-ticker.C:
			if err := fw.drain(); err != nil {
				return err
			}
		}
	}
}

// drain reads everything past the current offset and delivers complete lines.
func (fw *follower) drain() error {
	f, err := os.Open(fw.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("audit.Follow: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("audit.Follow: %w", err)
	}
	if info.Size() < fw.offset {
		// Replaced or truncated out from under us: start over.
		fw.offset, fw.line, fw.pending = 0, 0, nil
	}
	if info.Size() == fw.offset {
		return nil
	}

	if _, err := f.Seek(fw.offset, io.SeekStart); err != nil {
		return fmt.Errorf("audit.Follow: %w", err)
	}
	chunk, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("audit.Follow: %w", err)
	}
	fw.offset += int64(len(chunk))
	fw.pending = append(fw.pending, chunk...)

	for {
		i := bytes.IndexByte(fw.pending, '\n')
		if i < 0 {
			break
		}
		raw := fw.pending[:i+1]
		fw.line++
		if e, derr := decode(&fw.parser, raw, fw.line); derr == nil {
			fw.fn(e)
		}
		fw.pending = fw.pending[i+1:]
	}
	if len(fw.pending) == 0 {
		fw.pending = nil
	}
	return nil
}

func countLines(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	n := 0
	buf := make([]byte, 32*1024)
	for {
		c, rerr := f.Read(buf)
		n += bytes.Count(buf[:c], []byte{'\n'})
		if rerr != nil {
			return n
		}
	}
}
