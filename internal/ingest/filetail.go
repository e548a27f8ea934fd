package ingest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"insiderwatch/internal/config"
	"insiderwatch/internal/model"
	"insiderwatch/internal/normalize"
)

const tailPollInterval = time.Second

// FileTailer follows producer log files. Writes are picked up from fsnotify
// events on the file's directory, with a poll as fallback for filesystems
// that do not deliver them.
type FileTailer struct {
	cfg    *config.Manager
	out    chan<- model.ActivityEvent
	logger *slog.Logger
	poll   time.Duration
}

func NewFileTailer(cfg *config.Manager, out chan<- model.ActivityEvent, logger *slog.Logger) *FileTailer {
	return &FileTailer{cfg: cfg, out: out, logger: logger, poll: tailPollInterval}
}

func (t *FileTailer) Serve(ctx context.Context) error {
	current := t.cfg.Get().Ingest.FileTail
	var wg sync.WaitGroup
	for _, path := range current.Files {
		if t.logger != nil {
			t.logger.Info("file tail ingest enabled", "path", path, "start_at_end", current.StartAtEnd)
		}
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			t.tail(ctx, path, current.StartAtEnd)
		}(path)
	}
	wg.Wait()
	return ctx.Err()
}

func (t *FileTailer) String() string { return "ingest-filetail" }

type tailState struct {
	file    *os.File
	reader  *bufio.Reader
	offset  int64
	partial string
}

func (s *tailState) close() {
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = nil
	s.reader = nil
	s.offset = 0
	s.partial = ""
}

// replaced reports whether path was truncated, removed or now names a
// different file than the open handle.
func (s *tailState) replaced(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.Size() < s.offset {
		return true
	}
	open, err := s.file.Stat()
	if err != nil {
		return true
	}
	return !os.SameFile(open, info)
}

func (t *FileTailer) tail(ctx context.Context, path string, startAtEnd bool) {
	wake := t.watch(ctx, path)
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	st := &tailState{}
	defer st.close()
	first := true
	for {
		if st.file == nil {
			f, err := os.Open(path)
			if err == nil {
				st.file = f
				st.reader = bufio.NewReader(f)
				// Only the first open honours start_at_end; a rotated file is read from the top.
				if startAtEnd && first {
					if pos, err := f.Seek(0, io.SeekEnd); err == nil {
						st.offset = pos
					}
				}
				first = false
			} else if !errors.Is(err, os.ErrNotExist) && t.logger != nil {
				t.logger.Warn("tail open failed", "path", path, "err", err)
			}
		}
		if st.file != nil {
			t.drain(ctx, path, st)
		}
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}

// drain reads every complete line available and reopens on truncation or
// rotation.
func (t *FileTailer) drain(ctx context.Context, path string, st *tailState) {
	for {
		chunk, err := st.reader.ReadString('\n')
		st.offset += int64(len(chunk))
		if err != nil {
			st.partial += chunk
			if !errors.Is(err, io.EOF) {
				if t.logger != nil {
					t.logger.Warn("tail read error", "path", path, "err", err)
				}
				st.close()
				return
			}
			if st.replaced(path) {
				st.close()
			}
			return
		}
		line := st.partial + chunk
		st.partial = ""
		t.handle(ctx, line)
	}
}

func (t *FileTailer) handle(ctx context.Context, line string) {
	fields, err := ParseLine(line)
	if err != nil || fields == nil {
		if err != nil && t.logger != nil {
			t.logger.Debug("tail parse error", "err", err)
		}
		return
	}
	ev, err := normalize.Normalize(*fields, "file_tail")
	if err != nil {
		if t.logger != nil {
			t.logger.Warn("tail normalize error", "err", err)
		}
		return
	}
	SendNonBlocking(ctx, t.out, ev, t.logger)
}

// watch returns a channel signalled on writes to path. A nil channel is
// returned when fsnotify is unavailable, leaving polling in charge.
func (t *FileTailer) watch(ctx context.Context, path string) <-chan struct{} {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		if t.logger != nil {
			t.logger.Debug("fsnotify unavailable, polling", "path", path, "err", err)
		}
		return nil
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		if t.logger != nil {
			t.logger.Debug("fsnotify watch failed, polling", "path", path, "err", err)
		}
		return nil
	}
	wake := make(chan struct{}, 1)
	target := filepath.Clean(path)
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if t.logger != nil {
					t.logger.Debug("fsnotify error", "path", path, "err", err)
				}
			}
		}
	}()
	return wake
}
