// Package dispatch writes fully authorized log items to their final
// destination. The queue engine hands items over one at a time, already
// ordered per client.
package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loghaven/loghaven/internal/protocol"
)

// Sink receives authorized log items in dispatch order.
type Sink interface {
	Dispatch(item *protocol.LogItem) error
}

// FileSink appends formatted lines to one file per logger under a base
// directory.
type FileSink struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

// NewFileSink creates the base directory if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("log directory required")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return &FileSink{dir: dir, files: make(map[string]*os.File)}, nil
}

// Dispatch appends the item to its logger's file.
func (f *FileSink) Dispatch(item *protocol.LogItem) error {
	file, err := f.fileFor(item.Logger)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err = file.WriteString(FormatLine(item))
	return err
}

func (f *FileSink) fileFor(logger string) (*os.File, error) {
	if strings.ContainsAny(logger, `/\`) || logger == "." || logger == ".." {
		return nil, fmt.Errorf("invalid logger id %q", logger)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if file, ok := f.files[logger]; ok {
		return file, nil
	}
	path := filepath.Join(f.dir, logger+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("open log file for %s: %w", logger, err)
	}
	f.files[logger] = file
	return file, nil
}

// Close closes every open log file.
func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for logger, file := range f.files {
		if err := file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(f.files, logger)
	}
	return firstErr
}

// FormatLine renders one item as a log line.
func FormatLine(item *protocol.LogItem) string {
	ts := time.UnixMilli(int64(item.Datetime)).UTC().Format("2006-01-02 15:04:05.000")
	var b strings.Builder
	b.WriteString(ts)
	b.WriteByte(' ')
	b.WriteString(item.Level.String())
	if item.Level == protocol.LevelVerbose {
		fmt.Fprintf(&b, "-%d", item.VLevel)
	}
	fmt.Fprintf(&b, " [%s]", item.Logger)
	if item.App != "" {
		fmt.Fprintf(&b, " [%s]", item.App)
	}
	if item.File != "" {
		fmt.Fprintf(&b, " %s:%d", item.File, item.Line)
	}
	if item.Func != "" {
		fmt.Fprintf(&b, " %s", item.Func)
	}
	b.WriteByte(' ')
	b.WriteString(item.Message)
	b.WriteByte('\n')
	return b.String()
}

// MemorySink collects items in order; used by tests and as a stats tap.
type MemorySink struct {
	mu    sync.Mutex
	items []protocol.LogItem
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Dispatch(item *protocol.LogItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, *item)
	return nil
}

// Items returns a copy of everything dispatched so far.
func (m *MemorySink) Items() []protocol.LogItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.LogItem, len(m.items))
	copy(out, m.items)
	return out
}
