// Cross-process transport over a shared append-only file.

package bus

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/maruel/memlake/internal/metrics"
)

// maxFileSize is the size above which the bus file is truncated by the next
// emitter. Readers notice the shrink and start over from the beginning.
const maxFileSize = 1 << 20

// File is a bus shared by every process opening the same directory. Messages
// are appended to <dir>/<topic>.bus and picked up by the other processes
// through fsnotify.
type File struct {
	*Memory
	path    string
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	offset int64
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewFile opens the file transport for topic in dir. Only messages emitted
// after NewFile returns are delivered.
func NewFile(dir, topic string, logger *slog.Logger) (*File, error) {
	m := NewMemory(topic, logger)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bus directory: %w", err)
	}
	path := filepath.Join(dir, m.topic+".bus")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create bus file: %w", err)
	}
	fi, err := f.Stat()
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to stat bus file: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory so truncation and recreation are seen too.
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &File{Memory: m, path: path, watcher: w, offset: fi.Size(), cancel: cancel}
	b.wg.Add(1)
	go b.watch(ctx)
	return b, nil
}

// Emit implements [Bus].
func (b *File) Emit(ctx context.Context, e Event) {
	msg := b.message(e)
	b.deliver(msg)
	data, err := Encode(msg)
	if err != nil {
		b.logger.WarnContext(ctx, "failed to encode bus message", "type", e.Type(), "err", err)
		return
	}
	if err := b.append(data); err != nil {
		b.logger.WarnContext(ctx, "failed to publish bus message", "type", e.Type(), "err", err)
	}
}

func (b *File) append(data []byte) error {
	flags := os.O_APPEND | os.O_CREATE | os.O_WRONLY
	if fi, err := os.Stat(b.path); err == nil && fi.Size() > maxFileSize {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(b.path, flags, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()
	_, err = f.Write(append(data, '\n'))
	return err
}

func (b *File) watch(ctx context.Context) {
	defer b.wg.Done()
	defer func() { _ = b.watcher.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != b.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := b.poll(); err != nil {
					b.logger.Warn("failed to read bus file", "err", err)
				}
			}
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.logger.Warn("error watching bus file", "err", err)
		}
	}
}

// poll reads the messages appended since the last poll and delivers those
// emitted by other processes.
func (b *File) poll() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, err := os.Open(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			b.offset = 0
			return nil
		}
		return err
	}
	defer func() {
		_ = f.Close()
	}()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() < b.offset {
		b.offset = 0
	}
	if _, err := f.Seek(b.offset, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			// Partial line: another process is still writing it.
			return nil
		}
		if err != nil {
			return err
		}
		b.offset += int64(len(line))
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		m, err := Decode(line)
		if err != nil {
			b.logger.Warn("skipping malformed bus message", "err", err)
			continue
		}
		if m.Origin == b.origin {
			continue
		}
		metrics.BusEvents.WithLabelValues(string(m.Change.Type()), "remote").Inc()
		b.deliver(m)
	}
}

// Close implements [Bus].
func (b *File) Close() error {
	b.cancel()
	b.wg.Wait()
	return b.Memory.Close()
}
