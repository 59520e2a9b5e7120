package logsource

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/c360/gcstreams/errors"
)

// DefaultIdle is how long a tailed file may stay silent before it is
// considered finished.
const DefaultIdle = 30 * time.Second

// Tailed follows a log file a JVM is still writing.
type Tailed struct {
	path string
	idle time.Duration
}

// Tail returns a Source that follows path as it grows. Reading ends when no
// write arrives for idle, or when the context passed to Open ends.
func Tail(path string, idle time.Duration) *Tailed {
	if idle <= 0 {
		idle = DefaultIdle
	}
	return &Tailed{path: path, idle: idle}
}

// Name implements Source
func (t *Tailed) Name() string { return t.path }

// Open implements Source
func (t *Tailed) Open(ctx context.Context) (Reader, error) {
	fh, err := os.Open(t.path)
	if err != nil {
		return nil, errors.Tag(errors.ErrReadFailed, errors.WrapTransient(err, "logsource", "Open", "open "+t.path))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fh.Close()
		return nil, errors.WrapFatal(err, "logsource", "Open", "create watcher")
	}
	// Watch the directory so truncation and re-creation are observed too
	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		watcher.Close()
		fh.Close()
		return nil, errors.WrapTransient(err, "logsource", "Open", "watch "+t.path)
	}

	return &tailReader{
		ctx:     ctx,
		path:    t.path,
		file:    fh,
		reader:  bufio.NewReader(fh),
		watcher: watcher,
		idle:    t.idle,
	}, nil
}

type tailReader struct {
	ctx       context.Context
	path      string
	file      *os.File
	reader    *bufio.Reader
	watcher   *fsnotify.Watcher
	idle      time.Duration
	partial   strings.Builder
	ended     bool
	exhausted bool
}

func (t *tailReader) Next() (string, error) {
	if t.exhausted || t.ended {
		t.exhausted = true
		return "", io.EOF
	}

	timer := time.NewTimer(t.idle)
	defer timer.Stop()

	for {
		chunk, err := t.reader.ReadSlice('\n')
		t.partial.Write(chunk)
		if t.partial.Len() > MaxLineSize {
			t.partial.Reset()
			t.ended = true
			return "", errors.Tag(errors.ErrReadFailed, errors.WrapTransient(bufio.ErrTooLong, "logsource", "Next", "read "+t.path))
		}
		if err == nil {
			line := strings.TrimRight(t.partial.String(), "\r\n")
			t.partial.Reset()
			return line, nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != io.EOF {
			return "", errors.Tag(errors.ErrReadFailed, errors.WrapTransient(err, "logsource", "Next", "read "+t.path))
		}

		if !t.wait(timer) {
			return t.finish()
		}
	}
}

// wait blocks until the file may have grown. It returns false once the idle
// period elapses or the context ends.
func (t *tailReader) wait(timer *time.Timer) bool {
	for {
		select {
		case <-t.ctx.Done():
			return false
		case <-timer.C:
			return false
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return false
			}
			if filepath.Clean(ev.Name) != filepath.Clean(t.path) {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(t.idle)
				if ev.Has(fsnotify.Create) {
					t.reopen()
				}
				return true
			}
		case _, ok := <-t.watcher.Errors:
			if !ok {
				return false
			}
		}
	}
}

// reopen switches to a re-created file after the JVM rotated it in place.
func (t *tailReader) reopen() {
	fh, err := os.Open(t.path)
	if err != nil {
		return
	}
	t.file.Close()
	t.file = fh
	t.reader.Reset(fh)
}

// finish ends the stream, flushing an unterminated trailing line first.
func (t *tailReader) finish() (string, error) {
	t.ended = true
	if t.partial.Len() > 0 {
		line := strings.TrimRight(t.partial.String(), "\r\n")
		t.partial.Reset()
		return line, nil
	}
	t.exhausted = true
	return "", io.EOF
}

func (t *tailReader) Exhausted() bool { return t.exhausted }

func (t *tailReader) Close() error {
	werr := t.watcher.Close()
	ferr := t.file.Close()
	if ferr != nil {
		return ferr
	}
	return werr
}
