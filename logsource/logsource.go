// Package logsource presents GC log content as one lazy sequence of lines,
// whatever its on-disk shape: a single plain or compressed file, a series of
// rotated files in a directory or archive, or a file that is still growing.
//
// Compression is detected from content, not file names, so a rotated set
// presented as loose files, as a zip, or as a tar.gz yields the same lines in
// the same order.
package logsource

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/c360/gcstreams/errors"
)

// MaxLineSize is the longest line a reader accepts.
const MaxLineSize = 1 << 20

// Source is a body of GC log content that can be opened for reading.
type Source interface {
	// Name identifies the content in logs and metrics
	Name() string
	// Open starts a fresh read. Each Reader is read-once.
	Open(ctx context.Context) (Reader, error)
}

// Reader yields raw lines in chronological order.
type Reader interface {
	// Next returns the next line without its terminator, or io.EOF once the
	// content is exhausted.
	Next() (string, error)
	// Exhausted reports whether Next has returned io.EOF.
	Exhausted() bool
	Close() error
}

// scanReader reads lines from one decoded stream.
type scanReader struct {
	scanner   *bufio.Scanner
	closer    io.Closer
	name      string
	exhausted bool
}

func newScanReader(r io.Reader, closer io.Closer, name string) *scanReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineSize)
	return &scanReader{scanner: scanner, closer: closer, name: name}
}

func (s *scanReader) Next() (string, error) {
	if s.exhausted {
		return "", io.EOF
	}
	if s.scanner.Scan() {
		return strings.TrimSuffix(s.scanner.Text(), "\r"), nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", errors.Tag(errors.ErrReadFailed, errors.WrapTransient(err, "logsource", "Next", "scan "+s.name))
	}
	s.exhausted = true
	return "", io.EOF
}

func (s *scanReader) Exhausted() bool { return s.exhausted }

func (s *scanReader) Close() error {
	if s.closer == nil {
		return nil
	}
	c := s.closer
	s.closer = nil
	return c.Close()
}

// chainReader concatenates readers produced one at a time by next, which
// returns io.EOF when there are no more.
type chainReader struct {
	next      func() (Reader, error)
	cur       Reader
	closer    io.Closer
	exhausted bool
}

func (c *chainReader) Next() (string, error) {
	for {
		if c.exhausted {
			return "", io.EOF
		}
		if c.cur == nil {
			r, err := c.next()
			if err == io.EOF {
				c.exhausted = true
				return "", io.EOF
			}
			if err != nil {
				return "", err
			}
			c.cur = r
		}

		line, err := c.cur.Next()
		if err == nil {
			return line, nil
		}
		if err != io.EOF {
			return "", err
		}
		closeErr := c.cur.Close()
		c.cur = nil
		if closeErr != nil {
			return "", errors.Tag(errors.ErrReadFailed,
				errors.WrapTransient(closeErr, "logsource", "Next", "close segment"))
		}
	}
}

func (c *chainReader) Exhausted() bool { return c.exhausted }

func (c *chainReader) Close() error {
	var first error
	if c.cur != nil {
		first = c.cur.Close()
		c.cur = nil
	}
	if c.closer != nil {
		if err := c.closer.Close(); err != nil && first == nil {
			first = err
		}
		c.closer = nil
	}
	return first
}

// closers closes every element, returning the first error.
type closers []io.Closer

func (cs closers) Close() error {
	var first error
	for _, c := range cs {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
