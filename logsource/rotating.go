package logsource

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/c360/gcstreams/errors"
)

// Rotated is a series of rotated log files read as one chronological stream.
// The series lives either in a directory or inside a single archive.
type Rotated struct {
	path string
}

// Rotating returns a Source over the rotated series at path.
func Rotating(path string) *Rotated {
	return &Rotated{path: path}
}

// Name implements Source
func (r *Rotated) Name() string { return r.path }

// Open implements Source
func (r *Rotated) Open(ctx context.Context) (Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(r.path)
	if err != nil {
		return nil, errors.Tag(errors.ErrReadFailed, errors.WrapTransient(err, "logsource", "Open", "stat "+r.path))
	}
	if !info.IsDir() {
		return openFile(r.path)
	}

	files, err := r.Files()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: no log files in %s", errors.ErrInvalidData, r.path), "logsource", "Open", "list directory")
	}

	i := 0
	return &chainReader{
		next: func() (Reader, error) {
			if i >= len(files) {
				return nil, io.EOF
			}
			path := files[i]
			i++
			return openFile(path)
		},
	}, nil
}

// Files lists the directory's log files in reading order.
func (r *Rotated) Files() ([]string, error) {
	entries, err := os.ReadDir(r.path)
	if err != nil {
		return nil, errors.Tag(errors.ErrReadFailed, errors.WrapTransient(err, "logsource", "Files", "read "+r.path))
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || hidden(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}

	ordered := OrderRotated(names)
	for i, name := range ordered {
		ordered[i] = filepath.Join(r.path, name)
	}
	return ordered, nil
}

// Detect picks a Source for path. Directories are always read as rotated
// series; a file is read as a rotated series when rotating is set.
func Detect(path string, rotating bool) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "logsource", "Detect", "stat "+path)
	}
	if info.IsDir() || rotating {
		return Rotating(path), nil
	}
	return Single(path), nil
}
