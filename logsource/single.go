package logsource

import (
	"bufio"
	"context"
	"io"
	"os"

	"github.com/klauspost/compress/zip"

	"github.com/c360/gcstreams/errors"
)

// File is one logical log stored in a single file. The file may be plain
// text, gzip, zip, tar or tar.gz; archive entries are read as one stream.
type File struct {
	path string
}

// Single returns a Source over the file at path.
func Single(path string) *File {
	return &File{path: path}
}

// Name implements Source
func (f *File) Name() string { return f.path }

// Open implements Source
func (f *File) Open(ctx context.Context) (Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return openFile(f.path)
}

func openFile(path string) (Reader, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, errors.Tag(errors.ErrReadFailed, errors.WrapTransient(err, "logsource", "Open", "open "+path))
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(fh, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		fh.Close()
		return nil, errors.Tag(errors.ErrReadFailed, errors.WrapTransient(err, "logsource", "Open", "sniff "+path))
	}

	// Zip needs random access, so it reads the file directly
	if Sniff(head[:n]) == FormatZip {
		info, err := fh.Stat()
		if err != nil {
			fh.Close()
			return nil, errors.Tag(errors.ErrReadFailed, errors.WrapTransient(err, "logsource", "Open", "stat "+path))
		}
		zr, err := zip.NewReader(fh, info.Size())
		if err != nil {
			fh.Close()
			return nil, errors.WrapInvalid(err, "logsource", "Open", "open zip "+path)
		}
		return zipLines(zr, fh, path, 0), nil
	}

	if _, err := fh.Seek(0, io.SeekStart); err != nil {
		fh.Close()
		return nil, errors.Tag(errors.ErrReadFailed, errors.WrapTransient(err, "logsource", "Open", "rewind "+path))
	}
	r, err := decode(bufio.NewReader(fh), fh, path, 0)
	if err != nil {
		fh.Close()
		return nil, err
	}
	return r, nil
}
