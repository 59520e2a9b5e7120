package logsource

import (
	"archive/tar"
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/c360/gcstreams/errors"
)

// Format is the container shape of log content.
type Format int

const (
	// FormatPlain is uncompressed text
	FormatPlain Format = iota
	// FormatGzip is a gzip stream, possibly wrapping a tar archive
	FormatGzip
	// FormatZip is a zip archive
	FormatZip
	// FormatTar is an uncompressed tar archive
	FormatTar
)

// String returns the format name
func (f Format) String() string {
	switch f {
	case FormatGzip:
		return "gzip"
	case FormatZip:
		return "zip"
	case FormatTar:
		return "tar"
	default:
		return "plain"
	}
}

const (
	sniffLen = 512
	// maxNesting bounds archives inside archives
	maxNesting = 4
)

// Sniff identifies the format from the leading bytes of content.
func Sniff(head []byte) Format {
	switch {
	case len(head) >= 2 && head[0] == 0x1f && head[1] == 0x8b:
		return FormatGzip
	case len(head) >= 4 && bytes.Equal(head[:4], []byte("PK\x03\x04")),
		len(head) >= 4 && bytes.Equal(head[:4], []byte("PK\x05\x06")):
		return FormatZip
	case len(head) >= 262 && bytes.Equal(head[257:262], []byte("ustar")):
		return FormatTar
	default:
		return FormatPlain
	}
}

// decode wraps r in a line reader, unwrapping gzip, tar and zip layers.
// closer is released when the returned reader is closed.
func decode(r io.Reader, closer io.Closer, name string, depth int) (Reader, error) {
	if depth > maxNesting {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: archives nested deeper than %d", errors.ErrInvalidData, maxNesting),
			"logsource", "decode", "unwrap "+name)
	}

	br := bufio.NewReaderSize(r, 64*1024)
	head, err := br.Peek(sniffLen)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, errors.Tag(errors.ErrReadFailed, errors.WrapTransient(err, "logsource", "decode", "sniff "+name))
	}

	switch Sniff(head) {
	case FormatGzip:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, errors.WrapInvalid(err, "logsource", "decode", "open gzip "+name)
		}
		return decode(gz, closers{gz, nopCloser(closer)}, name, depth+1)
	case FormatTar:
		return tarLines(tar.NewReader(br), closer, name, depth), nil
	case FormatZip:
		data, err := io.ReadAll(br)
		if err != nil {
			return nil, errors.Tag(errors.ErrReadFailed, errors.WrapTransient(err, "logsource", "decode", "read zip "+name))
		}
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, errors.WrapInvalid(err, "logsource", "decode", "open zip "+name)
		}
		return zipLines(zr, closer, name, depth), nil
	default:
		return newScanReader(br, closer, name), nil
	}
}

// zipLines reads every regular entry in rotation order.
func zipLines(zr *zip.Reader, closer io.Closer, name string, depth int) Reader {
	byName := make(map[string]*zip.File, len(zr.File))
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || hidden(f.Name) {
			continue
		}
		byName[f.Name] = f
		names = append(names, f.Name)
	}
	ordered := OrderRotated(names)

	i := 0
	return &chainReader{
		closer: closer,
		next: func() (Reader, error) {
			if i >= len(ordered) {
				return nil, io.EOF
			}
			entry := ordered[i]
			i++

			rc, err := byName[entry].Open()
			if err != nil {
				return nil, errors.WrapInvalid(err, "logsource", "Next", "open zip entry "+entry)
			}
			return decode(rc, rc, name+"!"+entry, depth+1)
		},
	}
}

// tarLines reads every regular entry in archive order.
func tarLines(tr *tar.Reader, closer io.Closer, name string, depth int) Reader {
	return &chainReader{
		closer: closer,
		next: func() (Reader, error) {
			for {
				hdr, err := tr.Next()
				if err == io.EOF {
					return nil, io.EOF
				}
				if err != nil {
					return nil, errors.Tag(errors.ErrReadFailed,
						errors.WrapTransient(err, "logsource", "Next", "read tar header in "+name))
				}
				if hdr.Typeflag != tar.TypeReg || hidden(hdr.Name) {
					continue
				}
				return decode(tr, nil, name+"!"+hdr.Name, depth+1)
			}
		},
	}
}

type nopCloserT struct{}

func (nopCloserT) Close() error { return nil }

func nopCloser(c io.Closer) io.Closer {
	if c == nil {
		return nopCloserT{}
	}
	return c
}
