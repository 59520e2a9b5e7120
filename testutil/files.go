package testutil

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

// Entry is one named file inside a rotated set or archive
type Entry struct {
	Name  string
	Lines []string
}

func content(lines []string) []byte {
	if len(lines) == 0 {
		return nil
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

// WriteLines writes lines as a plain text file and returns its path
func WriteLines(t testing.TB, path string, lines []string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content(lines), 0o644))
	return path
}

// WriteGzip writes lines as a gzip file and returns its path
func WriteGzip(t testing.TB, path string, lines []string) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(content(lines))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

// WriteZip writes entries into a zip archive in the given order
func WriteZip(t testing.TB, path string, entries []Entry) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.Name)
		require.NoError(t, err)
		_, err = w.Write(content(e.Lines))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

// WriteTar writes entries into a tar archive, gzipped when compress is set
func WriteTar(t testing.TB, path string, entries []Entry, compress bool) string {
	t.Helper()
	var raw bytes.Buffer
	tw := tar.NewWriter(&raw)
	for _, e := range entries {
		data := content(e.Lines)
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     e.Name,
			Mode:     0o644,
			Size:     int64(len(data)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	out := raw.Bytes()
	if compress {
		var gzBuf bytes.Buffer
		gz := gzip.NewWriter(&gzBuf)
		_, err := gz.Write(out)
		require.NoError(t, err)
		require.NoError(t, gz.Close())
		out = gzBuf.Bytes()
	}
	require.NoError(t, os.WriteFile(path, out, 0o644))
	return path
}

// RotatedEntries names chunks the way a JVM rotates base: base.0, base.1 and
// so on, with the last chunk as the active file. JDK 8 marks the active file
// with a .current suffix; later JDKs leave it unnumbered.
func RotatedEntries(base string, chunks [][]string, jdk8 bool) []Entry {
	entries := make([]Entry, len(chunks))
	for i, chunk := range chunks {
		name := base + "." + strconv.Itoa(i)
		if i == len(chunks)-1 {
			if jdk8 {
				name += ".current"
			} else {
				name = base
			}
		}
		entries[i] = Entry{Name: name, Lines: chunk}
	}
	return entries
}

// WriteDir writes each entry as a plain file under dir and returns dir
func WriteDir(t testing.TB, dir string, entries []Entry) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, e := range entries {
		WriteLines(t, filepath.Join(dir, e.Name), e.Lines)
	}
	return dir
}

// Reversed returns entries in reverse order, for checking that readers order
// rotated files by name rather than by archive position.
func Reversed(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	return out
}
