package layer

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func tarEntries(t *testing.T, raw []byte) []*tar.Header {
	t.Helper()
	var headers []*tar.Header
	tr := tar.NewReader(bytes.NewReader(raw))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		headers = append(headers, hdr)
	}
	return headers
}

func TestWriteTarReproducible(t *testing.T) {
	dir := t.TempDir()
	hello := writeFile(t, dir, "hello", "hi\n")

	entries := []Entry{
		{SourcePath: hello, ExtractionPath: "/app/hello", Mode: 0o644},
	}

	var first, second bytes.Buffer
	require.NoError(t, WriteTar(&first, entries))
	require.NoError(t, WriteTar(&second, entries))
	require.Equal(t, first.Bytes(), second.Bytes())
}

func TestWriteTarSortsAndSynthesizesParents(t *testing.T) {
	dir := t.TempDir()
	b := writeFile(t, dir, "b", "bbb")
	a := writeFile(t, dir, "a", "aaa")

	var buf bytes.Buffer
	err := WriteTar(&buf, []Entry{
		{SourcePath: b, ExtractionPath: "/app/libs/b.jar"},
		{SourcePath: a, ExtractionPath: "/app/a.txt"},
	})
	require.NoError(t, err)

	var names []string
	for _, hdr := range tarEntries(t, buf.Bytes()) {
		names = append(names, hdr.Name)
	}
	require.Equal(t, []string{"app/", "app/a.txt", "app/libs/", "app/libs/b.jar"}, names)
}

func TestWriteTarDefaults(t *testing.T) {
	dir := t.TempDir()
	hello := writeFile(t, dir, "hello", "hi\n")

	var buf bytes.Buffer
	require.NoError(t, WriteTar(&buf, []Entry{{SourcePath: hello, ExtractionPath: "/hello"}}))

	headers := tarEntries(t, buf.Bytes())
	require.Len(t, headers, 1)
	hdr := headers[0]
	require.Equal(t, "hello", hdr.Name)
	require.Equal(t, int64(DefaultFileMode), hdr.Mode)
	require.Equal(t, DefaultModTime, hdr.ModTime.UTC())
	require.Equal(t, 0, hdr.Uid)
	require.Equal(t, 0, hdr.Gid)
}

func TestWriteTarRejectsRelativePath(t *testing.T) {
	dir := t.TempDir()
	hello := writeFile(t, dir, "hello", "hi\n")

	err := WriteTar(io.Discard, []Entry{{SourcePath: hello, ExtractionPath: "app/hello"}})
	require.Error(t, err)
}

func TestSelectorStable(t *testing.T) {
	dir := t.TempDir()
	hello := writeFile(t, dir, "hello", "hi\n")

	entries := []Entry{{SourcePath: hello, ExtractionPath: "/hello", Mode: 0o644, ModTime: DefaultModTime}}

	first, err := Selector(entries)
	require.NoError(t, err)
	second, err := Selector(entries)
	require.NoError(t, err)
	require.Equal(t, first, second)

	// Entry order does not matter.
	other := writeFile(t, dir, "other", "other\n")
	forward := []Entry{
		{SourcePath: hello, ExtractionPath: "/hello"},
		{SourcePath: other, ExtractionPath: "/other"},
	}
	backward := []Entry{forward[1], forward[0]}
	fwd, err := Selector(forward)
	require.NoError(t, err)
	bwd, err := Selector(backward)
	require.NoError(t, err)
	require.Equal(t, fwd, bwd)
}

func TestSelectorSensitivity(t *testing.T) {
	dir := t.TempDir()
	hello := writeFile(t, dir, "hello", "hi\n")

	base := []Entry{{SourcePath: hello, ExtractionPath: "/hello", Mode: 0o644, ModTime: DefaultModTime}}
	baseSelector, err := Selector(base)
	require.NoError(t, err)

	// Permissions change.
	modeChanged := []Entry{{SourcePath: hello, ExtractionPath: "/hello", Mode: 0o755, ModTime: DefaultModTime}}
	modeSelector, err := Selector(modeChanged)
	require.NoError(t, err)
	require.NotEqual(t, baseSelector, modeSelector)

	// Modification time change.
	timeChanged := []Entry{{SourcePath: hello, ExtractionPath: "/hello", Mode: 0o644, ModTime: time.Unix(42, 0)}}
	timeSelector, err := Selector(timeChanged)
	require.NoError(t, err)
	require.NotEqual(t, baseSelector, timeSelector)

	// Content change.
	require.NoError(t, os.WriteFile(hello, []byte("changed\n"), 0o644))
	contentSelector, err := Selector(base)
	require.NoError(t, err)
	require.NotEqual(t, baseSelector, contentSelector)
}
