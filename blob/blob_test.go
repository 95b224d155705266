package blob

import (
	"bytes"
	"compress/gzip"
	"io"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func TestDescribe(t *testing.T) {
	desc, err := Describe(strings.NewReader("hi\n"))
	require.NoError(t, err)
	require.Equal(t, digest.Digest("sha256:98ea6e4f216f2fb4b69fff9b3a44842c38686ca685f3f55dc48c5d3fb1107be4"), desc.Digest)
	require.Equal(t, int64(3), desc.Size)
}

func TestDescribeTee(t *testing.T) {
	var sink bytes.Buffer
	desc, err := Describe(strings.NewReader("hello world"), &sink)
	require.NoError(t, err)
	require.Equal(t, "hello world", sink.String())
	require.Equal(t, int64(11), desc.Size)
	require.Equal(t, digest.FromString("hello world"), desc.Digest)
}

func TestCompressDualDigest(t *testing.T) {
	content := strings.Repeat("caravel layer content\n", 512)

	var compressed bytes.Buffer
	result, err := Compress(&compressed, strings.NewReader(content))
	require.NoError(t, err)

	require.Equal(t, digest.FromString(content), result.DiffID)
	require.Equal(t, int64(len(content)), result.UncompressedSize)
	require.Equal(t, digest.FromBytes(compressed.Bytes()), result.Digest)
	require.Equal(t, int64(compressed.Len()), result.Size)

	// Round-trip through gzip yields the original bytes.
	zr, err := gzip.NewReader(bytes.NewReader(compressed.Bytes()))
	require.NoError(t, err)
	decompressed, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.Equal(t, content, string(decompressed))
}

func TestVerify(t *testing.T) {
	content := []byte("some blob")
	require.NoError(t, Verify(bytes.NewReader(content), digest.FromBytes(content)))

	err := Verify(bytes.NewReader(content), digest.FromString("something else"))
	var mismatch DigestMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, digest.FromBytes(content), mismatch.Actual)
}

func TestVerifyReader(t *testing.T) {
	content := []byte("layer bytes")

	r := NewVerifyReader(bytes.NewReader(content), digest.FromBytes(content))
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, content, got)

	r = NewVerifyReader(bytes.NewReader(content), digest.FromString("corrupted"))
	_, err = io.ReadAll(r)
	var mismatch DigestMismatchError
	require.ErrorAs(t, err, &mismatch)
}
