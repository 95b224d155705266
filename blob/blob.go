// Package blob provides the content-addressed primitives shared by the
// layer builder, the cache and the registry client: streaming digest
// computation and the dual-digest gzip compressor.
package blob

import (
	"compress/gzip"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Describe streams r through the canonical (SHA-256) digester, counting
// bytes, and returns a descriptor for the content. Any sinks receive the
// bytes as they are read. Describe never closes r or the sinks.
func Describe(r io.Reader, sinks ...io.Writer) (v1.Descriptor, error) {
	digester := digest.Canonical.Digester()
	w := io.Writer(digester.Hash())
	if len(sinks) > 0 {
		w = io.MultiWriter(append([]io.Writer{w}, sinks...)...)
	}

	n, err := io.Copy(w, r)
	if err != nil {
		return v1.Descriptor{}, err
	}

	return v1.Descriptor{
		Digest: digester.Digest(),
		Size:   n,
	}, nil
}

// DigestMismatchError is returned when content does not hash to the digest
// it was advertised under.
type DigestMismatchError struct {
	Expected digest.Digest
	Actual   digest.Digest
}

func (e DigestMismatchError) Error() string {
	return fmt.Sprintf("content digest %s does not match expected %s", e.Actual, e.Expected)
}

// Verify reads r to EOF and checks that the content matches expected.
// The bytes are discarded; use NewVerifyReader to keep them.
func Verify(r io.Reader, expected digest.Digest) error {
	digester := digest.Canonical.Digester()
	if _, err := io.Copy(digester.Hash(), r); err != nil {
		return err
	}
	if actual := digester.Digest(); actual != expected {
		return DigestMismatchError{Expected: expected, Actual: actual}
	}
	return nil
}

// verifyReader wraps a reader and fails the final Read with a
// DigestMismatchError when the stream does not hash to the expected digest.
type verifyReader struct {
	r        io.Reader
	digester digest.Digester
	expected digest.Digest
}

// NewVerifyReader returns a reader which yields exactly the bytes of r and
// returns DigestMismatchError in place of io.EOF if the content does not
// match expected.
func NewVerifyReader(r io.Reader, expected digest.Digest) io.Reader {
	return &verifyReader{
		r:        r,
		digester: digest.Canonical.Digester(),
		expected: expected,
	}
}

func (vr *verifyReader) Read(p []byte) (int, error) {
	n, err := vr.r.Read(p)
	if n > 0 {
		if _, werr := vr.digester.Hash().Write(p[:n]); werr != nil {
			return n, werr
		}
	}
	if err == io.EOF {
		if actual := vr.digester.Digest(); actual != vr.expected {
			return n, DigestMismatchError{Expected: vr.expected, Actual: actual}
		}
	}
	return n, err
}

// Compressed describes the result of compressing a stream: the wire digest
// and size of the gzipped bytes alongside the digest and size of the
// uncompressed input. Manifests and blob endpoints name the former, image
// configs name the latter.
type Compressed struct {
	Digest           digest.Digest
	Size             int64
	DiffID           digest.Digest
	UncompressedSize int64
}

// Compress gzips src into dst while computing both digests in one pass: the
// uncompressed stream is teed through a digester before the gzip encoder and
// the compressed stream through another after it. Neither src nor dst is
// closed.
func Compress(dst io.Writer, src io.Reader) (Compressed, error) {
	compressedDigester := digest.Canonical.Digester()
	compressedCounter := &countingWriter{w: io.MultiWriter(dst, compressedDigester.Hash())}

	zw := gzip.NewWriter(compressedCounter)

	uncompressedDigester := digest.Canonical.Digester()
	n, err := io.Copy(io.MultiWriter(zw, uncompressedDigester.Hash()), src)
	if err != nil {
		zw.Close()
		return Compressed{}, err
	}
	if err := zw.Close(); err != nil {
		return Compressed{}, err
	}

	return Compressed{
		Digest:           compressedDigester.Digest(),
		Size:             compressedCounter.n,
		DiffID:           uncompressedDigester.Digest(),
		UncompressedSize: n,
	}, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
