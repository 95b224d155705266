// Package cache implements the content-addressed on-disk store for layer
// blobs and base image metadata.
//
// The layout under the cache root:
//
//	layers/<digest-hex>/     immutable once present
//	    blob                 gzipped layer
//	    diff-id
//	    size
//	selectors/<selector-hex> text file naming one layer digest
//	manifests/<image-hex>/
//	    manifest.json        pulled manifest
//	    config.json          pulled container config
//
// Writers stage content under the cache's tmp/ directory and rename it
// into place, so readers observe either a fully populated entry or
// none, and concurrent writers for one key collapse to a single winner.
package cache

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/caravel-build/caravel/blob"
	"github.com/caravel-build/caravel/layer"
	"github.com/caravel-build/caravel/reference"
)

// CorruptedError reports a cache entry in an impossible state, such as a
// selector naming a layer whose blob is missing. Corruption is recoverable:
// the caller deletes the entry and recomputes.
type CorruptedError struct {
	Path   string
	Reason string
}

func (e CorruptedError) Error() string {
	return fmt.Sprintf("cache entry %s corrupted: %s", e.Path, e.Reason)
}

// Cache is a content-addressed store rooted at a directory. The zero value
// is not usable; call New.
type Cache struct {
	root   string
	logger *logrus.Entry
}

// New opens (creating if needed) a cache rooted at dir.
func New(dir string, logger *logrus.Entry) (*Cache, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	for _, sub := range []string{"layers", "selectors", "manifests", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("initializing cache: %w", err)
		}
	}
	return &Cache{root: dir, logger: logger.WithField("cache", dir)}, nil
}

func (c *Cache) layerDir(dgst digest.Digest) string {
	return filepath.Join(c.root, "layers", dgst.Encoded())
}

func (c *Cache) selectorPath(selector digest.Digest) string {
	return filepath.Join(c.root, "selectors", selector.Encoded())
}

// Write compresses the uncompressed tar stream into the cache, computing
// both digests along the way, and records the selector so the layer can be
// reused when the same inputs recur.
func (c *Cache) Write(selector digest.Digest, uncompressed io.Reader) (layer.Descriptor, error) {
	tmp, err := os.CreateTemp(filepath.Join(c.root, "tmp"), "layer-*.tmp")
	if err != nil {
		return layer.Descriptor{}, err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	compressed, err := blob.Compress(tmp, uncompressed)
	if err != nil {
		return layer.Descriptor{}, err
	}
	if err := tmp.Sync(); err != nil {
		return layer.Descriptor{}, err
	}
	if err := tmp.Close(); err != nil {
		return layer.Descriptor{}, err
	}

	desc := layer.Descriptor{
		Digest: compressed.Digest,
		DiffID: compressed.DiffID,
		Size:   compressed.Size,
	}
	if err := c.commitLayer(tmp.Name(), desc); err != nil {
		return layer.Descriptor{}, err
	}
	if err := c.writeSelector(selector, desc.Digest); err != nil {
		return layer.Descriptor{}, err
	}
	return desc, nil
}

// WriteCompressed stores an already-gzipped blob (a pulled base layer)
// keyed by its digest. The caller is expected to have verified the digest;
// it is recomputed here anyway before the entry is committed.
func (c *Cache) WriteCompressed(diffID digest.Digest, compressed io.Reader) (layer.Descriptor, error) {
	tmp, err := os.CreateTemp(filepath.Join(c.root, "tmp"), "layer-*.tmp")
	if err != nil {
		return layer.Descriptor{}, err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	desc, err := blob.Describe(compressed, tmp)
	if err != nil {
		return layer.Descriptor{}, err
	}
	if err := tmp.Sync(); err != nil {
		return layer.Descriptor{}, err
	}
	if err := tmp.Close(); err != nil {
		return layer.Descriptor{}, err
	}

	ld := layer.Descriptor{Digest: desc.Digest, DiffID: diffID, Size: desc.Size}
	if err := c.commitLayer(tmp.Name(), ld); err != nil {
		return layer.Descriptor{}, err
	}
	return ld, nil
}

// commitLayer moves a staged blob into layers/<digest>/ together with its
// sibling metadata. If another writer got there first the staged copy is
// discarded; the existing entry is authoritative.
func (c *Cache) commitLayer(stagedBlob string, desc layer.Descriptor) error {
	dir := c.layerDir(desc.Digest)
	if populated, err := c.layerComplete(dir); err != nil {
		return err
	} else if populated {
		return nil
	}

	staging, err := os.MkdirTemp(filepath.Join(c.root, "tmp"), "commit-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	if err := os.Rename(stagedBlob, filepath.Join(staging, "blob")); err != nil {
		return err
	}
	if err := writeFileSync(filepath.Join(staging, "diff-id"), []byte(desc.DiffID.String())); err != nil {
		return err
	}
	if err := writeFileSync(filepath.Join(staging, "size"), []byte(strconv.FormatInt(desc.Size, 10))); err != nil {
		return err
	}

	if err := os.Rename(staging, dir); err != nil {
		if populated, cerr := c.layerComplete(dir); cerr == nil && populated {
			// Lost the race; the winner's entry stands.
			return nil
		}
		return err
	}
	return nil
}

func (c *Cache) layerComplete(dir string) (bool, error) {
	for _, name := range []string{"blob", "diff-id", "size"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}

func (c *Cache) writeSelector(selector digest.Digest, dgst digest.Digest) error {
	tmp, err := os.CreateTemp(filepath.Join(c.root, "tmp"), "selector-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(dgst.String()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), c.selectorPath(selector))
}

// Retrieve looks up a layer by selector. The second return is false on a
// clean miss. A selector that names a missing or incomplete layer entry
// returns CorruptedError.
func (c *Cache) Retrieve(selector digest.Digest) (layer.Descriptor, bool, error) {
	raw, err := os.ReadFile(c.selectorPath(selector))
	if errors.Is(err, os.ErrNotExist) {
		return layer.Descriptor{}, false, nil
	}
	if err != nil {
		return layer.Descriptor{}, false, err
	}

	dgst, err := digest.Parse(strings.TrimSpace(string(raw)))
	if err != nil {
		return layer.Descriptor{}, false, CorruptedError{Path: c.selectorPath(selector), Reason: err.Error()}
	}

	desc, err := c.Descriptor(dgst)
	if err != nil {
		var corrupted CorruptedError
		if errors.As(err, &corrupted) {
			return layer.Descriptor{}, false, CorruptedError{
				Path:   c.selectorPath(selector),
				Reason: fmt.Sprintf("selector names %s: %s", dgst, corrupted.Reason),
			}
		}
		return layer.Descriptor{}, false, err
	}
	return desc, true, nil
}

// Descriptor returns the stored metadata for a layer digest.
func (c *Cache) Descriptor(dgst digest.Digest) (layer.Descriptor, error) {
	dir := c.layerDir(dgst)
	if populated, err := c.layerComplete(dir); err != nil {
		return layer.Descriptor{}, err
	} else if !populated {
		return layer.Descriptor{}, CorruptedError{Path: dir, Reason: "layer entry absent or partial"}
	}

	diffIDRaw, err := os.ReadFile(filepath.Join(dir, "diff-id"))
	if err != nil {
		return layer.Descriptor{}, err
	}
	diffID, err := digest.Parse(strings.TrimSpace(string(diffIDRaw)))
	if err != nil {
		return layer.Descriptor{}, CorruptedError{Path: dir, Reason: "unparseable diff-id"}
	}

	sizeRaw, err := os.ReadFile(filepath.Join(dir, "size"))
	if err != nil {
		return layer.Descriptor{}, err
	}
	size, err := strconv.ParseInt(strings.TrimSpace(string(sizeRaw)), 10, 64)
	if err != nil {
		return layer.Descriptor{}, CorruptedError{Path: dir, Reason: "unparseable size"}
	}

	return layer.Descriptor{Digest: dgst, DiffID: diffID, Size: size}, nil
}

// WritePulled stores a gzipped blob streamed from a registry, computing
// the diffID by decompressing on the fly.
func (c *Cache) WritePulled(compressed io.Reader) (layer.Descriptor, error) {
	tmp, err := os.CreateTemp(filepath.Join(c.root, "tmp"), "layer-*.tmp")
	if err != nil {
		return layer.Descriptor{}, err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	compressedDigester := digest.Canonical.Digester()
	counted := &countingReader{r: io.TeeReader(compressed, io.MultiWriter(tmp, compressedDigester.Hash()))}

	zr, err := gzip.NewReader(counted)
	if err != nil {
		return layer.Descriptor{}, err
	}
	diffDigester := digest.Canonical.Digester()
	if _, err := io.Copy(diffDigester.Hash(), zr); err != nil {
		return layer.Descriptor{}, err
	}
	if err := zr.Close(); err != nil {
		return layer.Descriptor{}, err
	}
	// Drain trailing bytes the gzip reader did not consume.
	if _, err := io.Copy(io.Discard, counted); err != nil {
		return layer.Descriptor{}, err
	}

	if err := tmp.Sync(); err != nil {
		return layer.Descriptor{}, err
	}
	if err := tmp.Close(); err != nil {
		return layer.Descriptor{}, err
	}

	desc := layer.Descriptor{
		Digest: compressedDigester.Digest(),
		DiffID: diffDigester.Digest(),
		Size:   counted.n,
	}
	if err := c.commitLayer(tmp.Name(), desc); err != nil {
		return layer.Descriptor{}, err
	}
	return desc, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// Root returns the cache root directory.
func (c *Cache) Root() string { return c.root }

// Has reports whether a complete layer entry exists for the digest.
func (c *Cache) Has(dgst digest.Digest) (bool, error) {
	return c.layerComplete(c.layerDir(dgst))
}

// Open returns a reader over the compressed blob for the digest. The
// returned file is seekable, which uploads rely on to resume.
func (c *Cache) Open(dgst digest.Digest) (io.ReadSeekCloser, error) {
	f, err := os.Open(filepath.Join(c.layerDir(dgst), "blob"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, CorruptedError{Path: c.layerDir(dgst), Reason: "blob absent"}
	}
	return f, err
}

// DeleteSelector removes a (presumed corrupt) selector so the layer can be
// rebuilt. Missing selectors are not an error.
func (c *Cache) DeleteSelector(selector digest.Digest) error {
	err := os.Remove(c.selectorPath(selector))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (c *Cache) metadataDir(ref reference.Reference) string {
	return filepath.Join(c.root, "manifests", digest.FromString(ref.String()).Encoded())
}

// WriteMetadata records a pulled base image manifest and container config
// together. The pair becomes visible atomically.
func (c *Cache) WriteMetadata(ref reference.Reference, manifestBytes, configBytes []byte) error {
	staging, err := os.MkdirTemp(filepath.Join(c.root, "tmp"), "metadata-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	if err := writeFileSync(filepath.Join(staging, "manifest.json"), manifestBytes); err != nil {
		return err
	}
	if configBytes != nil {
		if err := writeFileSync(filepath.Join(staging, "config.json"), configBytes); err != nil {
			return err
		}
	}

	dir := c.metadataDir(ref)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.Rename(staging, dir); err != nil {
		// Concurrent refresh; whichever writer renamed last wins.
		if _, statErr := os.Stat(dir); statErr == nil {
			return nil
		}
		return err
	}
	return nil
}

// RetrieveMetadata returns a previously cached manifest/config pair. The
// config may be nil for manifest formats that embed it. The boolean is
// false when no manifest is cached for ref.
func (c *Cache) RetrieveMetadata(ref reference.Reference) (manifestBytes, configBytes []byte, ok bool, err error) {
	dir := c.metadataDir(ref)
	manifestBytes, err = os.ReadFile(filepath.Join(dir, "manifest.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}

	configBytes, err = os.ReadFile(filepath.Join(dir, "config.json"))
	if errors.Is(err, os.ErrNotExist) {
		return manifestBytes, nil, true, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	return manifestBytes, configBytes, true, nil
}

// CleanTemp removes any staging files left behind by interrupted builds.
func (c *Cache) CleanTemp() error {
	tmpDir := filepath.Join(c.root, "tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(tmpDir, entry.Name())); err != nil {
			c.logger.WithError(err).Warnf("leaving stale temp entry %s", entry.Name())
		}
	}
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
