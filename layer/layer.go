// Package layer models image layers and builds application layers from
// file entries as reproducible uncompressed tarballs.
package layer

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// DefaultModTime is the modification time given to layer entries unless the
// build plan supplies one. It is one second after the epoch: some tools
// interpret a zero timestamp as "file missing".
var DefaultModTime = time.Unix(1, 0).UTC()

const (
	// DefaultFileMode is applied to regular file entries with no explicit
	// permissions.
	DefaultFileMode = 0o644

	// DefaultDirMode is applied to directory entries and synthesized
	// parent directories.
	DefaultDirMode = 0o755
)

// Descriptor identifies a layer by both of its digests. Digest names the
// gzipped bytes pushed on the wire, DiffID the uncompressed tar referenced
// by the container config.
type Descriptor struct {
	Digest digest.Digest
	DiffID digest.Digest
	Size   int64
}

// Layer is a built or inherited image layer.
type Layer struct {
	// Name describes the layer's role ("dependencies", "classes", ...).
	// Empty for base image layers.
	Name string

	// MediaType is the wire media type of the compressed blob.
	MediaType string

	Descriptor
}

// Entry is a single file system entry in an application layer.
type Entry struct {
	// SourcePath locates the content on the host. Empty for directory
	// entries.
	SourcePath string

	// ExtractionPath is the absolute POSIX path of the entry in the
	// container file system.
	ExtractionPath string

	// Mode carries the permission bits for the entry.
	Mode int64

	// ModTime is the modification time recorded in the tar header.
	ModTime time.Time
}
