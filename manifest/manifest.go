// Package manifest defines the common manifest interface and the media-type
// registry that maps registry payloads to their concrete schema types.
// The schema packages (schema1, schema2, ocischema, manifestlist) register
// themselves on import.
package manifest

import (
	"encoding/json"
	"fmt"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Versioned provides a struct with the manifest schemaVersion and mediaType.
// Incoming content with unknown schema version can be decoded against this
// struct to check the version.
type Versioned struct {
	// SchemaVersion is the image manifest schema that this image follows.
	SchemaVersion int `json:"schemaVersion"`

	// MediaType is the media type of this schema.
	MediaType string `json:"mediaType,omitempty"`
}

// Manifest represents a registry object specifying a set of references and
// an optional target.
type Manifest interface {
	// References returns the descriptors of this manifest's children, with
	// the config (when present) first.
	References() []v1.Descriptor

	// Payload provides the serialized format of the manifest, in addition
	// to the media type.
	Payload() (mediaType string, payload []byte, err error)
}

// List is implemented by multi-platform manifests (Docker manifest lists
// and OCI indexes).
type List interface {
	Manifest

	// Platforms returns the platforms present in the list, parallel to the
	// list's manifest descriptors.
	Platforms() []v1.Platform

	// Select returns the descriptor of the child manifest matching the
	// given os/architecture pair.
	Select(platform v1.Platform) (v1.Descriptor, error)
}

// UnmarshalFunc implements manifest unmarshalling for a given media type.
type UnmarshalFunc func([]byte) (Manifest, v1.Descriptor, error)

var mappings = make(map[string]UnmarshalFunc)

// RegisterSchema registers an UnmarshalFunc for a given media type. It is
// called from the schema packages' init functions.
func RegisterSchema(mediaType string, u UnmarshalFunc) error {
	if _, ok := mappings[mediaType]; ok {
		return fmt.Errorf("manifest media type registration would overwrite existing: %s", mediaType)
	}
	mappings[mediaType] = u
	return nil
}

// Unmarshal looks up a manifest unmarshal function based on the given media
// type. A missing media type is sniffed from the payload: documents with
// fsLayers are schema 1, documents with a manifests array are lists, the
// rest are treated as single-image manifests.
func Unmarshal(mediaType string, p []byte) (Manifest, v1.Descriptor, error) {
	if mediaType == "" {
		mediaType = sniffMediaType(p)
	}
	unmarshal, ok := mappings[mediaType]
	if !ok {
		return nil, v1.Descriptor{}, UnsupportedError{MediaType: mediaType}
	}
	return unmarshal(p)
}

// PlatformNotFoundError is returned by List.Select when no child manifest
// matches the requested platform. Present lists the platforms that are in
// the list, for diagnostics.
type PlatformNotFoundError struct {
	Requested v1.Platform
	Present   []v1.Platform
}

func (e PlatformNotFoundError) Error() string {
	present := make([]string, len(e.Present))
	for i, p := range e.Present {
		present[i] = p.OS + "/" + p.Architecture
	}
	return fmt.Sprintf("no manifest for platform %s/%s, list contains %v",
		e.Requested.OS, e.Requested.Architecture, present)
}

// UnsupportedError is returned for payloads whose media type has no
// registered schema.
type UnsupportedError struct {
	MediaType string
}

func (e UnsupportedError) Error() string {
	return fmt.Sprintf("unsupported manifest media type %q", e.MediaType)
}

func sniffMediaType(p []byte) string {
	var doc struct {
		Versioned
		Manifests []json.RawMessage `json:"manifests"`
		FSLayers  []json.RawMessage `json:"fsLayers"`
	}
	if err := json.Unmarshal(p, &doc); err != nil {
		return ""
	}
	switch {
	case doc.MediaType != "":
		return doc.MediaType
	case doc.SchemaVersion == 1 || len(doc.FSLayers) > 0:
		return MediaTypeSignedSchema1
	case len(doc.Manifests) > 0:
		return v1.MediaTypeImageIndex
	default:
		return v1.MediaTypeImageManifest
	}
}

// MediaTypeSignedSchema1 is the media type of legacy signed schema 1
// manifests. It is declared here rather than in the schema1 package so that
// sniffing does not depend on the legacy package.
const MediaTypeSignedSchema1 = "application/vnd.docker.distribution.manifest.v1+prettyjws"
