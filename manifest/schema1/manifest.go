// Package schema1 provides read-only support for the deprecated Docker
// Image Manifest v2, Schema 1. Legacy base images are still published in
// this format; it is accepted on pulls, mapped into the modern image model,
// and never written. Signatures on signed manifests are not verified.
package schema1

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/caravel-build/caravel/manifest"
)

const (
	// MediaTypeManifest specifies the mediaType for the unsigned form.
	// Note that for schema version 1, the media type is optionally
	// "application/json".
	MediaTypeManifest = "application/vnd.docker.distribution.manifest.v1+json"

	// MediaTypeSignedManifest specifies the mediaType for the signed form.
	MediaTypeSignedManifest = manifest.MediaTypeSignedSchema1

	// MediaTypeManifestLayer specifies the media type for manifest layers.
	MediaTypeManifestLayer = "application/vnd.docker.container.image.rootfs.diff+x-gtar"
)

func init() {
	schema1Func := func(b []byte) (manifest.Manifest, v1.Descriptor, error) {
		m := new(DeserializedManifest)
		if err := m.UnmarshalJSON(b); err != nil {
			return nil, v1.Descriptor{}, err
		}

		desc := v1.Descriptor{
			MediaType: MediaTypeSignedManifest,
			Digest:    digest.FromBytes(b),
			Size:      int64(len(b)),
		}
		return m, desc, nil
	}
	for _, mt := range []string{MediaTypeSignedManifest, MediaTypeManifest, "application/json"} {
		if err := manifest.RegisterSchema(mt, schema1Func); err != nil {
			panic(fmt.Sprintf("Unable to register manifest: %s", err))
		}
	}
}

// FSLayer is a container struct for BlobSums defined in an image manifest.
type FSLayer struct {
	// BlobSum is the digest of the referenced filesystem image layer.
	BlobSum digest.Digest `json:"blobSum"`
}

// History stores unstructured v1 compatibility information.
type History struct {
	// V1Compatibility is the raw v1 compatibility information.
	V1Compatibility string `json:"v1Compatibility"`
}

// V1Compatibility is the subset of the v1 image JSON carried in a history
// entry that the image model needs.
type V1Compatibility struct {
	ID              string          `json:"id"`
	Parent          string          `json:"parent,omitempty"`
	Created         string          `json:"created,omitempty"`
	ContainerConfig json.RawMessage `json:"container_config,omitempty"`
	Config          json.RawMessage `json:"config,omitempty"`
	ThrowAway       bool            `json:"throwaway,omitempty"`
}

// Manifest provides the base accessible fields for working with the schema1
// image format.
type Manifest struct {
	manifest.Versioned

	// Name is the name of the image's repository.
	Name string `json:"name"`

	// Tag is the tag of the image specified by this manifest.
	Tag string `json:"tag"`

	// Architecture is the host architecture on which this image is
	// intended to run.
	Architecture string `json:"architecture"`

	// FSLayers is a list of filesystem layer blobSums contained in this
	// image. Ordered from most-recent to base.
	FSLayers []FSLayer `json:"fsLayers"`

	// History is a list of unstructured historical data for v1
	// compatibility. Parallel to FSLayers.
	History []History `json:"history"`
}

// References returns the descriptors of this manifest's layers, ordered
// base-first to match the modern manifest layer order. Schema 1 carries no
// sizes, so Size is zero.
func (m Manifest) References() []v1.Descriptor {
	dependencies := make([]v1.Descriptor, 0, len(m.FSLayers))
	for i := len(m.FSLayers) - 1; i >= 0; i-- {
		dependencies = append(dependencies, v1.Descriptor{
			MediaType: MediaTypeManifestLayer,
			Digest:    m.FSLayers[i].BlobSum,
		})
	}
	return dependencies
}

// DeserializedManifest wraps Manifest with a copy of the original JSON.
type DeserializedManifest struct {
	Manifest

	// canonical is the raw byte representation of the manifest, with any
	// signature envelope retained.
	canonical []byte
}

// UnmarshalJSON populates a new Manifest struct from JSON data.
func (m *DeserializedManifest) UnmarshalJSON(b []byte) error {
	m.canonical = make([]byte, len(b))
	copy(m.canonical, b)

	var mfst Manifest
	if err := json.Unmarshal(m.canonical, &mfst); err != nil {
		return err
	}

	if mfst.SchemaVersion != 1 {
		return fmt.Errorf("manifest schemaVersion should be 1 not %d", mfst.SchemaVersion)
	}
	if len(mfst.FSLayers) != len(mfst.History) {
		return fmt.Errorf("manifest has %d fsLayers but %d history entries", len(mfst.FSLayers), len(mfst.History))
	}

	m.Manifest = mfst

	return nil
}

// MarshalJSON returns the raw content of the manifest.
func (m *DeserializedManifest) MarshalJSON() ([]byte, error) {
	if len(m.canonical) > 0 {
		return m.canonical, nil
	}

	return nil, errors.New("JSON representation not initialized in DeserializedManifest")
}

// Payload returns the raw content of the manifest.
func (m DeserializedManifest) Payload() (string, []byte, error) {
	return MediaTypeSignedManifest, m.canonical, nil
}

// CompatibilityChain decodes the v1Compatibility history entries, ordered
// base-first and parallel to References.
func (m Manifest) CompatibilityChain() ([]V1Compatibility, error) {
	chain := make([]V1Compatibility, 0, len(m.History))
	for i := len(m.History) - 1; i >= 0; i-- {
		var compat V1Compatibility
		if err := json.Unmarshal([]byte(m.History[i].V1Compatibility), &compat); err != nil {
			return nil, fmt.Errorf("parsing v1Compatibility entry %d: %w", i, err)
		}
		chain = append(chain, compat)
	}
	return chain, nil
}
