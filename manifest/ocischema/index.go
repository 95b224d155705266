package ocischema

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/caravel-build/caravel/manifest"
)

func init() {
	if err := manifest.RegisterSchema(v1.MediaTypeImageIndex, unmarshalImageIndex); err != nil {
		panic(fmt.Sprintf("Unable to register OCI Image Index: %s", err))
	}
}

func unmarshalImageIndex(b []byte) (manifest.Manifest, v1.Descriptor, error) {
	if err := validateIndex(b); err != nil {
		return nil, v1.Descriptor{}, err
	}

	m := &DeserializedImageIndex{}
	if err := m.UnmarshalJSON(b); err != nil {
		return nil, v1.Descriptor{}, err
	}

	return m, v1.Descriptor{
		Digest:    digest.FromBytes(b),
		Size:      int64(len(b)),
		MediaType: v1.MediaTypeImageIndex,
	}, nil
}

// ImageIndex references manifests for various platforms.
type ImageIndex struct {
	manifest.Versioned

	// Manifests references a list of manifests.
	Manifests []v1.Descriptor `json:"manifests"`

	// Annotations is an optional field that contains arbitrary metadata
	// for the image index.
	Annotations map[string]string `json:"annotations,omitempty"`
}

// References returns the distribution descriptors for the referenced image
// manifests.
func (ii ImageIndex) References() []v1.Descriptor {
	return ii.Manifests
}

// DeserializedImageIndex wraps ImageIndex with a copy of the original JSON.
type DeserializedImageIndex struct {
	ImageIndex

	// canonical is the canonical byte representation of the ImageIndex.
	canonical []byte
}

// UnmarshalJSON populates a new ImageIndex struct from JSON data.
func (m *DeserializedImageIndex) UnmarshalJSON(b []byte) error {
	m.canonical = make([]byte, len(b))
	copy(m.canonical, b)

	var index ImageIndex
	if err := json.Unmarshal(m.canonical, &index); err != nil {
		return err
	}

	m.ImageIndex = index

	return nil
}

// MarshalJSON returns the contents of canonical. If canonical is empty,
// it returns an error.
func (m *DeserializedImageIndex) MarshalJSON() ([]byte, error) {
	if len(m.canonical) > 0 {
		return m.canonical, nil
	}

	return nil, errors.New("JSON representation not initialized in DeserializedImageIndex")
}

// Payload returns the raw content of the image index.
func (m DeserializedImageIndex) Payload() (string, []byte, error) {
	mediaType := m.MediaType
	if mediaType == "" {
		mediaType = v1.MediaTypeImageIndex
	}
	return mediaType, m.canonical, nil
}

// Platforms returns the platforms of the child manifests, in list order.
func (m DeserializedImageIndex) Platforms() []v1.Platform {
	platforms := make([]v1.Platform, len(m.Manifests))
	for i, desc := range m.Manifests {
		if desc.Platform != nil {
			platforms[i] = *desc.Platform
		}
	}
	return platforms
}

// Select returns the child manifest descriptor matching the requested
// os/architecture pair.
func (m DeserializedImageIndex) Select(platform v1.Platform) (v1.Descriptor, error) {
	for _, desc := range m.Manifests {
		if desc.Platform != nil &&
			desc.Platform.OS == platform.OS &&
			desc.Platform.Architecture == platform.Architecture {
			return desc, nil
		}
	}
	return v1.Descriptor{}, manifest.PlatformNotFoundError{
		Requested: platform,
		Present:   m.Platforms(),
	}
}

// validateIndex returns an error if the byte slice is invalid JSON or if it
// contains fields that belong to a manifest.
func validateIndex(b []byte) error {
	var doc struct {
		Config interface{} `json:"config,omitempty"`
		Layers interface{} `json:"layers,omitempty"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if doc.Config != nil || doc.Layers != nil {
		return errors.New("ocischema: expected index but found manifest")
	}
	return nil
}
