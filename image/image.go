package image

import (
	"encoding/json"
	"fmt"
	"time"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/caravel-build/caravel/layer"
	"github.com/caravel-build/caravel/manifest"
	"github.com/caravel-build/caravel/manifest/ocischema"
	"github.com/caravel-build/caravel/manifest/schema1"
	"github.com/caravel-build/caravel/manifest/schema2"
)

// Format selects the manifest and config media types written on push or
// export.
type Format int

const (
	FormatDocker Format = iota
	FormatOCI
)

func (f Format) String() string {
	if f == FormatOCI {
		return "oci"
	}
	return "docker"
}

// ManifestMediaType returns the manifest media type for the format.
func (f Format) ManifestMediaType() string {
	if f == FormatOCI {
		return v1.MediaTypeImageManifest
	}
	return schema2.MediaTypeManifest
}

// ConfigMediaType returns the container config media type for the format.
func (f Format) ConfigMediaType() string {
	if f == FormatOCI {
		return v1.MediaTypeImageConfig
	}
	return schema2.MediaTypeImageConfig
}

// LayerMediaType returns the gzipped layer media type for the format.
func (f Format) LayerMediaType() string {
	if f == FormatOCI {
		return v1.MediaTypeImageLayerGzip
	}
	return schema2.MediaTypeLayer
}

// Image is a frozen in-memory container image: ordered layers with both
// digests known, the runtime configuration, and provenance history. Built
// by Builder; treated as immutable afterwards.
type Image struct {
	Created  time.Time
	Platform v1.Platform
	Config   Config
	History  []HistoryEntry
	Layers   []layer.Layer
}

// Builder accumulates an image and freezes it with Build.
type Builder struct {
	image Image
}

// NewBuilder starts an image for the given platform.
func NewBuilder(platform v1.Platform) *Builder {
	return &Builder{image: Image{
		Created:  Epoch,
		Platform: platform,
	}}
}

func (b *Builder) SetCreated(created time.Time) *Builder {
	b.image.Created = created.UTC()
	return b
}

func (b *Builder) SetConfig(cfg Config) *Builder {
	b.image.Config = cfg
	return b
}

// AddLayer appends a layer together with its history entry.
func (b *Builder) AddLayer(l layer.Layer, history HistoryEntry) *Builder {
	b.image.Layers = append(b.image.Layers, l)
	b.image.History = append(b.image.History, history)
	return b
}

// AddLayerHistory appends a history entry for a layer that is already in
// the builder, for bases whose config carried no history.
func (b *Builder) AddLayerHistory(history HistoryEntry) *Builder {
	b.image.History = append(b.image.History, history)
	return b
}

// AddHistory appends a history entry with no layer (empty_layer).
func (b *Builder) AddHistory(history HistoryEntry) *Builder {
	history.EmptyLayer = true
	b.image.History = append(b.image.History, history)
	return b
}

// AppendBase copies the base image's layers, history and config into the
// builder. Call before adding application layers.
func (b *Builder) AppendBase(base *Image) *Builder {
	b.image.Config = base.Config
	b.image.History = append(b.image.History, base.History...)
	b.image.Layers = append(b.image.Layers, base.Layers...)
	return b
}

// Build freezes the image.
func (b *Builder) Build() (*Image, error) {
	nonEmpty := 0
	for _, h := range b.image.History {
		if !h.EmptyLayer {
			nonEmpty++
		}
	}
	if len(b.image.History) > 0 && nonEmpty != len(b.image.Layers) {
		return nil, LayerCountMismatchError{ManifestLayers: len(b.image.Layers), DiffIDs: nonEmpty}
	}
	img := b.image
	return &img, nil
}

// RawConfigFile serializes the container configuration blob. Only
// non-empty layers contribute diff_ids, and their order mirrors Layers.
func (im *Image) RawConfigFile() ([]byte, error) {
	cf := ConfigFile{
		Created:      FormatTime(im.Created),
		Architecture: im.Platform.Architecture,
		OS:           im.Platform.OS,
		Config:       im.Config,
		History:      im.History,
		RootFS:       RootFS{Type: "layers"},
	}
	for _, l := range im.Layers {
		cf.RootFS.DiffIDs = append(cf.RootFS.DiffIDs, l.DiffID)
	}
	return json.Marshal(&cf)
}

// BuildManifest produces the image manifest for the format, pointing at
// the given config descriptor. Layer order follows Layers.
func (im *Image) BuildManifest(format Format, configDesc v1.Descriptor) (manifest.Manifest, error) {
	layers := make([]v1.Descriptor, len(im.Layers))
	for i, l := range im.Layers {
		mediaType := l.MediaType
		if mediaType == "" {
			mediaType = format.LayerMediaType()
		}
		layers[i] = v1.Descriptor{
			MediaType: mediaType,
			Digest:    l.Digest,
			Size:      l.Size,
		}
	}

	if format == FormatOCI {
		return ocischema.FromStruct(ocischema.Manifest{
			Config: configDesc,
			Layers: layers,
		})
	}
	return schema2.FromStruct(schema2.Manifest{
		Config: configDesc,
		Layers: layers,
	})
}

// FromManifestAndConfig translates a pulled base image (modern manifest +
// config blob) into the image model.
func FromManifestAndConfig(m manifest.Manifest, cf *ConfigFile) (*Image, error) {
	var layerDescs []v1.Descriptor
	switch concrete := m.(type) {
	case *schema2.DeserializedManifest:
		layerDescs = concrete.Layers
	case *ocischema.DeserializedManifest:
		layerDescs = concrete.Layers
	default:
		return nil, fmt.Errorf("manifest type %T is not a single-image manifest", m)
	}

	if len(layerDescs) != len(cf.RootFS.DiffIDs) {
		return nil, LayerCountMismatchError{
			ManifestLayers: len(layerDescs),
			DiffIDs:        len(cf.RootFS.DiffIDs),
		}
	}

	img := &Image{
		Created: Epoch,
		Platform: v1.Platform{
			OS:           cf.OS,
			Architecture: cf.Architecture,
		},
		Config:  cf.Config,
		History: cf.History,
	}
	if cf.Created != "" {
		if created, err := time.Parse(time.RFC3339Nano, cf.Created); err == nil {
			img.Created = created.UTC()
		}
	}
	for i, desc := range layerDescs {
		img.Layers = append(img.Layers, layer.Layer{
			MediaType: desc.MediaType,
			Descriptor: layer.Descriptor{
				Digest: desc.Digest,
				DiffID: cf.RootFS.DiffIDs[i],
				Size:   desc.Size,
			},
		})
	}
	return img, nil
}

// FromSchema1 translates a legacy schema1 base manifest. Layer diff IDs
// and sizes are unknown at this point; the returned layers carry only the
// blob digest, and throwaway entries become empty_layer history. Callers
// must materialize each layer to learn its diffID before the image can be
// serialized.
func FromSchema1(m *schema1.DeserializedManifest) (*Image, error) {
	chain, err := m.CompatibilityChain()
	if err != nil {
		return nil, BadConfigError{Reason: err.Error()}
	}

	img := &Image{
		Created: Epoch,
		Platform: v1.Platform{
			OS:           "linux",
			Architecture: m.Architecture,
		},
	}
	if img.Platform.Architecture == "" {
		img.Platform.Architecture = "amd64"
	}

	// The newest compatibility entry carries the effective config.
	if len(chain) > 0 {
		top := chain[len(chain)-1]
		if len(top.Config) > 0 {
			if err := json.Unmarshal(top.Config, &img.Config); err != nil {
				return nil, BadConfigError{Reason: fmt.Sprintf("v1Compatibility config: %s", err)}
			}
		}
	}

	refs := m.References()
	for i, compat := range chain {
		entry := HistoryEntry{Created: compat.Created}
		if compat.ThrowAway {
			entry.EmptyLayer = true
			img.History = append(img.History, entry)
			continue
		}
		img.History = append(img.History, entry)
		img.Layers = append(img.Layers, layer.Layer{
			MediaType: schema1.MediaTypeManifestLayer,
			Descriptor: layer.Descriptor{
				Digest: refs[i].Digest,
			},
		})
	}
	return img, nil
}
