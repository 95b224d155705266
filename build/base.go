package build

import (
	"context"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"

	"github.com/caravel-build/caravel/image"
	"github.com/caravel-build/caravel/layer"
	"github.com/caravel-build/caravel/manifest"
	"github.com/caravel-build/caravel/manifest/schema1"
	"github.com/caravel-build/caravel/registry"
)

// baseImage is the result of base image resolution: the translated image
// model plus the manifest bytes it came from.
type baseImage struct {
	img       *image.Image
	payload   []byte
	mediaType string

	// client is the registry client the base was pulled through; nil for
	// scratch and offline builds.
	client *registry.Client
}

// resolveBase pulls (or reads from cache) the base image manifest and
// config and translates them into the image model. Multi-platform bases
// are narrowed to the plan's platform first.
func (e *Engine) resolveBase(ctx context.Context, cred registry.Credential) (*baseImage, error) {
	if !e.hasBase() {
		return &baseImage{img: &image.Image{
			Created:  image.Epoch,
			Platform: e.plan.ResolvedPlatform(),
		}}, nil
	}

	if e.plan.Offline {
		return e.resolveBaseOffline()
	}

	client := e.newClient(e.base, cred)
	m, _, err := client.ManifestGet(ctx, e.base.Identifier())
	if err != nil {
		return nil, err
	}

	// A manifest list narrows to the platform's sub-manifest with a
	// second pull.
	if list, ok := m.(manifest.List); ok {
		selected, err := list.Select(e.plan.ResolvedPlatform())
		if err != nil {
			return nil, err
		}
		e.logger.WithField("digest", selected.Digest).Debugf("selected %s/%s manifest from list",
			e.plan.ResolvedPlatform().OS, e.plan.ResolvedPlatform().Architecture)
		m, _, err = client.ManifestGet(ctx, selected.Digest.String())
		if err != nil {
			return nil, err
		}
	}

	mediaType, payload, err := m.Payload()
	if err != nil {
		return nil, err
	}

	base := &baseImage{payload: payload, mediaType: mediaType, client: client}

	if legacy, ok := m.(*schema1.DeserializedManifest); ok {
		base.img, err = e.translateSchema1(ctx, client, legacy)
		if err != nil {
			return nil, err
		}
		if err := e.cache.WriteMetadata(e.base, payload, nil); err != nil {
			return nil, err
		}
		return base, nil
	}

	configBytes, err := e.pullConfig(ctx, client, m)
	if err != nil {
		return nil, err
	}
	cf, err := image.ParseConfigFile(configBytes)
	if err != nil {
		return nil, err
	}
	base.img, err = image.FromManifestAndConfig(m, cf)
	if err != nil {
		return nil, err
	}

	if err := e.cache.WriteMetadata(e.base, payload, configBytes); err != nil {
		return nil, err
	}
	return base, nil
}

func (e *Engine) pullConfig(ctx context.Context, client *registry.Client, m manifest.Manifest) ([]byte, error) {
	refs := m.References()
	if len(refs) == 0 {
		return nil, fmt.Errorf("manifest carries no config descriptor")
	}
	configDesc := refs[0]

	rc, err := client.BlobGet(ctx, configDesc.Digest)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// translateSchema1 maps a legacy manifest into the image model. Schema 1
// carries neither diff IDs nor sizes, so every layer is materialized into
// the cache, decompressing on the fly to learn its diffID.
func (e *Engine) translateSchema1(ctx context.Context, client *registry.Client, m *schema1.DeserializedManifest) (*image.Image, error) {
	img, err := image.FromSchema1(m)
	if err != nil {
		return nil, err
	}
	for i := range img.Layers {
		desc, err := e.materializeLayer(ctx, client, img.Layers[i].Digest)
		if err != nil {
			return nil, err
		}
		img.Layers[i].Descriptor = desc
	}
	return img, nil
}

// materializeLayer ensures a base layer blob is present in the cache and
// returns its full descriptor.
func (e *Engine) materializeLayer(ctx context.Context, client *registry.Client, dgst digest.Digest) (layer.Descriptor, error) {
	if ok, err := e.cache.Has(dgst); err != nil {
		return layer.Descriptor{}, err
	} else if ok {
		return e.cache.Descriptor(dgst)
	}

	if e.plan.Offline || client == nil {
		return layer.Descriptor{}, OfflineMissError{Resource: fmt.Sprintf("base layer %s", dgst)}
	}

	rc, err := client.BlobGet(ctx, dgst)
	if err != nil {
		return layer.Descriptor{}, err
	}
	defer rc.Close()

	desc, err := e.cache.WritePulled(rc)
	if err != nil {
		return layer.Descriptor{}, err
	}
	e.logger.WithField("digest", dgst).Debug("cached base layer")
	return desc, nil
}

// resolveBaseOffline rebuilds the base image from cached metadata only.
func (e *Engine) resolveBaseOffline() (*baseImage, error) {
	manifestBytes, configBytes, ok, err := e.cache.RetrieveMetadata(e.base)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, OfflineMissError{Resource: fmt.Sprintf("base image manifest for %s", e.base)}
	}

	m, _, err := manifest.Unmarshal("", manifestBytes)
	if err != nil {
		return nil, err
	}
	mediaType, payload, err := m.Payload()
	if err != nil {
		return nil, err
	}
	base := &baseImage{payload: payload, mediaType: mediaType}

	if legacy, ok := m.(*schema1.DeserializedManifest); ok {
		img, err := image.FromSchema1(legacy)
		if err != nil {
			return nil, err
		}
		for i := range img.Layers {
			desc, err := e.materializeLayer(context.Background(), nil, img.Layers[i].Digest)
			if err != nil {
				return nil, err
			}
			img.Layers[i].Descriptor = desc
		}
		base.img = img
		return base, nil
	}

	if configBytes == nil {
		return nil, OfflineMissError{Resource: fmt.Sprintf("base image config for %s", e.base)}
	}
	cf, err := image.ParseConfigFile(configBytes)
	if err != nil {
		return nil, err
	}
	base.img, err = image.FromManifestAndConfig(m, cf)
	if err != nil {
		return nil, err
	}
	return base, nil
}
