package build

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/caravel-build/caravel/image"
	"github.com/caravel-build/caravel/layer"
	"github.com/caravel-build/caravel/registry"
)

// builtImage is the output of the config-building step: the frozen image
// plus its serialized container configuration.
type builtImage struct {
	img        *image.Image
	configRaw  []byte
	configDesc v1.Descriptor
}

// Push runs the full step graph and pushes the image to the target
// registry. It returns the pushed manifest digest.
func (e *Engine) Push(ctx context.Context) (digest.Digest, error) {
	ex := NewExecutor(ctx, e.plan.Concurrency)

	root := e.tracker.Root("pushing "+e.target.String(), 4)
	pullAlloc := root.Child("pulling base image metadata", 1, 1)
	layerAlloc := root.Child("building and pushing layers", 2, int64(len(e.plan.Layers)+1))
	finishAlloc := root.Child("pushing config and manifest", 1, 2)

	baseCred := Step(ex, "retrieveBaseCredentials", nil, func(context.Context) (registry.Credential, error) {
		if !e.hasBase() || e.plan.Offline {
			return registry.Credential{}, nil
		}
		return e.resolveCredential(e.base, e.plan.BaseCredential)
	})

	targetCred := Step(ex, "retrieveTargetCredentials", nil, func(context.Context) (registry.Credential, error) {
		return e.resolveCredential(e.target, e.plan.TargetCredential)
	})

	base := Step(ex, "pullBaseImage", []Waiter{baseCred}, func(ctx context.Context) (*baseImage, error) {
		cred, err := baseCred.Get(ctx)
		if err != nil {
			return nil, err
		}
		b, err := e.resolveBase(ctx, cred)
		pullAlloc.Done(1)
		return b, err
	})

	appLayers := make([]*Promise[layer.Layer], len(e.plan.Layers))
	for i, spec := range e.plan.Layers {
		spec := spec
		appLayers[i] = Step(ex, "buildApplicationLayer:"+spec.Name, nil, func(ctx context.Context) (layer.Layer, error) {
			return e.buildAppLayer(ctx, spec)
		})
	}

	targetClient := Step(ex, "authenticatePush", []Waiter{targetCred}, func(ctx context.Context) (*registry.Client, error) {
		cred, err := targetCred.Get(ctx)
		if err != nil {
			return nil, err
		}
		client := e.newClient(e.target, cred)
		return client, client.Ping(ctx)
	})

	// Layer pushes fan out once the base manifest names its layers.
	pushDeps := []Waiter{base, targetClient}
	for _, p := range appLayers {
		pushDeps = append(pushDeps, p)
	}
	planned := Step(ex, "planLayerPushes", pushDeps, func(ctx context.Context) ([]*Promise[struct{}], error) {
		b, err := base.Get(ctx)
		if err != nil {
			return nil, err
		}
		client, err := targetClient.Get(ctx)
		if err != nil {
			return nil, err
		}

		var pushes []*Promise[struct{}]
		for _, l := range b.img.Layers {
			l := l
			name := fmt.Sprintf("pushBaseLayer:%s", l.Digest.Encoded()[:12])
			pushes = append(pushes, Step(ex, name, nil, func(ctx context.Context) (struct{}, error) {
				err := e.pushBaseLayer(ctx, client, b, l)
				layerAlloc.Done(1)
				return struct{}{}, err
			}))
		}
		for _, p := range appLayers {
			l, err := p.Get(ctx)
			if err != nil {
				return nil, err
			}
			pushes = append(pushes, Step(ex, "pushApplicationLayer:"+l.Name, nil, func(ctx context.Context) (struct{}, error) {
				err := e.pushAppLayer(ctx, client, l)
				layerAlloc.Done(1)
				return struct{}{}, err
			}))
		}
		return pushes, nil
	})
	pushedLayers := Join(ex, "pushLayers", planned)

	configDeps := []Waiter{base}
	for _, p := range appLayers {
		configDeps = append(configDeps, p)
	}
	built := Step(ex, "buildContainerConfig", configDeps, func(ctx context.Context) (*builtImage, error) {
		b, err := base.Get(ctx)
		if err != nil {
			return nil, err
		}
		layers := make([]layer.Layer, 0, len(appLayers))
		for _, p := range appLayers {
			l, err := p.Get(ctx)
			if err != nil {
				return nil, err
			}
			layers = append(layers, l)
		}
		return e.buildImage(b, layers)
	})

	pushedConfig := Step(ex, "pushContainerConfig", []Waiter{built, targetClient}, func(ctx context.Context) (struct{}, error) {
		bi, err := built.Get(ctx)
		if err != nil {
			return struct{}{}, err
		}
		client, err := targetClient.Get(ctx)
		if err != nil {
			return struct{}{}, err
		}
		err = e.pushBytes(ctx, client, bi.configDesc.Digest, bi.configRaw)
		finishAlloc.Done(1)
		return struct{}{}, err
	})

	pushedManifest := Step(ex, "pushManifest", []Waiter{built, pushedConfig, pushedLayers, targetClient},
		func(ctx context.Context) (digest.Digest, error) {
			bi, err := built.Get(ctx)
			if err != nil {
				return "", err
			}
			client, err := targetClient.Get(ctx)
			if err != nil {
				return "", err
			}
			dgst, err := e.pushManifest(ctx, client, bi)
			finishAlloc.Done(1)
			return dgst, err
		})

	if err := ex.Wait(); err != nil {
		return "", err
	}
	return pushedManifest.Get(ctx)
}

// buildImage assembles the final image: base layers and history first,
// then the application layers, with the plan's container configuration
// merged over the base's.
func (e *Engine) buildImage(base *baseImage, appLayers []layer.Layer) (*builtImage, error) {
	baseImg := base.img

	builder := image.NewBuilder(baseImg.Platform)
	builder.SetCreated(e.created)
	builder.AppendBase(baseImg)

	// Bases without history still need history parallel to their layers
	// for the output config to be well formed.
	if len(baseImg.History) == 0 {
		for range baseImg.Layers {
			builder.AddLayerHistory(image.HistoryEntry{Comment: "imported base layer"})
		}
	}

	for _, l := range appLayers {
		builder.AddLayer(l, image.HistoryEntry{
			Created:   image.FormatTime(e.created),
			CreatedBy: "caravel:" + l.Name,
			Author:    "caravel",
		})
	}
	builder.SetConfig(e.mergeConfig(baseImg.Config))

	img, err := builder.Build()
	if err != nil {
		return nil, err
	}

	configRaw, err := img.RawConfigFile()
	if err != nil {
		return nil, err
	}
	return &builtImage{
		img:       img,
		configRaw: configRaw,
		configDesc: v1.Descriptor{
			MediaType: e.format.ConfigMediaType(),
			Digest:    digest.FromBytes(configRaw),
			Size:      int64(len(configRaw)),
		},
	}, nil
}

// mergeConfig overlays the plan's container settings on the base image's
// configuration.
func (e *Engine) mergeConfig(base image.Config) image.Config {
	cfg := base
	spec := e.plan.Container

	if len(spec.Entrypoint) > 0 {
		cfg.Entrypoint = spec.Entrypoint
		// A new entrypoint invalidates the base's default arguments.
		cfg.Cmd = nil
	}
	if len(spec.Cmd) > 0 {
		cfg.Cmd = spec.Cmd
	}
	if len(spec.Env) > 0 {
		cfg.Env = append(append([]string{}, cfg.Env...), spec.Env...)
	}
	if len(spec.Labels) > 0 {
		merged := make(map[string]string, len(cfg.Labels)+len(spec.Labels))
		for k, v := range cfg.Labels {
			merged[k] = v
		}
		for k, v := range spec.Labels {
			merged[k] = v
		}
		cfg.Labels = merged
	}
	if ports := spec.PortSet(); len(ports) > 0 {
		merged := make(map[string]struct{}, len(cfg.ExposedPorts)+len(ports))
		for k := range cfg.ExposedPorts {
			merged[k] = struct{}{}
		}
		for k := range ports {
			merged[k] = struct{}{}
		}
		cfg.ExposedPorts = merged
	}
	if volumes := spec.VolumeSet(); len(volumes) > 0 {
		merged := make(map[string]struct{}, len(cfg.Volumes)+len(volumes))
		for k := range cfg.Volumes {
			merged[k] = struct{}{}
		}
		for k := range volumes {
			merged[k] = struct{}{}
		}
		cfg.Volumes = merged
	}
	if spec.User != "" {
		cfg.User = spec.User
	}
	if spec.WorkingDir != "" {
		cfg.WorkingDir = spec.WorkingDir
	}
	return cfg
}

// pushBaseLayer makes one base layer available in the target repository:
// skipped when already present, mounted from the base repository when both
// live on the same registry, uploaded from the cache otherwise.
func (e *Engine) pushBaseLayer(ctx context.Context, target *registry.Client, b *baseImage, l layer.Layer) error {
	logger := e.logger.WithField("digest", l.Digest)

	if _, ok, err := target.BlobExists(ctx, l.Digest); err != nil {
		return err
	} else if ok {
		logger.Debug("base layer already present, skipping")
		return nil
	}

	location := ""
	if e.sameRegistry() {
		mounted, loc, err := target.BlobMount(ctx, l.Digest, e.base.Repository)
		if err != nil {
			logger.WithError(err).Warn("cross-repository mount failed, falling back to upload")
		} else if mounted {
			logger.Debug("base layer mounted from base repository")
			return nil
		} else {
			location = loc
		}
	}

	desc, err := e.materializeLayer(ctx, b.client, l.Digest)
	if err != nil {
		return err
	}
	logger.Debug("uploading base layer")
	return target.BlobUpload(ctx, l.Digest, desc.Size, func() (io.ReadSeekCloser, error) {
		return e.cache.Open(l.Digest)
	}, location)
}

// pushAppLayer uploads an application layer from the cache unless the
// registry already has it.
func (e *Engine) pushAppLayer(ctx context.Context, target *registry.Client, l layer.Layer) error {
	logger := e.logger.WithFields(map[string]interface{}{"layer": l.Name, "digest": l.Digest})

	if _, ok, err := target.BlobExists(ctx, l.Digest); err != nil {
		return err
	} else if ok {
		logger.Debug("layer already present, skipping")
		return nil
	}

	logger.Debug("uploading layer")
	return target.BlobUpload(ctx, l.Digest, l.Size, func() (io.ReadSeekCloser, error) {
		return e.cache.Open(l.Digest)
	}, "")
}

type bytesReadSeekCloser struct {
	*bytes.Reader
}

func (bytesReadSeekCloser) Close() error { return nil }

// pushBytes uploads a small in-memory blob (the container config).
func (e *Engine) pushBytes(ctx context.Context, target *registry.Client, dgst digest.Digest, content []byte) error {
	if _, ok, err := target.BlobExists(ctx, dgst); err != nil {
		return err
	} else if ok {
		return nil
	}
	return target.BlobUpload(ctx, dgst, int64(len(content)), func() (io.ReadSeekCloser, error) {
		return bytesReadSeekCloser{bytes.NewReader(content)}, nil
	}, "")
}

// pushManifest serializes and pushes the manifest under the target
// reference and every additional tag.
func (e *Engine) pushManifest(ctx context.Context, target *registry.Client, bi *builtImage) (digest.Digest, error) {
	m, err := bi.img.BuildManifest(e.format, bi.configDesc)
	if err != nil {
		return "", err
	}
	mediaType, payload, err := m.Payload()
	if err != nil {
		return "", err
	}

	dgst, err := target.ManifestPut(ctx, e.target.Identifier(), mediaType, payload)
	if err != nil {
		return "", err
	}
	e.logger.WithField("digest", dgst).Infof("pushed %s", e.target)

	for _, tag := range e.plan.Tags {
		if _, err := target.ManifestPut(ctx, tag, mediaType, payload); err != nil {
			return "", err
		}
		e.logger.Infof("tagged %s:%s", e.target.Domain+"/"+e.target.Repository, tag)
	}
	return dgst, nil
}
