package build

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/caravel-build/caravel/layer"
	"github.com/caravel-build/caravel/registry"
)

// tarballManifestEntry is the manifest.json record of a docker-save
// archive.
type tarballManifestEntry struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// buildForExport runs the build graph without any push steps and returns
// the resolved base and assembled image. Base layers are materialized into
// the cache since the archive needs their bytes.
func (e *Engine) buildForExport(ctx context.Context) (*baseImage, *builtImage, error) {
	ex := NewExecutor(ctx, e.plan.Concurrency)

	baseCred := Step(ex, "retrieveBaseCredentials", nil, func(context.Context) (registry.Credential, error) {
		if !e.hasBase() || e.plan.Offline {
			return registry.Credential{}, nil
		}
		return e.resolveCredential(e.base, e.plan.BaseCredential)
	})

	base := Step(ex, "pullBaseImage", []Waiter{baseCred}, func(ctx context.Context) (*baseImage, error) {
		cred, err := baseCred.Get(ctx)
		if err != nil {
			return nil, err
		}
		b, err := e.resolveBase(ctx, cred)
		if err != nil {
			return nil, err
		}
		// Materialize every base layer; the archive embeds them.
		for i := range b.img.Layers {
			desc, err := e.materializeLayer(ctx, b.client, b.img.Layers[i].Digest)
			if err != nil {
				return nil, err
			}
			b.img.Layers[i].Descriptor = desc
		}
		return b, nil
	})

	appLayers := make([]*Promise[layer.Layer], len(e.plan.Layers))
	for i, spec := range e.plan.Layers {
		spec := spec
		appLayers[i] = Step(ex, "buildApplicationLayer:"+spec.Name, nil, func(ctx context.Context) (layer.Layer, error) {
			return e.buildAppLayer(ctx, spec)
		})
	}

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

	if err := ex.Wait(); err != nil {
		return nil, nil, err
	}

	b, err := base.Get(ctx)
	if err != nil {
		return nil, nil, err
	}
	bi, err := built.Get(ctx)
	if err != nil {
		return nil, nil, err
	}
	return b, bi, nil
}

// ExportTar builds the image and writes a docker-load compatible tar
// archive to path. It returns the manifest digest of the written image.
func (e *Engine) ExportTar(ctx context.Context, path string) (digest.Digest, error) {
	_, bi, err := e.buildForExport(ctx)
	if err != nil {
		return "", err
	}

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	dgst, err := e.writeTarball(bi, f)
	if err != nil {
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	e.logger.WithField("digest", dgst).Infof("exported %s to %s", e.target, path)
	return dgst, nil
}

// LoadDocker builds the image and streams the archive into `docker load`.
// The docker client's exit code propagates.
func (e *Engine) LoadDocker(ctx context.Context, dockerExecutable string) (digest.Digest, error) {
	if dockerExecutable == "" {
		dockerExecutable = "docker"
	}

	_, bi, err := e.buildForExport(ctx)
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, dockerExecutable, "load")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("starting %s load: %w", dockerExecutable, err)
	}

	dgst, writeErr := e.writeTarball(bi, stdin)
	closeErr := stdin.Close()

	if err := cmd.Wait(); err != nil {
		return "", fmt.Errorf("%s load: %w: %s", dockerExecutable, err, stderr.String())
	}
	if writeErr != nil {
		return "", writeErr
	}
	if closeErr != nil {
		return "", closeErr
	}
	e.logger.WithField("digest", dgst).Infof("loaded %s into the local daemon", e.target)
	return dgst, nil
}

// writeTarball writes the docker-save layout: manifest.json, the config
// blob, one gzipped tar per layer, and the legacy repositories file.
func (e *Engine) writeTarball(bi *builtImage, w io.Writer) (digest.Digest, error) {
	m, err := bi.img.BuildManifest(e.format, bi.configDesc)
	if err != nil {
		return "", err
	}
	_, manifestPayload, err := m.Payload()
	if err != nil {
		return "", err
	}
	manifestDigest := digest.FromBytes(manifestPayload)

	tw := tar.NewWriter(w)

	repoTag := e.target.Domain + "/" + e.target.Repository + ":" + tagOrDefault(e.target.Tag)
	repoTags := []string{repoTag}
	for _, tag := range e.plan.Tags {
		repoTags = append(repoTags, e.target.Domain+"/"+e.target.Repository+":"+tag)
	}

	entry := tarballManifestEntry{
		Config:   bi.configDesc.Digest.Encoded() + ".json",
		RepoTags: repoTags,
	}

	// Layers, base first.
	var lastLayerHex string
	for _, l := range bi.img.Layers {
		name := l.Digest.Encoded() + ".tar.gz"
		entry.Layers = append(entry.Layers, name)
		lastLayerHex = l.Digest.Encoded()

		rc, err := e.cache.Open(l.Digest)
		if err != nil {
			return "", err
		}
		if err := writeTarFile(tw, name, l.Size, rc); err != nil {
			rc.Close()
			return "", err
		}
		rc.Close()
	}

	if err := writeTarFile(tw, entry.Config, int64(len(bi.configRaw)), bytes.NewReader(bi.configRaw)); err != nil {
		return "", err
	}

	manifestJSON, err := json.Marshal([]tarballManifestEntry{entry})
	if err != nil {
		return "", err
	}
	if err := writeTarFile(tw, "manifest.json", int64(len(manifestJSON)), bytes.NewReader(manifestJSON)); err != nil {
		return "", err
	}

	repositories := map[string]map[string]string{
		e.target.Domain + "/" + e.target.Repository: {
			tagOrDefault(e.target.Tag): lastLayerHex,
		},
	}
	repositoriesJSON, err := json.Marshal(repositories)
	if err != nil {
		return "", err
	}
	if err := writeTarFile(tw, "repositories", int64(len(repositoriesJSON)), bytes.NewReader(repositoriesJSON)); err != nil {
		return "", err
	}

	if err := tw.Close(); err != nil {
		return "", err
	}
	return manifestDigest, nil
}

func tagOrDefault(tag string) string {
	if tag == "" {
		return "latest"
	}
	return tag
}

func writeTarFile(tw *tar.Writer, name string, size int64, r io.Reader) error {
	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0o644,
		Size:     size,
		ModTime:  time.Unix(0, 0).UTC(),
		Format:   tar.FormatPAX,
	}); err != nil {
		return err
	}
	_, err := io.Copy(tw, r)
	return err
}
