package build

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"github.com/caravel-build/caravel/cache"
	"github.com/caravel-build/caravel/image"
	"github.com/caravel-build/caravel/layer"
	"github.com/caravel-build/caravel/manifest/schema2"
	"github.com/caravel-build/caravel/plan"
	"github.com/caravel-build/caravel/reference"
	"github.com/caravel-build/caravel/registry/registrytest"
)

// testBuild bundles the fixtures one engine test needs.
type testBuild struct {
	fake  *registrytest.Registry
	cache *cache.Cache
	plan  *plan.Plan
}

func newTestBuild(t *testing.T, p *plan.Plan) *testBuild {
	t.Helper()
	fake := registrytest.New()
	t.Cleanup(fake.Close)

	c, err := cache.New(t.TempDir(), nil)
	require.NoError(t, err)

	p.AllowInsecure = true
	return &testBuild{fake: fake, cache: c, plan: p}
}

func (tb *testBuild) engine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Options{
		Plan:            tb.plan,
		Cache:           tb.cache,
		DockerConfigDir: t.TempDir(),
		RegistryHost: func(reference.Reference) string {
			return tb.fake.Host()
		},
	})
	require.NoError(t, err)
	return e
}

// writeSourceFile stages a file for a layer entry.
func writeSourceFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

// seedBaseImage publishes a schema2 base image with the given layer
// contents into the fake registry and returns the manifest digest.
func seedBaseImage(t *testing.T, fake *registrytest.Registry, repo, tag string, layerContents []string) digest.Digest {
	t.Helper()

	cf := image.ConfigFile{
		Architecture: "amd64",
		OS:           "linux",
		Config:       image.Config{Cmd: []string{"/bin/sh"}},
		RootFS:       image.RootFS{Type: "layers"},
	}
	var layerDescs []v1.Descriptor
	for _, content := range layerContents {
		var compressed bytes.Buffer
		zw := gzip.NewWriter(&compressed)
		_, err := zw.Write([]byte(content))
		require.NoError(t, err)
		require.NoError(t, zw.Close())

		dgst := fake.SeedBlob(repo, compressed.Bytes())
		layerDescs = append(layerDescs, v1.Descriptor{
			MediaType: schema2.MediaTypeLayer,
			Digest:    dgst,
			Size:      int64(compressed.Len()),
		})
		cf.RootFS.DiffIDs = append(cf.RootFS.DiffIDs, digest.FromString(content))
		cf.History = append(cf.History, image.HistoryEntry{CreatedBy: "seed"})
	}

	configRaw, err := json.Marshal(&cf)
	require.NoError(t, err)
	configDigest := fake.SeedBlob(repo, configRaw)

	m, err := schema2.FromStruct(schema2.Manifest{
		Config: v1.Descriptor{
			MediaType: schema2.MediaTypeImageConfig,
			Digest:    configDigest,
			Size:      int64(len(configRaw)),
		},
		Layers: layerDescs,
	})
	require.NoError(t, err)
	_, payload, err := m.Payload()
	require.NoError(t, err)
	return fake.SeedManifest(repo, tag, schema2.MediaTypeManifest, payload)
}

func TestPushScratchSingleFile(t *testing.T) {
	src := writeSourceFile(t, "hi\n")
	tb := newTestBuild(t, &plan.Plan{
		Version:     "0.1",
		BaseImage:   "scratch",
		TargetImage: "myrepo/app:1",
		Layers: []plan.LayerSpec{{
			Name:    "app",
			Entries: []plan.EntrySpec{{Source: src, Path: "/hello", Mode: "644"}},
		}},
	})

	dgst, err := tb.engine(t).Push(context.Background())
	require.NoError(t, err)

	// The manifest made it to the registry under the tag.
	payload, mediaType, ok := tb.fake.Manifest("myrepo/app", "1")
	require.True(t, ok)
	require.Equal(t, schema2.MediaTypeManifest, mediaType)
	require.Equal(t, digest.FromBytes(payload), dgst)

	var m schema2.Manifest
	require.NoError(t, json.Unmarshal(payload, &m))
	require.Len(t, m.Layers, 1)

	// Layer digest and diffID match an independently produced tar.
	var tarBuf bytes.Buffer
	require.NoError(t, layer.WriteTar(&tarBuf, []layer.Entry{{
		SourcePath:     src,
		ExtractionPath: "/hello",
		Mode:           0o644,
		ModTime:        layer.DefaultModTime,
	}}))
	expectedDiffID := digest.FromBytes(tarBuf.Bytes())

	// The config records the single diffID and the epoch creation time.
	require.True(t, tb.fake.HasBlob("myrepo/app", m.Config.Digest))
	cfRaw := fetchBlob(t, tb.fake, "myrepo/app", m.Config.Digest)
	cf, err := image.ParseConfigFile(cfRaw)
	require.NoError(t, err)
	require.Len(t, cf.RootFS.DiffIDs, 1)
	require.Equal(t, expectedDiffID, cf.RootFS.DiffIDs[0])
	require.Equal(t, "1970-01-01T00:00:00Z", cf.Created)
}

// fetchBlob reads a blob back from the fake via its HTTP surface.
func fetchBlob(t *testing.T, fake *registrytest.Registry, repo string, dgst digest.Digest) []byte {
	t.Helper()
	resp, err := http.Get(fake.Server.URL + "/v2/" + repo + "/blobs/" + dgst.String())
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	return raw
}

func TestPushReproducible(t *testing.T) {
	src := writeSourceFile(t, "stable content\n")
	makePlan := func() *plan.Plan {
		return &plan.Plan{
			Version:     "0.1",
			BaseImage:   "scratch",
			TargetImage: "myrepo/app:1",
			Layers: []plan.LayerSpec{{
				Name:    "app",
				Entries: []plan.EntrySpec{{Source: src, Path: "/app/data", Mode: "644"}},
			}},
		}
	}

	first := newTestBuild(t, makePlan())
	firstDigest, err := first.engine(t).Push(context.Background())
	require.NoError(t, err)

	second := newTestBuild(t, makePlan())
	secondDigest, err := second.engine(t).Push(context.Background())
	require.NoError(t, err)

	require.Equal(t, firstDigest, secondDigest)
}

func TestPushBaseLayerMountElision(t *testing.T) {
	src := writeSourceFile(t, "app bits")
	tb := newTestBuild(t, &plan.Plan{
		Version:     "0.1",
		BaseImage:   "library/alpine:3.18",
		TargetImage: "myrepo/app:1",
		Layers: []plan.LayerSpec{{
			Name:    "app",
			Entries: []plan.EntrySpec{{Source: src, Path: "/app/bits"}},
		}},
	})
	seedBaseImage(t, tb.fake, "library/alpine", "3.18", []string{"base layer one", "base layer two"})

	_, err := tb.engine(t).Push(context.Background())
	require.NoError(t, err)

	var mounts, uploadSessions int
	for _, line := range tb.fake.Requests() {
		if strings.Contains(line, "mount=") && strings.Contains(line, "from=library%2Falpine") {
			mounts++
		} else if strings.HasPrefix(line, "POST ") && strings.Contains(line, "/blobs/uploads/") {
			uploadSessions++
		}
	}
	// Both base layers were mounted; no base-layer bytes went over the
	// wire. The only upload sessions belong to the app layer and the
	// container config.
	require.Equal(t, 2, mounts)
	require.Equal(t, 2, uploadSessions)
}

func TestPushManifestListSelectsPlatform(t *testing.T) {
	tb := newTestBuild(t, &plan.Plan{
		Version:     "0.1",
		BaseImage:   "library/multi:1",
		TargetImage: "myrepo/app:1",
		Platform:    plan.PlatformSpec{OS: "linux", Architecture: "arm64"},
	})

	amd64Digest := seedBaseImage(t, tb.fake, "library/multi", "amd64-only", []string{"amd64 layer"})
	arm64Digest := seedBaseImage(t, tb.fake, "library/multi", "arm64-only", []string{"arm64 layer"})

	index := map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     v1.MediaTypeImageIndex,
		"manifests": []map[string]interface{}{
			{
				"mediaType": schema2.MediaTypeManifest,
				"digest":    amd64Digest.String(),
				"size":      1,
				"platform":  map[string]string{"os": "linux", "architecture": "amd64"},
			},
			{
				"mediaType": schema2.MediaTypeManifest,
				"digest":    arm64Digest.String(),
				"size":      1,
				"platform":  map[string]string{"os": "linux", "architecture": "arm64"},
			},
		},
	}
	indexRaw, err := json.Marshal(index)
	require.NoError(t, err)
	tb.fake.SeedManifest("library/multi", "1", v1.MediaTypeImageIndex, indexRaw)

	_, err = tb.engine(t).Push(context.Background())
	require.NoError(t, err)

	var manifestGets []string
	for _, line := range tb.fake.Requests() {
		if strings.HasPrefix(line, "GET /v2/library/multi/manifests/") {
			manifestGets = append(manifestGets, line)
		}
	}
	// Index first, then exactly the arm64 sub-manifest.
	require.Len(t, manifestGets, 2)
	require.Contains(t, manifestGets[1], arm64Digest.String())
}

func TestOfflineMiss(t *testing.T) {
	tb := newTestBuild(t, &plan.Plan{
		Version:     "0.1",
		BaseImage:   "library/alpine:3.18",
		TargetImage: "myrepo/app:1",
		Offline:     true,
	})

	_, err := tb.engine(t).ExportTar(context.Background(), filepath.Join(t.TempDir(), "out.tar"))
	var miss OfflineMissError
	require.ErrorAs(t, err, &miss)
	require.Contains(t, err.Error(), "not cached")

	// Zero network calls were made.
	require.Empty(t, tb.fake.Requests())
}

func TestOfflineUsesCachedBase(t *testing.T) {
	src := writeSourceFile(t, "app")
	makePlan := func(offline bool) *plan.Plan {
		return &plan.Plan{
			Version:     "0.1",
			BaseImage:   "library/alpine:3.18",
			TargetImage: "myrepo/app:1",
			Offline:     offline,
			Layers: []plan.LayerSpec{{
				Name:    "app",
				Entries: []plan.EntrySpec{{Source: src, Path: "/app"}},
			}},
		}
	}

	tb := newTestBuild(t, makePlan(false))
	seedBaseImage(t, tb.fake, "library/alpine", "3.18", []string{"base layer"})

	// Online export populates the cache, including base layer blobs.
	out := filepath.Join(t.TempDir(), "online.tar")
	onlineDigest, err := tb.engine(t).ExportTar(context.Background(), out)
	require.NoError(t, err)

	// The offline rebuild sees no registry at all.
	offlineTB := &testBuild{fake: registrytest.New(), cache: tb.cache, plan: makePlan(true)}
	t.Cleanup(offlineTB.fake.Close)
	offlineTB.plan.AllowInsecure = true

	out2 := filepath.Join(t.TempDir(), "offline.tar")
	offlineDigest, err := offlineTB.engine(t).ExportTar(context.Background(), out2)
	require.NoError(t, err)
	require.Equal(t, onlineDigest, offlineDigest)
	require.Empty(t, offlineTB.fake.Requests())
}

func TestCacheCorruptionRecovery(t *testing.T) {
	src := writeSourceFile(t, "corruptible")
	makePlan := func() *plan.Plan {
		return &plan.Plan{
			Version:     "0.1",
			BaseImage:   "scratch",
			TargetImage: "myrepo/app:1",
			Layers: []plan.LayerSpec{{
				Name:    "app",
				Entries: []plan.EntrySpec{{Source: src, Path: "/data"}},
			}},
		}
	}

	tb := newTestBuild(t, makePlan())
	cleanDigest, err := tb.engine(t).Push(context.Background())
	require.NoError(t, err)

	// Remove the layer blob but leave the selector dangling.
	entries, err := tb.plan.Layers[0].LayerEntries()
	require.NoError(t, err)
	selector, err := layer.Selector(entries)
	require.NoError(t, err)
	desc, ok, err := tb.cache.Retrieve(selector)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, os.RemoveAll(filepath.Join(tb.cache.Root(), "layers", desc.Digest.Encoded())))

	// The rebuild repairs the cache and produces identical output.
	rebuilt := &testBuild{fake: registrytest.New(), cache: tb.cache, plan: makePlan()}
	t.Cleanup(rebuilt.fake.Close)
	rebuilt.plan.AllowInsecure = true

	recoveredDigest, err := rebuilt.engine(t).Push(context.Background())
	require.NoError(t, err)
	require.Equal(t, cleanDigest, recoveredDigest)
}

func TestExportTarLayout(t *testing.T) {
	src := writeSourceFile(t, "exported")
	tb := newTestBuild(t, &plan.Plan{
		Version:     "0.1",
		BaseImage:   "library/alpine:3.18",
		TargetImage: "myrepo/app:2",
		Tags:        []string{"extra"},
		Layers: []plan.LayerSpec{{
			Name:    "app",
			Entries: []plan.EntrySpec{{Source: src, Path: "/srv/data"}},
		}},
	})
	seedBaseImage(t, tb.fake, "library/alpine", "3.18", []string{"base layer"})

	out := filepath.Join(t.TempDir(), "image.tar")
	_, err := tb.engine(t).ExportTar(context.Background(), out)
	require.NoError(t, err)

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()

	files := map[string][]byte{}
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[hdr.Name] = content
	}

	require.Contains(t, files, "manifest.json")
	require.Contains(t, files, "repositories")

	var entries []tarballManifestEntry
	require.NoError(t, json.Unmarshal(files["manifest.json"], &entries))
	require.Len(t, entries, 1)
	require.Len(t, entries[0].Layers, 2)
	require.Contains(t, entries[0].RepoTags, "docker.io/myrepo/app:2")
	require.Contains(t, entries[0].RepoTags, "docker.io/myrepo/app:extra")
	require.Contains(t, files, entries[0].Config)
	for _, name := range entries[0].Layers {
		require.Contains(t, files, name)
	}

	// The config in the archive parses and lines up with the layers.
	cf, err := image.ParseConfigFile(files[entries[0].Config])
	require.NoError(t, err)
	require.Len(t, cf.RootFS.DiffIDs, 2)
}

func TestPushAdditionalTags(t *testing.T) {
	src := writeSourceFile(t, "tagged")
	tb := newTestBuild(t, &plan.Plan{
		Version:     "0.1",
		BaseImage:   "scratch",
		TargetImage: "myrepo/app:1",
		Tags:        []string{"stable", "v1"},
		Layers: []plan.LayerSpec{{
			Name:    "app",
			Entries: []plan.EntrySpec{{Source: src, Path: "/data"}},
		}},
	})

	dgst, err := tb.engine(t).Push(context.Background())
	require.NoError(t, err)

	for _, tag := range []string{"1", "stable", "v1"} {
		payload, _, ok := tb.fake.Manifest("myrepo/app", tag)
		require.True(t, ok, "tag %s missing", tag)
		require.Equal(t, dgst, digest.FromBytes(payload))
	}
}

func TestPushWithCredentialHelper(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("helper scripts require a POSIX shell")
	}

	src := writeSourceFile(t, "authenticated app")
	tb := newTestBuild(t, &plan.Plan{
		Version:     "0.1",
		BaseImage:   "scratch",
		TargetImage: "myrepo/app:1",
		Layers: []plan.LayerSpec{{
			Name:    "app",
			Entries: []plan.EntrySpec{{Source: src, Path: "/data"}},
		}},
	})
	tb.fake.RequireToken = true
	tb.fake.Username = "u"
	tb.fake.Secret = "p"

	// A credential helper on PATH supplies the registry credentials.
	helperDir := t.TempDir()
	script := "#!/bin/sh\necho '{\"Username\":\"u\",\"Secret\":\"p\"}'\n"
	require.NoError(t, os.WriteFile(filepath.Join(helperDir, "docker-credential-enginetest"), []byte(script), 0o755))
	t.Setenv("PATH", helperDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	// The Docker config maps the fake's host to the helper.
	configDir := t.TempDir()
	configJSON := fmt.Sprintf(`{"credHelpers":{"%s":"enginetest"}}`, tb.fake.Host())
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.json"), []byte(configJSON), 0o600))

	engine, err := New(Options{
		Plan:            tb.plan,
		Cache:           tb.cache,
		DockerConfigDir: configDir,
		RegistryHost: func(reference.Reference) string {
			return tb.fake.Host()
		},
	})
	require.NoError(t, err)

	_, err = engine.Push(context.Background())
	require.NoError(t, err)

	// The bearer flow ran: at least one token exchange served the push.
	require.GreaterOrEqual(t, tb.fake.TokenRequests(), 1)
}

func TestPushSkipsExistingLayers(t *testing.T) {
	src := writeSourceFile(t, "idempotent")
	makePlan := func() *plan.Plan {
		return &plan.Plan{
			Version:     "0.1",
			BaseImage:   "scratch",
			TargetImage: "myrepo/app:1",
			Layers: []plan.LayerSpec{{
				Name:    "app",
				Entries: []plan.EntrySpec{{Source: src, Path: "/data"}},
			}},
		}
	}

	tb := newTestBuild(t, makePlan())
	_, err := tb.engine(t).Push(context.Background())
	require.NoError(t, err)
	firstRequests := len(tb.fake.Requests())

	// Second push against the same registry: blobs HEAD as present, so
	// no upload sessions are opened.
	tb.plan = makePlan()
	tb.plan.AllowInsecure = true
	_, err = tb.engine(t).Push(context.Background())
	require.NoError(t, err)

	for _, line := range tb.fake.Requests()[firstRequests:] {
		require.False(t, strings.Contains(line, "/blobs/uploads/"),
			"unexpected upload request on idempotent push: %s", line)
	}
}
