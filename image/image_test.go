package image

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"github.com/caravel-build/caravel/layer"
	"github.com/caravel-build/caravel/manifest"
	"github.com/caravel-build/caravel/manifest/schema1"
	"github.com/caravel-build/caravel/manifest/schema2"
)

var linuxAmd64 = v1.Platform{OS: "linux", Architecture: "amd64"}

func testLayer(seed string) layer.Layer {
	return layer.Layer{
		Descriptor: layer.Descriptor{
			Digest: digest.FromString(seed + "-compressed"),
			DiffID: digest.FromString(seed + "-uncompressed"),
			Size:   int64(len(seed)),
		},
	}
}

func TestBuilderProducesEpochConfig(t *testing.T) {
	img, err := NewBuilder(linuxAmd64).
		SetConfig(Config{Entrypoint: []string{"java", "-jar", "/app.jar"}}).
		AddLayer(testLayer("app"), HistoryEntry{Created: FormatTime(Epoch), CreatedBy: "caravel:app"}).
		Build()
	require.NoError(t, err)

	raw, err := img.RawConfigFile()
	require.NoError(t, err)

	cf, err := ParseConfigFile(raw)
	require.NoError(t, err)
	require.Equal(t, "1970-01-01T00:00:00Z", cf.Created)
	require.Equal(t, "amd64", cf.Architecture)
	require.Equal(t, "linux", cf.OS)
	require.Len(t, cf.RootFS.DiffIDs, 1)
	require.Equal(t, digest.FromString("app-uncompressed"), cf.RootFS.DiffIDs[0])
}

func TestConfigSerializationReproducible(t *testing.T) {
	build := func() []byte {
		img, err := NewBuilder(linuxAmd64).
			SetConfig(Config{Env: []string{"A=1", "B=2"}, Labels: map[string]string{"x": "y"}}).
			AddLayer(testLayer("l1"), HistoryEntry{CreatedBy: "caravel:l1"}).
			AddLayer(testLayer("l2"), HistoryEntry{CreatedBy: "caravel:l2"}).
			Build()
		require.NoError(t, err)
		raw, err := img.RawConfigFile()
		require.NoError(t, err)
		return raw
	}
	require.Equal(t, build(), build())
}

func TestBuilderLayerHistoryMismatch(t *testing.T) {
	b := NewBuilder(linuxAmd64).
		AddLayer(testLayer("l1"), HistoryEntry{})
	b.image.History = append(b.image.History, HistoryEntry{CreatedBy: "stray non-empty entry"})

	_, err := b.Build()
	var mismatch LayerCountMismatchError
	require.ErrorAs(t, err, &mismatch)
}

func TestEmptyLayerHistoryContributesNoDiffID(t *testing.T) {
	img, err := NewBuilder(linuxAmd64).
		AddHistory(HistoryEntry{CreatedBy: "ENV configured"}).
		AddLayer(testLayer("app"), HistoryEntry{CreatedBy: "caravel:app"}).
		Build()
	require.NoError(t, err)

	raw, err := img.RawConfigFile()
	require.NoError(t, err)
	cf, err := ParseConfigFile(raw)
	require.NoError(t, err)
	require.Len(t, cf.RootFS.DiffIDs, 1)
	require.Len(t, cf.History, 2)
	require.True(t, cf.History[0].EmptyLayer)
}

func TestBuildManifestOrdering(t *testing.T) {
	img, err := NewBuilder(linuxAmd64).
		AddLayer(testLayer("base"), HistoryEntry{}).
		AddLayer(testLayer("app"), HistoryEntry{}).
		Build()
	require.NoError(t, err)

	raw, err := img.RawConfigFile()
	require.NoError(t, err)
	configDesc := v1.Descriptor{
		MediaType: FormatDocker.ConfigMediaType(),
		Digest:    digest.FromBytes(raw),
		Size:      int64(len(raw)),
	}

	m, err := img.BuildManifest(FormatDocker, configDesc)
	require.NoError(t, err)

	s2, ok := m.(*schema2.DeserializedManifest)
	require.True(t, ok)
	require.Len(t, s2.Layers, 2)
	require.Equal(t, digest.FromString("base-compressed"), s2.Layers[0].Digest)
	require.Equal(t, digest.FromString("app-compressed"), s2.Layers[1].Digest)
	require.Equal(t, schema2.MediaTypeLayer, s2.Layers[0].MediaType)

	// diff_ids mirror manifest layer order.
	cf, err := ParseConfigFile(raw)
	require.NoError(t, err)
	require.Equal(t, digest.FromString("base-uncompressed"), cf.RootFS.DiffIDs[0])
	require.Equal(t, digest.FromString("app-uncompressed"), cf.RootFS.DiffIDs[1])
}

func TestBuildManifestOCI(t *testing.T) {
	img, err := NewBuilder(linuxAmd64).
		AddLayer(testLayer("app"), HistoryEntry{}).
		Build()
	require.NoError(t, err)

	m, err := img.BuildManifest(FormatOCI, v1.Descriptor{MediaType: FormatOCI.ConfigMediaType()})
	require.NoError(t, err)
	mediaType, _, err := m.Payload()
	require.NoError(t, err)
	require.Equal(t, v1.MediaTypeImageManifest, mediaType)
}

func TestFromManifestAndConfig(t *testing.T) {
	cf := &ConfigFile{
		Architecture: "arm64",
		OS:           "linux",
		Created:      "2023-05-01T10:00:00Z",
		RootFS: RootFS{
			Type:    "layers",
			DiffIDs: []digest.Digest{digest.FromString("diff-1")},
		},
	}
	m, err := schema2.FromStruct(schema2.Manifest{
		Layers: []v1.Descriptor{{
			MediaType: schema2.MediaTypeLayer,
			Digest:    digest.FromString("blob-1"),
			Size:      42,
		}},
	})
	require.NoError(t, err)

	img, err := FromManifestAndConfig(m, cf)
	require.NoError(t, err)
	require.Len(t, img.Layers, 1)
	require.Equal(t, digest.FromString("blob-1"), img.Layers[0].Digest)
	require.Equal(t, digest.FromString("diff-1"), img.Layers[0].DiffID)
	require.Equal(t, "arm64", img.Platform.Architecture)
	require.Equal(t, time.Date(2023, 5, 1, 10, 0, 0, 0, time.UTC), img.Created)
}

func TestFromManifestAndConfigLayerCountMismatch(t *testing.T) {
	cf := &ConfigFile{
		Architecture: "amd64",
		OS:           "linux",
		RootFS:       RootFS{Type: "layers"},
	}
	m, err := schema2.FromStruct(schema2.Manifest{
		Layers: []v1.Descriptor{{Digest: digest.FromString("blob-1")}},
	})
	require.NoError(t, err)

	_, err = FromManifestAndConfig(m, cf)
	var mismatch LayerCountMismatchError
	require.ErrorAs(t, err, &mismatch)
}

func TestParseConfigFileValidation(t *testing.T) {
	_, err := ParseConfigFile([]byte(`not json`))
	require.Error(t, err)

	_, err = ParseConfigFile([]byte(`{"os":"linux","rootfs":{"type":"layers"}}`))
	var bad BadConfigError
	require.ErrorAs(t, err, &bad)

	_, err = ParseConfigFile([]byte(`{"architecture":"amd64","os":"linux","rootfs":{"type":"weird"}}`))
	require.ErrorAs(t, err, &bad)
}

func TestFromSchema1(t *testing.T) {
	payload := map[string]interface{}{
		"schemaVersion": 1,
		"name":          "library/legacy",
		"tag":           "old",
		"architecture":  "amd64",
		"fsLayers": []map[string]string{
			{"blobSum": digest.FromString("top-layer").String()},
			{"blobSum": digest.FromString("empty").String()},
			{"blobSum": digest.FromString("base-layer").String()},
		},
		"history": []map[string]string{
			{"v1Compatibility": `{"id":"c","config":{"Cmd":["/bin/sh"]},"created":"2015-02-21T02:11:06Z"}`},
			{"v1Compatibility": `{"id":"b","throwaway":true}`},
			{"v1Compatibility": `{"id":"a","created":"2015-02-20T00:00:00Z"}`},
		},
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	m, _, err := manifest.Unmarshal("", raw)
	require.NoError(t, err)
	sm := m.(*schema1.DeserializedManifest)

	img, err := FromSchema1(sm)
	require.NoError(t, err)
	require.Len(t, img.Layers, 2)
	require.Equal(t, digest.FromString("base-layer"), img.Layers[0].Digest)
	require.Equal(t, digest.FromString("top-layer"), img.Layers[1].Digest)
	require.Len(t, img.History, 3)
	require.True(t, img.History[1].EmptyLayer)
	require.Equal(t, []string{"/bin/sh"}, img.Config.Cmd)
}
