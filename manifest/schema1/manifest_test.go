package schema1

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/caravel-build/caravel/manifest"
)

const schema1JSON = `{
  "schemaVersion": 1,
  "name": "library/busybox",
  "tag": "1.0",
  "architecture": "amd64",
  "fsLayers": [
    {"blobSum": "sha256:5f70bf18a086007016e948b04aed3b82103a36bea41755b6cddfaf10ace3c6ef"},
    {"blobSum": "sha256:8f4f4edcc1b0b2f1c6c7b3e1a2adba35ad3a65b3c9b4f14e1e5b3f4a9c9f19a2"}
  ],
  "history": [
    {"v1Compatibility": "{\"id\":\"top\",\"parent\":\"base\",\"created\":\"2015-02-21T02:11:06.735146646Z\",\"throwaway\":true}"},
    {"v1Compatibility": "{\"id\":\"base\",\"created\":\"2015-02-21T02:10:00Z\"}"}
  ]
}`

func TestUnmarshalSchema1(t *testing.T) {
	m, _, err := manifest.Unmarshal("", []byte(schema1JSON))
	require.NoError(t, err)

	sm, ok := m.(*DeserializedManifest)
	require.True(t, ok)
	require.Equal(t, "library/busybox", sm.Name)

	// References are reordered base-first.
	refs := sm.References()
	require.Len(t, refs, 2)
	require.Equal(t, "sha256:8f4f4edcc1b0b2f1c6c7b3e1a2adba35ad3a65b3c9b4f14e1e5b3f4a9c9f19a2", refs[0].Digest.String())

	chain, err := sm.CompatibilityChain()
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.Equal(t, "base", chain[0].ID)
	require.True(t, chain[1].ThrowAway)
}

func TestUnmarshalSchema1LayerHistoryMismatch(t *testing.T) {
	var m DeserializedManifest
	err := m.UnmarshalJSON([]byte(`{"schemaVersion":1,"fsLayers":[{"blobSum":"sha256:5f70bf18a086007016e948b04aed3b82103a36bea41755b6cddfaf10ace3c6ef"}],"history":[]}`))
	require.Error(t, err)
}
