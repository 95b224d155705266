package reference

import (
	"errors"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func TestParseNormalization(t *testing.T) {
	testcases := []struct {
		input      string
		domain     string
		repository string
		tag        string
		dgst       digest.Digest
	}{
		{
			input:      "ubuntu",
			domain:     "docker.io",
			repository: "library/ubuntu",
			tag:        "latest",
		},
		{
			input:      "library/alpine:3.18",
			domain:     "docker.io",
			repository: "library/alpine",
			tag:        "3.18",
		},
		{
			input:      "index.docker.io/library/busybox",
			domain:     "docker.io",
			repository: "library/busybox",
			tag:        "latest",
		},
		{
			input:      "myuser/app:1.0",
			domain:     "docker.io",
			repository: "myuser/app",
			tag:        "1.0",
		},
		{
			input:      "gcr.io/project/app",
			domain:     "gcr.io",
			repository: "project/app",
			tag:        "latest",
		},
		{
			input:      "localhost:5000/app",
			domain:     "localhost:5000",
			repository: "app",
			tag:        "latest",
		},
		{
			input:      "quay.io/ns/app@sha256:b5bb9d8014a0f9b1d61e21e796d78dccdf1352f23cd32812f4850b878ae4944c",
			domain:     "quay.io",
			repository: "ns/app",
			dgst:       "sha256:b5bb9d8014a0f9b1d61e21e796d78dccdf1352f23cd32812f4850b878ae4944c",
		},
	}

	for _, tc := range testcases {
		t.Run(tc.input, func(t *testing.T) {
			ref, err := Parse(tc.input)
			require.NoError(t, err)
			require.Equal(t, tc.domain, ref.Domain)
			require.Equal(t, tc.repository, ref.Repository)
			require.Equal(t, tc.tag, ref.Tag)
			require.Equal(t, tc.dgst, ref.Digest)
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, input := range []string{
		"",
		"UPPERCASE",
		"repo:tag with spaces",
		"repo@sha256:short",
		"-leading/dash",
	} {
		t.Run(input, func(t *testing.T) {
			_, err := Parse(input)
			require.Error(t, err)
			require.ErrorIs(t, err, ErrInvalidFormat)

			var parseErr ParseError
			require.True(t, errors.As(err, &parseErr))
		})
	}
}

func TestRegistryHost(t *testing.T) {
	ref, err := Parse("alpine")
	require.NoError(t, err)
	require.Equal(t, "registry-1.docker.io", ref.RegistryHost())

	ref, err = Parse("gcr.io/project/app")
	require.NoError(t, err)
	require.Equal(t, "gcr.io", ref.RegistryHost())
}

func TestSameRegistry(t *testing.T) {
	base, err := Parse("library/alpine:3.18")
	require.NoError(t, err)
	target, err := Parse("myrepo/app:1")
	require.NoError(t, err)
	require.True(t, base.SameRegistry(target))

	other, err := Parse("gcr.io/project/app")
	require.NoError(t, err)
	require.False(t, base.SameRegistry(other))
}

func TestScratch(t *testing.T) {
	ref, err := Parse("scratch")
	require.NoError(t, err)
	require.True(t, ref.IsScratch())

	ref, err = Parse("library/alpine")
	require.NoError(t, err)
	require.False(t, ref.IsScratch())
}

func TestString(t *testing.T) {
	ref, err := Parse("alpine")
	require.NoError(t, err)
	require.Equal(t, "docker.io/library/alpine:latest", ref.String())

	withDigest := ref.WithDigest("sha256:b5bb9d8014a0f9b1d61e21e796d78dccdf1352f23cd32812f4850b878ae4944c")
	require.Equal(t, "docker.io/library/alpine@sha256:b5bb9d8014a0f9b1d61e21e796d78dccdf1352f23cd32812f4850b878ae4944c", withDigest.String())
}
