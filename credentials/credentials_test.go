package credentials

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/caravel-build/caravel/registry"
)

func writeDockerConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(content), 0o600))
	return dir
}

// installHelper drops an executable credential-helper script onto PATH.
func installHelper(t *testing.T, name, script string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("helper scripts require a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestStaticRetriever(t *testing.T) {
	cred, ok, err := Static{Credential: registry.Credential{Username: "u", Secret: "p"}}.Retrieve("any.reg")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "u", cred.Username)

	_, ok, err = Static{}.Retrieve("any.reg")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDockerConfigAuths(t *testing.T) {
	auth := base64.StdEncoding.EncodeToString([]byte("user:pass"))
	dir := writeDockerConfig(t, fmt.Sprintf(`{"auths":{"my.reg":{"auth":"%s"}}}`, auth))

	cred, ok, err := DockerConfig{Dir: dir, Source: ConfigAuths}.Retrieve("my.reg")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "user", cred.Username)
	require.Equal(t, "pass", cred.Secret)

	_, ok, err = DockerConfig{Dir: dir, Source: ConfigAuths}.Retrieve("other.reg")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDockerConfigAuthsDockerHubLegacyKey(t *testing.T) {
	auth := base64.StdEncoding.EncodeToString([]byte("hubuser:hubpass"))
	dir := writeDockerConfig(t, fmt.Sprintf(`{"auths":{"https://index.docker.io/v1/":{"auth":"%s"}}}`, auth))

	cred, ok, err := DockerConfig{Dir: dir, Source: ConfigAuths}.Retrieve("registry-1.docker.io")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hubuser", cred.Username)
}

func TestDockerConfigIdentityToken(t *testing.T) {
	dir := writeDockerConfig(t, `{"auths":{"my.reg":{"identitytoken":"refresh-me"}}}`)

	cred, ok, err := DockerConfig{Dir: dir, Source: ConfigAuths}.Retrieve("my.reg")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "refresh-me", cred.RefreshToken)
	require.Empty(t, cred.Username)
}

func TestDockerConfigMissingFile(t *testing.T) {
	_, ok, err := DockerConfig{Dir: t.TempDir(), Source: ConfigAuths}.Retrieve("my.reg")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHelperSuccess(t *testing.T) {
	installHelper(t, "docker-credential-fake",
		`echo '{"ServerURL":"my.reg","Username":"helped","Secret":"s3cret"}'`)

	cred, ok, err := Helper{Suffix: "fake"}.Retrieve("my.reg")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "helped", cred.Username)
	require.Equal(t, "s3cret", cred.Secret)
}

func TestHelperReturnsRefreshToken(t *testing.T) {
	installHelper(t, "docker-credential-token",
		`echo '{"ServerURL":"my.reg","Username":"<token>","Secret":"oauth-refresh"}'`)

	cred, ok, err := Helper{Suffix: "token"}.Retrieve("my.reg")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "oauth-refresh", cred.RefreshToken)
	require.Empty(t, cred.Username)
}

func TestHelperCredentialsNotFound(t *testing.T) {
	installHelper(t, "docker-credential-empty",
		`echo "credentials not found in native keychain"; exit 1`)

	_, ok, err := Helper{Suffix: "empty"}.Retrieve("my.reg")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDockerConfigCredHelpers(t *testing.T) {
	installHelper(t, "docker-credential-cfg",
		`echo '{"Username":"from-helper","Secret":"hunter2"}'`)
	dir := writeDockerConfig(t, `{"credHelpers":{"my.reg":"cfg"}}`)

	cred, ok, err := DockerConfig{Dir: dir, Source: ConfigHelpers}.Retrieve("my.reg")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "from-helper", cred.Username)
	require.Equal(t, "hunter2", cred.Secret)
}

type failingRetriever struct{}

func (failingRetriever) Retrieve(string) (registry.Credential, bool, error) {
	return registry.Credential{}, false, fmt.Errorf("keychain on fire")
}

func (failingRetriever) Name() string { return "failing" }

func TestResolverOrderAndSkipping(t *testing.T) {
	auth := base64.StdEncoding.EncodeToString([]byte("cfg:pass"))
	dir := writeDockerConfig(t, fmt.Sprintf(`{"auths":{"my.reg":{"auth":"%s"}}}`, auth))

	// The failing retriever is skipped; the config file supplies the hit.
	r := Resolver{Retrievers: []Retriever{
		failingRetriever{},
		Static{},
		DockerConfig{Dir: dir, Source: ConfigAuths},
	}}
	cred, found, err := r.Resolve("my.reg")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "cfg", cred.Username)

	// Inline wins when present.
	r.Retrievers[1] = Static{Credential: registry.Credential{Username: "inline", Secret: "w"}}
	cred, found, err = r.Resolve("my.reg")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "inline", cred.Username)

	// All empty, one failed: the failure surfaces alongside found=false.
	r = Resolver{Retrievers: []Retriever{failingRetriever{}, Static{}}}
	_, found, err = r.Resolve("my.reg")
	require.False(t, found)
	require.Error(t, err)
}
