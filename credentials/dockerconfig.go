package credentials

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caravel-build/caravel/registry"
)

// legacyIndexServer is the auths key docker login historically used for
// Docker Hub.
const legacyIndexServer = "https://index.docker.io/v1/"

// ConfigSource selects which part of the Docker config file a
// DockerConfig retriever consults.
type ConfigSource int

const (
	// ConfigHelpers reads credHelpers entries and the global credsStore,
	// delegating to the named helper executable.
	ConfigHelpers ConfigSource = iota

	// ConfigAuths reads inline auths entries (base64 user:pass or an
	// identity token).
	ConfigAuths
)

// DockerConfig retrieves credentials recorded by docker login in the
// config file at $DOCKER_CONFIG/config.json (or ~/.docker/config.json).
type DockerConfig struct {
	// Dir overrides the config directory. Empty consults $DOCKER_CONFIG
	// and then the home directory default.
	Dir string

	Source ConfigSource
}

func (d DockerConfig) Name() string {
	if d.Source == ConfigHelpers {
		return "docker config credHelpers"
	}
	return "docker config auths"
}

type configFile struct {
	Auths       map[string]authEntry `json:"auths"`
	CredsStore  string               `json:"credsStore"`
	CredHelpers map[string]string    `json:"credHelpers"`
}

type authEntry struct {
	Auth          string `json:"auth,omitempty"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	IdentityToken string `json:"identitytoken,omitempty"`
}

func (d DockerConfig) configPath() string {
	dir := d.Dir
	if dir == "" {
		dir = os.Getenv("DOCKER_CONFIG")
	}
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".docker")
	}
	return filepath.Join(dir, "config.json")
}

func (d DockerConfig) load() (*configFile, error) {
	path := d.configPath()
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var cfg configFile
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// hostVariants lists the keys under which a registry host may appear in
// the config file, most specific first.
func hostVariants(registryHost string) []string {
	variants := []string{
		registryHost,
		"https://" + registryHost,
		"http://" + registryHost,
	}
	if registryHost == "registry-1.docker.io" || registryHost == "docker.io" || registryHost == "index.docker.io" {
		variants = append(variants, legacyIndexServer, "index.docker.io", "docker.io")
	}
	return variants
}

func (d DockerConfig) Retrieve(registryHost string) (registry.Credential, bool, error) {
	cfg, err := d.load()
	if err != nil || cfg == nil {
		return registry.Credential{}, false, err
	}

	switch d.Source {
	case ConfigHelpers:
		suffix := ""
		for _, key := range hostVariants(registryHost) {
			if s, ok := cfg.CredHelpers[key]; ok {
				suffix = s
				break
			}
		}
		if suffix == "" {
			suffix = cfg.CredsStore
		}
		if suffix == "" {
			return registry.Credential{}, false, nil
		}
		return Helper{Suffix: suffix}.Retrieve(registryHost)

	case ConfigAuths:
		for _, key := range hostVariants(registryHost) {
			entry, ok := cfg.Auths[key]
			if !ok {
				continue
			}
			cred, err := entry.credential()
			if err != nil {
				return registry.Credential{}, false, fmt.Errorf("auths entry for %s: %w", key, err)
			}
			if cred.IsZero() {
				continue
			}
			return cred, true, nil
		}
		return registry.Credential{}, false, nil
	}
	return registry.Credential{}, false, nil
}

func (e authEntry) credential() (registry.Credential, error) {
	if e.IdentityToken != "" {
		return registry.Credential{RefreshToken: e.IdentityToken}, nil
	}
	if e.Auth != "" {
		decoded, err := base64.StdEncoding.DecodeString(e.Auth)
		if err != nil {
			return registry.Credential{}, err
		}
		user, pass, ok := strings.Cut(string(decoded), ":")
		if !ok {
			return registry.Credential{}, fmt.Errorf("malformed auth value")
		}
		return registry.Credential{Username: user, Secret: pass}, nil
	}
	return registry.Credential{Username: e.Username, Secret: e.Password}, nil
}
