// Package plan defines the build plan: the frozen, fully resolved input
// record the build engine consumes. Front ends (build tool plugins, the
// CLI) produce a Plan; nothing upstream of it is this module's concern.
package plan

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/caravel-build/caravel/layer"
	"github.com/caravel-build/caravel/reference"
)

// Plan is the complete input for one build.
type Plan struct {
	// Version gates parsing; "0.1" is the only version.
	Version string `yaml:"version" mapstructure:"version"`

	// BaseImage is the base image reference, or "scratch".
	BaseImage string `yaml:"baseImage" mapstructure:"baseimage"`

	// TargetImage is the image to produce.
	TargetImage string `yaml:"targetImage" mapstructure:"targetimage"`

	// Tags are additional tags applied to the target after the push.
	Tags []string `yaml:"tags" mapstructure:"tags"`

	// Layers are the application layers, in the order they stack above
	// the base.
	Layers []LayerSpec `yaml:"layers" mapstructure:"layers"`

	Container ContainerSpec `yaml:"container" mapstructure:"container"`

	// Platform selects the sub-manifest when the base resolves to a
	// manifest list.
	Platform PlatformSpec `yaml:"platform" mapstructure:"platform"`

	// Format is "docker" (schema2, default) or "oci".
	Format string `yaml:"format" mapstructure:"format"`

	// CreationTime overrides the image creation timestamp: empty or
	// "epoch" for the reproducible default, or an RFC3339 timestamp.
	CreationTime string `yaml:"creationTime" mapstructure:"creationtime"`

	Offline       bool `yaml:"offline" mapstructure:"offline"`
	AllowInsecure bool `yaml:"allowInsecure" mapstructure:"allowinsecure"`

	// UseOnlyProjectCache keeps the layer cache inside the project
	// directory instead of the user-level cache.
	UseOnlyProjectCache bool `yaml:"useOnlyProjectCache" mapstructure:"useonlyprojectcache"`

	// Concurrency caps parallel step execution; 0 uses the default.
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`

	BaseCredential   CredentialSpec `yaml:"baseCredential" mapstructure:"basecredential"`
	TargetCredential CredentialSpec `yaml:"targetCredential" mapstructure:"targetcredential"`
}

// LayerSpec names one application layer and its file entries.
type LayerSpec struct {
	// Name describes the layer's role, e.g. "dependencies", "resources",
	// "classes".
	Name string `yaml:"name" mapstructure:"name"`

	Entries []EntrySpec `yaml:"entries" mapstructure:"entries"`
}

// EntrySpec is one source file (or directory) placed into the container
// file system.
type EntrySpec struct {
	// Source is the host path. Empty creates a bare directory.
	Source string `yaml:"source" mapstructure:"source"`

	// Path is the absolute extraction path in the container.
	Path string `yaml:"path" mapstructure:"path"`

	// Mode carries the octal permission bits, e.g. "755". Empty applies
	// the defaults (0644 files, 0755 directories).
	Mode string `yaml:"mode" mapstructure:"mode"`

	// ModTime is an RFC3339 timestamp; empty applies the epoch+1s
	// default.
	ModTime string `yaml:"modTime" mapstructure:"modtime"`
}

// ContainerSpec carries the runtime configuration fields the user may set.
type ContainerSpec struct {
	Entrypoint []string          `yaml:"entrypoint" mapstructure:"entrypoint"`
	Cmd        []string          `yaml:"cmd" mapstructure:"cmd"`
	Env        []string          `yaml:"env" mapstructure:"env"`
	Labels     map[string]string `yaml:"labels" mapstructure:"labels"`
	Ports      []string          `yaml:"ports" mapstructure:"ports"`
	Volumes    []string          `yaml:"volumes" mapstructure:"volumes"`
	User       string            `yaml:"user" mapstructure:"user"`
	WorkingDir string            `yaml:"workingDir" mapstructure:"workingdir"`
}

// PlatformSpec selects the build platform.
type PlatformSpec struct {
	OS           string `yaml:"os" mapstructure:"os"`
	Architecture string `yaml:"architecture" mapstructure:"architecture"`
}

// CredentialSpec supplies an inline credential or names a credential
// helper for one registry.
type CredentialSpec struct {
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`

	// Helper is the docker-credential-<helper> suffix.
	Helper string `yaml:"helper" mapstructure:"helper"`
}

// Validate checks the plan for the errors the engine cannot recover from.
func (p *Plan) Validate() error {
	if p.TargetImage == "" {
		return fmt.Errorf("build plan: targetImage is required")
	}
	if _, err := reference.Parse(p.TargetImage); err != nil {
		return fmt.Errorf("build plan: targetImage: %w", err)
	}
	if p.BaseImage != "" {
		if _, err := reference.Parse(p.BaseImage); err != nil {
			return fmt.Errorf("build plan: baseImage: %w", err)
		}
	}
	for _, tag := range p.Tags {
		if !reference.ValidTag(tag) {
			return fmt.Errorf("build plan: invalid tag %q", tag)
		}
	}
	switch p.Format {
	case "", "docker", "oci":
	default:
		return fmt.Errorf("build plan: format must be docker or oci, got %q", p.Format)
	}
	if _, err := p.Created(); err != nil {
		return err
	}
	for _, l := range p.Layers {
		if _, err := l.LayerEntries(); err != nil {
			return err
		}
	}
	return nil
}

// ResolvedPlatform applies the linux/amd64 default.
func (p *Plan) ResolvedPlatform() v1.Platform {
	platform := v1.Platform{OS: p.Platform.OS, Architecture: p.Platform.Architecture}
	if platform.OS == "" {
		platform.OS = "linux"
	}
	if platform.Architecture == "" {
		platform.Architecture = "amd64"
	}
	return platform
}

// Created resolves the creation timestamp policy.
func (p *Plan) Created() (time.Time, error) {
	switch p.CreationTime {
	case "", "epoch":
		return time.Unix(0, 0).UTC(), nil
	default:
		t, err := time.Parse(time.RFC3339, p.CreationTime)
		if err != nil {
			return time.Time{}, fmt.Errorf("build plan: creationTime: %w", err)
		}
		return t.UTC(), nil
	}
}

// LayerEntries converts the spec entries into layer entries, applying the
// timestamp default. An entry without a mode keeps Mode 0, which the tar
// writer replaces with its file or directory default.
func (l LayerSpec) LayerEntries() ([]layer.Entry, error) {
	entries := make([]layer.Entry, 0, len(l.Entries))
	for _, e := range l.Entries {
		if !strings.HasPrefix(e.Path, "/") {
			return nil, fmt.Errorf("build plan: layer %q: path %q is not absolute", l.Name, e.Path)
		}

		entry := layer.Entry{
			SourcePath:     e.Source,
			ExtractionPath: e.Path,
			ModTime:        layer.DefaultModTime,
		}
		if e.Mode != "" {
			mode, err := strconv.ParseInt(e.Mode, 8, 32)
			if err != nil {
				return nil, fmt.Errorf("build plan: layer %q: mode %q: %w", l.Name, e.Mode, err)
			}
			entry.Mode = mode
		}
		if e.ModTime != "" {
			t, err := time.Parse(time.RFC3339, e.ModTime)
			if err != nil {
				return nil, fmt.Errorf("build plan: layer %q: modTime %q: %w", l.Name, e.ModTime, err)
			}
			entry.ModTime = t.UTC()
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// PortSet normalizes the exposed ports into the config map form, adding
// the /tcp default protocol.
func (c ContainerSpec) PortSet() map[string]struct{} {
	if len(c.Ports) == 0 {
		return nil
	}
	ports := make(map[string]struct{}, len(c.Ports))
	for _, p := range c.Ports {
		if !strings.Contains(p, "/") {
			p += "/tcp"
		}
		ports[p] = struct{}{}
	}
	return ports
}

// VolumeSet normalizes volumes into the config map form.
func (c ContainerSpec) VolumeSet() map[string]struct{} {
	if len(c.Volumes) == 0 {
		return nil
	}
	volumes := make(map[string]struct{}, len(c.Volumes))
	for _, v := range c.Volumes {
		volumes[v] = struct{}{}
	}
	return volumes
}
