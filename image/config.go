// Package image holds the in-memory model of a container image and its
// serializations: the container configuration blob and the image manifest
// in Docker schema2 or OCI form.
package image

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"
)

// Epoch is the default creation timestamp, chosen so identical inputs
// produce byte-identical images.
var Epoch = time.Unix(0, 0).UTC()

// BadConfigError reports a container configuration that is missing
// required fields or carries the wrong types.
type BadConfigError struct {
	Reason string
}

func (e BadConfigError) Error() string {
	return fmt.Sprintf("bad container configuration: %s", e.Reason)
}

// LayerCountMismatchError reports a base image whose manifest layer count
// does not line up with the config's diff_ids.
type LayerCountMismatchError struct {
	ManifestLayers int
	DiffIDs        int
}

func (e LayerCountMismatchError) Error() string {
	return fmt.Sprintf("manifest has %d layers but config lists %d diff_ids", e.ManifestLayers, e.DiffIDs)
}

// Config is the runtime configuration section of the container config
// blob. Field names and shapes are fixed by the wire format.
type Config struct {
	User         string              `json:"User,omitempty"`
	ExposedPorts map[string]struct{} `json:"ExposedPorts,omitempty"`
	Env          []string            `json:"Env,omitempty"`
	Entrypoint   []string            `json:"Entrypoint,omitempty"`
	Cmd          []string            `json:"Cmd,omitempty"`
	Volumes      map[string]struct{} `json:"Volumes,omitempty"`
	WorkingDir   string              `json:"WorkingDir,omitempty"`
	Labels       map[string]string   `json:"Labels,omitempty"`
}

// HistoryEntry describes how one layer (or layerless step) of the image
// came to be.
type HistoryEntry struct {
	Created    string `json:"created,omitempty"`
	Author     string `json:"author,omitempty"`
	CreatedBy  string `json:"created_by,omitempty"`
	Comment    string `json:"comment,omitempty"`
	EmptyLayer bool   `json:"empty_layer,omitempty"`
}

// RootFS carries the ordered uncompressed-layer digests.
type RootFS struct {
	Type    string          `json:"type"`
	DiffIDs []digest.Digest `json:"diff_ids"`
}

// ConfigFile is the container configuration blob, the JSON document the
// manifest's config descriptor points at.
type ConfigFile struct {
	Created      string         `json:"created,omitempty"`
	Architecture string         `json:"architecture"`
	OS           string         `json:"os"`
	Config       Config         `json:"config"`
	History      []HistoryEntry `json:"history,omitempty"`
	RootFS       RootFS         `json:"rootfs"`
}

// ParseConfigFile decodes and validates a pulled container config blob.
func ParseConfigFile(raw []byte) (*ConfigFile, error) {
	var cf ConfigFile
	if err := json.Unmarshal(raw, &cf); err != nil {
		return nil, BadConfigError{Reason: err.Error()}
	}
	if cf.Architecture == "" {
		return nil, BadConfigError{Reason: "missing architecture"}
	}
	if cf.OS == "" {
		return nil, BadConfigError{Reason: "missing os"}
	}
	if cf.RootFS.Type != "layers" {
		return nil, BadConfigError{Reason: fmt.Sprintf("rootfs.type is %q, want \"layers\"", cf.RootFS.Type)}
	}
	for _, diffID := range cf.RootFS.DiffIDs {
		if err := diffID.Validate(); err != nil {
			return nil, BadConfigError{Reason: fmt.Sprintf("invalid diff_id %q", diffID)}
		}
	}
	return &cf, nil
}

// FormatTime renders a timestamp the way docker does in config blobs.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
