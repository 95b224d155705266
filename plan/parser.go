package plan

import (
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v2"
)

// CurrentVersion is the only build plan version this parser accepts.
const CurrentVersion = "0.1"

// envPrefix namespaces the environment variables that override plan
// fields: CARAVEL_OFFLINE=true, CARAVEL_CONTAINER_USER=nobody, ...
const envPrefix = "CARAVEL"

// Parse decodes a build plan from YAML, applies CARAVEL_* environment
// overrides, and validates the result.
func Parse(raw []byte) (*Plan, error) {
	var versioned struct {
		Version string `yaml:"version"`
	}
	if err := yaml.Unmarshal(raw, &versioned); err != nil {
		return nil, fmt.Errorf("parsing build plan: %w", err)
	}
	if versioned.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported build plan version %q, want %q", versioned.Version, CurrentVersion)
	}

	var tree map[interface{}]interface{}
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("parsing build plan: %w", err)
	}
	normalized := normalizeKeys(tree).(map[string]interface{})

	applyEnvOverrides(normalized, os.Environ())

	var p Plan
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &p,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(normalized); err != nil {
		return nil, fmt.Errorf("decoding build plan: %w", err)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ParseFile reads and parses a build plan file.
func ParseFile(path string) (*Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading build plan: %w", err)
	}
	return Parse(raw)
}

// normalizeKeys lowers map keys to strings so the YAML tree and the env
// override paths agree, recursively.
func normalizeKeys(node interface{}) interface{} {
	switch typed := node.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			out[strings.ToLower(fmt.Sprint(k))] = normalizeKeys(v)
		}
		return out
	case []interface{}:
		for i, v := range typed {
			typed[i] = normalizeKeys(v)
		}
		return typed
	default:
		return node
	}
}

// applyEnvOverrides writes CARAVEL_SECTION_FIELD=value entries into the
// decoded tree. Underscore-separated segments address nested maps; the
// value is parsed as a YAML scalar so booleans and numbers work.
func applyEnvOverrides(tree map[string]interface{}, environ []string) {
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, envPrefix+"_") {
			continue
		}
		segments := strings.Split(strings.ToLower(strings.TrimPrefix(key, envPrefix+"_")), "_")

		node := tree
		for i, segment := range segments {
			if i == len(segments)-1 {
				var parsed interface{}
				if err := yaml.Unmarshal([]byte(value), &parsed); err != nil {
					parsed = value
				}
				node[segment] = normalizeKeys(parsed)
				break
			}
			child, ok := node[segment].(map[string]interface{})
			if !ok {
				child = map[string]interface{}{}
				node[segment] = child
			}
			node = child
		}
	}
}
