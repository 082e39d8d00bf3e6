package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"fleetrun/internal/model"
)

// Decode parses data; name selects the format by extension (.yaml/.yml,
// anything else is JSON). YAML is converted to JSON first so both formats go
// through the same strict decoder and reject unknown fields.
func Decode(name string, data []byte) (*Config, error) {
	format := "json"
	if ext := strings.ToLower(filepath.Ext(name)); ext == ".yaml" || ext == ".yml" {
		format = "yaml"
		jb, err := yamlToJSON(data)
		if err != nil {
			return nil, err
		}
		data = jb
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", format, err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, errors.New("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if doc.Kind == 0 {
		// empty file
		return []byte("{}"), nil
	}
	v, err := nodeValue(&doc)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// nodeValue turns a YAML node into plain JSON-compatible values. Aliases and
// "<<" merge keys are resolved; mapping keys must be scalars.
func nodeValue(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return map[string]any{}, nil
		}
		return nodeValue(n.Content[0])
	case yaml.AliasNode:
		return nodeValue(n.Alias)
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := nodeValue(c)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.MappingNode:
		out := map[string]any{}
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, val := n.Content[i], n.Content[i+1]
			if k.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("yaml line %d: mapping keys must be scalars", k.Line)
			}
			v, err := nodeValue(val)
			if err != nil {
				return nil, err
			}
			if k.Tag == "!!merge" || (k.Value == "<<" && k.Style == 0) {
				if err := mergeInto(out, v, k.Line); err != nil {
					return nil, err
				}
				continue
			}
			out[k.Value] = v
		}
		return out, nil
	default:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("yaml line %d: %w", n.Line, err)
		}
		return v, nil
	}
}

// mergeInto applies a "<<" value. Explicit keys win over merged ones.
func mergeInto(dst map[string]any, v any, line int) error {
	var srcs []any
	switch x := v.(type) {
	case map[string]any:
		srcs = []any{x}
	case []any:
		srcs = x
	default:
		return fmt.Errorf("yaml line %d: merge value must be a mapping", line)
	}
	for _, s := range srcs {
		m, ok := s.(map[string]any)
		if !ok {
			return fmt.Errorf("yaml line %d: merge value must be a mapping", line)
		}
		for k, mv := range m {
			if _, exists := dst[k]; !exists {
				dst[k] = mv
			}
		}
	}
	return nil
}

// ParseDurationField parses a Go duration at config path. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: invalid duration %q", model.ErrConfiguration, path, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s: duration must be >= 0", model.ErrConfiguration, path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
