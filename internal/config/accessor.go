package config

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// asMap round-trips cfg through its JSON form so paths follow the JSON keys.
func asMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// step descends one path segment into a JSON object or list.
func step(node any, key string) (any, error) {
	switch v := node.(type) {
	case map[string]any:
		val, ok := v[key]
		if !ok {
			return nil, fmt.Errorf("key not found: %s", key)
		}
		return val, nil
	case []any:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(v) {
			return nil, fmt.Errorf("invalid list index: %s", key)
		}
		return v[idx], nil
	default:
		return nil, fmt.Errorf("cannot traverse into %T at %s", node, key)
	}
}

// GetByPath retrieves a config value by dot-notation path, e.g.
// "artifacts.framework" or "linker.catalogs.0".
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := asMap(cfg)
	if err != nil {
		return nil, err
	}
	var current any = m
	for _, key := range strings.Split(path, ".") {
		if current, err = step(current, key); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return current, nil
}

// SetByPath sets a config value by dot-notation path. Missing object keys
// are created, so new baselines and frameworks can be added. The caller
// should Validate the result before saving it.
func SetByPath(cfg *Config, path string, value any) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	m, err := asMap(cfg)
	if err != nil {
		return err
	}

	parts := strings.Split(path, ".")
	var parent any = m
	for _, key := range parts[:len(parts)-1] {
		if obj, ok := parent.(map[string]any); ok {
			if _, exists := obj[key]; !exists {
				obj[key] = map[string]any{}
			}
		}
		if parent, err = step(parent, key); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}

	last := parts[len(parts)-1]
	switch p := parent.(type) {
	case map[string]any:
		p[last] = parseValue(value)
	case []any:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(p) {
			return fmt.Errorf("%s: invalid list index: %s", path, last)
		}
		p[idx] = parseValue(value)
	default:
		return fmt.Errorf("%s: cannot set inside %T", path, parent)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

// parseValue converts CLI strings to booleans and numbers where they parse.
func parseValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Sanitize returns a copy of the config with the API key masked. Unexpanded
// ${VAR} references are shown as written.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var out Config
	if err := json.Unmarshal(data, &out); err != nil {
		return cfg
	}
	if key := out.LLM.APIKey; key != "" && !strings.HasPrefix(key, "${") {
		out.LLM.APIKey = maskString(key)
	}
	return &out
}

// maskString shows the first and last 4 chars.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// Setting is one leaf value of the config.
type Setting struct {
	Path  string
	Value any
}

// ListPaths returns every leaf path of the config with its value, sorted
// by path. List elements are addressed by index.
func ListPaths(cfg *Config) []Setting {
	m, err := asMap(cfg)
	if err != nil {
		return nil
	}
	var out []Setting
	flatten("", m, &out)
	slices.SortFunc(out, func(a, b Setting) int { return strings.Compare(a.Path, b.Path) })
	return out
}

func flatten(prefix string, node any, out *[]Setting) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch v := node.(type) {
	case map[string]any:
		for k, child := range v {
			flatten(join(k), child, out)
		}
	case []any:
		for i, child := range v {
			flatten(join(strconv.Itoa(i)), child, out)
		}
	default:
		*out = append(*out, Setting{Path: prefix, Value: v})
	}
}
