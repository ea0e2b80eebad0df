package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// includeKeys name the directive that pulls other files in. "$include" is the
// documented spelling; "include" is accepted for hand-written files.
var includeKeys = []string{"$include", "include"}

// Load reads path, resolves includes, applies defaults and validates the
// result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		cfg := Default()
		return cfg, Validate(cfg)
	}
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadRaw reads path into a generic map with every include merged in.
// Included files are applied first, in order; the including file wins.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	r := &includeResolver{active: map[string]bool{}}
	return r.resolve(path)
}

// includeResolver walks $include chains. active holds the files currently
// being resolved, so a file may be included twice but never recursively.
type includeResolver struct {
	active map[string]bool
	chain  []string
}

func (r *includeResolver) resolve(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if r.active[abs] {
		return nil, fmt.Errorf("config include cycle detected: %s -> %s", strings.Join(r.chain, " -> "), abs)
	}
	r.active[abs] = true
	r.chain = append(r.chain, abs)
	defer func() {
		delete(r.active, abs)
		r.chain = r.chain[:len(r.chain)-1]
	}()

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	doc, err := parseDocument(expandEnv(string(data)), abs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	includes, err := takeIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	merged := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		sub, err := r.resolve(inc)
		if err != nil {
			return nil, err
		}
		deepMerge(merged, sub)
	}
	deepMerge(merged, doc)
	return merged, nil
}

// expandEnv substitutes ${VAR} and $VAR from the environment. The include
// directive itself is left alone.
func expandEnv(s string) string {
	return os.Expand(s, func(name string) string {
		if name == "include" {
			return "$include"
		}
		return os.Getenv(name)
	})
}

// parseDocument decodes one YAML document, or JSON5 for .json/.json5 files.
func parseDocument(text, path string) (map[string]any, error) {
	var doc map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal([]byte(text), &doc); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(strings.NewReader(text))
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, errors.New("failed to parse config: expected single document")
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// takeIncludes removes the include directive from doc and returns its paths.
func takeIncludes(doc map[string]any) ([]string, error) {
	var value any
	for _, key := range includeKeys {
		if v, ok := doc[key]; ok {
			value = v
			delete(doc, key)
			break
		}
	}

	var paths []string
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		paths = []string{v}
	case []any:
		for _, entry := range v {
			s, ok := entry.(string)
			if !ok {
				return nil, errors.New("include entries must be strings")
			}
			paths = append(paths, s)
		}
	default:
		return nil, errors.New("include must be a string or list of strings")
	}

	out := paths[:0]
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// deepMerge copies src into dst, merging nested maps key by key.
func deepMerge(dst, src map[string]any) {
	for key, value := range src {
		child, isMap := value.(map[string]any)
		existing, hasMap := dst[key].(map[string]any)
		if isMap && hasMap {
			deepMerge(existing, child)
			continue
		}
		dst[key] = value
	}
}

// decodeRawConfig round-trips the merged map through YAML into the typed
// struct, rejecting unknown keys.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
