// Package config reads the reconciler's YAML configuration: a single file
// or a directory of *.yml files merged in name order, with ${ENV} templating
// and ksm:// secret references resolved before any adapter sees a value.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Section is one source or target entry. The "module" key selects the
// adapter; everything else belongs to that adapter and is decoded strictly
// so typos in keys fail loudly.
type Section map[string]any

// Module returns the adapter name for this section.
func (s Section) Module() (string, error) {
	v, ok := s["module"]
	if !ok {
		return "", fmt.Errorf("section is missing the %q key", "module")
	}
	name, ok := v.(string)
	if !ok || name == "" {
		return "", fmt.Errorf("section %q key must be a non-empty string", "module")
	}
	return name, nil
}

// Decode unmarshals the section into out, rejecting unknown keys. The
// "module" selector is not part of any adapter's config and is dropped
// first.
func (s Section) Decode(out any) error {
	body := make(map[string]any, len(s))
	for k, v := range s {
		if k == "module" {
			continue
		}
		body[k] = v
	}
	data, err := yaml.Marshal(body)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Config is the merged, templated configuration for one reconciliation run.
type Config struct {
	Source  Section
	Targets []Section

	raw       map[string]any
	templated map[string]any
}

// Option adjusts how Load behaves.
type Option func(*loader)

type loader struct {
	raw      bool
	resolver SecretResolver
	env      func(string) (string, bool)
}

// Raw skips environment templating and secret resolution. Used for raw
// config checks only; a raw config must never drive a run.
func Raw() Option {
	return func(l *loader) { l.raw = true }
}

// WithSecretResolver resolves ksm:// references through r. Without it such
// references are a load error.
func WithSecretResolver(r SecretResolver) Option {
	return func(l *loader) { l.resolver = r }
}

// withEnv overrides environment lookup; tests use it.
func withEnv(fn func(string) (string, bool)) Option {
	return func(l *loader) { l.env = fn }
}

// Load reads path, which may be one YAML file or a directory of *.yml
// files. Directory files merge in sorted name order, later top-level keys
// overriding earlier ones.
func Load(path string, opts ...Option) (*Config, error) {
	l := &loader{env: os.LookupEnv}
	for _, opt := range opts {
		opt(l)
	}

	files, err := configFiles(path)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]any)
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", file, err)
		}
		for k, v := range doc {
			merged[k] = v
		}
	}

	return l.finish(merged)
}

// LoadBytes parses a single YAML document held in memory. The cloud
// function entry point uses it for env-supplied configuration.
func LoadBytes(data []byte, opts ...Option) (*Config, error) {
	l := &loader{env: os.LookupEnv}
	for _, opt := range opts {
		opt(l)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return l.finish(doc)
}

func (l *loader) finish(merged map[string]any) (*Config, error) {
	cfg := &Config{raw: merged}
	if l.raw {
		cfg.templated = merged
	} else {
		templated, err := l.template(merged)
		if err != nil {
			return nil, err
		}
		cfg.templated = templated.(map[string]any)
	}

	if err := cfg.split(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config path %s: %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	files, err := filepath.Glob(filepath.Join(path, "*.yml"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no *.yml files found in %s", path)
	}
	sort.Strings(files)
	return files, nil
}

// template walks the config tree expanding ${ENV} references and resolving
// ksm:// secret references in every string value.
func (l *loader) template(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return l.templateString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			t, err := l.template(item)
			if err != nil {
				return nil, err
			}
			out[k] = t
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			t, err := l.template(item)
			if err != nil {
				return nil, err
			}
			out[i] = t
		}
		return out, nil
	default:
		return v, nil
	}
}

func (l *loader) templateString(s string) (string, error) {
	var missing []string
	expanded := os.Expand(s, func(name string) string {
		v, ok := l.env(name)
		if !ok {
			missing = append(missing, name)
			return ""
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("environment variable %s used in the config is not set",
			strings.Join(missing, ", "))
	}

	if strings.HasPrefix(expanded, secretScheme) {
		if l.resolver == nil {
			return "", fmt.Errorf("secret reference %q found but no secret resolver is configured", expanded)
		}
		return l.resolver.Resolve(expanded)
	}
	return expanded, nil
}

// split pulls the source and targets sections out of the merged tree.
func (c *Config) split() error {
	if v, ok := c.templated["source"]; ok {
		section, err := asSection(v)
		if err != nil {
			return fmt.Errorf("source: %w", err)
		}
		c.Source = section
	}
	if v, ok := c.templated["targets"]; ok {
		list, ok := v.([]any)
		if !ok {
			return fmt.Errorf("targets must be a list")
		}
		for i, item := range list {
			section, err := asSection(item)
			if err != nil {
				return fmt.Errorf("targets[%d]: %w", i, err)
			}
			c.Targets = append(c.Targets, section)
		}
	}
	return nil
}

func asSection(v any) (Section, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a mapping, got %T", v)
	}
	return Section(m), nil
}

// Dump renders the templated configuration as YAML, for config checks.
func (c *Config) Dump() (string, error) {
	data, err := yaml.Marshal(c.templated)
	return string(data), err
}

// DumpRaw renders the configuration as loaded, before templating.
func (c *Config) DumpRaw() (string, error) {
	data, err := yaml.Marshal(c.raw)
	return string(data), err
}
