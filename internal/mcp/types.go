// Package mcp persists the tool-provider (MCP server) configurations the
// gateway pushes into the agent runtime, and keeps the runtime in sync when
// the store file changes.
package mcp

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// ProviderType selects how the runtime reaches a provider.
type ProviderType string

const (
	// TypeLocal launches the provider as a child of the runtime (stdio).
	TypeLocal ProviderType = "local"
	// TypeRemote connects to an already running provider over HTTP.
	TypeRemote ProviderType = "remote"
)

var (
	ErrInvalidConfig    = errors.New("invalid provider config")
	ErrProviderNotFound = errors.New("provider not found")
	ErrProviderExists   = errors.New("provider already exists")
)

// ToolProviderConfig describes one tool-serving endpoint.
type ToolProviderConfig struct {
	Type ProviderType `json:"type" yaml:"type"`

	// Local transport options
	Command     string            `json:"command,omitempty" yaml:"command"`
	Args        []string          `json:"args,omitempty" yaml:"args"`
	Environment map[string]string `json:"environment,omitempty" yaml:"environment"`

	// Remote transport options
	URL     string            `json:"url,omitempty" yaml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers"`

	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled"`
	// Timeout is in milliseconds; zero leaves the runtime default.
	Timeout int `json:"timeout,omitempty" yaml:"timeout"`
}

// IsEnabled reports whether the provider should be connected.
func (c ToolProviderConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// WithEnabled returns a copy with the enabled flag set.
func (c ToolProviderConfig) WithEnabled(enabled bool) ToolProviderConfig {
	c.Enabled = &enabled
	return c
}

// Validate checks the config for the given provider name.
func (c ToolProviderConfig) Validate(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	switch c.Type {
	case TypeLocal:
		if err := c.validateLocal(); err != nil {
			return fmt.Errorf("%w: local config for %s: %v", ErrInvalidConfig, name, err)
		}
	case TypeRemote:
		if err := c.validateRemote(); err != nil {
			return fmt.Errorf("%w: remote config for %s: %v", ErrInvalidConfig, name, err)
		}
	default:
		return fmt.Errorf("%w: %s has unknown type %q", ErrInvalidConfig, name, c.Type)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: %s timeout must not be negative", ErrInvalidConfig, name)
	}
	return nil
}

func (c ToolProviderConfig) validateLocal() error {
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}
	if err := validatePath(c.Command, "command"); err != nil {
		return err
	}
	for i, arg := range c.Args {
		if containsShellMetachars(arg) {
			return fmt.Errorf("arg[%d] contains suspicious shell metacharacters: %q", i, arg)
		}
	}
	return nil
}

func (c ToolProviderConfig) validateRemote() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url must start with http:// or https://")
	}
	if u.Host == "" {
		return fmt.Errorf("url has no host")
	}
	return nil
}

// ValidateName checks a provider name. Names become tool-id prefixes in the
// runtime, so they are restricted to a conservative character set.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
		default:
			return fmt.Errorf("%w: name %q contains %q", ErrInvalidConfig, name, r)
		}
	}
	return nil
}

// RuntimeConfig converts the stored config into the shape the runtime's MCP
// admin endpoint accepts.
func (c ToolProviderConfig) RuntimeConfig() map[string]any {
	out := map[string]any{
		"type":    string(c.Type),
		"enabled": c.IsEnabled(),
	}
	switch c.Type {
	case TypeLocal:
		command := append([]string{c.Command}, c.Args...)
		out["command"] = command
		if len(c.Environment) > 0 {
			out["environment"] = c.Environment
		}
	case TypeRemote:
		out["url"] = c.URL
		if len(c.Headers) > 0 {
			out["headers"] = c.Headers
		}
	}
	if c.Timeout > 0 {
		out["timeout"] = c.Timeout
	}
	return out
}

// Redacted returns a copy with header and environment values masked.
func (c ToolProviderConfig) Redacted() ToolProviderConfig {
	c.Headers = maskValues(c.Headers)
	c.Environment = maskValues(c.Environment)
	if len(c.Args) > 0 {
		c.Args = append([]string(nil), c.Args...)
	}
	return c
}

func maskValues(in map[string]string) map[string]string {
	if len(in) == 0 {
		return in
	}
	out := make(map[string]string, len(in))
	for k := range in {
		out[k] = "[REDACTED]"
	}
	return out
}

// validatePath checks a path for traversal attacks.
func validatePath(path, fieldName string) error {
	if path == "" {
		return nil
	}
	cleaned := filepath.Clean(path)
	if strings.Contains(cleaned, "..") {
		return fmt.Errorf("%s contains path traversal: %q", fieldName, path)
	}
	return nil
}

// containsShellMetachars flags patterns that suggest command chaining.
// Spaces and quotes are allowed since they are common in legitimate args.
func containsShellMetachars(s string) bool {
	dangerousPatterns := []string{
		"$(", "${",
		"`",
		"&&", "||",
		";",
		"|",
		">", "<",
		"\n", "\r",
	}
	for _, pattern := range dangerousPatterns {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}
