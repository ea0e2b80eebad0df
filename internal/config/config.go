package config

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/campusgate/internal/access"
	"github.com/haasonsaas/campusgate/internal/auth"
)

// Config is the main configuration structure for campusgate.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Runtime       RuntimeConfig       `yaml:"runtime"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Access        AccessConfig        `yaml:"access"`
	Proxy         ProxyConfig         `yaml:"proxy"`
	Models        ModelsConfig        `yaml:"models"`
	Auth          AuthConfig          `yaml:"auth"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host              string          `yaml:"host"`
	HTTPPort          int             `yaml:"http_port"`
	ReadHeaderTimeout time.Duration   `yaml:"read_header_timeout"`
	CORSOrigins       []string        `yaml:"cors_origins"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig limits chat turns per caller. Zero disables limiting.
type RateLimitConfig struct {
	TurnsPerMinute float64 `yaml:"turns_per_minute"`
	Burst          int     `yaml:"burst"`
}

// RuntimeConfig describes how the agent runtime is launched.
type RuntimeConfig struct {
	Command    string            `yaml:"command"`
	Args       []string          `yaml:"args"`
	WorkDir    string            `yaml:"workdir"`
	Env        map[string]string `yaml:"env"`
	Hostname   string            `yaml:"hostname"`
	Port       int               `yaml:"port"`
	PortPinned bool              `yaml:"port_pinned"`

	StartupTimeout time.Duration `yaml:"startup_timeout"`
	ReadyPattern   string        `yaml:"ready_pattern"`
}

// ProvidersConfig locates the tool provider store.
type ProvidersConfig struct {
	StorePath string        `yaml:"store_path"`
	Watch     *bool         `yaml:"watch"`
	Debounce  time.Duration `yaml:"debounce"`
}

// WatchEnabled reports whether the store file should be watched.
func (c ProvidersConfig) WatchEnabled() bool {
	return c.Watch == nil || *c.Watch
}

// AccessConfig overrides the role to provider defaults.
type AccessConfig struct {
	Roles map[string][]string `yaml:"roles"`
}

// RoleProviders converts the overrides for access.NewPolicy.
func (c AccessConfig) RoleProviders() map[access.Role][]string {
	if len(c.Roles) == 0 {
		return nil
	}
	out := make(map[access.Role][]string, len(c.Roles))
	for role, names := range c.Roles {
		out[access.Role(role)] = names
	}
	return out
}

type ProxyConfig struct {
	TurnTimeout        time.Duration `yaml:"turn_timeout"`
	SystemPrompt       string        `yaml:"system_prompt"`
	DefaultAgent       string        `yaml:"default_agent"`
	AskAgent           string        `yaml:"ask_agent"`
	StructuredKeywords []string      `yaml:"structured_keywords"`
}

type ModelsConfig struct {
	ProviderID       string `yaml:"provider_id"`
	ModelID          string `yaml:"model_id"`
	RuntimePattern   string `yaml:"runtime_pattern"`
	PreferredPattern string `yaml:"preferred_pattern"`
}

type AuthConfig struct {
	JWTSecret   string              `yaml:"jwt_secret"`
	TokenExpiry time.Duration       `yaml:"token_expiry"`
	APIKeys     []auth.APIKeyConfig `yaml:"api_keys"`
	// AllowHeaderIdentity trusts X-User-* headers. Unset means true only
	// when no JWT secret or API key is configured.
	AllowHeaderIdentity *bool `yaml:"allow_header_identity"`
}

// HeaderIdentityAllowed reports whether plain identity headers are trusted.
// Once a verified credential source exists, headers need an explicit opt-in.
func (c AuthConfig) HeaderIdentityAllowed() bool {
	if c.AllowHeaderIdentity != nil {
		return *c.AllowHeaderIdentity
	}
	return c.JWTSecret == "" && len(c.APIKeys) == 0
}

// Service converts the section into auth service settings.
func (c AuthConfig) Service() auth.Config {
	return auth.Config{
		JWTSecret:           c.JWTSecret,
		TokenExpiry:         c.TokenExpiry,
		APIKeys:             c.APIKeys,
		AllowHeaderIdentity: c.HeaderIdentityAllowed(),
	}
}

// SessionsConfig selects the session index backend. An empty DSN keeps the
// index in memory.
type SessionsConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	MetricsEnabled *bool         `yaml:"metrics_enabled"`
	Tracing        TracingConfig `yaml:"tracing"`
}

// MetricsOn reports whether /metrics is served; nil means true.
func (c ObservabilityConfig) MetricsOn() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

// TracingConfig controls OpenTelemetry tracing. An empty endpoint disables
// export.
type TracingConfig struct {
	Endpoint     string            `yaml:"endpoint"`
	ServiceName  string            `yaml:"service_name"`
	SamplingRate float64           `yaml:"sampling_rate"`
	Insecure     bool              `yaml:"insecure"`
	Attributes   map[string]string `yaml:"attributes"`
}

// Defaults.
const (
	DefaultHost              = "127.0.0.1"
	DefaultHTTPPort          = 8787
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultRuntimeCommand    = "opencode"
	DefaultRuntimeHostname   = "127.0.0.1"
	DefaultRuntimePort       = 4096
	DefaultStartupTimeout    = 15 * time.Second
	DefaultReadyPattern      = `(?i)listening on(?:\s+(https?://\S+))?`
	DefaultStorePath         = "./mcp-providers.json"
	DefaultDebounce          = 300 * time.Millisecond
	DefaultTurnTimeout       = 120 * time.Second
	DefaultAgent             = "build"
	DefaultAskAgent          = "general"
	DefaultTokenExpiry       = 24 * time.Hour
	DefaultSessionsDriver    = "sqlite"
)

// ValidationError collects every problem found in a config.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "config invalid"
	}
	return "config invalid: " + strings.Join(e.Issues, "; ")
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = DefaultHost
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = DefaultHTTPPort
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if cfg.Server.RateLimit.TurnsPerMinute > 0 && cfg.Server.RateLimit.Burst == 0 {
		cfg.Server.RateLimit.Burst = 1
	}

	if cfg.Runtime.Command == "" {
		cfg.Runtime.Command = DefaultRuntimeCommand
		if cfg.Runtime.Args == nil {
			cfg.Runtime.Args = []string{"serve"}
		}
	}
	if cfg.Runtime.Hostname == "" {
		cfg.Runtime.Hostname = DefaultRuntimeHostname
	}
	if cfg.Runtime.Port == 0 && !cfg.Runtime.PortPinned {
		cfg.Runtime.Port = DefaultRuntimePort
	}
	if cfg.Runtime.StartupTimeout == 0 {
		cfg.Runtime.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.Runtime.ReadyPattern == "" {
		cfg.Runtime.ReadyPattern = DefaultReadyPattern
	}

	if cfg.Providers.StorePath == "" {
		cfg.Providers.StorePath = DefaultStorePath
	}
	if cfg.Providers.Debounce == 0 {
		cfg.Providers.Debounce = DefaultDebounce
	}

	if cfg.Proxy.TurnTimeout == 0 {
		cfg.Proxy.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.Proxy.DefaultAgent == "" {
		cfg.Proxy.DefaultAgent = DefaultAgent
	}
	if cfg.Proxy.AskAgent == "" {
		cfg.Proxy.AskAgent = DefaultAskAgent
	}

	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = DefaultTokenExpiry
	}
	if cfg.Sessions.Driver == "" {
		cfg.Sessions.Driver = DefaultSessionsDriver
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "campusgate"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1
	}
}

// Validate reports every invalid setting in cfg as a *ValidationError.
func Validate(cfg *Config) error {
	if cfg == nil {
		return &ValidationError{Issues: []string{"config is nil"}}
	}
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if cfg.Server.HTTPPort < 0 || cfg.Server.HTTPPort > 65535 {
		add("server.http_port must be between 0 and 65535")
	}
	if cfg.Server.ReadHeaderTimeout < 0 {
		add("server.read_header_timeout must not be negative")
	}
	if cfg.Server.RateLimit.TurnsPerMinute < 0 {
		add("server.rate_limit.turns_per_minute must not be negative")
	}
	if cfg.Server.RateLimit.Burst < 0 {
		add("server.rate_limit.burst must not be negative")
	}

	if strings.TrimSpace(cfg.Runtime.Command) == "" {
		add("runtime.command is required")
	}
	if cfg.Runtime.Port < 0 || cfg.Runtime.Port > 65535 {
		add("runtime.port must be between 0 and 65535")
	}
	if cfg.Runtime.PortPinned && cfg.Runtime.Port == 0 {
		add("runtime.port_pinned requires runtime.port")
	}
	if cfg.Runtime.StartupTimeout < 0 {
		add("runtime.startup_timeout must not be negative")
	}
	if _, err := regexp.Compile(cfg.Runtime.ReadyPattern); err != nil {
		add("runtime.ready_pattern: %v", err)
	}

	if cfg.Providers.Debounce < 0 {
		add("providers.debounce must not be negative")
	}

	roles := make([]string, 0, len(cfg.Access.Roles))
	for role := range cfg.Access.Roles {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		if strings.TrimSpace(role) == "" {
			add("access.roles contains an empty role name")
			continue
		}
		for _, name := range cfg.Access.Roles[role] {
			if strings.TrimSpace(name) == "" {
				add("access.roles.%s contains an empty provider name", role)
				break
			}
		}
	}

	if cfg.Proxy.TurnTimeout < 0 {
		add("proxy.turn_timeout must not be negative")
	}
	for _, pattern := range []struct{ key, value string }{
		{"models.runtime_pattern", cfg.Models.RuntimePattern},
		{"models.preferred_pattern", cfg.Models.PreferredPattern},
	} {
		if pattern.value == "" {
			continue
		}
		if _, err := regexp.Compile(pattern.value); err != nil {
			add("%s: %v", pattern.key, err)
		}
	}

	if cfg.Auth.TokenExpiry < 0 {
		add("auth.token_expiry must not be negative")
	}
	seenKeys := map[string]bool{}
	for i, key := range cfg.Auth.APIKeys {
		trimmed := strings.TrimSpace(key.Key)
		if trimmed == "" {
			add("auth.api_keys[%d].key is required", i)
			continue
		}
		if seenKeys[trimmed] {
			add("auth.api_keys[%d].key is duplicated", i)
		}
		seenKeys[trimmed] = true
	}

	switch strings.ToLower(cfg.Sessions.Driver) {
	case "", "sqlite", "memory":
	default:
		add("sessions.driver must be sqlite or memory")
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "", "json", "text":
	default:
		add("logging.format must be json or text")
	}

	rate := cfg.Observability.Tracing.SamplingRate
	if rate < 0 || rate > 1 {
		add("observability.tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
