// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and validates modelmux configuration.
//
// TOML with sensible defaults, ${VAR} expansion for API keys, and
// startup validation.
//
// Configuration file locations (in order of precedence):
//   - $MODELMUX_CONFIG
//   - ~/.modelmux/config.toml
//   - Built-in defaults
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/modelmux/internal/backend"
	"github.com/jeranaias/modelmux/internal/persona"
	"github.com/jeranaias/modelmux/internal/shape"
)

// EnvConfigPath names the environment variable that overrides the
// config file location.
const EnvConfigPath = "MODELMUX_CONFIG"

// EnvGatewayAddr overrides the gateway listen address.
const EnvGatewayAddr = "MODELMUX_GATEWAY_ADDR"

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete modelmux configuration.
type Config struct {
	// Router holds dispatch policy: chain, retries, shaping.
	Router RouterConfig `toml:"router" json:"router"`

	// Backends declares the available providers, in fallback order
	// unless the chain says otherwise.
	Backends []BackendConfig `toml:"backends" json:"backends"`

	// Personas adds or overrides persona presets by name.
	Personas map[string]PersonaConfig `toml:"personas" json:"personas"`

	// Usage selects the usage event sinks.
	Usage UsageConfig `toml:"usage" json:"usage"`

	// Gateway configures the HTTP facade.
	Gateway GatewayConfig `toml:"gateway" json:"gateway"`
}

// RouterConfig contains dispatch policy.
type RouterConfig struct {
	// FallbackChain orders backend ids for fallback. Empty means the
	// [[backends]] declaration order.
	FallbackChain []string `toml:"fallback_chain" json:"fallback_chain"`

	// MaxRetries caps same-backend retries for transient failures.
	MaxRetries int `toml:"max_retries" json:"max_retries"`

	// BackoffInitialMS is the first retry delay; it doubles per
	// attempt up to BackoffMaxMS.
	BackoffInitialMS int `toml:"backoff_initial_ms" json:"backoff_initial_ms"`
	BackoffMaxMS     int `toml:"backoff_max_ms" json:"backoff_max_ms"`

	// SafetyMarginTokens is held back from every context window.
	SafetyMarginTokens int `toml:"safety_margin_tokens" json:"safety_margin_tokens"`

	// ShapingPolicy is "drop" or "summarize".
	ShapingPolicy string `toml:"shaping_policy" json:"shaping_policy"`

	// SummaryBudgetTokens caps the summary message under "summarize".
	SummaryBudgetTokens int `toml:"summary_budget_tokens" json:"summary_budget_tokens"`

	// OnBadToolCall selects what a malformed terminal tool call does
	// to a stream: "fallback" (advance the chain, keep the text) or
	// "continue" (surface the partial text with a continuation signal).
	OnBadToolCall string `toml:"on_bad_tool_call" json:"on_bad_tool_call"`

	// MaxToolRounds bounds tool-call continuation rounds per dispatch.
	MaxToolRounds int `toml:"max_tool_rounds" json:"max_tool_rounds"`

	// SessionMaxMessages bounds each backend's session buffer.
	SessionMaxMessages int `toml:"session_max_messages" json:"session_max_messages"`

	// ProbeTTLSecs is how long a health probe result stays fresh.
	ProbeTTLSecs int `toml:"probe_ttl_secs" json:"probe_ttl_secs"`
}

// BackoffInitial returns the initial backoff as a duration.
func (r RouterConfig) BackoffInitial() time.Duration {
	return time.Duration(r.BackoffInitialMS) * time.Millisecond
}

// BackoffMax returns the backoff cap as a duration.
func (r RouterConfig) BackoffMax() time.Duration {
	return time.Duration(r.BackoffMaxMS) * time.Millisecond
}

// ProbeTTL returns the probe cache TTL as a duration.
func (r RouterConfig) ProbeTTL() time.Duration {
	return time.Duration(r.ProbeTTLSecs) * time.Second
}

// BackendConfig declares one backend.
type BackendConfig struct {
	// ID uniquely names the backend.
	ID string `toml:"id" json:"id"`

	// Protocol is "ollama", "openai", or "anthropic".
	Protocol string `toml:"protocol" json:"protocol"`

	// BaseURL is the provider endpoint root. Empty takes the
	// protocol's default.
	BaseURL string `toml:"base_url" json:"base_url"`

	// APIKey authenticates cloud protocols. ${VAR} references are
	// expanded from the environment at load time.
	APIKey string `toml:"api_key" json:"api_key"`

	// Model is the default model identifier.
	Model string `toml:"model" json:"model"`

	// ContextWindowTokens is the usable context size.
	ContextWindowTokens int `toml:"context_window_tokens" json:"context_window_tokens"`

	// CostInPerMTok / CostOutPerMTok price the backend in dollars per
	// million tokens. Zero for local backends.
	CostInPerMTok  float64 `toml:"cost_in_per_mtok" json:"cost_in_per_mtok"`
	CostOutPerMTok float64 `toml:"cost_out_per_mtok" json:"cost_out_per_mtok"`

	// SupportsStreaming / SupportsTools gate request features.
	SupportsStreaming bool `toml:"supports_streaming" json:"supports_streaming"`
	SupportsTools     bool `toml:"supports_tools" json:"supports_tools"`

	// Roles lists routing families: "local", "fast", "heavy", "planner".
	Roles []string `toml:"roles" json:"roles"`

	// Persona names the preset used as this backend's default persona.
	Persona string `toml:"persona" json:"persona"`

	// SystemPrompt overrides the preset's prompt for this backend.
	SystemPrompt string `toml:"system_prompt" json:"system_prompt"`

	// RequestsPerMinute rate-limits dispatch attempts. Zero means
	// unlimited.
	RequestsPerMinute int `toml:"requests_per_minute" json:"requests_per_minute"`
}

// PersonaConfig adds a persona preset or overrides a built-in one.
// When the name matches a built-in, zero-valued fields keep the
// built-in's values.
type PersonaConfig struct {
	Description    string   `toml:"description" json:"description"`
	SystemPrompt   string   `toml:"system_prompt" json:"system_prompt"`
	Temperature    float64  `toml:"temperature" json:"temperature"`
	MaxTokens      int      `toml:"max_tokens" json:"max_tokens"`
	PreferredRoles []string `toml:"preferred_roles" json:"preferred_roles"`
}

// UsageConfig selects usage sinks. A sink is enabled by giving it a
// path; with Enabled false nothing is recorded at all.
type UsageConfig struct {
	// Enabled is the master switch for usage recording.
	Enabled bool `toml:"enabled" json:"enabled"`

	// Buffer is the recorder channel capacity.
	Buffer int `toml:"buffer" json:"buffer"`

	// SQLitePath stores events in a usage_events table.
	SQLitePath string `toml:"sqlite_path" json:"sqlite_path"`

	// JSONLPath appends events to a JSON lines file.
	JSONLPath string `toml:"jsonl_path" json:"jsonl_path"`
}

// GatewayConfig configures the HTTP facade.
type GatewayConfig struct {
	// Addr is the listen address.
	Addr string `toml:"addr" json:"addr"`

	// BearerToken guards every endpoint when set. Supports ${VAR}
	// expansion. Empty disables authentication.
	BearerToken string `toml:"bearer_token" json:"bearer_token"`

	// AllowedIPs restricts clients to the listed IPs or CIDR ranges.
	// Empty admits any source address.
	AllowedIPs []string `toml:"allowed_ips" json:"allowed_ips"`

	// RequestsPerMinute caps requests per client IP. Zero disables
	// gateway-side rate limiting.
	RequestsPerMinute int `toml:"requests_per_minute" json:"requests_per_minute"`

	// MaxBodyBytes caps request body size.
	MaxBodyBytes int64 `toml:"max_body_bytes" json:"max_body_bytes"`

	// MaxMessages caps messages per chat request.
	MaxMessages int `toml:"max_messages" json:"max_messages"`

	// MaxContentChars caps a single message's content length.
	MaxContentChars int `toml:"max_content_chars" json:"max_content_chars"`

	// ReadTimeoutSecs / WriteTimeoutSecs are server timeouts. The
	// write timeout must cover the longest expected stream.
	ReadTimeoutSecs  int `toml:"read_timeout_secs" json:"read_timeout_secs"`
	WriteTimeoutSecs int `toml:"write_timeout_secs" json:"write_timeout_secs"`
}

// ReadTimeout returns the read timeout as a duration.
func (g GatewayConfig) ReadTimeout() time.Duration {
	return time.Duration(g.ReadTimeoutSecs) * time.Second
}

// WriteTimeout returns the write timeout as a duration.
func (g GatewayConfig) WriteTimeout() time.Duration {
	return time.Duration(g.WriteTimeoutSecs) * time.Second
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the canonical two-backend configuration: a local
// Ollama backend first, then one OpenRouter-served cloud backend that
// covers the fast, heavy, and planner roles. The cloud key comes from
// OPENROUTER_API_KEY; without it the cloud backend simply fails fast
// and local keeps working.
func Default() *Config {
	return &Config{
		Router: RouterConfig{
			MaxRetries:          3,
			BackoffInitialMS:    500,
			BackoffMaxMS:        10_000,
			SafetyMarginTokens:  256,
			ShapingPolicy:       string(shape.PolicyDrop),
			SummaryBudgetTokens: 150,
			OnBadToolCall:       "fallback",
			MaxToolRounds:       4,
			SessionMaxMessages:  50,
			ProbeTTLSecs:        30,
		},
		Backends: []BackendConfig{
			{
				ID:                  "local",
				Protocol:            string(backend.ProtocolOllama),
				BaseURL:             "http://127.0.0.1:11434",
				Model:               "qwen2.5-coder:14b",
				ContextWindowTokens: 32768,
				SupportsStreaming:   true,
				SupportsTools:       true,
				Roles:               []string{string(backend.RoleLocal)},
			},
			{
				ID:                  "cloud",
				Protocol:            string(backend.ProtocolOpenAI),
				BaseURL:             "https://openrouter.ai/api/v1",
				APIKey:              "${OPENROUTER_API_KEY}",
				Model:               "anthropic/claude-3.5-sonnet",
				ContextWindowTokens: 200_000,
				CostInPerMTok:       3.0,
				CostOutPerMTok:      15.0,
				SupportsStreaming:   true,
				SupportsTools:       true,
				Roles: []string{
					string(backend.RoleFast),
					string(backend.RoleHeavy),
					string(backend.RolePlanner),
				},
			},
		},
		Personas: map[string]PersonaConfig{},
		Usage: UsageConfig{
			Enabled: true,
			Buffer:  256,
		},
		Gateway: GatewayConfig{
			Addr:              "127.0.0.1:8090",
			RequestsPerMinute: 120,
			MaxBodyBytes:      1 << 20,
			MaxMessages:       64,
			MaxContentChars:   100_000,
			ReadTimeoutSecs:   30,
			WriteTimeoutSecs:  300,
		},
	}
}

// =============================================================================
// PATH HELPERS
// =============================================================================

// Dir returns the modelmux configuration directory.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".modelmux"), nil
}

// Path returns the default config file location.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads configuration from MODELMUX_CONFIG, falling back to
// ~/.modelmux/config.toml, falling back to Default. The result has env
// expansion, defaults, and validation already applied.
func Load() (*Config, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return LoadFromPath(path)
	}

	path, err := Path()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return LoadFromPath(path)
		}
	}

	cfg := Default()
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath reads configuration from a specific TOML file. File
// values overlay the defaults; absent sections keep them.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	// Declared backends replace the defaults wholesale. Decoding into the
	// default slice would merge file entries element-wise into the default
	// backends instead.
	defaultBackends := cfg.Backends
	cfg.Backends = nil

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if len(cfg.Backends) == 0 {
		cfg.Backends = defaultBackends
	}

	if err := cfg.finalize(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// finalize expands environment references, fills derived defaults, and
// validates.
func (c *Config) finalize() error {
	for i := range c.Backends {
		c.Backends[i].APIKey = os.ExpandEnv(c.Backends[i].APIKey)
	}
	c.Gateway.BearerToken = os.ExpandEnv(c.Gateway.BearerToken)
	if addr := os.Getenv(EnvGatewayAddr); addr != "" {
		c.Gateway.Addr = addr
	}

	c.fillDerived()
	return c.Validate()
}

// fillDerived fills values that depend on the rest of the config.
func (c *Config) fillDerived() {
	// The chain defaults to declaration order.
	if len(c.Router.FallbackChain) == 0 {
		for _, b := range c.Backends {
			c.Router.FallbackChain = append(c.Router.FallbackChain, b.ID)
		}
	}

	d := Default()
	if c.Router.MaxRetries <= 0 {
		c.Router.MaxRetries = d.Router.MaxRetries
	}
	if c.Router.BackoffInitialMS <= 0 {
		c.Router.BackoffInitialMS = d.Router.BackoffInitialMS
	}
	if c.Router.BackoffMaxMS <= 0 {
		c.Router.BackoffMaxMS = d.Router.BackoffMaxMS
	}
	if c.Router.SafetyMarginTokens <= 0 {
		c.Router.SafetyMarginTokens = d.Router.SafetyMarginTokens
	}
	if c.Router.ShapingPolicy == "" {
		c.Router.ShapingPolicy = d.Router.ShapingPolicy
	}
	if c.Router.SummaryBudgetTokens <= 0 {
		c.Router.SummaryBudgetTokens = d.Router.SummaryBudgetTokens
	}
	if c.Router.OnBadToolCall == "" {
		c.Router.OnBadToolCall = d.Router.OnBadToolCall
	}
	if c.Router.MaxToolRounds <= 0 {
		c.Router.MaxToolRounds = d.Router.MaxToolRounds
	}
	if c.Router.SessionMaxMessages <= 0 {
		c.Router.SessionMaxMessages = d.Router.SessionMaxMessages
	}
	if c.Router.ProbeTTLSecs <= 0 {
		c.Router.ProbeTTLSecs = d.Router.ProbeTTLSecs
	}

	if c.Usage.Buffer <= 0 {
		c.Usage.Buffer = d.Usage.Buffer
	}
	if c.Usage.Enabled && c.Usage.SQLitePath == "" && c.Usage.JSONLPath == "" {
		if dir, err := Dir(); err == nil {
			c.Usage.SQLitePath = filepath.Join(dir, "usage.db")
		}
	}

	if c.Gateway.Addr == "" {
		c.Gateway.Addr = d.Gateway.Addr
	}
	if c.Gateway.MaxBodyBytes <= 0 {
		c.Gateway.MaxBodyBytes = d.Gateway.MaxBodyBytes
	}
	if c.Gateway.MaxMessages <= 0 {
		c.Gateway.MaxMessages = d.Gateway.MaxMessages
	}
	if c.Gateway.MaxContentChars <= 0 {
		c.Gateway.MaxContentChars = d.Gateway.MaxContentChars
	}
	if c.Gateway.ReadTimeoutSecs <= 0 {
		c.Gateway.ReadTimeoutSecs = d.Gateway.ReadTimeoutSecs
	}
	if c.Gateway.WriteTimeoutSecs <= 0 {
		c.Gateway.WriteTimeoutSecs = d.Gateway.WriteTimeoutSecs
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if len(c.Backends) == 0 {
		errs = append(errs, ValidationError{
			Field:   "backends",
			Message: "at least one backend is required",
		})
	}

	validRoles := map[string]bool{
		string(backend.RoleLocal):   true,
		string(backend.RoleFast):    true,
		string(backend.RoleHeavy):   true,
		string(backend.RolePlanner): true,
	}

	seen := make(map[string]bool)
	for i, b := range c.Backends {
		field := fmt.Sprintf("backends[%d]", i)
		if b.ID == "" {
			errs = append(errs, ValidationError{Field: field + ".id", Message: "missing id"})
		} else if seen[b.ID] {
			errs = append(errs, ValidationError{
				Field:   field + ".id",
				Message: fmt.Sprintf("duplicate id %q", b.ID),
			})
		}
		seen[b.ID] = true

		switch backend.Protocol(b.Protocol) {
		case backend.ProtocolOllama, backend.ProtocolOpenAI, backend.ProtocolAnthropic:
		default:
			errs = append(errs, ValidationError{
				Field:   field + ".protocol",
				Message: fmt.Sprintf("unknown protocol %q, must be one of: ollama, openai, anthropic", b.Protocol),
			})
		}

		if b.BaseURL != "" {
			if _, err := url.Parse(b.BaseURL); err != nil {
				errs = append(errs, ValidationError{
					Field:   field + ".base_url",
					Message: fmt.Sprintf("invalid URL: %v", err),
				})
			}
		}
		if b.ContextWindowTokens <= 0 {
			errs = append(errs, ValidationError{
				Field:   field + ".context_window_tokens",
				Message: "context window must be positive",
			})
		}
		if b.CostInPerMTok < 0 || b.CostOutPerMTok < 0 {
			errs = append(errs, ValidationError{
				Field:   field + ".cost_in_per_mtok",
				Message: "pricing cannot be negative",
			})
		}
		if b.RequestsPerMinute < 0 {
			errs = append(errs, ValidationError{
				Field:   field + ".requests_per_minute",
				Message: "rate limit cannot be negative",
			})
		}
		for _, role := range b.Roles {
			if !validRoles[role] {
				errs = append(errs, ValidationError{
					Field:   field + ".roles",
					Message: fmt.Sprintf("unknown role %q, must be one of: local, fast, heavy, planner", role),
				})
			}
		}
	}

	if len(c.Router.FallbackChain) == 0 && len(c.Backends) > 0 {
		errs = append(errs, ValidationError{
			Field:   "router.fallback_chain",
			Message: "fallback chain is empty",
		})
	}
	for _, id := range c.Router.FallbackChain {
		if !seen[id] {
			errs = append(errs, ValidationError{
				Field:   "router.fallback_chain",
				Message: fmt.Sprintf("chain references undeclared backend %q", id),
			})
		}
	}

	if p := shape.Policy(c.Router.ShapingPolicy); !p.Valid() {
		errs = append(errs, ValidationError{
			Field:   "router.shaping_policy",
			Message: fmt.Sprintf("invalid policy %q, must be one of: drop, summarize", c.Router.ShapingPolicy),
		})
	}
	switch c.Router.OnBadToolCall {
	case "fallback", "continue":
	default:
		errs = append(errs, ValidationError{
			Field:   "router.on_bad_tool_call",
			Message: fmt.Sprintf("invalid value %q, must be one of: fallback, continue", c.Router.OnBadToolCall),
		})
	}

	for name, p := range c.Personas {
		if p.Temperature < 0 || p.Temperature > 2 {
			errs = append(errs, ValidationError{
				Field:   "personas." + name + ".temperature",
				Message: fmt.Sprintf("temperature %.2f outside [0,2]", p.Temperature),
			})
		}
		if p.MaxTokens < 0 {
			errs = append(errs, ValidationError{
				Field:   "personas." + name + ".max_tokens",
				Message: "max_tokens cannot be negative",
			})
		}
		for _, role := range p.PreferredRoles {
			if !validRoles[role] {
				errs = append(errs, ValidationError{
					Field:   "personas." + name + ".preferred_roles",
					Message: fmt.Sprintf("unknown role %q", role),
				})
			}
		}
	}

	if c.Gateway.Addr == "" {
		errs = append(errs, ValidationError{
			Field:   "gateway.addr",
			Message: "listen address is required",
		})
	}
	if c.Gateway.RequestsPerMinute < 0 {
		errs = append(errs, ValidationError{
			Field:   "gateway.requests_per_minute",
			Message: "rate limit cannot be negative",
		})
	}
	for _, entry := range c.Gateway.AllowedIPs {
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				errs = append(errs, ValidationError{
					Field:   "gateway.allowed_ips",
					Message: fmt.Sprintf("invalid CIDR %q", entry),
				})
			}
		} else if net.ParseIP(entry) == nil {
			errs = append(errs, ValidationError{
				Field:   "gateway.allowed_ips",
				Message: fmt.Sprintf("invalid IP %q", entry),
			})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// Descriptors converts the backend declarations into descriptors, in
// declaration order.
func (c *Config) Descriptors() []backend.Descriptor {
	out := make([]backend.Descriptor, len(c.Backends))
	for i, b := range c.Backends {
		roles := make([]backend.Role, len(b.Roles))
		for j, r := range b.Roles {
			roles[j] = backend.Role(r)
		}
		out[i] = backend.Descriptor{
			ID:                  b.ID,
			Protocol:            backend.Protocol(b.Protocol),
			BaseURL:             b.BaseURL,
			APIKey:              b.APIKey,
			Model:               b.Model,
			ContextWindowTokens: b.ContextWindowTokens,
			CostInPerMTok:       b.CostInPerMTok,
			CostOutPerMTok:      b.CostOutPerMTok,
			SupportsStreaming:   b.SupportsStreaming,
			SupportsTools:       b.SupportsTools,
			Roles:               roles,
			PersonaName:         b.Persona,
			SystemPrompt:        b.SystemPrompt,
			RequestsPerMinute:   b.RequestsPerMinute,
		}
	}
	return out
}

// ShapeConfig converts the shaping knobs.
func (c *Config) ShapeConfig() shape.Config {
	return shape.Config{
		Policy:        shape.Policy(c.Router.ShapingPolicy),
		SafetyMargin:  c.Router.SafetyMarginTokens,
		SummaryBudget: c.Router.SummaryBudgetTokens,
	}
}

// PersonaList converts the persona tables into presets. A name that
// matches a built-in starts from the built-in and overrides only the
// fields the table sets; new names start from blank with the standard
// sampling defaults.
func (c *Config) PersonaList() []persona.Persona {
	builtins := make(map[string]persona.Persona)
	for _, p := range persona.Presets() {
		builtins[p.Name] = p
	}

	out := make([]persona.Persona, 0, len(c.Personas))
	for name, pc := range c.Personas {
		base, ok := builtins[name]
		if !ok {
			base = persona.Persona{Name: name, Temperature: 0.7, MaxTokens: 4000}
		}
		if pc.Description != "" {
			base.Description = pc.Description
		}
		if pc.SystemPrompt != "" {
			base.SystemPrompt = pc.SystemPrompt
		}
		if pc.Temperature != 0 {
			base.Temperature = pc.Temperature
		}
		if pc.MaxTokens != 0 {
			base.MaxTokens = pc.MaxTokens
		}
		if len(pc.PreferredRoles) != 0 {
			roles := make([]backend.Role, len(pc.PreferredRoles))
			for i, r := range pc.PreferredRoles {
				roles[i] = backend.Role(r)
			}
			base.PreferredRoles = roles
		}
		out = append(out, base)
	}
	return out
}
