// Package config handles clima configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/clima/config.yaml, /etc/clima/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "clima", "config.yaml"))
	}

	paths = append(paths, "/etc/clima/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all clima configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	DataDir   string          `yaml:"data_dir"`
	EnvFile   string          `yaml:"env_file"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
	Agent     AgentConfig     `yaml:"agent"`
	Models    ModelsConfig    `yaml:"models"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Gemini    GeminiConfig    `yaml:"gemini"`
	MCP       MCPConfig       `yaml:"mcp"`
	Weather   WeatherConfig   `yaml:"weather"`
	Search    SearchConfig    `yaml:"search"`
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp"`
	Console   ConsoleConfig   `yaml:"console"`
	Admin     AdminConfig     `yaml:"admin"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Usage     UsageConfig     `yaml:"usage"`
}

// ListenConfig defines the webhook/admin HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AgentConfig controls the turn orchestrator and instruction builder.
type AgentConfig struct {
	// Persona and Guidelines override the built-in instruction blocks.
	Persona    string `yaml:"persona"`
	Guidelines string `yaml:"guidelines"`

	HistorySize   int           `yaml:"history_size"`
	MaxIterations int           `yaml:"max_iterations"`
	ModelTimeout  time.Duration `yaml:"model_timeout"`
	ToolTimeout   time.Duration `yaml:"tool_timeout"`
	Temperature   float64       `yaml:"temperature"`
	MaxTokens     int           `yaml:"max_tokens"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // openai, anthropic, gemini
}

// OpenAIConfig defines the OpenAI-compatible chat completions endpoint.
// Pointing BaseURL at an Ollama server works too.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// GeminiConfig defines Google Gemini API settings.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
}

// MCPConfig describes the tool server subprocess.
type MCPConfig struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"` // default: this executable
	Args    []string `yaml:"args"`    // default: ["tools"]
	Env     []string `yaml:"env"`     // KEY=VALUE, appended to the environment

	// Include restricts which server tools are exposed to the model.
	Include []string `yaml:"include"`
}

// WeatherConfig configures the OpenWeather client used by the tool server.
type WeatherConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// SearchConfig configures the native web_search tool.
type SearchConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SearXNGURL string `yaml:"searxng_url"` // empty = DuckDuckGo HTML
}

// WhatsAppConfig configures the WAHA bridge and multi-tenant dispatch.
type WhatsAppConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	Session string `yaml:"session"`
	APIKey  string `yaml:"api_key"`

	// Events subscribes to the WAHA websocket event stream in addition
	// to accepting webhook POSTs.
	Events bool `yaml:"events"`

	// AuthorizedID seeds the allow-list when the contacts file does not
	// exist yet.
	AuthorizedID string `yaml:"authorized_id"`

	ContactsFile string `yaml:"contacts_file"`
	SettingsFile string `yaml:"settings_file"`
	LogFile      string `yaml:"log_file"`
	MaxContacts  int    `yaml:"max_contacts"`

	TypingDelay time.Duration `yaml:"typing_delay"`
	ReplyPrefix string        `yaml:"reply_prefix"`
	RateLimit   int           `yaml:"rate_limit"`   // per sender per minute; 0 = unlimited
	HistoryMode string        `yaml:"history_mode"` // memory or log
	MaxSessions int           `yaml:"max_sessions"`
	SessionIdle time.Duration `yaml:"session_idle"`

	// Defaults for the user context of every WhatsApp session.
	DefaultLocation string `yaml:"default_location"`
	TemperatureUnit string `yaml:"temperature_unit"`
}

// ConsoleConfig holds the single-user console identity.
type ConsoleConfig struct {
	UserName    string            `yaml:"user_name"`
	Location    string            `yaml:"location"`
	Preferences map[string]string `yaml:"preferences"`
	Render      bool              `yaml:"render"` // render replies as Markdown
}

// AdminConfig protects the admin UI with HTTP basic auth. PasswordHash
// is a bcrypt hash; without it the UI is unauthenticated. An empty
// Username accepts any user name.
type AdminConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// MQTTConfig configures the status publisher.
type MQTTConfig struct {
	Broker             string `yaml:"broker"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval"`
}

// Configured reports whether an MQTT broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// UsageConfig configures the token usage ledger.
type UsageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default: {data_dir}/usage.db

	// RetentionDays prunes older records once a day. Zero keeps
	// everything.
	RetentionDays int `yaml:"retention_days"`
}

// Load reads configuration from a YAML file. Environment variables are
// expanded before parsing, after the optional .env file beside the
// config has been loaded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// A first pass finds env_file without expansion.
	var probe struct {
		EnvFile string `yaml:"env_file"`
	}
	_ = yaml.Unmarshal(data, &probe)
	envPath := probe.EnvFile
	if envPath == "" {
		envPath = filepath.Join(filepath.Dir(path), ".env")
	}
	if _, err := LoadEnvFile(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file %s: %w", envPath, err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := base()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := base()
	cfg.applyDefaults()
	return cfg
}

// base holds the defaults that YAML may override wholesale. Derived
// values (paths under data_dir) are filled by applyDefaults afterwards.
func base() *Config {
	return &Config{
		Listen: ListenConfig{Port: 5000},
		Models: ModelsConfig{
			Default: "gpt-4o-mini",
			Available: []ModelConfig{
				{Name: "gpt-4o-mini", Provider: "openai"},
			},
		},
		Search:  SearchConfig{Enabled: true},
		Console: ConsoleConfig{Render: true},
	}
}

// applyDefaults fills zero values that Load and Default share.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Agent.HistorySize <= 0 {
		c.Agent.HistorySize = 10
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 8
	}
	if c.Agent.ModelTimeout <= 0 {
		c.Agent.ModelTimeout = 2 * time.Minute
	}
	if c.Agent.ToolTimeout <= 0 {
		c.Agent.ToolTimeout = 30 * time.Second
	}
	if c.Agent.Temperature == 0 {
		c.Agent.Temperature = 0.7
	}
	if c.Agent.MaxTokens <= 0 {
		c.Agent.MaxTokens = 2000
	}
	if c.MCP.Name == "" {
		c.MCP.Name = "weather"
	}
	if c.MCP.Command == "" {
		if exe, err := os.Executable(); err == nil {
			c.MCP.Command = exe
			if len(c.MCP.Args) == 0 {
				c.MCP.Args = []string{"tools"}
			}
		}
	}
	if c.Weather.BaseURL == "" {
		c.Weather.BaseURL = "https://api.openweathermap.org/data/2.5"
	}

	w := &c.WhatsApp
	if w.BaseURL == "" {
		w.BaseURL = "http://localhost:3000"
	}
	if w.Session == "" {
		w.Session = "default"
	}
	if w.ContactsFile == "" {
		w.ContactsFile = filepath.Join(c.DataDir, "allowed_contacts.txt")
	}
	if w.SettingsFile == "" {
		w.SettingsFile = filepath.Join(c.DataDir, "config.txt")
	}
	if w.LogFile == "" {
		w.LogFile = filepath.Join(c.DataDir, "messages.log")
	}
	if w.MaxContacts <= 0 {
		w.MaxContacts = 10
	}
	if w.TypingDelay == 0 {
		w.TypingDelay = 3 * time.Second
	}
	if w.ReplyPrefix == "" {
		w.ReplyPrefix = "🤖: "
	}
	if w.HistoryMode == "" {
		w.HistoryMode = "memory"
	}
	if w.MaxSessions <= 0 {
		w.MaxSessions = 500
	}
	if w.SessionIdle <= 0 {
		w.SessionIdle = 24 * time.Hour
	}

	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "clima"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.Usage.Path == "" {
		c.Usage.Path = filepath.Join(c.DataDir, "usage.db")
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	var problems []string

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		problems = append(problems, fmt.Sprintf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Models.Default == "" {
		problems = append(problems, "models.default is required")
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case "openai", "anthropic", "gemini":
		default:
			problems = append(problems, fmt.Sprintf("model %q: unknown provider %q", m.Name, m.Provider))
		}
	}
	if c.MCP.Command == "" {
		problems = append(problems, "mcp.command is required")
	}
	switch c.WhatsApp.HistoryMode {
	case "memory", "log":
	default:
		problems = append(problems, fmt.Sprintf("whatsapp.history_mode %q (valid: memory, log)", c.WhatsApp.HistoryMode))
	}
	if c.WhatsApp.TypingDelay < 0 {
		problems = append(problems, "whatsapp.typing_delay must not be negative")
	}
	if c.Usage.RetentionDays < 0 {
		problems = append(problems, "usage.retention_days must not be negative")
	}
	if c.Admin.Username != "" && c.Admin.PasswordHash == "" {
		problems = append(problems, "admin.password_hash is required when admin.username is set")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log_format %q (valid: text, json)", c.LogFormat))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ProviderFor returns the provider configured for model, or "" when the
// model is not listed.
func (c *Config) ProviderFor(model string) string {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return m.Provider
		}
	}
	return ""
}
