package pocketfence

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the runtime configuration of the filter process. User-facing
// settings (age level, child mode, port) live in the settings file instead.
type Config struct {
	Server       ServerConfig    `mapstructure:"server"`
	SettingsPath string          `mapstructure:"settings_path"`
	Keywords     KeywordsConfig  `mapstructure:"keywords"`
	BlockPage    BlockPageConfig `mapstructure:"block_page"`
	Admin        AdminConfig     `mapstructure:"admin"`
	Metrics      MetricsConfig   `mapstructure:"metrics"`
	RateLimit    RateLimitConfig `mapstructure:"rate_limit"`
	Clients      ClientsConfig   `mapstructure:"clients"`
	Logging      LoggingConfig   `mapstructure:"logging"`
	AccessLog    AccessLogConfig `mapstructure:"access_log"`
	Bypass       BypassConfig    `mapstructure:"bypass"`
}

// ServerConfig contains listener and forwarding settings.
type ServerConfig struct {
	// Hosts to bind on the settings port. Each is resolved and every
	// distinct address gets its own listener.
	Hosts []string `mapstructure:"hosts"`

	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`

	// ForwardTimeout bounds the wait for origin response headers.
	ForwardTimeout time.Duration `mapstructure:"forward_timeout"`

	// DialTimeout bounds origin and tunnel dials.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// KeywordsConfig selects keyword sources.
type KeywordsConfig struct {
	// IncludeDefaults keeps the built-in tables as the first source.
	IncludeDefaults bool           `mapstructure:"include_defaults"`
	Sources         []SourceConfig `mapstructure:"sources"`

	// ReloadInterval for sources (0 = no auto-reload).
	ReloadInterval time.Duration `mapstructure:"reload_interval"`
}

// SourceConfig defines one keyword source.
type SourceConfig struct {
	// Type is "csv", "yaml" or "url".
	Type      string `mapstructure:"type"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	HasHeader bool   `mapstructure:"has_header"`
}

// BlockPageConfig contains block page settings.
type BlockPageConfig struct {
	TemplatePath string `mapstructure:"template_path"`
}

// AdminConfig controls the admin REST API.
type AdminConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	PathPrefix string `mapstructure:"path_prefix"`
}

// MetricsConfig controls the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// RateLimitConfig controls per-client throttling.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Rate    float64 `mapstructure:"rate"`
	Burst   int     `mapstructure:"burst"`
}

// ClientsConfig restricts which client networks may use the proxy.
// An empty list allows every client.
type ClientsConfig struct {
	AllowedNetworks []string `mapstructure:"allowed_networks"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"`

	// Format is text or json.
	Format string `mapstructure:"format"`

	// Output is stdout, stderr or a file path (rotated).
	Output string `mapstructure:"output"`

	MaxSizeMB  int `mapstructure:"max_size_mb"`
	MaxBackups int `mapstructure:"max_backups"`
}

// AccessLogConfig enables the JSON access log.
type AccessLogConfig struct {
	// Path of the access log file. Empty disables it.
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// BypassConfig holds parent override tokens. More can be generated
// through the admin API at runtime.
type BypassConfig struct {
	Header string   `mapstructure:"header"`
	Tokens []string `mapstructure:"tokens"`
}

// DefaultConfig returns a Config with defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Hosts:             []string{"127.0.0.1", "localhost"},
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
			ForwardTimeout:    30 * time.Second,
			DialTimeout:       10 * time.Second,
		},
		SettingsPath: "settings.json",
		Keywords: KeywordsConfig{
			IncludeDefaults: true,
			ReloadInterval:  0,
		},
		Admin: AdminConfig{
			Enabled:    true,
			PathPrefix: "/api",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Rate:    50,
			Burst:   100,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		AccessLog: AccessLogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Bypass: BypassConfig{
			Header: DefaultBypassHeader,
		},
	}
}

// LoadConfig loads configuration from file, environment and defaults.
// Without an explicit path it searches ./pocketfence.{yaml,json,toml},
// $HOME/.pocketfence and /etc/pocketfence. A missing file is not an error.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("pocketfence")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.pocketfence")
	v.AddConfigPath("/etc/pocketfence")

	v.SetEnvPrefix("POCKETFENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// LoadConfigFromReader loads configuration from raw bytes.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.hosts", d.Server.Hosts)
	v.SetDefault("server.read_header_timeout", d.Server.ReadHeaderTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.forward_timeout", d.Server.ForwardTimeout)
	v.SetDefault("server.dial_timeout", d.Server.DialTimeout)

	v.SetDefault("settings_path", d.SettingsPath)

	v.SetDefault("keywords.include_defaults", d.Keywords.IncludeDefaults)
	v.SetDefault("keywords.reload_interval", d.Keywords.ReloadInterval)

	v.SetDefault("admin.enabled", d.Admin.Enabled)
	v.SetDefault("admin.path_prefix", d.Admin.PathPrefix)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)

	v.SetDefault("rate_limit.enabled", d.RateLimit.Enabled)
	v.SetDefault("rate_limit.rate", d.RateLimit.Rate)
	v.SetDefault("rate_limit.burst", d.RateLimit.Burst)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)

	v.SetDefault("access_log.max_size_mb", d.AccessLog.MaxSizeMB)
	v.SetDefault("access_log.max_backups", d.AccessLog.MaxBackups)

	v.SetDefault("bypass.header", d.Bypass.Header)
}

// BuildKeywordLoader creates the loader described by the keywords section.
func (c *Config) BuildKeywordLoader() (KeywordLoader, error) {
	var loaders []KeywordLoader
	if c.Keywords.IncludeDefaults {
		loaders = append(loaders, EmbeddedLoader{})
	}

	for _, source := range c.Keywords.Sources {
		switch source.Type {
		case "csv":
			l := NewCSVLoader(source.Path)
			l.HasHeader = source.HasHeader
			loaders = append(loaders, l)
		case "yaml":
			loaders = append(loaders, &YAMLLoader{Path: source.Path})
		case "url":
			l := NewURLLoader(source.URL)
			l.HasHeader = source.HasHeader
			loaders = append(loaders, l)
		default:
			return nil, fmt.Errorf("unknown keyword source type: %s", source.Type)
		}
	}

	switch len(loaders) {
	case 0:
		return nil, fmt.Errorf("no keyword sources configured")
	case 1:
		return loaders[0], nil
	}
	return NewMultiLoader(loaders...), nil
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# PocketFence filter configuration

server:
  # Hosts bound on the port from the settings file
  hosts: ["127.0.0.1", "localhost"]
  read_header_timeout: 10s
  idle_timeout: 60s
  # Upper bound for the origin to start responding
  forward_timeout: 30s
  dial_timeout: 10s

# Age level, child mode and port are kept here and updated at runtime
settings_path: "settings.json"

keywords:
  include_defaults: true
  sources:
    # table,phrase,weight
    # - type: csv
    #   path: "/etc/pocketfence/keywords.csv"
    #   has_header: true
    # - type: url
    #   url: "https://lists.example.com/keywords.csv"
    #   has_header: true
  reload_interval: 0s

block_page:
  # template_path: "/etc/pocketfence/block.html"

admin:
  enabled: true
  path_prefix: "/api"

metrics:
  enabled: true

rate_limit:
  enabled: false
  rate: 50
  burst: 100

clients:
  # Empty allows every client. Also applies to the admin API, metrics and
  # health endpoints, so include 127.0.0.0/8 for local administration.
  allowed_networks: []
  #  - "192.168.0.0/16"
  #  - "10.0.0.0/8"

logging:
  level: "info"
  format: "text"
  output: "stderr"

access_log:
  # path: "access.log"
  max_size_mb: 10
  max_backups: 3

bypass:
  # Requests carrying one of these tokens skip scoring
  header: "X-PocketFence-Bypass"
  tokens: []
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
