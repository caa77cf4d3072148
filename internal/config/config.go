package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Backend BackendConfig `yaml:"backend" toml:"backend"`
	History HistoryConfig `yaml:"history" toml:"history"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

type ServerConfig struct {
	Bind        string          `yaml:"bind" toml:"bind"`
	Port        int             `yaml:"port" toml:"port"`
	AllowCIDRs  []string        `yaml:"allow_cidrs" toml:"allow_cidrs"`
	CORSOrigins []string        `yaml:"cors_origins" toml:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
}

// RateLimitConfig limits requests per client IP. A zero rate disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

type BackendConfig struct {
	Command        string   `yaml:"command" toml:"command"`
	ExtraArgs      []string `yaml:"extra_args" toml:"extra_args"`
	Env            []string `yaml:"env" toml:"env"`
	WorkDir        string   `yaml:"workdir" toml:"workdir"`
	MaxLineBytes   int      `yaml:"max_line_bytes" toml:"max_line_bytes"`
	MaxStderrBytes int      `yaml:"max_stderr_bytes" toml:"max_stderr_bytes"`
	BufferSize     int      `yaml:"buffer_size" toml:"buffer_size"`

	MaxDuration time.Duration `yaml:"-" toml:"-"`
	KillTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw duration strings as written in the file.
	MaxDurationRaw string `yaml:"max_duration" toml:"max_duration"`
	KillTimeoutRaw string `yaml:"kill_timeout" toml:"kill_timeout"`
}

type HistoryConfig struct {
	MaxMessagesPerSession int `yaml:"max_messages_per_session" toml:"max_messages_per_session"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind:        "127.0.0.1",
			Port:        8000,
			AllowCIDRs:  []string{},
			CORSOrigins: []string{"*"},
			RateLimit:   RateLimitConfig{RequestsPerSecond: 10, Burst: 20},
		},
		Backend: BackendConfig{
			Command:        "claude",
			MaxDuration:    10 * time.Minute,
			KillTimeout:    5 * time.Second,
			MaxLineBytes:   16 * 1024 * 1024,
			MaxStderrBytes: 64 * 1024,
			BufferSize:     32,
		},
		History: HistoryConfig{MaxMessagesPerSession: 1000},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Load reads a YAML (.yaml/.yml) or TOML (.toml) file on top of Default.
// ${VAR} references are expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	expanded := expandEnvVars(string(data))

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or "" if unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func parseDurations(cfg *Config) error {
	var err error
	if cfg.Backend.MaxDurationRaw != "" {
		cfg.Backend.MaxDuration, err = time.ParseDuration(cfg.Backend.MaxDurationRaw)
		if err != nil {
			return fmt.Errorf("parsing max_duration %q: %w", cfg.Backend.MaxDurationRaw, err)
		}
	}
	if cfg.Backend.KillTimeoutRaw != "" {
		cfg.Backend.KillTimeout, err = time.ParseDuration(cfg.Backend.KillTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing kill_timeout %q: %w", cfg.Backend.KillTimeoutRaw, err)
		}
	}
	return nil
}

// Validate returns the first problem found.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	for _, cidr := range c.Server.AllowCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid CIDR: %s", cidr)
		}
	}
	if c.Server.RateLimit.RequestsPerSecond < 0 || c.Server.RateLimit.Burst < 0 {
		return errors.New("rate_limit values must not be negative")
	}
	if c.Server.RateLimit.RequestsPerSecond > 0 && c.Server.RateLimit.Burst == 0 {
		return errors.New("rate_limit.burst is required when requests_per_second is set")
	}
	if strings.TrimSpace(c.Backend.Command) == "" {
		return errors.New("backend.command is required")
	}
	if c.Backend.MaxDuration <= 0 {
		return errors.New("backend.max_duration must be positive")
	}
	if c.Backend.KillTimeout <= 0 {
		return errors.New("backend.kill_timeout must be positive")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

func IsAllowedClient(ip net.IP, allowCIDRs []string) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() {
		return true
	}
	if strings.HasPrefix(ip.String(), "fd7a:115c:a1e0:") {
		return true
	}
	if len(allowCIDRs) == 0 {
		return true
	}
	for _, cidr := range allowCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
