// Package config loads gateway configuration from TOML with environment
// overrides for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultFileName is the config file searched for in the working directory
// and the home directory.
const DefaultFileName = ".chatrelay.toml"

// Config is the full gateway configuration.
type Config struct {
	Server     ServerConfig      `toml:"server"`
	Storage    StorageConfig     `toml:"storage"`
	Offload    OffloadConfig     `toml:"offload"`
	LLM        LLMConfig         `toml:"llm"`
	Health     HealthConfig      `toml:"health"`
	MCPServers []MCPServerConfig `toml:"mcp_servers"`

	// path the config was loaded from; empty when defaults only.
	path string
}

type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

type StorageConfig struct {
	Endpoint             string `toml:"endpoint"`
	Region               string `toml:"region"`
	Bucket               string `toml:"bucket"`
	AccessKey            string `toml:"access_key"`
	SecretKey            string `toml:"secret_key"`
	UseTLS               bool   `toml:"use_tls"`
	URLExpiryHours       int    `toml:"url_expiry_hours"`
	UploadTimeoutSeconds int    `toml:"upload_timeout_seconds"`
}

type OffloadConfig struct {
	BatchSize int `toml:"batch_size"`
}

type LLMConfig struct {
	BaseURL  string `toml:"base_url"`
	APIKey   string `toml:"api_key"`
	Model    string `toml:"model"`
	MaxTurns int    `toml:"max_turns"`
}

type HealthConfig struct {
	PingIntervalSeconds int `toml:"ping_interval_seconds"`
	PingTimeoutSeconds  int `toml:"ping_timeout_seconds"`
	MaxFailures         int `toml:"max_failures"`
}

type MCPServerConfig struct {
	Name string `toml:"name"`
	URL  string `toml:"url"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{ListenAddr: ":7700"},
		Storage: StorageConfig{
			Region:               "us-east-1",
			UseTLS:               true,
			URLExpiryHours:       168, // 7 days
			UploadTimeoutSeconds: 30,
		},
		Offload: OffloadConfig{BatchSize: 10},
		LLM:     LLMConfig{MaxTurns: 8},
		Health: HealthConfig{
			PingIntervalSeconds: 10,
			PingTimeoutSeconds:  5,
			MaxFailures:         3,
		},
	}
}

// Load reads configuration from path. An empty path triggers discovery: the
// working directory first, then the home directory. A missing file yields
// defaults. Environment overrides apply last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = discover()
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.path = path
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path reports where the config was loaded from, or "" for pure defaults.
func (c *Config) Path() string {
	return c.path
}

func discover() string {
	if _, err := os.Stat(DefaultFileName); err == nil {
		return DefaultFileName
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidate := filepath.Join(home, DefaultFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// applyEnv overlays secrets and endpoint overrides from the environment so
// they never need to live in the TOML file.
func (c *Config) applyEnv() {
	overlay := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	overlay(&c.Storage.Endpoint, "CHATRELAY_S3_ENDPOINT")
	overlay(&c.Storage.Bucket, "CHATRELAY_S3_BUCKET")
	overlay(&c.Storage.AccessKey, "CHATRELAY_S3_ACCESS_KEY")
	overlay(&c.Storage.SecretKey, "CHATRELAY_S3_SECRET_KEY")
	overlay(&c.LLM.BaseURL, "CHATRELAY_LLM_BASE_URL")
	overlay(&c.LLM.APIKey, "CHATRELAY_LLM_API_KEY")
	overlay(&c.LLM.Model, "CHATRELAY_LLM_MODEL")
}

// Validate rejects configurations the gateway cannot start with.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.ListenAddr == "" {
		problems = append(problems, "server.listen_addr must not be empty")
	}
	if c.Offload.BatchSize <= 0 {
		problems = append(problems, "offload.batch_size must be positive")
	}
	if c.Storage.URLExpiryHours <= 0 {
		problems = append(problems, "storage.url_expiry_hours must be positive")
	}
	if c.Storage.UploadTimeoutSeconds <= 0 {
		problems = append(problems, "storage.upload_timeout_seconds must be positive")
	}
	if c.LLM.MaxTurns <= 0 {
		problems = append(problems, "llm.max_turns must be positive")
	}
	if c.Health.PingIntervalSeconds <= 0 || c.Health.PingTimeoutSeconds <= 0 || c.Health.MaxFailures <= 0 {
		problems = append(problems, "health intervals and max_failures must be positive")
	}

	seen := make(map[string]bool)
	for i, srv := range c.MCPServers {
		if srv.Name == "" {
			problems = append(problems, fmt.Sprintf("mcp_servers[%d].name must not be empty", i))
		}
		if strings.Contains(srv.Name, "/") {
			problems = append(problems, fmt.Sprintf("mcp_servers[%d].name must not contain '/'", i))
		}
		if srv.URL == "" {
			problems = append(problems, fmt.Sprintf("mcp_servers[%d].url must not be empty", i))
		}
		if seen[srv.Name] {
			problems = append(problems, fmt.Sprintf("mcp_servers contains duplicate name %q", srv.Name))
		}
		seen[srv.Name] = true
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}
