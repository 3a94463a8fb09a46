package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/michaelbrown/rlm/internal/sandbox"
	"github.com/michaelbrown/rlm/internal/storage/postgres"
	"github.com/michaelbrown/rlm/internal/tools"
)

type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`

	// Models maps aliases to provider model names. The "default" alias is
	// used when a reference names only the provider.
	Models map[string]string `mapstructure:"models"`
}

type AgentConfig struct {
	// Model is the directing model, in the same form as sandbox.sub_model.
	Model         string `mapstructure:"model"`
	MaxIterations int    `mapstructure:"max_iterations"`
}

type ServerConfig struct {
	Port       int    `mapstructure:"port"`
	ScratchDir string `mapstructure:"scratch_dir"`
}

type StorageConfig struct {
	// Driver is "sqlite", "postgres" or "none".
	Driver   string          `mapstructure:"driver"`
	DBPath   string          `mapstructure:"db_path"`
	Postgres postgres.Config `mapstructure:"postgres"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	Providers       map[string]ProviderConfig         `mapstructure:"providers"`
	DefaultProvider string                            `mapstructure:"default_provider"`
	Sandbox         sandbox.Config                    `mapstructure:"sandbox"`
	Agent           AgentConfig                       `mapstructure:"agent"`
	Server          ServerConfig                      `mapstructure:"server"`
	Storage         StorageConfig                     `mapstructure:"storage"`
	Tools           map[string]tools.ToolServerConfig `mapstructure:"tools"`
	Log             LogConfig                         `mapstructure:"log"`
}

// Load reads rlm.yaml from path, or from . and $HOME/.rlm when path is
// empty. A missing file is not an error; defaults and RLM_* environment
// variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("rlm")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.rlm")
	}

	v.SetEnvPrefix("RLM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := sandbox.DefaultConfig()
	v.SetDefault("default_provider", "ollama")
	v.SetDefault("providers.ollama.base_url", "http://localhost:11434/v1")
	v.SetDefault("sandbox.code_timeout", d.CodeTimeout)
	v.SetDefault("sandbox.truncate_output_chars", d.TruncateOutputChars)
	v.SetDefault("sandbox.max_delegation_depth", d.DepthLimit())
	v.SetDefault("sandbox.max_concurrent_delegations", d.MaxConcurrentDelegations)
	v.SetDefault("sandbox.grounding_mode", string(d.GroundingMode))
	v.SetDefault("sandbox.sub_model", "")
	v.SetDefault("agent.model", "")
	v.SetDefault("agent.max_iterations", 20)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.scratch_dir", "")
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".rlm", "rlm.db"))
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.migrate_on_start", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Expand environment variables in API keys
	for name, p := range cfg.Providers {
		p.APIKey = expandEnv(p.APIKey)
		cfg.Providers[name] = p
	}

	if err := cfg.Sandbox.WithDefaults().Validate(); err != nil {
		return nil, fmt.Errorf("sandbox config: %w", err)
	}
	return &cfg, nil
}

func expandEnv(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

// Provider returns the config for a named provider, falling back to the default.
func (c *Config) Provider(name string) (ProviderConfig, error) {
	if name == "" {
		name = c.DefaultProvider
	}
	p, ok := c.Providers[name]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("unknown provider: %s", name)
	}
	return p, nil
}

// ModelRef splits a model reference into provider and model. References
// are "provider:model", "provider:" or a bare model on the default
// provider. Bare models may contain colons (qwen3:14b) as long as the
// part before the first colon is not a configured provider.
func (c *Config) ModelRef(ref string) (provider, model string) {
	if name, rest, ok := strings.Cut(ref, ":"); ok {
		if _, known := c.Providers[name]; known {
			return name, rest
		}
	}
	return c.DefaultProvider, ref
}
