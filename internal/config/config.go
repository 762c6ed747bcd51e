package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// Config is constructed once at process start and injected into every
// component; nothing reads the process environment after load.
type Config struct {
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
	LLM      LLM      `mapstructure:"llm"`
	Auth     Auth     `mapstructure:"auth"`
}

type Server struct {
	Addr string `mapstructure:"addr"`
}

type Database struct {
	Path string `mapstructure:"path"`
}

type LLM struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	MaxTokens      int    `mapstructure:"max_tokens"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type Auth struct {
	// SubjectHeader carries the verified subject id set by the fronting
	// identity proxy.
	SubjectHeader string `mapstructure:"subject_header"`
}

// Load reads an optional YAML config file and the environment (PARLEY_*
// variables, dots replaced by underscores) into a Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("parley")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("server.addr", ":8100")
	v.SetDefault("database.path", "parley.db")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1/")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.max_tokens", 1000)
	v.SetDefault("llm.timeout_seconds", 30)
	v.SetDefault("auth.subject_header", "X-Auth-Subject")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var err error
	if c.LLM.Model == "" {
		err = multierr.Append(err, errors.New("llm.model is required"))
	}
	if c.LLM.APIKey == "" {
		err = multierr.Append(err, errors.New("llm.api_key is required"))
	}
	if c.LLM.TimeoutSeconds <= 0 {
		err = multierr.Append(err, errors.New("llm.timeout_seconds must be positive"))
	}
	if c.Database.Path == "" {
		err = multierr.Append(err, errors.New("database.path is required"))
	}
	return err
}
