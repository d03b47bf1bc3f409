// Package config loads the server configuration.
//
// Sources, highest precedence first:
//  1. Environment variables (SILEX_*), after loading an optional .env file
//  2. Configuration file (YAML), given with --config
//  3. Default values
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "SILEX"

var validate = validator.New()

type Config struct {
	// Server
	Port      int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	Env       string `mapstructure:"env" validate:"oneof=development production test"`
	Version   string `mapstructure:"version"`
	LogLevel  string `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=json pretty"`

	// BaseURL is the public address of this server; OAuth callbacks and
	// download links are built from it.
	BaseURL string `mapstructure:"base_url" validate:"required,url"`

	// CORS
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins"`

	// EncryptionKey seals the session cookie (64 hex chars).
	EncryptionKey      string        `mapstructure:"encryption_key" validate:"omitempty,hexadecimal,len=64"`
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout" validate:"gt=0"`

	Jobs JobsConfig `mapstructure:"jobs"`

	// TempDir holds zip archives waiting to be downloaded.
	TempDir string `mapstructure:"temp_dir"`

	Connectors []ConnectorConfig `mapstructure:"connectors" validate:"dive"`
}

// JobsConfig controls retention of finished jobs and stale archives.
type JobsConfig struct {
	Retention     time.Duration `mapstructure:"retention" validate:"gt=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
}

// ConnectorConfig declares one backend instance. Options are decoded by the
// connector's own factory.
type ConnectorConfig struct {
	ID          string         `mapstructure:"id" validate:"required"`
	Type        string         `mapstructure:"type" validate:"required,oneof=ftp gitlab download"`
	Kind        string         `mapstructure:"kind" validate:"required,oneof=STORAGE HOSTING storage hosting"`
	DisplayName string         `mapstructure:"display_name"`
	Icon        string         `mapstructure:"icon"`
	Color       string         `mapstructure:"color"`
	Background  string         `mapstructure:"background"`
	Options     map[string]any `mapstructure:"options"`
}

// defaultConnectors apply when the configuration declares none: zip
// download is the only backend that works without credentials.
func defaultConnectors() []ConnectorConfig {
	return []ConnectorConfig{{ID: "download", Type: "download", Kind: "HOSTING", DisplayName: "Download as zip"}}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 6805)
	v.SetDefault("env", "development")
	v.SetDefault("version", "0.1.0")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("base_url", "http://localhost:6805")
	v.SetDefault("cors_allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("encryption_key", "")
	v.SetDefault("session_idle_timeout", 30*time.Minute)
	v.SetDefault("jobs.retention", time.Hour)
	v.SetDefault("jobs.sweep_interval", 5*time.Minute)
	v.SetDefault("temp_dir", "")
}

// New returns a viper instance wired to the defaults and the SILEX_
// environment. cmd binds its flags into it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional .env file and configPath, then decodes and
// validates the result. An empty configPath reads no file.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	cfg.CORSAllowedOrigins = splitOrigins(cfg.CORSAllowedOrigins)
	if len(cfg.Connectors) == 0 {
		cfg.Connectors = defaultConnectors()
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %s", formatValidationError(err))
	}
	if err := checkUniqueIDs(cfg.Connectors); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// splitOrigins accepts both a list and a single comma separated value, the
// form environment variables arrive in.
func splitOrigins(in []string) []string {
	var out []string
	for _, s := range in {
		for _, o := range strings.Split(s, ",") {
			if o = strings.TrimSpace(o); o != "" {
				out = append(out, o)
			}
		}
	}
	return out
}

func checkUniqueIDs(cs []ConnectorConfig) error {
	seen := make(map[string]bool, len(cs))
	for _, c := range cs {
		if seen[c.ID] {
			return fmt.Errorf("configuration validation failed: duplicate connector id %q", c.ID)
		}
		seen[c.ID] = true
	}
	return nil
}

func formatValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Namespace())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", fe.Namespace(), fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %s validation (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
	}
}
