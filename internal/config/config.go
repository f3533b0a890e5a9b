package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. COURIER_HTTP_TIMEOUT.
const EnvPrefix = "COURIER"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	DB      DBConfig      `mapstructure:"db"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Script  ScriptConfig  `mapstructure:"script"`
	OAuth   OAuthConfig   `mapstructure:"oauth"`
	Runner  RunnerConfig  `mapstructure:"runner"`
	Uploads UploadsConfig `mapstructure:"uploads"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type HTTPConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	FollowRedirects bool          `mapstructure:"follow_redirects"`
	MaxRedirects    int           `mapstructure:"max_redirects"`
	ValidateTLS     bool          `mapstructure:"validate_tls"`
	Proxy           string        `mapstructure:"proxy"`
	UserAgent       string        `mapstructure:"user_agent"`
}

type ScriptConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type OAuthConfig struct {
	CallbackTimeout time.Duration `mapstructure:"callback_timeout"`
	CacheSize       int           `mapstructure:"cache_size"`
}

type RunnerConfig struct {
	// Rate is requests per second across a collection run; 0 is unlimited.
	Rate float64 `mapstructure:"rate"`
}

type UploadsConfig struct {
	Dir string `mapstructure:"dir"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

var defaults = map[string]interface{}{
	"server.port":            8080,
	"db.path":                "./courier.db",
	"http.timeout":           "30s",
	"http.follow_redirects":  true,
	"http.max_redirects":     10,
	"http.validate_tls":      true,
	"http.proxy":             "",
	"http.user_agent":        "Courier/1.0",
	"script.timeout":         "5s",
	"oauth.callback_timeout": "5m",
	"oauth.cache_size":       256,
	"runner.rate":            0,
	"uploads.dir":            "./uploads",
	"log.level":              "info",
	"log.development":        false,
}

// New returns a viper instance with defaults and environment overrides
// registered. Callers may bind flags before calling Load.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file at path (yaml or json, chosen by
// extension) and decodes the merged settings. An empty path looks for
// courier.yaml in the working directory and tolerates its absence.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("courier")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be positive")
	}
	if c.HTTP.MaxRedirects < 0 {
		return fmt.Errorf("http.max_redirects must not be negative")
	}
	if c.Script.Timeout <= 0 {
		return fmt.Errorf("script.timeout must be positive")
	}
	if c.OAuth.CacheSize <= 0 {
		return fmt.Errorf("oauth.cache_size must be positive")
	}
	return nil
}
