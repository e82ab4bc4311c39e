// Package config loads proxy configuration from defaults, an optional YAML
// file, OFFLINE_PROXY_* environment variables and command line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. OFFLINE_PROXY_UPSTREAM
// or OFFLINE_PROXY_STORE_BACKEND.
const EnvPrefix = "OFFLINE_PROXY"

// Store backends.
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// StoreConfig selects and configures the response store backend.
type StoreConfig struct {
	Backend    string `mapstructure:"backend"`
	RedisAddr  string `mapstructure:"redis_addr"`
	RedisDB    int    `mapstructure:"redis_db"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// NotificationsConfig configures rendering and forwarding of notifications.
type NotificationsConfig struct {
	Icon            string        `mapstructure:"icon"`
	Badge           string        `mapstructure:"badge"`
	ForwardURLs     []string      `mapstructure:"forward_urls"`
	PendingFocusTTL time.Duration `mapstructure:"pending_focus_ttl"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Config is the complete proxy configuration.
type Config struct {
	Listen   string `mapstructure:"listen"`
	Upstream string `mapstructure:"upstream"`

	// BasePath is the application path under the upstream origin
	BasePath string `mapstructure:"base_path"`

	// Manifest is the path of the manifest YAML file
	Manifest string `mapstructure:"manifest"`

	SkipWaiting           bool          `mapstructure:"skip_waiting"`
	NetworkTimeout        time.Duration `mapstructure:"network_timeout"`
	UpdateInterval        time.Duration `mapstructure:"update_interval"`
	BestEffortConcurrency int           `mapstructure:"best_effort_concurrency"`
	ExcludedHosts         []string      `mapstructure:"excluded_hosts"`
	CrossOriginAllow      []string      `mapstructure:"cross_origin_allow"`
	UserAgent             string        `mapstructure:"user_agent"`
	AppName               string        `mapstructure:"app_name"`

	// OpenCommand opens a window when a notification click finds none;
	// "{url}" is replaced by the target URL
	OpenCommand string `mapstructure:"open_command"`

	Store         StoreConfig         `mapstructure:"store"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Log           LogConfig           `mapstructure:"log"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("base_path", "/")
	v.SetDefault("manifest", "manifest.yaml")
	v.SetDefault("skip_waiting", false)
	v.SetDefault("network_timeout", 3*time.Second)
	v.SetDefault("update_interval", time.Hour)
	v.SetDefault("best_effort_concurrency", 6)
	v.SetDefault("excluded_hosts", []string{
		"firestore.googleapis.com",
		"identitytoolkit.googleapis.com",
		"securetoken.googleapis.com",
		"www.googleapis.com",
	})
	v.SetDefault("cross_origin_allow", []string{})
	v.SetDefault("user_agent", "offline-proxy/0.1.0")
	v.SetDefault("app_name", "")
	v.SetDefault("open_command", "")
	v.SetDefault("store.backend", BackendRedis)
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.sqlite_path", "offline-proxy.db")
	v.SetDefault("notifications.icon", "./icon-192.png")
	v.SetDefault("notifications.badge", "./icon-192.png")
	v.SetDefault("notifications.forward_urls", []string{})
	v.SetDefault("notifications.pending_focus_ttl", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration. configFile may be empty; flags may be nil.
// Flags bind by name with "-" mapped to "_" and "store-" / "log-" /
// "notifications-" prefixes mapped to nested keys.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := New()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(FlagKey(f.Name), f)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FlagKey maps a flag name to its configuration key.
func FlagKey(name string) string {
	for _, section := range []string{"store", "log", "notifications"} {
		if rest, ok := strings.CutPrefix(name, section+"-"); ok {
			return section + "." + strings.ReplaceAll(rest, "-", "_")
		}
	}
	return strings.ReplaceAll(name, "-", "_")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Upstream == "" {
		errs = append(errs, errors.New("upstream is required"))
	} else if u, err := url.Parse(c.Upstream); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("upstream must be an absolute http(s) URL (got %q)", c.Upstream))
	}
	switch c.Store.Backend {
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis backend"))
		}
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.NetworkTimeout <= 0 {
		errs = append(errs, fmt.Errorf("network_timeout must be > 0 (got %s)", c.NetworkTimeout))
	}
	if c.UpdateInterval < 0 {
		errs = append(errs, fmt.Errorf("update_interval must be >= 0 (got %s)", c.UpdateInterval))
	}
	if c.BestEffortConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("best_effort_concurrency must be > 0 (got %d)", c.BestEffortConcurrency))
	}
	if c.Manifest == "" {
		errs = append(errs, errors.New("manifest is required"))
	}
	return errors.Join(errs...)
}

// BaseURL returns the application base URL: the upstream origin joined with
// BasePath, always ending in "/".
func (c *Config) BaseURL() (*url.URL, error) {
	u, err := url.Parse(c.Upstream)
	if err != nil {
		return nil, err
	}
	p := c.BasePath
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host, Path: p}, nil
}
