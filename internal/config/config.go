// Package config loads scottyd's top-level daemon configuration: listen
// addresses, the apps root directory, auth mode, and the paths to the
// authorization policy and blueprints documents.
//
// Grounded on pkg/config/config.go's Load (missing file yields Default(),
// not an error) and Default() (a fully populated zero-config starting
// point), generalized here from xcli's nested stack configuration to
// scottyd's flat daemon settings document.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is scottyd's on-disk daemon configuration, conventionally loaded
// from /etc/scotty/scotty.yaml or a path given on the command line.
type Config struct {
	ListenAddr           string   `yaml:"listen_addr"`
	MetricsAddr          string   `yaml:"metrics_addr"`
	AppsRoot             string   `yaml:"apps_root"`
	AuthMode             string   `yaml:"auth_mode"`
	BaseURL              string   `yaml:"base_url"`
	AuthzPolicyPath      string   `yaml:"authz_policy_path"`
	BlueprintsPath       string   `yaml:"blueprints_path"`
	LegacyToken          string   `yaml:"legacy_token"`
	ConfiguredRegistries []string `yaml:"configured_registries"`

	ShellSessionTTL      time.Duration `yaml:"shell_session_ttl"`
	MaxGlobalShellCount  int           `yaml:"max_global_shell_sessions"`
	MaxAppShellCount     int           `yaml:"max_app_shell_sessions"`
	TaskMaxLines         int           `yaml:"task_max_lines"`
	TaskMaxLineLength    int           `yaml:"task_max_line_length"`
	TaskCleanupTTL       time.Duration `yaml:"task_cleanup_ttl"`
	RescanInterval       time.Duration `yaml:"rescan_interval"`
	SessionCleanupPeriod time.Duration `yaml:"session_cleanup_period"`

	// LBFlavor selects which reverse proxy's compose override gets rendered
	// for every app: "traefik" or "haproxy".
	LBFlavor string `yaml:"lb_flavor"`

	RateLimitCleanupInterval time.Duration `yaml:"rate_limit_cleanup_interval"`
	RateLimitMaxIdle         time.Duration `yaml:"rate_limit_max_idle"`
}

// Default returns scottyd's out-of-the-box configuration.
func Default() *Config {
	return &Config{
		ListenAddr:           ":8080",
		MetricsAddr:          ":9090",
		AppsRoot:             "/var/lib/scotty/apps",
		AuthMode:             "development",
		BaseURL:              "http://localhost:8080",
		AuthzPolicyPath:      "/etc/scotty/policy.yaml",
		BlueprintsPath:       "/etc/scotty/blueprints.yaml",
		ShellSessionTTL:      15 * time.Minute,
		MaxGlobalShellCount:  50,
		MaxAppShellCount:     5,
		TaskMaxLines:         1000,
		TaskMaxLineLength:    8192,
		TaskCleanupTTL:       24 * time.Hour,
		RescanInterval:       10 * time.Second,
		SessionCleanupPeriod: time.Minute,
		LBFlavor:             "traefik",

		RateLimitCleanupInterval: 5 * time.Minute,
		RateLimitMaxIdle:         10 * time.Minute,
	}
}

// Load reads path and merges it over Default(). A missing file is not an
// error: it returns Default() unchanged, matching pkg/config.Load's
// convention that an absent config is a legitimate zero-config start.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}
