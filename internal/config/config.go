// Package config loads the datashark configuration from YAML, environment
// and defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/koromodako/datashark/internal/hasher"
)

// EnvPrefix prefixes environment overrides, e.g. DATASHARK_MAX_WORKERS.
const EnvPrefix = "DATASHARK"

// Database names, one per kind of record.
const (
	DBHash        = "hash"
	DBContainer   = "container"
	DBWhitelist   = "whitelist"
	DBBlacklist   = "blacklist"
	DBDissection  = "dissection"
	DBExamination = "examination"
)

// DatabaseNames lists every database datashark opens.
func DatabaseNames() []string {
	return []string{DBHash, DBContainer, DBWhitelist, DBBlacklist, DBDissection, DBExamination}
}

// Config is the complete datashark configuration.
type Config struct {
	MaxWorkers int `mapstructure:"max_workers"`
	// WorkerCategory is "local" or "remote".
	WorkerCategory string       `mapstructure:"worker_category"`
	Remote         RemoteConfig `mapstructure:"remote"`

	// DissectAndExamine schedules examiner selection for every extracted container.
	DissectAndExamine bool `mapstructure:"dissect_and_examine"`
	// CheckBlackOrWhite looks digests up in the blacklist and whitelist
	// databases before selecting plugins.
	CheckBlackOrWhite bool     `mapstructure:"check_black_or_white"`
	HashAlgorithms    []string `mapstructure:"hash_algorithms"`
	// WorkspaceDir receives extracted sub-containers.
	WorkspaceDir string `mapstructure:"workspace_dir"`

	Log       LogConfig                 `mapstructure:"log"`
	HTTP      HTTPConfig                `mapstructure:"http"`
	Databases map[string]DatabaseConfig `mapstructure:"databases"`
}

// RemoteConfig locates the task service remote workers forward to.
type RemoteConfig struct {
	Address string        `mapstructure:"address"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LogConfig controls the slog handler built by the CLI.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
	// Format is json or text.
	Format string `mapstructure:"format"`
}

// HTTPConfig controls the status endpoint. An empty address disables it.
type HTTPConfig struct {
	Address string `mapstructure:"address"`
}

// DatabaseConfig selects a connector plugin and its settings.
type DatabaseConfig struct {
	Connector string         `mapstructure:"connector"`
	Settings  map[string]any `mapstructure:"settings"`
}

// Default returns the built-in configuration. It configures no database.
func Default() *Config {
	return &Config{
		MaxWorkers:     4,
		WorkerCategory: "local",
		Remote: RemoteConfig{
			Address: "127.0.0.1:50051",
			Timeout: 30 * time.Second,
		},
		HashAlgorithms: append([]string(nil), hasher.DefaultAlgorithms...),
		WorkspaceDir:   filepath.Join(os.TempDir(), "datashark"),
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Databases: map[string]DatabaseConfig{},
	}
}

// SetDefaults registers the defaults on v so environment overrides apply
// to every key.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("max_workers", defaults.MaxWorkers)
	v.SetDefault("worker_category", defaults.WorkerCategory)
	v.SetDefault("remote.address", defaults.Remote.Address)
	v.SetDefault("remote.timeout", defaults.Remote.Timeout)

	v.SetDefault("dissect_and_examine", defaults.DissectAndExamine)
	v.SetDefault("check_black_or_white", defaults.CheckBlackOrWhite)
	v.SetDefault("hash_algorithms", defaults.HashAlgorithms)
	v.SetDefault("workspace_dir", defaults.WorkspaceDir)

	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)
	v.SetDefault("http.address", defaults.HTTP.Address)
}

// SearchPaths are the directories searched for datashark.yml, in order.
func SearchPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, home)
	}
	return append(paths, "/etc/datashark")
}

// Load reads the configuration. When path is empty, datashark.yml is
// searched in SearchPaths and defaults are used if none exists.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("datashark")
		v.SetConfigType("yaml")
		for _, p := range SearchPaths() {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	for i, a := range cfg.HashAlgorithms {
		cfg.HashAlgorithms[i] = strings.ToLower(strings.TrimSpace(a))
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// SlogLevel maps Log.Level onto a slog level. Unknown values map to info.
func (c *Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
