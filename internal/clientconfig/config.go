// Package clientconfig loads the CLI and daemon settings from
// ~/.todosync/config.yaml and TODOSYNC_* environment variables.
package clientconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ConfabulousDev/todo-sync/internal/apiclient"
	"github.com/ConfabulousDev/todo-sync/internal/models"
)

// EnvPrefix is prepended to every config key when read from the environment,
// e.g. TODOSYNC_SERVER_URL
const EnvPrefix = "TODOSYNC"

const (
	DefaultServerURL    = "http://localhost:8080"
	DefaultSyncInterval = 30 * time.Second
	DefaultDebounce     = 2 * time.Second
	MinSyncInterval     = time.Second
)

// Config keys
const (
	KeyServerURL         = "server_url"
	KeyDataDir           = "data_dir"
	KeySyncInterval      = "sync_interval"
	KeyAutoResolve       = "auto_resolve"
	KeyCompressThreshold = "compress_threshold"
	KeyUploadDirtyOnly   = "upload_dirty_only"
	KeyDebounce          = "debounce"
)

// Keys lists every recognized key in display order
var Keys = []string{
	KeyServerURL,
	KeyDataDir,
	KeySyncInterval,
	KeyAutoResolve,
	KeyCompressThreshold,
	KeyUploadDirtyOnly,
	KeyDebounce,
}

// Config is the client configuration
type Config struct {
	ServerURL         string        `mapstructure:"server_url"`
	DataDir           string        `mapstructure:"data_dir"`
	SyncInterval      time.Duration `mapstructure:"sync_interval"`
	AutoResolve       string        `mapstructure:"auto_resolve"` // "", use_server or use_client
	CompressThreshold int           `mapstructure:"compress_threshold"`
	UploadDirtyOnly   bool          `mapstructure:"upload_dirty_only"`
	Debounce          time.Duration `mapstructure:"debounce"` // replica change debounce in the daemon
}

func newViper() (*viper.Viper, error) {
	stateDir, err := StateDir()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetDefault(KeyServerURL, DefaultServerURL)
	v.SetDefault(KeyDataDir, stateDir)
	v.SetDefault(KeySyncInterval, DefaultSyncInterval)
	v.SetDefault(KeyAutoResolve, "")
	v.SetDefault(KeyCompressThreshold, apiclient.DefaultCompressionThreshold)
	v.SetDefault(KeyUploadDirtyOnly, false)
	v.SetDefault(KeyDebounce, DefaultDebounce)
	return v, nil
}

// Load reads the config file at path (missing is fine) and applies environment
// overrides on top. An empty path uses ConfigPath.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		if path, err = ConfigPath(); err != nil {
			return nil, err
		}
	}

	v, err := newViper()
	if err != nil {
		return nil, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if err := readFile(v, path); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func readFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return nil
}

// Validate checks value ranges and enums
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an http(s) URL, got %q", KeyServerURL, c.ServerURL)
	}
	if c.DataDir == "" {
		return fmt.Errorf("%s is required", KeyDataDir)
	}
	if c.SyncInterval < MinSyncInterval {
		return fmt.Errorf("%s must be at least %s, got %s", KeySyncInterval, MinSyncInterval, c.SyncInterval)
	}
	switch models.Resolution(c.AutoResolve) {
	case "", models.ResolutionUseServer, models.ResolutionUseClient:
	default:
		return fmt.Errorf("%s must be empty, use_server or use_client, got %q", KeyAutoResolve, c.AutoResolve)
	}
	if c.Debounce < 0 {
		return fmt.Errorf("%s must not be negative", KeyDebounce)
	}
	return nil
}

// ReplicaPath returns the local database path inside the data directory
func (c *Config) ReplicaPath(fileName string) string {
	return filepath.Join(c.DataDir, fileName)
}

// Set stores one key in the config file at path, keeping the other keys it holds.
// Environment overrides are not written.
func Set(path, key, value string) error {
	if !isKey(key) {
		return fmt.Errorf("unknown config key %q (known: %s)", key, strings.Join(Keys, ", "))
	}

	// Only keys present in the file are written back; defaults stay implicit
	file := viper.New()
	file.SetConfigType("yaml")
	if err := readFile(file, path); err != nil {
		return err
	}
	file.Set(key, value)

	merged, err := newViper()
	if err != nil {
		return err
	}
	if err := merged.MergeConfigMap(file.AllSettings()); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}
	var cfg Config
	if err := merged.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	return writeAtomic(file, path)
}

func isKey(key string) bool {
	for _, k := range Keys {
		if k == key {
			return true
		}
	}
	return false
}

// writeAtomic writes through a temp file in the same directory and renames it into
// place, so a crash never leaves a truncated config
func writeAtomic(v *viper.Viper, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	tempFile.Close()

	if err := v.WriteConfigAs(tempPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Chmod(tempPath, 0600); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to set config permissions: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp config: %w", err)
	}
	return nil
}
