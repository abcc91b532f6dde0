package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/BurntSushi/toml"
)

// defaultStorageID names the storage synthesized from environment
// credentials when the config file defines none.
const defaultStorageID = "default"

var (
	// ErrNoStorage means no storage is configured.
	ErrNoStorage = errors.New("config: no storage configured; run 'cloudview storage add'")
	// ErrAmbiguousStorage means several storages exist and none was selected.
	ErrAmbiguousStorage = errors.New("config: several storages configured; use --storage to select one")
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal, with "did you mean?" suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	applyStorageDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// ResolvePath picks the config file path: --config, then CLOUDVIEW_CONFIG,
// then the platform default.
func ResolvePath(env EnvOverrides, cli CLIOverrides) string {
	if cli.ConfigPath != "" {
		return cli.ConfigPath
	}

	if env.ConfigPath != "" {
		return env.ConfigPath
	}

	return DefaultConfigPath()
}

// Resolved is the outcome of Resolve: the effective config, where it came
// from, and the selected storage (empty when none could be chosen).
type Resolved struct {
	*Config
	Path      string
	StorageID string
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := ResolvePath(env, cli)

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	// First run: environment credentials stand in for a storage table.
	if len(cfg.Storages) == 0 && env.ClientID != "" {
		cfg.Storages[defaultStorageID] = Storage{
			Caption:           "Dropbox",
			RedirectAddresses: DefaultRedirectAddresses(),
		}
	}

	storageID := cli.StorageID
	if storageID == "" {
		storageID = env.StorageID
	}

	if storageID == "" && len(cfg.Storages) == 1 {
		storageID = slices.Collect(maps.Keys(cfg.Storages))[0]
	}

	if storageID != "" {
		s, ok := cfg.Storages[storageID]
		if !ok {
			return nil, fmt.Errorf("config: storage %q is not configured", storageID)
		}

		if env.ClientID != "" {
			s.ClientID = env.ClientID
		}

		if env.ClientSecret != "" {
			s.ClientSecret = env.ClientSecret
		}

		cfg.Storages[storageID] = s

		if errs := validateStorage(storageID, &s); len(errs) > 0 {
			return nil, fmt.Errorf("config validation: %w", errors.Join(errs...))
		}
	}

	return &Resolved{Config: cfg, Path: cfgPath, StorageID: storageID}, nil
}

// Selected returns the selected storage.
func (r *Resolved) Selected() (string, Storage, error) {
	if r.StorageID != "" {
		return r.StorageID, r.Storages[r.StorageID], nil
	}

	if len(r.Storages) == 0 {
		return "", Storage{}, ErrNoStorage
	}

	return "", Storage{}, ErrAmbiguousStorage
}

// StorageIDs returns the configured storage ids in order.
func (c *Config) StorageIDs() []string {
	return slices.Sorted(maps.Keys(c.Storages))
}

// DownloadDir returns the download directory for a storage: its own
// download_to, else [transfers] download_dir, with "~/" expanded.
func (c *Config) DownloadDir(s Storage) string {
	if s.DownloadTo != "" {
		return ExpandTilde(s.DownloadTo)
	}

	return ExpandTilde(c.Transfers.DownloadDir)
}

// BandwidthLimit returns the download limit in bytes per second (0 = none).
// The value was validated at load time.
func (c *Config) BandwidthLimit() int64 {
	n, _ := ParseSize(c.Transfers.BandwidthLimit)
	return n
}

// Durations returns the parsed network timeouts. Values were validated at
// load time; unparsable ones fall back to the defaults.
func (n NetworkConfig) Durations() (connect, data, shutdown time.Duration) {
	return durationOr(n.ConnectTimeout, defaultConnectTimeout),
		durationOr(n.DataTimeout, defaultDataTimeout),
		durationOr(n.ShutdownTimeout, defaultShutdownTimeout)
}

func durationOr(value, fallback string) time.Duration {
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}

	d, _ := time.ParseDuration(fallback)

	return d
}
