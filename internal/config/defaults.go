package config

import "slices"

// Default values for configuration options.
const (
	defaultLogLevel        = "info"
	defaultConnectTimeout  = "10s"
	defaultDataTimeout     = "60s"
	defaultShutdownTimeout = "10s"
	defaultDownloadDir     = "~/Downloads"
	defaultBandwidthLimit  = "0"
)

// defaultRedirectAddresses are the callback listen candidates, tried in
// order. Each must be registered as a redirect URI of the Dropbox app.
var defaultRedirectAddresses = []string{"localhost:7072", "localhost:7073", "localhost:7074"}

// DefaultConfig returns a Config populated with all default values. It is
// both the starting point for TOML decoding (unset fields keep defaults) and
// the result when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{LogLevel: defaultLogLevel},
		Network: NetworkConfig{
			ConnectTimeout:  defaultConnectTimeout,
			DataTimeout:     defaultDataTimeout,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Transfers: TransfersConfig{
			DownloadDir:    defaultDownloadDir,
			BandwidthLimit: defaultBandwidthLimit,
		},
		Storages: make(map[string]Storage),
	}
}

// DefaultRedirectAddresses returns a copy of the default callback addresses.
func DefaultRedirectAddresses() []string {
	return slices.Clone(defaultRedirectAddresses)
}

// applyStorageDefaults fills unset per-storage fields.
func applyStorageDefaults(cfg *Config) {
	for id, s := range cfg.Storages {
		if len(s.RedirectAddresses) == 0 {
			s.RedirectAddresses = DefaultRedirectAddresses()
		}

		if s.Caption == "" {
			s.Caption = id
		}

		cfg.Storages[id] = s
	}
}
