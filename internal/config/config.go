// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for cloudview. Values resolve through
// defaults -> config file -> environment -> CLI flags. Each [storage.<id>]
// table describes one Dropbox account; tokens live in separate token files,
// never in the config file.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Logging   LoggingConfig      `toml:"logging"`
	Network   NetworkConfig      `toml:"network"`
	Transfers TransfersConfig    `toml:"transfers"`
	Storages  map[string]Storage `toml:"storage"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	LogLevel string `toml:"log_level"`
}

// NetworkConfig controls HTTP client behavior. force_http_11 is useful
// behind proxies that don't support HTTP/2.
type NetworkConfig struct {
	ConnectTimeout  string `toml:"connect_timeout"`
	DataTimeout     string `toml:"data_timeout"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
	ForceHTTP11     bool   `toml:"force_http_11"`
	UserAgent       string `toml:"user_agent"`
}

// TransfersConfig controls downloads.
type TransfersConfig struct {
	DownloadDir       string `toml:"download_dir"`
	BandwidthLimit    string `toml:"bandwidth_limit"`
	OpenAfterDownload bool   `toml:"open_after_download"`
}

// Storage is one configured Dropbox account.
type Storage struct {
	Caption           string   `toml:"caption"`
	ClientID          string   `toml:"client_id"`
	ClientSecret      string   `toml:"client_secret"`
	RedirectAddresses []string `toml:"redirect_addresses"`
	DownloadTo        string   `toml:"download_to"`
}

// CLIOverrides holds values from CLI flags. Empty means "not specified".
type CLIOverrides struct {
	ConfigPath string // --config
	StorageID  string // --storage
}
