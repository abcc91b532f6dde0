package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig       = "CLOUDVIEW_CONFIG"
	EnvStorage      = "CLOUDVIEW_STORAGE"
	EnvClientID     = "CLOUDVIEW_CLIENT_ID"
	EnvClientSecret = "CLOUDVIEW_CLIENT_SECRET"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath   string // CLOUDVIEW_CONFIG: config file path
	StorageID    string // CLOUDVIEW_STORAGE: selected storage
	ClientID     string // CLOUDVIEW_CLIENT_ID: app key for the selected storage
	ClientSecret string // CLOUDVIEW_CLIENT_SECRET: app secret for the selected storage
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:   os.Getenv(EnvConfig),
		StorageID:    os.Getenv(EnvStorage),
		ClientID:     os.Getenv(EnvClientID),
		ClientSecret: os.Getenv(EnvClientSecret),
	}
}
