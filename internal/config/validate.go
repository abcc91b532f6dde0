package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"regexp"
	"time"
)

// Validation range constants.
const (
	minConnectTimeout  = 1 * time.Second
	minDataTimeout     = 5 * time.Second
	minShutdownTimeout = 1 * time.Second
)

// storageIDPattern keeps ids usable in file names and TOML bare keys.
var storageIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)
	errs = append(errs, validateTransfers(&cfg.Transfers)...)

	for id, s := range cfg.Storages {
		errs = append(errs, validateStorage(id, &s)...)
	}

	return errors.Join(errs...)
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogging(l *LoggingConfig) []error {
	if !validLogLevels[l.LogLevel] {
		return []error{fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", l.LogLevel)}
	}

	return nil
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDurationMin("data_timeout", n.DataTimeout, minDataTimeout)...)
	errs = append(errs, validateDurationMin("shutdown_timeout", n.ShutdownTimeout, minShutdownTimeout)...)

	return errs
}

func validateTransfers(t *TransfersConfig) []error {
	if _, err := ParseSize(t.BandwidthLimit); err != nil {
		return []error{fmt.Errorf("bandwidth_limit: %w", err)}
	}

	return nil
}

func validateStorage(id string, s *Storage) []error {
	var errs []error

	prefix := fmt.Sprintf("storage.%s", id)

	if !storageIDPattern.MatchString(id) {
		errs = append(errs, fmt.Errorf("%s: id may only contain letters, digits, '-' and '_'", prefix))
	}

	if s.ClientID == "" {
		errs = append(errs, fmt.Errorf("%s.client_id: must not be empty", prefix))
	}

	for _, addr := range s.RedirectAddresses {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("%s.redirect_addresses: %q is not host:port: %w", prefix, addr, err))
		}
	}

	if s.DownloadTo != "" {
		if dir := ExpandTilde(s.DownloadTo); !filepath.IsAbs(dir) {
			errs = append(errs, fmt.Errorf("%s.download_to: must be absolute, got %q", prefix, s.DownloadTo))
		}
	}

	return errs
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}
