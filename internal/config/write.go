package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// configFilePermissions is owner read/write only: the file holds app secrets.
const configFilePermissions = 0o600

// configDirPermissions is the permission mode for config directories.
const configDirPermissions = 0o700

// configTemplate is the config file content written when the first storage
// is added. Global settings appear as commented-out defaults so users can
// discover every option; later edits append text and never regenerate it.
const configTemplate = `# cloudview configuration

# [logging]
# log_level = "info"            # debug, info, warn, error

# [network]
# connect_timeout = "10s"
# data_timeout = "60s"
# shutdown_timeout = "10s"
# force_http_11 = false
# user_agent = ""

# [transfers]
# download_dir = "~/Downloads"
# bandwidth_limit = "0"         # e.g. "5MB" per second, "0" = unlimited
# open_after_download = false

# Storages are added by 'cloudview storage add'.
`

// storageTable renders a [storage.<id>] table.
func storageTable(id string, s Storage) string {
	var b strings.Builder

	fmt.Fprintf(&b, "\n[storage.%s]\n", id)
	fmt.Fprintf(&b, "caption = %q\n", s.Caption)
	fmt.Fprintf(&b, "client_id = %q\n", s.ClientID)
	fmt.Fprintf(&b, "client_secret = %q\n", s.ClientSecret)

	if len(s.RedirectAddresses) > 0 {
		quoted := make([]string, len(s.RedirectAddresses))
		for i, a := range s.RedirectAddresses {
			quoted[i] = fmt.Sprintf("%q", a)
		}

		fmt.Fprintf(&b, "redirect_addresses = [%s]\n", strings.Join(quoted, ", "))
	}

	if s.DownloadTo != "" {
		fmt.Fprintf(&b, "download_to = %q\n", s.DownloadTo)
	}

	return b.String()
}

// AppendStorage adds a [storage.<id>] table to the config file, creating the
// file from the template when it does not exist. The write is atomic.
func AppendStorage(path, id string, s Storage) error {
	if errs := validateStorage(id, &s); len(errs) > 0 {
		return errors.Join(errs...)
	}

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reading config file: %w", err)
	}

	if len(data) > 0 {
		existing, loadErr := Load(path)
		if loadErr != nil {
			return loadErr
		}

		if _, dup := existing.Storages[id]; dup {
			return fmt.Errorf("storage %q already exists in %s", id, path)
		}
	}

	content := string(data)
	if content == "" {
		content = configTemplate
	}

	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}

	slog.Info("adding storage to config",
		slog.String("path", path),
		slog.String("storage", id),
	)

	return atomicWriteFile(path, []byte(content+storageTable(id, s)))
}

// atomicWriteFile writes data to a temp file in the target directory, then
// renames it into place so a crash never leaves a partial config.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
