// Package tokenfile persists one storage's OAuth2 token pair together with a
// small metadata map (the last browsed path). Files are written atomically
// with owner-only permissions and never logged.
package tokenfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
)

// FilePerms restricts token files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the token directory.
const DirPerms = 0o700

// MetaLastPath is the meta key holding the last browsed folder.
const MetaLastPath = "last_path"

// File is the on-disk format. Token is nil until the first login; meta may
// exist on its own.
type File struct {
	Token *oauth2.Token     `json:"token,omitempty"`
	Meta  map[string]string `json:"meta,omitempty"`
}

// Load reads a token file. A missing file yields an empty File and no error.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &File{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var tf File
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	return &tf, nil
}

// Save writes a token file atomically (write-to-temp, sync, rename).
func Save(path string, tf *File) error {
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, mkErr)
	}

	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	// A power loss between close and rename must not leave an empty file.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tokenfile: renaming: %w", err)
	}

	success = true

	return nil
}

// SaveToken replaces the token and keeps the metadata.
func SaveToken(path string, tok *oauth2.Token) error {
	tf, err := Load(path)
	if err != nil {
		return err
	}

	tf.Token = tok

	return Save(path, tf)
}

// SetMeta sets one metadata key and keeps the token.
func SetMeta(path, key, value string) error {
	tf, err := Load(path)
	if err != nil {
		return err
	}

	if tf.Meta == nil {
		tf.Meta = make(map[string]string, 1)
	}

	tf.Meta[key] = value

	return Save(path, tf)
}

// Remove deletes a token file. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("tokenfile: removing %s: %w", path, err)
	}

	return nil
}
