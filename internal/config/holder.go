package config

import (
	"maps"
	"slices"
	"sync/atomic"
)

// Holder publishes the live config of a running browse session. Watch swaps
// in every valid reload; readers always get a complete snapshot.
type Holder struct {
	path    string
	cur     atomic.Pointer[Config]
	reloads atomic.Uint64
}

// NewHolder creates a Holder for the config loaded from path.
func NewHolder(cfg *Config, path string) *Holder {
	h := &Holder{path: path}
	h.cur.Store(cfg)

	return h
}

// Config returns the current snapshot.
func (h *Holder) Config() *Config {
	return h.cur.Load()
}

// Path returns the config file path.
func (h *Holder) Path() string {
	return h.path
}

// Swap installs next and returns the config it replaced.
func (h *Holder) Swap(next *Config) *Config {
	prev := h.cur.Swap(next)
	h.reloads.Add(1)

	return prev
}

// Reloads counts the configs installed since NewHolder.
func (h *Holder) Reloads() uint64 {
	return h.reloads.Load()
}

// StoragesChanged reports whether next adds, removes or edits a storage
// table. Open instances keep the credentials they were created with, so such
// a change only applies to the next session.
func StoragesChanged(prev, next *Config) bool {
	if prev == nil || next == nil {
		return prev != next
	}

	if !slices.Equal(slices.Sorted(maps.Keys(prev.Storages)), slices.Sorted(maps.Keys(next.Storages))) {
		return true
	}

	for id, a := range prev.Storages {
		b := next.Storages[id]
		if a.Caption != b.Caption || a.ClientID != b.ClientID || a.ClientSecret != b.ClientSecret ||
			a.DownloadTo != b.DownloadTo || !slices.Equal(a.RedirectAddresses, b.RedirectAddresses) {
			return true
		}
	}

	return false
}
