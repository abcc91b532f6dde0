package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownSectionKeys lists the valid keys of each fixed section.
var knownSectionKeys = map[string][]string{
	"logging":   {"log_level"},
	"network":   {"connect_timeout", "data_timeout", "force_http_11", "shutdown_timeout", "user_agent"},
	"transfers": {"bandwidth_limit", "download_dir", "open_after_download"},
}

// knownStorageKeys are the valid keys inside a [storage.<id>] table.
var knownStorageKeys = []string{"caption", "client_id", "client_secret", "download_to", "redirect_addresses"}

// storageSection is the table holding per-account sections.
const storageSection = "storage"

// knownSections is the sorted list of top-level tables, for suggestions.
var knownSections = func() []string {
	keys := slices.Sorted(maps.Keys(knownSectionKeys))
	return append(keys, storageSection)
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	for _, key := range md.Undecoded() {
		if err := unknownKeyError(key); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func unknownKeyError(key toml.Key) error {
	switch {
	case len(key) == 1:
		return suggest(fmt.Sprintf("unknown config section %q", key[0]), key[0], knownSections)
	case key[0] == storageSection && len(key) > 3:
		return nil
	case key[0] == storageSection && len(key) == 3:
		return suggest(fmt.Sprintf("unknown key %q in [storage.%s]", key[2], key[1]), key[2], knownStorageKeys)
	case key[0] == storageSection:
		return fmt.Errorf("invalid storage entry %q: must be a table", key.String())
	}

	known, ok := knownSectionKeys[key[0]]
	if !ok {
		// The unknown section itself is reported once, by its own key.
		return nil
	}

	return suggest(fmt.Sprintf("unknown key %q in [%s]", key[1], key[0]), key[1], known)
}

func suggest(msg, unknown string, known []string) error {
	if match := closestMatch(unknown, known); match != "" {
		return fmt.Errorf("%s, did you mean %q?", msg, match)
	}

	return errors.New(msg)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		if d := levenshtein(unknown, k); d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings using a
// single-row buffer pair.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
