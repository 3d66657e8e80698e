package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys per section. The empty section holds the
// top-level keys.
var knownKeys = map[string][]string{
	"": {"data_dir", "remote", "sync", "network", "logging", "status"},
	"remote": {
		"url", "database", "auth_url", "request_timeout", "max_body_size",
		"install_design_docs",
	},
	"sync": {
		"mode", "interval", "poll_interval", "batch_size", "max_retries",
		"base_backoff", "max_backoff", "purge_tombstones", "resolve_conflicts",
	},
	"network": {
		"probe_url", "probe_timeout", "probe_interval", "debounce", "link_poll_interval",
	},
	"logging": {"log_level", "log_format", "log_file"},
	"status":  {"listen"},
}

func init() {
	for _, keys := range knownKeys {
		sort.Strings(keys)
	}
}

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	seen := make(map[string]bool)

	for _, key := range undecoded {
		err := unknownKeyError(key)
		if seen[err.Error()] {
			continue
		}

		seen[err.Error()] = true
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// unknownKeyError describes one undecoded key, suggesting the closest known
// key of the same section.
func unknownKeyError(key toml.Key) error {
	section := ""
	field := key.String()

	if len(key) > 1 {
		section = key[0]
		field = strings.Join(key[1:], ".")
	}

	known, ok := knownKeys[section]
	if !ok {
		// An unknown section: suggest among section names.
		section, field = "", key[0]
		known = knownKeys[""]
	}

	name := field
	if section != "" {
		name = section + "." + field
	}

	if suggestion := closestMatch(field, known); suggestion != "" {
		return fmt.Errorf("unknown config key %q: did you mean %q?", name, suggestion)
	}

	return fmt.Errorf("unknown config key %q", name)
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

	return best
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
