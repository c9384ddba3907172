package signal

import (
	"fmt"
	"path"
	"slices"
	"strings"
)

// Category groups related signal names in the default catalog.
type Category struct {
	Name    string
	Signals []string
}

// Catalog returns the signals activated when no explicit list is configured.
func Catalog() []Category {
	return []Category{
		{Name: "EEG", Signals: []string{"eeg", "elements/is_good"}},
		{Name: "Physiological", Signals: []string{"ppg", "batt", "drlref"}},
		{Name: "Motion", Signals: []string{"acc", "gyro"}},
	}
}

// DefaultSignals flattens Catalog into a list of signal names.
func DefaultSignals() []string {
	var out []string
	for _, c := range Catalog() {
		out = append(out, c.Signals...)
	}
	return out
}

var descriptions = map[string]string{
	"eeg":     "electroencephalography samples",
	"is_good": "per-electrode signal quality indicator",
	"ppg":     "photoplethysmography samples",
	"batt":    "battery level",
	"drlref":  "driven right leg / reference electrode levels",
	"acc":     "accelerometer samples",
	"gyro":    "gyroscope samples",
}

// Describe returns a human-readable description for a signal name or
// address, or "" if unknown. Only the last path element is considered.
func Describe(signal string) string {
	return descriptions[path.Base(signal)]
}

// Qualify expands configured signal entries into per-port addresses.
//
// An entry of the form "/<port>/<name>" is already qualified and is used
// verbatim, so it activates that one port only. Any other entry ("eeg",
// "/eeg", "elements/is_good") is expanded to "/<port>/<name>" for every
// port. Results containing glob metacharacters are returned as patterns.
func Qualify(ports []int, entries []string) (addresses, patterns []string) {
	seen := make(map[string]bool)
	add := func(s string) {
		if seen[s] {
			return
		}
		seen[s] = true
		if hasMeta(s) {
			patterns = append(patterns, s)
		} else {
			addresses = append(addresses, s)
		}
	}

	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" || e == "/" {
			continue
		}
		if isQualified(e) {
			add(e)
			continue
		}
		name := strings.TrimLeft(e, "/")
		for _, p := range ports {
			add(fmt.Sprintf("/%d/%s", p, name))
		}
	}
	slices.Sort(addresses)
	slices.Sort(patterns)
	return addresses, patterns
}

// isQualified reports whether s looks like "/<digits>/<something>".
func isQualified(s string) bool {
	if len(s) < 2 || s[0] != '/' {
		return false
	}
	rest := s[1:]
	i := strings.IndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 {
		return false
	}
	for _, c := range rest[:i] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func hasMeta(s string) bool {
	return strings.ContainsAny(s, `*?[{\`)
}
