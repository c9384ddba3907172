// Package config defines the recorder configuration: the ports to listen on,
// the signal allow-list, and the persistence and pipeline tunables.
//
// A Config is normally built from Default, optionally overlaid with a JSON
// file (see Load) and then with command-line flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"osclog/internal/home"
)

// ErrNoPorts is returned by ValidatePorts when no ports are configured.
var ErrNoPorts = errors.New("no ports configured")

const (
	DefaultSaveDir       = home.DefaultRoot
	DefaultHost          = "0.0.0.0"
	DefaultBufferSize    = 1000
	DefaultBatchSize     = 100
	DefaultGracePeriod   = 200 * time.Millisecond
	DefaultStatsInterval = time.Second
)

// Config is the recorder configuration.
//
// Durations are stored as strings (e.g. "200ms") and parsed on access.
type Config struct {
	// Ports to listen on. Required.
	Ports []int `json:"ports"`

	// Signals is an explicit allow-list. Entries of the form /<port>/<name>
	// apply to that port only; bare names apply to every port. Empty means
	// the default catalog (unless SignalsFile is set).
	Signals []string `json:"signals,omitempty"`

	// SignalsFile is watched and reloaded on change.
	SignalsFile string `json:"signals_file,omitempty"`

	SaveDir    string `json:"save_dir"`
	Host       string `json:"host"`
	BufferSize int    `json:"buffer_size"`
	BatchSize  int    `json:"batch_size"`

	// Compress finished logs with zstd on shutdown.
	Compress bool `json:"compress,omitempty"`

	// Probe sends a loopback datagram to each listener after bind.
	Probe bool `json:"probe"`

	// MetricsAddr enables the Prometheus endpoint when non-empty.
	MetricsAddr string `json:"metrics_addr,omitempty"`

	GracePeriod   string `json:"grace_period,omitempty"`
	StatsInterval string `json:"stats_interval,omitempty"`
}

// Default returns a Config with every tunable at its default and no ports.
func Default() Config {
	return Config{
		SaveDir:    DefaultSaveDir,
		Host:       DefaultHost,
		BufferSize: DefaultBufferSize,
		BatchSize:  DefaultBatchSize,
		Probe:      true,
	}
}

// Grace returns the stop grace period.
func (c Config) Grace() (time.Duration, error) {
	return parseDuration(c.GracePeriod, DefaultGracePeriod)
}

// Interval returns the statistics interval.
func (c Config) Interval() (time.Duration, error) {
	return parseDuration(c.StatsInterval, DefaultStatsInterval)
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", s)
	}
	return d, nil
}

// ValidatePorts reports every problem with a port list at once: an empty
// list, ports outside 1-65535 and duplicates.
func ValidatePorts(ports []int) error {
	var errs []error
	if len(ports) == 0 {
		errs = append(errs, ErrNoPorts)
	}
	seen := make(map[int]bool, len(ports))
	for _, p := range ports {
		if p < 1 || p > 65535 {
			errs = append(errs, fmt.Errorf("port %d out of range 1-65535", p))
			continue
		}
		if seen[p] {
			errs = append(errs, fmt.Errorf("port %d listed twice", p))
		}
		seen[p] = true
	}
	return errors.Join(errs...)
}

// Validate reports every problem with c at once.
func (c Config) Validate() error {
	var errs []error

	if err := ValidatePorts(c.Ports); err != nil {
		errs = append(errs, err)
	}

	for _, s := range c.Signals {
		if s == "" {
			errs = append(errs, errors.New("empty signal entry"))
			continue
		}
		if !doublestar.ValidatePattern(s) {
			errs = append(errs, fmt.Errorf("signal %q: invalid pattern", s))
		}
	}

	if c.SaveDir == "" {
		errs = append(errs, errors.New("save_dir is empty"))
	}
	if c.Host != "" && net.ParseIP(c.Host) == nil && c.Host != "localhost" {
		errs = append(errs, fmt.Errorf("host %q is not an IP address", c.Host))
	}
	if c.BufferSize < 1 {
		errs = append(errs, fmt.Errorf("buffer_size must be positive, got %d", c.BufferSize))
	}
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch_size must be positive, got %d", c.BatchSize))
	}
	if _, err := c.Grace(); err != nil {
		errs = append(errs, fmt.Errorf("grace_period: %w", err))
	}
	if _, err := c.Interval(); err != nil {
		errs = append(errs, fmt.Errorf("stats_interval: %w", err))
	}

	return errors.Join(errs...)
}
