// Package supervisor owns the ingestion pipeline's lifecycle.
//
// A Supervisor builds the signal registry, the shared buffer and one
// writer per port, then on Start runs one listener task per bound port, one
// consumer task that drains the buffer into the writers, and a statistics
// monitor. Stop drains what is left and releases everything.
//
// States move one way only:
//
//	Created → Configured → Running → Stopping → Stopped
//
// New returns a Configured supervisor. A stopped supervisor cannot be
// restarted.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"osclog/internal/buffer"
	"osclog/internal/config"
	"osclog/internal/home"
	"osclog/internal/listener"
	"osclog/internal/logging"
	"osclog/internal/metrics"
	"osclog/internal/signal"
	"osclog/internal/sysmetrics"
	"osclog/internal/writer"
)

var (
	// ErrAlreadyRunning is returned by Start on a running supervisor.
	ErrAlreadyRunning = errors.New("supervisor already running")
	// ErrStopped is returned by Start once Stop has been called.
	ErrStopped = errors.New("supervisor stopped")
	// ErrNoListeners is returned by Start when no port could be bound.
	ErrNoListeners = errors.New("no port could be bound")
	// ErrNoWriters is returned by New when no port log could be opened.
	ErrNoWriters = errors.New("no port log could be opened")
)

const (
	// maxIdleSleep caps the consumer's backoff on an empty buffer.
	maxIdleSleep = 100 * time.Millisecond
	// idleStep is the backoff added per consecutive empty poll.
	idleStep = time.Millisecond
)

// State is a lifecycle state.
type State int

const (
	Created State = iota
	Configured
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Configured:
		return "configured"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds everything the supervisor needs. Zero values fall back to
// the defaults in package config.
type Config struct {
	Ports []int
	Host  string

	// Signals is the explicit allow-list (see signal.Qualify). When empty,
	// SignalsFile is read; when that is empty too, the default catalog is
	// used.
	Signals     []string
	SignalsFile string

	SaveDir    string
	BufferSize int
	BatchSize  int
	Compress   bool
	Probe      bool

	GracePeriod   time.Duration
	StatsInterval time.Duration

	// Now stamps log file names. Defaults to time.Now.
	Now func() time.Time

	// Metrics is optional.
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

// FromConfig converts a validated file/flag configuration.
func FromConfig(c config.Config) (Config, error) {
	grace, err := c.Grace()
	if err != nil {
		return Config{}, fmt.Errorf("grace_period: %w", err)
	}
	interval, err := c.Interval()
	if err != nil {
		return Config{}, fmt.Errorf("stats_interval: %w", err)
	}
	return Config{
		Ports:         slices.Clone(c.Ports),
		Host:          c.Host,
		Signals:       slices.Clone(c.Signals),
		SignalsFile:   c.SignalsFile,
		SaveDir:       c.SaveDir,
		BufferSize:    c.BufferSize,
		BatchSize:     c.BatchSize,
		Compress:      c.Compress,
		Probe:         c.Probe,
		GracePeriod:   grace,
		StatsInterval: interval,
	}, nil
}

// Supervisor runs one ingestion pipeline.
type Supervisor struct {
	cfg     Config
	runID   uuid.UUID
	logger  *slog.Logger
	metrics *metrics.Metrics

	registry *signal.Registry
	buf      *buffer.Buffer
	dir      home.Dir
	sampler  *sysmetrics.Sampler

	mu    sync.Mutex
	state State

	// writers is fixed once Start has bound the listeners. Until the
	// consumer task is joined only that task touches the writers.
	writers   map[int]*writer.Writer
	listeners map[int]*listener.Listener
	tasks     *tasks
	cancel    context.CancelFunc
	scheduler gocron.Scheduler
	stopped   chan struct{}

	running atomic.Bool
}

// New validates the port list, populates the signal registry and opens one log per
// port. A port whose log cannot be opened is logged and left out; if none
// can be opened New fails with ErrNoWriters.
func New(cfg Config) (*Supervisor, error) {
	if err := config.ValidatePorts(cfg.Ports); err != nil {
		return nil, fmt.Errorf("invalid ports: %w", err)
	}
	applyDefaults(&cfg)

	runID := uuid.Must(uuid.NewV7())
	logger := logging.Default(cfg.Logger).With("component", "supervisor", "run_id", runID.String())

	s := &Supervisor{
		cfg:       cfg,
		runID:     runID,
		logger:    logger,
		metrics:   cfg.Metrics,
		registry:  signal.NewRegistry(),
		buf:       buffer.New(cfg.BufferSize),
		dir:       home.New(cfg.SaveDir),
		sampler:   sysmetrics.NewSampler(),
		writers:   make(map[int]*writer.Writer, len(cfg.Ports)),
		listeners: make(map[int]*listener.Listener, len(cfg.Ports)),
		state:     Created,
		stopped:   make(chan struct{}),
	}

	if err := s.dir.EnsureExists(); err != nil {
		return nil, err
	}

	entries, err := s.signalEntries()
	if err != nil {
		return nil, err
	}
	if err := s.applySignals(entries); err != nil {
		return nil, err
	}

	if err := s.metrics.ObserveBuffer(s.buf); err != nil {
		logger.Warn("buffer metrics not registered", "error", err)
	}

	started := cfg.Now()
	for _, port := range cfg.Ports {
		w, err := writer.Open(port, s.dir.LogPath(port, started), writer.Config{
			BatchSize: cfg.BatchSize,
			Compress:  cfg.Compress,
			Metrics:   cfg.Metrics,
			Logger:    cfg.Logger,
		})
		if err != nil {
			logger.Error("port excluded: cannot open log", "port", port, "error", err)
			continue
		}
		s.writers[port] = w
	}
	if len(s.writers) == 0 {
		return nil, ErrNoWriters
	}

	s.state = Configured
	logger.Info("ingestion configured",
		"ports", s.Ports(),
		"signals", s.registry.Len(),
		"save_dir", s.dir.Root(),
		"buffer_size", cfg.BufferSize,
		"batch_size", cfg.BatchSize)
	return s, nil
}

func applyDefaults(cfg *Config) {
	if cfg.SaveDir == "" {
		cfg.SaveDir = config.DefaultSaveDir
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = config.DefaultBufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = config.DefaultBatchSize
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = config.DefaultGracePeriod
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = config.DefaultStatsInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
}

// signalEntries returns the configured allow-list, falling back to the
// signals file and then to the default catalog.
func (s *Supervisor) signalEntries() ([]string, error) {
	if len(s.cfg.Signals) > 0 {
		return s.cfg.Signals, nil
	}
	if s.cfg.SignalsFile != "" {
		entries, err := signal.ReadFile(s.cfg.SignalsFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read signals file: %w", err)
		}
		if len(entries) > 0 {
			return entries, nil
		}
	}
	s.logger.Info("no signals configured, using default catalog")
	return signal.DefaultSignals(), nil
}

// applySignals replaces the registry contents with entries qualified for
// every configured port.
func (s *Supervisor) applySignals(entries []string) error {
	addresses, patterns := signal.Qualify(s.cfg.Ports, entries)
	if err := s.registry.Replace(addresses, patterns); err != nil {
		return fmt.Errorf("apply signals: %w", err)
	}
	return nil
}

// reloadSignals is the signals-file watcher callback.
func (s *Supervisor) reloadSignals(entries []string) {
	if len(entries) == 0 {
		entries = signal.DefaultSignals()
	}
	if err := s.applySignals(entries); err != nil {
		s.logger.Warn("signals reload rejected", "error", err)
		return
	}
	s.logger.Info("active signals updated", "signals", s.registry.Len())
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RunID identifies this run in every log line.
func (s *Supervisor) RunID() uuid.UUID { return s.runID }

// Registry returns the active signal registry.
func (s *Supervisor) Registry() *signal.Registry { return s.registry }

// Buffer returns the shared message buffer.
func (s *Supervisor) Buffer() *buffer.Buffer { return s.buf }

// Ports returns the ports in the running set, sorted: every port with an
// open log before Start, every bound port after it.
func (s *Supervisor) Ports() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	if len(s.listeners) > 0 {
		for p := range s.listeners {
			out = append(out, p)
		}
	} else {
		for p := range s.writers {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

// ListenerAddr returns the bound address for port, or nil.
func (s *Supervisor) ListenerAddr(port int) *net.UDPAddr {
	s.mu.Lock()
	l, ok := s.listeners[port]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return l.Addr()
}

// ListenerStats returns the counters of the listener for port.
func (s *Supervisor) ListenerStats(port int) (listener.Stats, bool) {
	s.mu.Lock()
	l, ok := s.listeners[port]
	s.mu.Unlock()
	if !ok {
		return listener.Stats{}, false
	}
	return l.Stats(), true
}

// LogPath returns the log file for port. After Stop with compression
// enabled it is the compressed file.
func (s *Supervisor) LogPath(port int) string {
	s.mu.Lock()
	w, ok := s.writers[port]
	s.mu.Unlock()
	if !ok {
		return ""
	}
	return w.Path()
}

// WriterStats returns the writer counters for port. Only call it after
// Stop: while running the writers belong to the consumer task.
func (s *Supervisor) WriterStats(port int) (writer.Stats, bool) {
	s.mu.Lock()
	w, ok := s.writers[port]
	s.mu.Unlock()
	if !ok {
		return writer.Stats{}, false
	}
	return w.Stats(), true
}

// Done is closed once the supervisor reaches Stopped.
func (s *Supervisor) Done() <-chan struct{} { return s.stopped }
