package supervisor

import (
	"context"
	"errors"
	"os"
	"slices"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"osclog/internal/listener"
	"osclog/internal/message"
	"osclog/internal/signal"
)

// tasks tracks the pipeline goroutines. done is closed once every task
// has returned.
type tasks struct {
	group *errgroup.Group
	done  chan struct{}
}

func (t *tasks) wait() {
	go func() {
		_ = t.group.Wait()
		close(t.done)
	}()
}

// Start binds one listener per port and launches the pipeline. A port that
// cannot be bound is logged and excluded; if none can be bound the
// supervisor releases its logs, moves to Stopped and returns
// ErrNoListeners. Start returns once every task is launched.
//
// Cancelling ctx stops the tasks but does not drain; call Stop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Running:
		return ErrAlreadyRunning
	case Stopping, Stopped:
		return ErrStopped
	}

	for _, port := range sortedKeys(s.writers) {
		l := listener.New(listener.Config{
			Port:     port,
			Host:     s.cfg.Host,
			Registry: s.registry,
			Sink:     s.buf,
			Probe:    s.cfg.Probe,
			Metrics:  s.metrics,
			Logger:   s.cfg.Logger,
		})
		if err := l.Bind(); err != nil {
			s.logger.Error("port excluded: bind failed", "port", port, "error", err)
			s.discardWriter(port)
			continue
		}
		s.listeners[port] = l
	}
	if len(s.listeners) == 0 {
		_ = s.releaseLocked()
		return ErrNoListeners
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		s.closeListenersLocked()
		_ = s.releaseLocked()
		return err
	}
	_, err = sched.NewJob(
		gocron.DurationJob(s.cfg.StatsInterval),
		gocron.NewTask(s.reportStats),
		gocron.WithName("throughput-stats"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		s.closeListenersLocked()
		_ = s.releaseLocked()
		return err
	}
	s.scheduler = sched

	ctx, cancel := context.WithCancel(ctx)
	g := new(errgroup.Group)
	limit := len(s.listeners) + 2
	if s.cfg.SignalsFile != "" {
		limit++
	}
	g.SetLimit(limit)
	s.tasks = &tasks{group: g, done: make(chan struct{})}
	s.cancel = cancel
	s.running.Store(true)

	for _, port := range sortedKeys(s.listeners) {
		l := s.listeners[port]
		g.Go(func() error {
			if err := l.Run(ctx); err != nil {
				s.logger.Error("listener exited", "port", port, "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		s.consume(ctx)
		return nil
	})
	if s.cfg.SignalsFile != "" {
		g.Go(func() error {
			if err := signal.Watch(ctx, s.cfg.SignalsFile, s.reloadSignals, s.cfg.Logger); err != nil {
				s.logger.Warn("signals file not watched", "error", err)
			}
			return nil
		})
	}
	s.tasks.wait()
	sched.Start()

	s.state = Running
	s.logger.Info("ingestion started",
		"ports", sortedKeys(s.listeners),
		"tasks", limit)
	return nil
}

// consume moves messages from the buffer to their port's writer until the
// running flag is cleared. On an empty buffer it backs off by one more
// millisecond per consecutive miss, up to maxIdleSleep.
func (s *Supervisor) consume(ctx context.Context) {
	var idle int
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for s.running.Load() {
		if m, ok := s.buf.Get(); ok {
			idle = 0
			s.deliver(m)
			continue
		}
		idle++
		timer.Reset(min(time.Duration(idle)*idleStep, maxIdleSleep))
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

func (s *Supervisor) deliver(m message.Message) {
	w, ok := s.writers[m.Port]
	if !ok {
		// Listeners only exist for ports with a writer.
		s.logger.Warn("message for unknown port discarded", "port", m.Port, "address", m.Address)
		return
	}
	w.Append(m)
}

// reportStats logs a throughput line whenever a snapshot is due and shows
// any traffic.
func (s *Supervisor) reportStats() {
	st, ok := s.buf.Snapshot()
	if !ok {
		return
	}
	s.metrics.SetOccupancy(st.Occupancy)
	if st.ReceivedRate == 0 && st.DroppedRate == 0 {
		return
	}
	usage := s.sampler.Sample()
	s.logger.Info("throughput",
		"received_rate", round1(st.ReceivedRate),
		"dropped_rate", round1(st.DroppedRate),
		"buffer_usage_pct", round1(st.Occupancy),
		"cpu_pct", round1(usage.CPUPercent),
		"mem_inuse_bytes", usage.MemoryInuse)
}

func round1(f float64) float64 {
	return float64(int64(f*10+0.5)) / 10
}

// Stop shuts the pipeline down: clear the running flag, close the sockets,
// wait for the tasks, drain the buffer into the writers, then flush and
// close every writer. Each close failure is logged and the rest proceed;
// the failures are returned together.
//
// Stop is idempotent and safe to call from a signal handler goroutine. A
// concurrent second call waits for the first to finish and returns nil.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	switch s.state {
	case Stopping:
		s.mu.Unlock()
		<-s.stopped
		return nil
	case Stopped:
		s.mu.Unlock()
		return nil
	case Created, Configured:
		err := s.releaseLocked()
		s.mu.Unlock()
		return err
	}
	s.state = Stopping
	cancel := s.cancel
	t := s.tasks
	sched := s.scheduler
	s.mu.Unlock()

	s.logger.Info("stopping ingestion")
	s.running.Store(false)
	cancel()

	s.mu.Lock()
	s.closeListenersLocked()
	s.mu.Unlock()

	select {
	case <-t.done:
	case <-time.After(s.cfg.GracePeriod):
		s.logger.Warn("tasks still running after grace period, waiting", "grace", s.cfg.GracePeriod)
		<-t.done
	}

	if err := sched.Shutdown(); err != nil {
		s.logger.Warn("stats scheduler shutdown", "error", err)
	}
	s.reportStats()

	var drained int
	for {
		m, ok := s.buf.Get()
		if !ok {
			break
		}
		s.deliver(m)
		drained++
	}

	counts := s.buf.Counts()
	s.mu.Lock()
	err := s.releaseLocked()
	s.mu.Unlock()

	s.logger.Info("ingestion stopped",
		"received", counts.Received,
		"processed", counts.Processed,
		"dropped", counts.Dropped,
		"drained", drained)
	return err
}

// closeListenersLocked closes every socket independently.
func (s *Supervisor) closeListenersLocked() {
	for port, l := range s.listeners {
		if err := l.Close(); err != nil {
			s.logger.Warn("close listener", "port", port, "error", err)
		}
	}
}

// releaseLocked flushes and closes every writer, then moves to Stopped.
func (s *Supervisor) releaseLocked() error {
	var errs []error
	for _, port := range sortedKeys(s.writers) {
		w := s.writers[port]
		if err := w.Close(); err != nil {
			s.logger.Error("close log", "port", port, "error", err)
			errs = append(errs, err)
			continue
		}
		st := w.Stats()
		s.logger.Info("log closed",
			"port", port,
			"path", w.Path(),
			"rows", st.RowsWritten,
			"rows_lost", st.RowsLost)
	}
	if s.state != Stopped {
		s.state = Stopped
		close(s.stopped)
	}
	return errors.Join(errs...)
}

// discardWriter closes and removes the log of a port that will not run.
// The log holds only its header at this point.
func (s *Supervisor) discardWriter(port int) {
	w, ok := s.writers[port]
	if !ok {
		return
	}
	delete(s.writers, port)
	if err := w.Close(); err != nil {
		s.logger.Warn("close log", "port", port, "error", err)
	}
	if p := w.Path(); p != "" {
		if err := os.Remove(p); err != nil {
			s.logger.Warn("remove unused log", "path", p, "error", err)
		}
	}
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
