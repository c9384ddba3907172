package supervisor

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"osclog/internal/config"
	"osclog/internal/osc"
)

// freePorts reserves n distinct UDP ports on loopback and releases them.
func freePorts(t *testing.T, n int) []int {
	t.Helper()
	var conns []*net.UDPConn
	var ports []int
	for range n {
		c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		if err != nil {
			t.Fatalf("reserve port: %v", err)
		}
		conns = append(conns, c)
		ports = append(ports, c.LocalAddr().(*net.UDPAddr).Port)
	}
	for _, c := range conns {
		c.Close()
	}
	return ports
}

func newSupervisor(t *testing.T, cfg Config) *Supervisor {
	t.Helper()
	if cfg.SaveDir == "" {
		cfg.SaveDir = t.TempDir()
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 50 * time.Millisecond
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func sendN(t *testing.T, port, n int, address string) {
	t.Helper()
	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	for i := range n {
		b, err := osc.NewMessage(address, int32(i), float32(0.5)).MarshalBinary()
		if err != nil {
			t.Fatal(err)
		}
		if _, err := conn.Write(b); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func waitDatagrams(t *testing.T, s *Supervisor, port int, want uint64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		st, ok := s.ListenerStats(port)
		if ok && st.Datagrams >= want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("port %d: timed out waiting for %d datagrams, have %+v", port, want, st)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// readRows returns the data rows of a log, without its header.
func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("parse log: %v", err)
	}
	if len(rows) == 0 {
		t.Fatalf("log %s has no header", path)
	}
	return rows[1:]
}

func TestExplicitSignalsFilterPerPort(t *testing.T) {
	ports := freePorts(t, 2)
	p1, p2 := ports[0], ports[1]
	s := newSupervisor(t, Config{
		Ports:   ports,
		Signals: []string{fmt.Sprintf("/%d/eeg", p1)},
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.State() != Running {
		t.Fatalf("expected running, got %s", s.State())
	}

	sendN(t, p1, 10, fmt.Sprintf("/%d/eeg", p1))
	sendN(t, p1, 5, fmt.Sprintf("/%d/other", p1))
	sendN(t, p2, 5, fmt.Sprintf("/%d/eeg", p2))
	waitDatagrams(t, s, p1, 15)
	waitDatagrams(t, s, p2, 5)

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.State() != Stopped {
		t.Fatalf("expected stopped, got %s", s.State())
	}

	rows1 := readRows(t, s.LogPath(p1))
	if len(rows1) != 10 {
		t.Errorf("port %d: expected 10 rows, got %d", p1, len(rows1))
	}
	for i, r := range rows1 {
		if r[1] != fmt.Sprintf("/%d/eeg", p1) {
			t.Errorf("row %d: unexpected address %q", i, r[1])
		}
		if want := fmt.Sprintf("%d 0.5", i); r[2] != want {
			t.Errorf("row %d: expected data %q, got %q", i, want, r[2])
		}
	}
	if rows2 := readRows(t, s.LogPath(p2)); len(rows2) != 0 {
		t.Errorf("port %d: expected 0 rows, got %d", p2, len(rows2))
	}

	c := s.Buffer().Counts()
	if c.Received != 10 || c.Processed != 10 || c.Dropped != 0 {
		t.Errorf("unexpected buffer counts: %+v", c)
	}
}

func TestDefaultCatalogActivatesEveryPort(t *testing.T) {
	ports := freePorts(t, 2)
	s := newSupervisor(t, Config{Ports: ports})

	for _, p := range ports {
		for _, name := range []string{"eeg", "acc", "gyro", "ppg", "elements/is_good"} {
			addr := fmt.Sprintf("/%d/%s", p, name)
			if !s.Registry().IsActive(addr) {
				t.Errorf("expected %s active by default", addr)
			}
		}
	}
	if s.Registry().IsActive(fmt.Sprintf("/%d/unknown", ports[0])) {
		t.Error("unknown signal should not be active")
	}
}

func TestPartialBindFailure(t *testing.T) {
	busy, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()
	busyPort := busy.LocalAddr().(*net.UDPAddr).Port
	free := freePorts(t, 1)[0]

	dir := t.TempDir()
	s := newSupervisor(t, Config{
		Ports:   []int{busyPort, free},
		Signals: []string{"eeg"},
		SaveDir: dir,
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start with one free port should succeed: %v", err)
	}
	if got := s.Ports(); !slices.Equal(got, []int{free}) {
		t.Fatalf("expected running set [%d], got %v", free, got)
	}

	sendN(t, free, 3, fmt.Sprintf("/%d/eeg", free))
	waitDatagrams(t, s, free, 3)
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if rows := readRows(t, s.LogPath(free)); len(rows) != 3 {
		t.Errorf("expected 3 rows on the free port, got %d", len(rows))
	}

	// Only the running port keeps a log.
	files, _ := filepath.Glob(filepath.Join(dir, "*.csv"))
	if len(files) != 1 {
		t.Errorf("expected 1 log file, got %v", files)
	}
}

func TestNoPortBound(t *testing.T) {
	busy, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	s := newSupervisor(t, Config{Ports: []int{busy.LocalAddr().(*net.UDPAddr).Port}})
	if err := s.Start(context.Background()); !errors.Is(err, ErrNoListeners) {
		t.Fatalf("expected ErrNoListeners, got %v", err)
	}
	if s.State() != Stopped {
		t.Errorf("expected stopped after failed start, got %s", s.State())
	}
	if err := s.Stop(); err != nil {
		t.Errorf("stop after failed start: %v", err)
	}
}

func TestStopIdempotent(t *testing.T) {
	port := freePorts(t, 1)[0]
	s := newSupervisor(t, Config{Ports: []int{port}, Signals: []string{"eeg"}, BatchSize: 100})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	sendN(t, port, 7, fmt.Sprintf("/%d/eeg", port))
	waitDatagrams(t, s, port, 7)

	if err := s.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if rows := readRows(t, s.LogPath(port)); len(rows) != 7 {
		t.Errorf("expected 7 rows after two stops, got %d", len(rows))
	}
	st, _ := s.WriterStats(port)
	if st.Flushes != 1 || st.RowsWritten != 7 {
		t.Errorf("expected a single flush of 7 rows, got %+v", st)
	}

	select {
	case <-s.Done():
	default:
		t.Error("Done not closed after Stop")
	}
}

func TestConcurrentStop(t *testing.T) {
	port := freePorts(t, 1)[0]
	s := newSupervisor(t, Config{Ports: []int{port}})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() {
			if err := s.Stop(); err != nil {
				t.Errorf("stop: %v", err)
			}
		})
	}
	wg.Wait()
	if s.State() != Stopped {
		t.Errorf("expected stopped, got %s", s.State())
	}
}

func TestLifecycleTransitions(t *testing.T) {
	port := freePorts(t, 1)[0]
	s := newSupervisor(t, Config{Ports: []int{port}})
	if s.State() != Configured {
		t.Fatalf("expected configured after New, got %s", s.State())
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped on restart, got %v", err)
	}
}

func TestStopWithoutStart(t *testing.T) {
	port := freePorts(t, 1)[0]
	s := newSupervisor(t, Config{Ports: []int{port}})
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.State() != Stopped {
		t.Errorf("expected stopped, got %s", s.State())
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestNewRequiresPorts(t *testing.T) {
	if _, err := New(Config{SaveDir: t.TempDir()}); !errors.Is(err, config.ErrNoPorts) {
		t.Errorf("expected ErrNoPorts, got %v", err)
	}
}

func TestNewRejectsInvalidPorts(t *testing.T) {
	tests := []struct {
		name  string
		ports []int
	}{
		{"zero", []int{0}},
		{"negative", []int{-1}},
		{"too large", []int{65536}},
		{"duplicate", []int{9001, 9001}},
		{"one bad among good", []int{9001, 70000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			s, err := New(Config{Ports: tt.ports, Signals: []string{"x"}, SaveDir: dir})
			if err == nil {
				_ = s.Stop()
				t.Fatalf("expected error for ports %v", tt.ports)
			}
			// Nothing is opened for a rejected configuration.
			entries, err := os.ReadDir(dir)
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 0 {
				t.Errorf("expected no log files, got %d", len(entries))
			}
		})
	}
}

func TestRunIDAndPatterns(t *testing.T) {
	ports := freePorts(t, 1)
	s := newSupervisor(t, Config{Ports: ports, Signals: []string{"eeg", "elements/*"}})
	defer s.Stop()

	if v := s.RunID().Version(); v != 7 {
		t.Errorf("expected UUIDv7 run id, got version %d", v)
	}
	want := []string{fmt.Sprintf("/%d/elements/*", ports[0])}
	if got := s.Registry().Patterns(); !slices.Equal(got, want) {
		t.Errorf("expected patterns %v, got %v", want, got)
	}
}

func TestNewNoWritableLog(t *testing.T) {
	dir := t.TempDir()
	// A regular file where the save directory should be.
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(Config{Ports: []int{9001}, SaveDir: blocker}); err == nil {
		t.Error("expected error when the save directory is a file")
	}
}

func TestSignalsFile(t *testing.T) {
	port := freePorts(t, 1)[0]
	path := filepath.Join(t.TempDir(), "signals.txt")
	if err := os.WriteFile(path, []byte("# motion only\nacc\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := newSupervisor(t, Config{Ports: []int{port}, SignalsFile: path})

	acc := fmt.Sprintf("/%d/acc", port)
	eeg := fmt.Sprintf("/%d/eeg", port)
	if !s.Registry().IsActive(acc) || s.Registry().IsActive(eeg) {
		t.Fatalf("registry does not reflect signals file: %v", s.Registry().Addresses())
	}

	s.reloadSignals([]string{"eeg"})
	if s.Registry().IsActive(acc) || !s.Registry().IsActive(eeg) {
		t.Errorf("reload not applied: %v", s.Registry().Addresses())
	}
}

// captureHandler records messages of every log record.
type captureHandler struct {
	mu   *sync.Mutex
	msgs *[]string
}

func newCaptureHandler() *captureHandler {
	return &captureHandler{mu: &sync.Mutex{}, msgs: new([]string)}
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.msgs = append(*h.msgs, r.Message)
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func (h *captureHandler) has(msg string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Contains(*h.msgs, msg)
}

func TestThroughputLogged(t *testing.T) {
	port := freePorts(t, 1)[0]
	capture := newCaptureHandler()
	s := newSupervisor(t, Config{
		Ports:         []int{port},
		Signals:       []string{"eeg"},
		StatsInterval: 200 * time.Millisecond,
		Logger:        slog.New(capture),
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	sendN(t, port, 20, fmt.Sprintf("/%d/eeg", port))

	deadline := time.Now().Add(3 * time.Second)
	for !capture.has("throughput") {
		if time.Now().After(deadline) {
			t.Fatal("no throughput line logged")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestFromConfig(t *testing.T) {
	c := config.Default()
	c.Ports = []int{9001}
	c.GracePeriod = "1s"
	cfg, err := FromConfig(c)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GracePeriod != time.Second || cfg.StatsInterval != config.DefaultStatsInterval {
		t.Errorf("durations not converted: %+v", cfg)
	}
	if !cfg.Probe || cfg.BufferSize != 1000 || cfg.BatchSize != 100 {
		t.Errorf("defaults not carried: %+v", cfg)
	}

	c.StatsInterval = "never"
	if _, err := FromConfig(c); err == nil {
		t.Error("expected error for bad interval")
	}
}
