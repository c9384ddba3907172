// Package listener receives OSC datagrams on one UDP port, tags each message
// with the port and capture time, filters it against the signal registry,
// and offers it to the shared buffer.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"osclog/internal/logging"
	"osclog/internal/message"
	"osclog/internal/metrics"
	"osclog/internal/osc"
)

// ProbeAddress is the address of the self-test datagram sent after bind.
// Probe messages are never offered to the buffer.
const ProbeAddress = "/osclog/probe"

// maxDatagram is the largest UDP payload.
const maxDatagram = 65535

// readTimeout bounds each read so the loop notices cancellation.
const readTimeout = 250 * time.Millisecond

// Registry is the part of *signal.Registry the listener reads.
type Registry interface {
	IsActive(address string) bool
}

// Sink accepts messages without blocking; *buffer.Buffer implements it.
type Sink interface {
	Put(message.Message) bool
}

// Config holds listener settings.
type Config struct {
	// Port to bind. Zero picks an ephemeral port, which then becomes the
	// port messages are tagged with.
	Port int

	// Host to bind (e.g. "0.0.0.0", "127.0.0.1"). Empty means all
	// interfaces.
	Host string

	Registry Registry
	Sink     Sink

	// Probe sends a loopback datagram to the socket right after bind.
	Probe bool

	// Now returns the capture time. Defaults to time.Now.
	Now func() time.Time

	// Metrics is optional.
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

// Stats are the listener's lifetime counters.
type Stats struct {
	Datagrams    uint64
	Matched      uint64 // offered to the sink
	Rejected     uint64 // offered but refused because the sink was full
	Filtered     uint64 // address not active
	DecodeErrors uint64
}

// Listener owns one UDP socket.
type Listener struct {
	port     int
	host     string
	registry Registry
	sink     Sink
	probe    bool
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *slog.Logger

	decodeWarn *rate.Sometimes

	mu     sync.Mutex
	conn   *net.UDPConn
	closed bool

	probeReceived atomic.Bool
	datagrams     atomic.Uint64
	matched       atomic.Uint64
	rejected      atomic.Uint64
	filtered      atomic.Uint64
	decodeErrors  atomic.Uint64
}

// New creates a listener. Call Bind, then Run.
func New(cfg Config) *Listener {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := logging.Default(cfg.Logger).With("component", "listener")
	if cfg.Port != 0 {
		logger = logger.With("port", cfg.Port)
	}
	return &Listener{
		port:       cfg.Port,
		host:       cfg.Host,
		registry:   cfg.Registry,
		sink:       cfg.Sink,
		probe:      cfg.Probe,
		now:        now,
		metrics:    cfg.Metrics,
		logger:     logger,
		decodeWarn: logging.Every(5, 10*time.Second),
	}
}

// Bind opens the socket. If probing is enabled, a self-test datagram is
// sent to it over loopback; a probe failure is logged, not returned.
func (l *Listener) Bind() error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(l.host, strconv.Itoa(l.port)))
	if err != nil {
		return fmt.Errorf("resolve port %d: %w", l.port, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("bind port %d: %w", l.port, err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = conn.Close()
		return net.ErrClosed
	}
	l.conn = conn
	if l.port == 0 {
		l.port = conn.LocalAddr().(*net.UDPAddr).Port
		l.logger = l.logger.With("port", l.port)
	}
	l.mu.Unlock()

	l.logger.Info("OSC listener bound", "addr", conn.LocalAddr().String())

	if l.probe {
		if err := l.sendProbe(conn.LocalAddr().(*net.UDPAddr)); err != nil {
			l.logger.Warn("self-test probe failed", "error", err)
		}
	}
	return nil
}

// sendProbe sends one ProbeAddress message to the bound socket from a
// fresh socket. Wildcard binds are probed via 127.0.0.1.
func (l *Listener) sendProbe(local *net.UDPAddr) error {
	target := &net.UDPAddr{IP: local.IP, Port: local.Port}
	if target.IP == nil || target.IP.IsUnspecified() {
		target.IP = net.IPv4(127, 0, 0, 1)
	}
	pkt, err := osc.NewMessage(ProbeAddress, int32(l.port)).MarshalBinary()
	if err != nil {
		return err
	}
	c, err := net.DialUDP("udp", nil, target)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	_ = c.SetWriteDeadline(time.Now().Add(time.Second))
	_, err = c.Write(pkt)
	return err
}

// Run reads datagrams until ctx is cancelled or the socket is closed. It
// returns an error only if the listener was never bound.
func (l *Listener) Run(ctx context.Context) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return errors.New("listener not bound")
	}

	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.logger.Warn("UDP read error", "error", err)
			continue
		}
		if n == 0 {
			continue
		}
		l.handle(buf[:n])
	}
}

// handle decodes one datagram and offers every active message in it.
func (l *Listener) handle(data []byte) {
	l.datagrams.Add(1)
	captured := l.now()

	msgs, err := osc.ParsePacket(data)
	if err != nil {
		l.decodeErrors.Add(1)
		l.metrics.DecodeError(l.port)
		l.decodeWarn.Do(func() {
			l.logger.Warn("discarding malformed datagram", "bytes", len(data), "error", err)
		})
		return
	}

	for _, m := range msgs {
		if m.Address == ProbeAddress {
			if !l.probeReceived.Swap(true) {
				l.logger.Debug("self-test probe received")
			}
			continue
		}
		if !l.registry.IsActive(m.Address) {
			l.filtered.Add(1)
			l.metrics.Filtered(l.port)
			continue
		}
		l.matched.Add(1)
		l.metrics.Matched(l.port)
		if !l.sink.Put(message.New(l.port, m.Address, m.Args, captured)) {
			l.rejected.Add(1)
		}
	}
}

// Close closes the socket. It is safe to call more than once and from any
// goroutine; a blocked Run returns promptly.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.conn == nil {
		return nil
	}
	return l.conn.Close()
}

// Port returns the listening port.
func (l *Listener) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port
}

// Addr returns the bound address, or nil before Bind.
func (l *Listener) Addr() *net.UDPAddr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// ProbeReceived reports whether the self-test datagram came back.
func (l *Listener) ProbeReceived() bool {
	return l.probeReceived.Load()
}

// Stats returns the listener's counters.
func (l *Listener) Stats() Stats {
	return Stats{
		Datagrams:    l.datagrams.Load(),
		Matched:      l.matched.Load(),
		Rejected:     l.rejected.Load(),
		Filtered:     l.filtered.Load(),
		DecodeErrors: l.decodeErrors.Load(),
	}
}
