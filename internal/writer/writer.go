// Package writer persists messages for one port to an append-only CSV log.
//
// A Writer batches rows in memory and writes each batch to the log with a
// single Write call, either when the batch reaches its threshold or when
// Flush is called. A failed write is logged and the batch is dropped; the
// writer keeps accepting appends.
//
// A Writer is not safe for concurrent use. The supervisor's consumer task
// owns every writer until it has been joined.
package writer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"osclog/internal/logging"
	"osclog/internal/message"
	"osclog/internal/metrics"
)

// DefaultBatchSize is the flush threshold used when none is configured.
const DefaultBatchSize = 100

// Header is the first row of every log.
var Header = []string{"Timestamp", "Address", "Data"}

// Config holds writer settings.
type Config struct {
	// BatchSize is the number of rows that triggers an automatic flush.
	BatchSize int

	// Compress replaces the finished log with a zstd-compressed copy on
	// Close. Only meaningful for writers created with Open.
	Compress bool

	// Metrics is optional.
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

// Stats reports what a writer has persisted and lost.
type Stats struct {
	Flushes     int
	RowsWritten int
	BatchesLost int
	RowsLost    int
	Pending     int
}

// Writer is a batching CSV log for one port.
type Writer struct {
	port      int
	path      string // empty for injected sinks
	sink      io.WriteCloser
	batchSize int
	compress  bool
	metrics   *metrics.Metrics
	logger    *slog.Logger

	batch  []message.Message
	enc    bytes.Buffer
	stats  Stats
	closed bool
}

// Open creates a new log file at path and writes the header row. The file
// must not exist yet: a run never appends to an earlier run's log.
func Open(port int, path string, cfg Config) (*Writer, error) {
	f, err := os.OpenFile(filepath.Clean(path), os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log for port %d: %w", port, err)
	}
	w := New(port, f, cfg)
	w.path = path
	if err := w.writeRows([][]string{Header}); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write header for port %d: %w", port, err)
	}
	return w, nil
}

// New wraps an already open sink. No header is written.
func New(port int, sink io.WriteCloser, cfg Config) *Writer {
	size := cfg.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	return &Writer{
		port:      port,
		sink:      sink,
		batchSize: size,
		compress:  cfg.Compress,
		metrics:   cfg.Metrics,
		logger:    logging.Default(cfg.Logger).With("component", "writer", "port", port),
		batch:     make([]message.Message, 0, size),
	}
}

// Port returns the port this writer persists.
func (w *Writer) Port() int { return w.port }

// Path returns the log file path, or "" for an injected sink.
func (w *Writer) Path() string { return w.path }

// Append adds m to the batch and flushes once the batch is full.
func (w *Writer) Append(m message.Message) {
	if w.closed {
		return
	}
	w.batch = append(w.batch, m)
	if len(w.batch) >= w.batchSize {
		w.Flush()
	}
}

// Flush writes any pending rows as one block. It is a no-op when the batch
// is empty, so repeated calls never write a row twice.
func (w *Writer) Flush() {
	if w.closed || len(w.batch) == 0 {
		return
	}
	rows := make([][]string, len(w.batch))
	for i, m := range w.batch {
		rows[i] = m.Row()
	}
	n := len(w.batch)
	clear(w.batch)
	w.batch = w.batch[:0]

	if err := w.writeRows(rows); err != nil {
		w.stats.BatchesLost++
		w.stats.RowsLost += n
		w.metrics.WriteFailed(w.port, n)
		w.logger.Error("batch write failed, rows lost", "rows", n, "error", err)
		return
	}
	w.stats.Flushes++
	w.stats.RowsWritten += n
	w.metrics.Flushed(w.port, n)
}

func (w *Writer) writeRows(rows [][]string) error {
	w.enc.Reset()
	cw := csv.NewWriter(&w.enc)
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	_, err := w.sink.Write(w.enc.Bytes())
	return err
}

// Stats returns the writer's counters.
func (w *Writer) Stats() Stats {
	s := w.stats
	s.Pending = len(w.batch)
	return s
}

// Close flushes pending rows and closes the sink. Append and Flush on a
// closed writer are no-ops, and calling Close again returns nil.
//
// If compression is enabled the finished log is then replaced by
// <path>.zst.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.Flush()
	w.closed = true

	if err := w.sink.Close(); err != nil {
		return fmt.Errorf("close log for port %d: %w", w.port, err)
	}
	if w.compress && w.path != "" {
		out, err := compressFile(w.path)
		if err != nil {
			// The plain log is still intact.
			w.logger.Warn("compress log failed", "path", w.path, "error", err)
			return nil
		}
		w.logger.Info("log compressed", "path", out)
		w.path = out
	}
	return nil
}
