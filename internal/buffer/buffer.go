// Package buffer provides the bounded FIFO shared by every listener and the
// consumer, with a drop-newest overflow policy and throughput accounting.
//
// One mutex guards the ring and every counter, so the lifetime invariant
//
//	Received == Processed + Dropped + Len
//
// holds whenever the buffer is observed from outside a method call. No
// method blocks.
package buffer

import (
	"sync"
	"time"

	"osclog/internal/message"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 1000

// SnapshotInterval is the minimum time between two statistics snapshots.
const SnapshotInterval = time.Second

// Counts holds lifetime counters. They are never reset.
type Counts struct {
	Received  uint64 // every message offered to Put, accepted or not
	Dropped   uint64 // offered to Put while the buffer was full
	Processed uint64 // removed by Get
}

// Stats is a throughput snapshot covering the window since the previous one.
// Unlike Counts, the window's Received excludes drops, so ReceivedRate is
// the rate of messages that made it into the buffer.
type Stats struct {
	Received     uint64        // accepted by Put during the window
	Dropped      uint64        // dropped during the window
	Elapsed      time.Duration // window length
	ReceivedRate float64       // events per second
	DroppedRate  float64       // events per second
	Occupancy    float64       // buffer usage in percent at snapshot time
	Len          int
	Cap          int
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

// Buffer is a bounded ring of messages.
type Buffer struct {
	mu   sync.Mutex
	ring []message.Message
	head int // index of the oldest message
	n    int // number of queued messages

	total Counts

	// Window counters, reset by Snapshot.
	windowReceived uint64
	windowDropped  uint64
	lastSnapshot   time.Time

	now func() time.Time
}

// New creates a buffer holding at most capacity messages.
func New(capacity int, opts ...Option) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Buffer{
		ring: make([]message.Message, capacity),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastSnapshot = b.now()
	return b
}

// Put enqueues m if there is room and reports whether it did. A full buffer
// discards m (never an older message) and counts it as dropped.
func (b *Buffer) Put(m message.Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total.Received++
	if b.n == len(b.ring) {
		b.total.Dropped++
		b.windowDropped++
		return false
	}
	b.ring[(b.head+b.n)%len(b.ring)] = m
	b.n++
	b.windowReceived++
	return true
}

// Get removes and returns the oldest message. It returns false when the
// buffer is empty.
func (b *Buffer) Get() (message.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.n == 0 {
		return message.Message{}, false
	}
	m := b.ring[b.head]
	b.ring[b.head] = message.Message{}
	b.head = (b.head + 1) % len(b.ring)
	b.n--
	b.total.Processed++
	return m, true
}

// Snapshot returns throughput statistics if at least SnapshotInterval has
// passed since the previous snapshot (or construction). A successful
// snapshot resets the window counters and the snapshot clock; lifetime
// counters are untouched.
func (b *Buffer) Snapshot() (Stats, bool) {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastSnapshot)
	if elapsed < SnapshotInterval {
		return Stats{}, false
	}
	secs := elapsed.Seconds()
	st := Stats{
		Received:     b.windowReceived,
		Dropped:      b.windowDropped,
		Elapsed:      elapsed,
		ReceivedRate: float64(b.windowReceived) / secs,
		DroppedRate:  float64(b.windowDropped) / secs,
		Occupancy:    float64(b.n) / float64(len(b.ring)) * 100,
		Len:          b.n,
		Cap:          len(b.ring),
	}
	b.windowReceived = 0
	b.windowDropped = 0
	b.lastSnapshot = now
	return st, true
}

// Counts returns the lifetime counters.
func (b *Buffer) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Observe returns the lifetime counters and the queue length taken
// atomically together.
func (b *Buffer) Observe() (Counts, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total, b.n
}

// Len returns the number of queued messages.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int {
	return len(b.ring)
}
