// Package sysmetrics samples process-level CPU and memory usage for the
// periodic throughput report.
package sysmetrics

import (
	"runtime"
	"sync"
	"syscall"
	"time"
)

// Usage is one sample.
type Usage struct {
	// CPUPercent is process CPU time over wall time since the previous
	// sample. Multi-core processes can exceed 100.
	CPUPercent float64
	// MemoryInuse is HeapInuse plus StackInuse, in bytes.
	MemoryInuse int64
}

// Sampler computes CPU usage between successive calls to Sample.
type Sampler struct {
	mu       sync.Mutex
	lastWall time.Time
	lastCPU  time.Duration
	last     float64
}

// NewSampler starts measuring from now.
func NewSampler() *Sampler {
	return &Sampler{lastWall: time.Now(), lastCPU: cpuTime()}
}

// Sample returns usage since the previous sample (or NewSampler).
func (s *Sampler) Sample() Usage {
	now := time.Now()
	cpu := cpuTime()

	s.mu.Lock()
	if wall := now.Sub(s.lastWall); wall > 0 {
		s.last = float64(cpu-s.lastCPU) / float64(wall) * 100
		s.lastWall = now
		s.lastCPU = cpu
	}
	pct := s.last
	s.mu.Unlock()

	return Usage{CPUPercent: pct, MemoryInuse: memoryInuse()}
}

func memoryInuse() int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int64(m.HeapInuse + m.StackInuse)
}

// cpuTime returns user plus system time consumed by the process.
func cpuTime() time.Duration {
	var rusage syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &rusage); err != nil {
		return 0
	}
	return time.Duration(rusage.Utime.Nano() + rusage.Stime.Nano())
}
