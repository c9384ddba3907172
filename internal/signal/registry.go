// Package signal tracks which OSC addresses are active for persistence.
//
// The Registry is read on every inbound datagram by every listener and
// mutated rarely (startup configuration, signals-file reloads, explicit
// removal), so it is guarded by a RWMutex.
package signal

import (
	"fmt"
	"slices"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"osclog/internal/message"
)

// Callback is an optional per-address hook. The registry stores callbacks
// but the ingestion pipeline never invokes them.
type Callback func(message.Message)

// Registry is the set of active addresses plus optional glob patterns.
// The zero value is not usable; call NewRegistry.
type Registry struct {
	mu        sync.RWMutex
	active    map[string]struct{}
	patterns  []string
	callbacks map[string]Callback
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active:    make(map[string]struct{}),
		callbacks: make(map[string]Callback),
	}
}

// Add marks address active. Adding an address twice is a no-op, except that
// a non-nil callback replaces the stored one.
func (r *Registry) Add(address string, cb ...Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[address] = struct{}{}
	if len(cb) > 0 && cb[0] != nil {
		r.callbacks[address] = cb[0]
	}
}

// AddPattern activates every address matching a doublestar pattern
// ("/8001/*", "/*/eeg", "/8002/**").
func (r *Registry) AddPattern(pattern string) error {
	if !doublestar.ValidatePattern(pattern) {
		return fmt.Errorf("invalid signal pattern %q", pattern)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.patterns, pattern) {
		r.patterns = append(r.patterns, pattern)
	}
	return nil
}

// Remove deactivates an address or pattern and drops its callback.
// Removing something that is not present is a no-op.
func (r *Registry) Remove(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, address)
	delete(r.callbacks, address)
	r.patterns = slices.DeleteFunc(r.patterns, func(p string) bool { return p == address })
}

// IsActive reports whether address is active, either literally or through
// a pattern.
func (r *Registry) IsActive(address string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.active[address]; ok {
		return true
	}
	for _, p := range r.patterns {
		// Patterns are validated on insert, so Match cannot fail here.
		if ok, _ := doublestar.Match(p, address); ok {
			return true
		}
	}
	return false
}

// Replace atomically swaps the whole active set. Callbacks are kept for
// addresses that stay active.
func (r *Registry) Replace(addresses, patterns []string) error {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid signal pattern %q", p)
		}
	}
	active := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		active[a] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = active
	r.patterns = slices.Compact(slices.Sorted(slices.Values(patterns)))
	for addr := range r.callbacks {
		if _, ok := active[addr]; !ok {
			delete(r.callbacks, addr)
		}
	}
	return nil
}

// Callback returns the callback registered for address, if any.
func (r *Registry) Callback(address string) (Callback, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.callbacks[address]
	return cb, ok
}

// Addresses returns the literal active addresses, sorted.
func (r *Registry) Addresses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.active))
	for a := range r.active {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

// Patterns returns the active patterns, sorted.
func (r *Registry) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(slices.Values(r.patterns))
}

// Len returns the number of literal addresses plus patterns.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active) + len(r.patterns)
}
