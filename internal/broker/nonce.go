package broker

import (
	"sync"
	"time"
)

// NonceSource issues strictly increasing nonces for one credential pair.
// Signed-API venues invalidate the session when a nonce repeats or goes
// backwards, so generation is serialized across every goroutine sharing the
// credential, and Submit keeps the lock held through the signed request so
// two in-flight orders cannot race their nonces onto the wire out of order.
type NonceSource struct {
	mu   sync.Mutex
	last int64
}

// NewNonceSource creates a nonce source starting from the current time.
func NewNonceSource() *NonceSource {
	return &NonceSource{}
}

// Next returns the next nonce. Microsecond wall time, bumped by one whenever
// the clock has not advanced past the previous value.
func (s *NonceSource) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextLocked()
}

func (s *NonceSource) nextLocked() int64 {
	n := time.Now().UnixMicro()
	if n <= s.last {
		n = s.last + 1
	}
	s.last = n
	return n
}

// Submit runs fn with a fresh nonce while holding the credential lock, so the
// signed request reaches the venue before any later nonce is issued.
func (s *NonceSource) Submit(fn func(nonce int64) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.nextLocked())
}

// NonceRegistry hands out one NonceSource per credential key, shared by all
// callers of that credential.
type NonceRegistry struct {
	mu      sync.Mutex
	sources map[string]*NonceSource
}

// NewNonceRegistry creates an empty registry.
func NewNonceRegistry() *NonceRegistry {
	return &NonceRegistry{sources: make(map[string]*NonceSource)}
}

// For returns the source for a credential key, creating it on first use.
func (r *NonceRegistry) For(credentialKey string) *NonceSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[credentialKey]
	if !ok {
		src = NewNonceSource()
		r.sources[credentialKey] = src
	}
	return src
}
