// Package circuitbreaker stops calling a backend after repeated infrastructure
// failures and lets a single probe through once a cooldown has passed.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Execute while the breaker is rejecting calls.
var ErrOpen = errors.New("circuit open")

// State of a breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Config for a breaker. Zero values use defaults.
type Config struct {
	Threshold int           // consecutive failures before opening (default: 5)
	Cooldown  time.Duration // time spent open before a probe (default: 30s)
	Clock     func() time.Time
}

// Breaker guards a single backend.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New returns a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Allow reports whether a call may proceed. In the half-open state only one
// caller is admitted until its outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.cfg.Clock().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.state = HalfOpen
		b.probing = true
		return true
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return true
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probing = false
}

// RecordFailure counts a failure, opening the breaker at the threshold or
// immediately when a half-open probe fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.probing = false
	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		b.state = Open
		b.openedAt = b.cfg.Clock()
	}
}

// Execute runs fn if the breaker allows it. Only errors for which trip
// reports true count as failures; a nil trip counts every error.
func (b *Breaker) Execute(fn func() error, trip func(error) bool) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn()
	if err != nil && (trip == nil || trip(err)) {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Set holds one breaker per key, created on first use.
type Set struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewSet returns an empty set whose breakers share cfg.
func NewSet(cfg Config) *Set {
	return &Set{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// For returns the breaker for key.
func (s *Set) For(key string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[key]
	if !ok {
		b = New(s.cfg)
		s.breakers[key] = b
	}
	return b
}

// Open returns the keys whose breakers are not closed.
func (s *Set) Open() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k, b := range s.breakers {
		if b.State() != Closed {
			keys = append(keys, k)
		}
	}
	return keys
}
