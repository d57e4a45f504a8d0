package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/meridian-os/meridian/internal/shared/types"
)

// ErrCircuitOpen is returned when the breaker rejects without calling.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures breaker behavior.
type Settings struct {
	// FailureThreshold is the consecutive service failures that trip
	// the breaker.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration

	// OnStateChange is called on every transition.
	OnStateChange func(name string, from, to State)
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	return s
}

// Breaker is one circuit, guarding one delegated syscall class.
type Breaker struct {
	name     string
	settings Settings

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// New creates a closed breaker.
func New(name string, settings Settings) *Breaker {
	return &Breaker{name: name, settings: settings.withDefaults()}
}

// Name returns the breaker's class name.
func (b *Breaker) Name() string { return b.name }

// State reports the current state, applying cooldown expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentLocked(time.Now())
}

// Allow reports whether a call may proceed. In half-open state only one
// probe is admitted at a time.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentLocked(time.Now()) {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.probeInFlight {
			return ErrCircuitOpen
		}
		b.probeInFlight = true
	}
	return nil
}

// Record classifies the outcome of an admitted call. Only service
// failures count against the breaker: a timeout or abort means the
// service is unhealthy, while capability errors are the caller's
// problem and leave the circuit alone.
func (b *Breaker) Record(err error) {
	failure := err != nil && isServiceFailure(err)

	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	state := b.currentLocked(now)
	b.probeInFlight = false

	if !failure {
		b.failures = 0
		if state == StateHalfOpen {
			b.setStateLocked(StateClosed, now)
		}
		return
	}

	switch state {
	case StateClosed:
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.setStateLocked(StateOpen, now)
		}
	case StateHalfOpen:
		b.setStateLocked(StateOpen, now)
	}
}

// Execute runs fn behind the breaker.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.Record(err)
	return err
}

func (b *Breaker) currentLocked(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.settings.Cooldown {
		b.setStateLocked(StateHalfOpen, now)
	}
	return b.state
}

func (b *Breaker) setStateLocked(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.failures = 0
	b.probeInFlight = false
	if state == StateOpen {
		b.openedAt = now
	}
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, prev, state)
	}
}

func isServiceFailure(err error) bool {
	switch types.CodeOf(err) {
	case types.CodeTimeout, types.CodeAborted:
		return true
	}
	return false
}

// Set holds one breaker per delegated syscall class.
type Set struct {
	settings Settings

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewSet creates an empty breaker set.
func NewSet(settings Settings) *Set {
	return &Set{
		settings: settings.withDefaults(),
		breakers: make(map[string]*Breaker),
	}
}

// ForClass returns the breaker for a class, creating it on first use.
func (s *Set) ForClass(class string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[class]
	if !ok {
		b = New(class, s.settings)
		s.breakers[class] = b
	}
	return b
}

// States snapshots all breakers for introspection.
func (s *Set) States() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.breakers))
	for class, b := range s.breakers {
		out[class] = b.State().String()
	}
	return out
}
