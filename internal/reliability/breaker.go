package reliability

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen indicates the circuit breaker is rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State is a circuit breaker position.
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
		return "half_open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// CircuitBreakerConfig configures a circuit breaker. OnStateChange is called
// outside the breaker lock after every transition.
type CircuitBreakerConfig struct {
	Name          string
	MaxFailures   int
	ResetTimeout  time.Duration
	Now           func() time.Time
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker opens after MaxFailures consecutive failures and admits a
// single probe once ResetTimeout has elapsed.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 2 * time.Second
	}
	if cfg.MaxFailures < 1 {
		cfg.MaxFailures = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// State reports the current position without advancing it.
func (c *CircuitBreaker) State() State {
	if c == nil {
		return StateClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Execute runs fn unless the breaker is open. A nil breaker always runs fn.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if c == nil {
		return fn()
	}
	if err := c.admit(); err != nil {
		return err
	}
	err := fn()
	c.record(err)
	return err
}

func (c *CircuitBreaker) admit() error {
	c.mu.Lock()
	from := c.state
	switch c.state {
	case StateOpen:
		if c.cfg.Now().Sub(c.openedAt) < c.cfg.ResetTimeout {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
		c.state = StateHalfOpen
		c.probing = true
	case StateHalfOpen:
		if c.probing {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
		c.probing = true
	}
	to := c.state
	c.mu.Unlock()

	c.notify(from, to)
	return nil
}

func (c *CircuitBreaker) record(err error) {
	c.mu.Lock()
	from := c.state
	switch {
	case err == nil:
		c.state = StateClosed
		c.failures = 0
	case c.state == StateHalfOpen:
		c.trip()
	default:
		c.failures++
		if c.failures >= c.cfg.MaxFailures {
			c.trip()
		}
	}
	c.probing = false
	to := c.state
	c.mu.Unlock()

	c.notify(from, to)
}

// trip opens the breaker. Callers hold mu.
func (c *CircuitBreaker) trip() {
	c.state = StateOpen
	c.openedAt = c.cfg.Now()
	c.failures = 0
}

func (c *CircuitBreaker) notify(from, to State) {
	if from != to && c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(c.cfg.Name, from, to)
	}
}
