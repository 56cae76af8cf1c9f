package delivery

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"ouka/pkg/client"
	"ouka/pkg/federation"
)

// ErrCircuitOpen is returned for receivers whose inbox host has failed too
// often recently. It is retryable.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitState is the breaker state of one inbox host.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, posts are skipped
	CircuitHalfOpen                     // One probe allowed
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

type BreakerConfig struct {
	// Failures opens a host's circuit after this many consecutive failed
	// posts. Zero disables the breaker.
	Failures int `yaml:"failures"`
	// Cooldown is how long an open circuit waits before letting a probe through.
	Cooldown time.Duration `yaml:"cooldown"`
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Failures: 5,
		Cooldown: 30 * time.Second,
	}
}

// HostBreaker tracks consecutive delivery failures per inbox host so an
// unreachable instance is not posted to by every queued job. A nil
// *HostBreaker allows everything.
type HostBreaker struct {
	cfg    BreakerConfig
	clock  federation.Clock
	logger *zap.Logger

	mu    sync.Mutex
	hosts map[string]*hostCircuit
}

type hostCircuit struct {
	failures    int
	lastFailure time.Time
	state       CircuitState
	probing     bool
}

func NewHostBreaker(cfg BreakerConfig, logger *zap.Logger) *HostBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HostBreaker{
		cfg:    cfg,
		clock:  federation.SystemClock(),
		logger: logger,
		hosts:  make(map[string]*hostCircuit),
	}
}

func (b *HostBreaker) SetClock(clock federation.Clock) {
	b.clock = clock
}

func (b *HostBreaker) enabled() bool {
	return b != nil && b.cfg.Failures > 0
}

// Allow reports whether a post to host may be attempted. Once the cooldown
// has passed an open circuit admits a single probe.
func (b *HostBreaker) Allow(host string) bool {
	if !b.enabled() {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.hosts[host]
	if !ok {
		return true
	}
	switch c.state {
	case CircuitOpen:
		if b.clock.Now().Sub(c.lastFailure) < b.cfg.Cooldown {
			return false
		}
		c.state = CircuitHalfOpen
		c.probing = true
		b.logger.Info("Circuit breaker moved to half-open", zap.String("host", host))
		return true
	case CircuitHalfOpen:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	default:
		return true
	}
}

// Success closes the circuit for host.
func (b *HostBreaker) Success(host string) {
	if !b.enabled() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.hosts[host]; ok {
		if c.state != CircuitClosed {
			b.logger.Info("Circuit breaker closed", zap.String("host", host))
		}
		delete(b.hosts, host)
	}
}

// Failure records a failed post. A failed probe reopens the circuit at once.
func (b *HostBreaker) Failure(host string) {
	if !b.enabled() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.hosts[host]
	if !ok {
		c = &hostCircuit{}
		b.hosts[host] = c
	}
	c.failures++
	c.lastFailure = b.clock.Now()
	c.probing = false

	if c.state == CircuitOpen {
		return
	}
	if c.state == CircuitHalfOpen || c.failures >= b.cfg.Failures {
		c.state = CircuitOpen
		b.logger.Warn("Circuit breaker opened for host",
			zap.String("host", host),
			zap.Int("failures", c.failures))
	}
}

// State returns the circuit state of host.
func (b *HostBreaker) State(host string) CircuitState {
	if !b.enabled() {
		return CircuitClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.hosts[host]; ok {
		return c.state
	}
	return CircuitClosed
}

// hostDown reports whether a post error says the host itself is failing.
// Client errors (4xx) come from a live server.
func hostDown(err error) bool {
	if err == nil {
		return false
	}
	var status *client.StatusError
	if errors.As(err, &status) {
		return status.StatusCode >= 500
	}
	return true
}
