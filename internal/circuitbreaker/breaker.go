package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var ErrOpen = errors.New("circuit breaker is open")

type Config struct {
	Name string
	// MaxFailures consecutive failures open the breaker.
	MaxFailures int
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// MaxTrials is how many calls may run while half-open.
	MaxTrials int
	// IsFailure decides whether an error counts against the breaker.
	// Nil counts every error.
	IsFailure     func(error) bool
	OnStateChange func(name string, from, to State)
}

// Stats is a point-in-time snapshot, safe to serialize.
type Stats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	TotalCalls      int64     `json:"totalCalls"`
	TotalFailures   int64     `json:"totalFailures"`
	TotalSuccesses  int64     `json:"totalSuccesses"`
	TotalRejected   int64     `json:"totalRejected"`
	StateChanges    int64     `json:"stateChanges"`
	LastFailure     time.Time `json:"lastFailure,omitempty"`
	LastStateChange time.Time `json:"lastStateChange,omitempty"`
}

type Breaker struct {
	name          string
	maxFailures   int
	cooldown      time.Duration
	maxTrials     int
	isFailure     func(error) bool
	onStateChange func(name string, from, to State)

	mutex           sync.Mutex
	state           State
	failures        int
	trials          int
	lastFailure     time.Time
	lastStateChange time.Time
	totalCalls      int64
	totalFailures   int64
	totalSuccesses  int64
	totalRejected   int64
	stateChanges    int64

	now    func() time.Time
	logger *logrus.Logger
}

func New(config Config, logger *logrus.Logger) *Breaker {
	if config.Name == "" {
		config.Name = "unnamed"
	}
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	if config.MaxTrials <= 0 {
		config.MaxTrials = 1
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool { return err != nil }
	}

	return &Breaker{
		name:          config.Name,
		maxFailures:   config.MaxFailures,
		cooldown:      config.Cooldown,
		maxTrials:     config.MaxTrials,
		isFailure:     config.IsFailure,
		onStateChange: config.OnStateChange,
		state:         StateClosed,
		now:           time.Now,
		logger:        logger,
	}
}

// Execute runs fn unless the breaker is open. A cancelled context is
// returned as-is and does not count as a failure.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.admit(); err != nil {
		return err
	}

	err := fn(ctx)

	b.mutex.Lock()
	defer b.mutex.Unlock()
	switch {
	case err != nil && ctx.Err() != nil:
		// the caller gave up; say nothing about the dependency
		if b.state == StateHalfOpen {
			b.trials--
		}
	case err != nil && b.isFailure(err):
		b.totalFailures++
		b.onFailure()
	default:
		b.totalSuccesses++
		b.onSuccess()
	}
	return err
}

func (b *Breaker) admit() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.lastFailure) < b.cooldown {
			b.totalRejected++
			b.logger.WithField("circuit_breaker", b.name).Debug("Circuit breaker is open, rejecting call")
			return fmt.Errorf("%w: %s", ErrOpen, b.name)
		}
		b.setState(StateHalfOpen)
	}
	if b.state == StateHalfOpen {
		if b.trials >= b.maxTrials {
			b.totalRejected++
			return fmt.Errorf("%w: %s", ErrOpen, b.name)
		}
		b.trials++
	}
	b.totalCalls++
	return nil
}

func (b *Breaker) onSuccess() {
	b.failures = 0
	if b.state == StateHalfOpen {
		b.setState(StateClosed)
	}
}

func (b *Breaker) onFailure() {
	b.failures++
	b.lastFailure = b.now()
	if b.state == StateHalfOpen || b.failures >= b.maxFailures {
		b.setState(StateOpen)
	}
}

func (b *Breaker) setState(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.trials = 0
	b.stateChanges++
	b.lastStateChange = b.now()

	b.logger.WithFields(logrus.Fields{
		"circuit_breaker": b.name,
		"from_state":      from.String(),
		"to_state":        to.String(),
		"failures":        b.failures,
	}).Info("Circuit breaker state changed")

	if b.onStateChange != nil {
		go b.notify(from, to)
	}
}

func (b *Breaker) notify(from, to State) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"circuit_breaker": b.name,
				"panic":           r,
			}).Error("Circuit breaker state change callback panicked")
		}
	}()
	b.onStateChange(b.name, from, to)
}

func (b *Breaker) State() State {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.state
}

func (b *Breaker) Stats() Stats {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return Stats{
		Name:            b.name,
		State:           b.state.String(),
		Failures:        b.failures,
		TotalCalls:      b.totalCalls,
		TotalFailures:   b.totalFailures,
		TotalSuccesses:  b.totalSuccesses,
		TotalRejected:   b.totalRejected,
		StateChanges:    b.stateChanges,
		LastFailure:     b.lastFailure,
		LastStateChange: b.lastStateChange,
	}
}

func (b *Breaker) Reset() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.setState(StateClosed)
	b.failures = 0
	b.lastFailure = time.Time{}
}

func (b *Breaker) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return fmt.Sprintf("Breaker(name=%s, state=%s, failures=%d/%d)", b.name, b.state, b.failures, b.maxFailures)
}
