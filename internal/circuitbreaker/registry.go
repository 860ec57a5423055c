package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry hands out one breaker per downstream dependency and reports on
// all of them.
type Registry struct {
	breakers map[string]*Breaker
	mutex    sync.Mutex
	logger   *logrus.Logger
}

func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		logger:   logger,
	}
}

func (r *Registry) GetOrCreate(name string, config Config) *Breaker {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	config.Name = name
	b := New(config, r.logger)
	r.breakers[name] = b

	r.logger.WithFields(logrus.Fields{
		"circuit_breaker": name,
		"max_failures":    b.maxFailures,
		"cooldown":        b.cooldown.String(),
		"max_trials":      b.maxTrials,
	}).Info("Circuit breaker created")
	return b
}

// Snapshot returns stats for every breaker, ordered by name.
func (r *Registry) Snapshot() []Stats {
	r.mutex.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mutex.Unlock()

	stats := make([]Stats, 0, len(breakers))
	for _, b := range breakers {
		stats = append(stats, b.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// AnyOpen reports whether some dependency is currently failing fast.
func (r *Registry) AnyOpen() bool {
	for _, s := range r.Snapshot() {
		if s.State == StateOpen.String() {
			return true
		}
	}
	return false
}
