// Package strategy defines the Strategy interface for trading strategies,
// a Registry of strategy constructors, and the Backtester that replays bar
// history through a strategy.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"backtester/internal/domain"
)

// ErrUnknownStrategy is returned by Registry.New for an unregistered name.
var ErrUnknownStrategy = errors.New("unknown strategy")

// Strategy is the interface that all trading strategies must implement.
type Strategy interface {
	// Name returns the identifier for this strategy instance, including its
	// parameters where they distinguish runs (e.g. "sma-cross(20/50)").
	Name() string

	// Init resets all internal state. It is called once before every run.
	Init(ctx context.Context) error

	// Decide is called once per bar, oldest first, with the history up to and
	// including the current bar.
	Decide(h domain.History) (domain.Signal, error)
}

// Params carries numeric strategy parameters, typically from config.
type Params map[string]float64

// Int returns p[key] truncated to int, or def when absent.
func (p Params) Int(key string, def int) int {
	if v, ok := p[key]; ok {
		return int(v)
	}
	return def
}

// Float returns p[key], or def when absent.
func (p Params) Float(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Factory builds a fresh Strategy from parameters.
type Factory func(p Params) (Strategy, error)

// Registry holds named strategy constructors. Every lookup builds a new
// instance, so concurrent runs never share strategy state.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a constructor under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds a strategy by name.
func (r *Registry) New(name string, p Params) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	s, err := f(p)
	if err != nil {
		return nil, fmt.Errorf("building strategy %q: %w", name, err)
	}
	return s, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
