package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// Persister stores the serialised configuration blob.
type Persister interface {
	LoadConfig() ([]byte, error)
	SaveConfig(data []byte) error
}

// Store owns the single active configuration. Readers get immutable
// snapshots; writers copy, modify, persist and then swap.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[Config]
	persist Persister

	listenersMu sync.Mutex
	listeners   []func(old, new *Config)
}

// NewStore loads the persisted configuration, if any, over the defaults.
// A nil Persister keeps the configuration in memory only.
func NewStore(p Persister) (*Store, error) {
	s := &Store{persist: p}
	cfg := Default()
	if p != nil {
		data, err := p.LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse stored config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return nil, fmt.Errorf("invalid stored config: %w", err)
			}
		}
	}
	s.current.Store(cfg)
	return s, nil
}

// Get returns the current snapshot.
func (s *Store) Get() *Config {
	return s.current.Load()
}

// OnChange registers f to be called after every successful write.
func (s *Store) OnChange(f func(old, new *Config)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, f)
}

// Update applies changes to a copy of the current configuration and makes it
// current. Partial failures are returned as *UpdateError alongside the new
// snapshot.
func (s *Store) Update(changes map[string]any) (*Config, error) {
	return s.write(func(c *Config) error { return c.Apply(changes) })
}

// Reset restores the defaults, then applies overrides. The tracking state is
// preserved.
func (s *Store) Reset(overrides map[string]any) (*Config, error) {
	return s.write(func(c *Config) error {
		state := c.State
		*c = *Default()
		c.State = state
		return c.Apply(overrides)
	})
}

// UpdateState modifies the persisted tracking state.
func (s *Store) UpdateState(f func(*State)) (*Config, error) {
	return s.write(func(c *Config) error {
		f(&c.State)
		return nil
	})
}

// ReplaceAuthorization swaps the authorization block, typically after a token
// refresh.
func (s *Store) ReplaceAuthorization(a *Authorization) (*Config, error) {
	return s.write(func(c *Config) error {
		c.Authorization = a
		return nil
	})
}

func (s *Store) write(mutate func(*Config) error) (*Config, error) {
	s.mu.Lock()
	old := s.current.Load()
	next := old.Clone()
	applyErr := mutate(next)

	if s.persist != nil {
		data, err := json.Marshal(next)
		if err != nil {
			s.mu.Unlock()
			return old, fmt.Errorf("failed to encode config: %w", err)
		}
		if err := s.persist.SaveConfig(data); err != nil {
			s.mu.Unlock()
			return old, fmt.Errorf("failed to persist config: %w", err)
		}
	}
	s.current.Store(next)
	s.mu.Unlock()

	s.listenersMu.Lock()
	listeners := append([]func(*Config, *Config){}, s.listeners...)
	s.listenersMu.Unlock()
	for _, f := range listeners {
		f(old, next)
	}
	return next, applyErr
}
