package fabric

import (
	"context"
	"fmt"
	"sync"

	"github.com/mohammed-shakir/lethe-lb/internal/core/model"
	"github.com/mohammed-shakir/lethe-lb/internal/keyhash"
)

// Memory is an in-process stand-in for the data plane. It counts requests per
// key hash and routes keys through its rule table; unmatched keys are Cold.
type Memory struct {
	mu       sync.Mutex
	counters []uint64
	rules    map[model.KeyHash]model.Tier

	clears   int
	installs int
}

var _ Interface = (*Memory)(nil)

func NewMemory(registerSize int) *Memory {
	if registerSize <= 0 {
		registerSize = 1
	}
	return &Memory{
		counters: make([]uint64, registerSize),
		rules:    make(map[model.KeyHash]model.Tier),
	}
}

// Observe counts one request for key and returns the tier it is routed to.
// Keys the data plane would refuse are not counted.
func (m *Memory) Observe(key string) (model.Tier, error) {
	if err := keyhash.Validate(key); err != nil {
		return model.Cold, fmt.Errorf("observe %q: %w", key, err)
	}
	k := keyhash.Of(key, len(m.counters))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[k]++
	return m.rules[k], nil
}

// Add adds n to the counter of k directly.
func (m *Memory) Add(k model.KeyHash, n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(k) < len(m.counters) {
		m.counters[k] += n
	}
}

// Route returns the tier key would be forwarded to without counting it.
func (m *Memory) Route(key string) model.Tier {
	return m.Rule(keyhash.Of(key, len(m.counters)))
}

func (m *Memory) Rule(k model.KeyHash) model.Tier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rules[k]
}

// Rules returns a copy of the installed rule table.
func (m *Memory) Rules() map[model.KeyHash]model.Tier {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[model.KeyHash]model.Tier, len(m.rules))
	for k, t := range m.rules {
		out[k] = t
	}
	return out
}

// Stats returns how many clears and installs were issued.
func (m *Memory) Stats() (clears, installs int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clears, m.installs
}

func (m *Memory) ReadCounters(ctx context.Context) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.counters...), nil
}

func (m *Memory) ResetCounters(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	clear(m.counters)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ClearRules(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	clear(m.rules)
	m.clears++
	m.mu.Unlock()
	return nil
}

func (m *Memory) InstallRule(ctx context.Context, k model.KeyHash, t model.Tier) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(k) >= len(m.counters) {
		return fmt.Errorf("install rule: key hash %d outside register of %d", k, len(m.counters))
	}
	m.rules[k] = t
	m.installs++
	return nil
}

func (m *Memory) DeleteRule(ctx context.Context, k model.KeyHash) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.rules, k)
	m.mu.Unlock()
	return nil
}
