// Package fabric describes the packet-processing fabric as seen by the
// controller: a counter register that is read and reset every interval and a
// forwarding rule table keyed by key hash.
package fabric

import (
	"context"

	"github.com/mohammed-shakir/lethe-lb/internal/core/model"
)

type CounterSource interface {
	// ReadCounters returns the register indexed by key hash. It does not
	// modify the register.
	ReadCounters(ctx context.Context) ([]uint64, error)
	ResetCounters(ctx context.Context) error
}

type RuleTable interface {
	ClearRules(ctx context.Context) error
	// InstallRule inserts or overwrites the rule for k.
	InstallRule(ctx context.Context, k model.KeyHash, t model.Tier) error
	DeleteRule(ctx context.Context, k model.KeyHash) error
}

type Interface interface {
	CounterSource
	RuleTable
}
