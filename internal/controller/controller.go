// Package controller runs the periodic read, classify and install loop and
// serialises it against out-of-band resets.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mohammed-shakir/lethe-lb/internal/core/model"
	"github.com/mohammed-shakir/lethe-lb/internal/core/observability"
	"github.com/mohammed-shakir/lethe-lb/internal/fabric"
	mylog "github.com/mohammed-shakir/lethe-lb/internal/logger"
	"github.com/mohammed-shakir/lethe-lb/internal/popularity"
	"github.com/mohammed-shakir/lethe-lb/internal/tier"
)

// ErrFabric marks a failed or timed out fabric call. It is fatal: the loop
// stops and no partial rule set is considered valid.
var ErrFabric = errors.New("fabric call failed")

type Options struct {
	Logger   *slog.Logger
	Counters fabric.CounterSource
	Rules    fabric.RuleTable
	Tracker  *popularity.Tracker

	HotCap   int
	Interval time.Duration
	// CallTimeout bounds each fabric operation. Applying a plan counts as one
	// operation.
	CallTimeout time.Duration
	Mode        tier.Mode
	// ColdSentinel, when set, gets an explicit COLD rule during Init.
	ColdSentinel *model.KeyHash
}

// Report describes one completed interval.
type Report struct {
	Interval uint64        `json:"interval"`
	At       time.Time     `json:"at"`
	Active   int           `json:"active"`
	Tracked  int           `json:"tracked"`
	Hot      int           `json:"hot"`
	Warm1    int           `json:"warm1"`
	Warm2    int           `json:"warm2"`
	Sum1     uint64        `json:"sum1"`
	Sum2     uint64        `json:"sum2"`
	Quiesced bool          `json:"quiesced"`
	Duration time.Duration `json:"duration_ns"`
}

type Controller struct {
	log      *slog.Logger
	counters fabric.CounterSource
	rules    fabric.RuleTable
	tracker  *popularity.Tracker
	hotCap   int
	interval time.Duration
	timeout  time.Duration
	mode     tier.Mode
	sentinel *model.KeyHash

	// mu serialises Step, Reset and Init. Every rule table mutation happens
	// under it.
	mu       sync.Mutex
	seq      uint64
	prev     *tier.Plan
	last     Report
	lastPlan tier.Plan
	ready    bool
}

func New(opts Options) (*Controller, error) {
	if opts.Counters == nil || opts.Rules == nil {
		return nil, errors.New("controller: counter source and rule table are required")
	}
	if opts.Tracker == nil {
		return nil, errors.New("controller: tracker is required")
	}
	if opts.HotCap < 1 {
		return nil, fmt.Errorf("controller: hot cap %d must be at least 1", opts.HotCap)
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("controller: interval %s must be positive", opts.Interval)
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = opts.Interval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Controller{
		log:      opts.Logger,
		counters: opts.Counters,
		rules:    opts.Rules,
		tracker:  opts.Tracker,
		hotCap:   opts.HotCap,
		interval: opts.Interval,
		timeout:  opts.CallTimeout,
		mode:     opts.Mode,
		sentinel: opts.ColdSentinel,
	}, nil
}

// call runs one fabric operation under the call timeout.
func (c *Controller) call(ctx context.Context, op string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := fn(cctx); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrFabric, op, err)
	}
	return nil
}

// Init brings the fabric to a known state: counters zeroed, rule table
// empty, plus the optional COLD sentinel rule.
func (c *Controller) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// whatever accumulated before start-up is discarded
	err := c.call(ctx, "read counters", func(ctx context.Context) error {
		_, err := c.counters.ReadCounters(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if err := c.call(ctx, "reset counters", c.counters.ResetCounters); err != nil {
		return err
	}
	if err := c.call(ctx, "clear rules", c.rules.ClearRules); err != nil {
		return err
	}
	c.prev = nil
	if c.sentinel != nil {
		k := *c.sentinel
		err := c.call(ctx, "install sentinel", func(ctx context.Context) error {
			return c.rules.InstallRule(ctx, k, model.Cold)
		})
		if err != nil {
			return err
		}
		c.log.Info("installed cold sentinel rule", "key_hash", k.String())
	}
	return nil
}

// Step runs one full interval. Any error is fatal for the caller.
func (c *Controller) Step(ctx context.Context) (Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	c.seq++
	rep, err := c.stepLocked(ctx)
	rep.Interval = c.seq
	rep.At = start
	rep.Duration = time.Since(start)
	observability.ObserveInterval(err, rep.Quiesced, rep.Duration.Seconds())
	if err != nil {
		return rep, err
	}

	c.last = rep
	c.ready = true
	observability.SetTierCounts(rep.Hot, rep.Warm1, rep.Warm2)
	observability.SetBalance(rep.Sum1, rep.Sum2)
	observability.SetKeys(rep.Active, rep.Tracked)

	lctx := mylog.WithInterval(mylog.WithComponent(ctx, "controller"), rep.Interval)
	c.log.InfoContext(lctx, "interval",
		"active", rep.Active,
		"tracked", rep.Tracked,
		"hot", rep.Hot,
		"warm1", rep.Warm1,
		"warm2", rep.Warm2,
		"sum1", rep.Sum1,
		"sum2", rep.Sum2,
		"quiesced", rep.Quiesced,
	)
	return rep, nil
}

func (c *Controller) stepLocked(ctx context.Context) (Report, error) {
	var rep Report

	var counts []uint64
	err := c.call(ctx, "read counters", func(ctx context.Context) error {
		var err error
		counts, err = c.counters.ReadCounters(ctx)
		return err
	})
	if err != nil {
		return rep, err
	}
	if err := c.call(ctx, "reset counters", c.counters.ResetCounters); err != nil {
		return rep, err
	}

	res := c.tracker.Update(counts)
	rep.Active = res.Active
	rep.Tracked = res.Tracked
	rep.Quiesced = res.Quiesced

	if res.Quiesced {
		if err := c.call(ctx, "clear rules", c.rules.ClearRules); err != nil {
			c.prev = nil
			return rep, err
		}
		c.prev = &tier.Plan{}
		c.lastPlan = tier.Plan{}
		observability.IncReset("quiescence")
		c.log.Info("traffic stopped, state cleared")
		return rep, nil
	}

	plan := tier.Balance(c.tracker.Snapshot(), c.hotCap)
	err = c.call(ctx, "apply rules", func(ctx context.Context) error {
		return tier.Apply(ctx, c.rules, c.prev, plan, c.mode)
	})
	if err != nil {
		// table state is unknown now
		c.prev = nil
		return rep, err
	}
	c.prev = &plan
	c.lastPlan = plan

	rep.Hot = len(plan.Hot)
	rep.Warm1 = len(plan.Warm1)
	rep.Warm2 = len(plan.Warm2)
	rep.Sum1 = plan.Sum1
	rep.Sum2 = plan.Sum2
	return rep, nil
}

// Run steps once per interval until ctx is done or a step fails. Steps never
// overlap; a tick that arrives while a step is running is dropped.
func (c *Controller) Run(ctx context.Context) error {
	t := time.NewTicker(c.interval)
	defer t.Stop()

	c.log.Info("controller loop started", "interval", c.interval.String(), "mode", c.mode.String())
	for {
		select {
		case <-ctx.Done():
			c.log.Info("controller loop stopped")
			return nil
		case <-t.C:
			if _, err := c.Step(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("interval %d: %w", c.Seq(), err)
			}
		}
	}
}

// Reset clears the tracker, the counters and the rule table. source names
// who asked for it.
func (c *Controller) Reset(ctx context.Context, source string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tracker.Reset()
	c.lastPlan = tier.Plan{}
	if err := c.call(ctx, "reset counters", c.counters.ResetCounters); err != nil {
		c.prev = nil
		return err
	}
	if err := c.call(ctx, "clear rules", c.rules.ClearRules); err != nil {
		c.prev = nil
		return err
	}
	c.prev = &tier.Plan{}
	observability.IncReset(source)
	c.log.Info("state reset", "source", source)
	return nil
}

func (c *Controller) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Status returns the report of the last successful interval.
func (c *Controller) Status() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Plan returns the rule set applied by the last successful interval.
func (c *Controller) Plan() tier.Plan {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPlan
}

// Ready reports whether at least one interval has completed.
func (c *Controller) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}
