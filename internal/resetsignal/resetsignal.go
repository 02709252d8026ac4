// Package resetsignal turns out-of-band reset requests into controller
// resets. Sources share one rate limited Dispatcher.
package resetsignal

import (
	"bytes"
	"context"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/mohammed-shakir/lethe-lb/internal/core/observability"
	mylog "github.com/mohammed-shakir/lethe-lb/internal/logger"
)

// Token is the only payload that triggers a reset.
const Token = "reset"

const (
	ResultAccepted  = "accepted"
	ResultIgnored   = "ignored"
	ResultLimited   = "limited"
	ResultDuplicate = "duplicate"
	ResultError     = "error"
)

type Resetter interface {
	Reset(ctx context.Context, source string) error
}

// IsReset reports whether msg is the reset token, ignoring surrounding
// whitespace.
func IsReset(msg []byte) bool {
	return string(bytes.TrimSpace(msg)) == Token
}

// Dispatcher forwards reset signals to a Resetter at a bounded rate. Signals
// above the rate are dropped.
type Dispatcher struct {
	log    *slog.Logger
	target Resetter
	lim    *rate.Limiter
}

// NewDispatcher allows perSecond resets with a burst of one. A non-positive
// rate disables limiting.
func NewDispatcher(target Resetter, perSecond float64, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if perSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return &Dispatcher{log: log, target: target, lim: lim}
}

// Handle inspects a raw message and resets when it carries the token. The
// returned error comes from the reset itself and is fatal.
func (d *Dispatcher) Handle(ctx context.Context, source string, msg []byte) (bool, error) {
	if !IsReset(msg) {
		observability.ObserveResetSignal(source, ResultIgnored)
		d.log.DebugContext(mylog.WithSource(ctx, source), "ignored control message", "len", len(msg))
		return false, nil
	}
	return d.Trigger(ctx, source)
}

// Trigger resets unless the rate limit is exhausted. It reports whether a
// reset happened.
func (d *Dispatcher) Trigger(ctx context.Context, source string) (bool, error) {
	if !d.lim.Allow() {
		observability.ObserveResetSignal(source, ResultLimited)
		d.log.WarnContext(mylog.WithSource(ctx, source), "reset signal rate limited")
		return false, nil
	}
	if err := d.target.Reset(ctx, source); err != nil {
		observability.ObserveResetSignal(source, ResultError)
		return false, err
	}
	observability.ObserveResetSignal(source, ResultAccepted)
	return true, nil
}
