package tier

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammed-shakir/lethe-lb/internal/fabric"
)

type Mode int

const (
	// ModeRebuild clears the whole table and reinstalls every rule.
	ModeRebuild Mode = iota
	// ModeDiff deletes rules that left the plan and installs new or changed
	// ones, relative to the previously applied plan.
	ModeDiff
)

func (m Mode) String() string {
	if m == ModeDiff {
		return "diff"
	}
	return "rebuild"
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rebuild":
		return ModeRebuild, nil
	case "diff":
		return ModeDiff, nil
	default:
		return ModeRebuild, fmt.Errorf("unknown rule mode %q", s)
	}
}

// Apply pushes next into the rule table. prev is the plan applied last and
// only matters in ModeDiff; pass nil when the table state is unknown, which
// falls back to a rebuild. Apply stops at the first fabric error.
func Apply(ctx context.Context, rt fabric.RuleTable, prev *Plan, next Plan, mode Mode) error {
	if mode == ModeDiff && prev != nil {
		return applyDiff(ctx, rt, *prev, next)
	}
	if err := rt.ClearRules(ctx); err != nil {
		return fmt.Errorf("clear rules: %w", err)
	}
	for k, t := range next.Rules() {
		if err := rt.InstallRule(ctx, k, t); err != nil {
			return fmt.Errorf("install %s rule for %s: %w", t, k, err)
		}
	}
	return nil
}

func applyDiff(ctx context.Context, rt fabric.RuleTable, prev, next Plan) error {
	want := next.Rules()
	for k := range prev.Rules() {
		if _, ok := want[k]; ok {
			continue
		}
		if err := rt.DeleteRule(ctx, k); err != nil {
			return fmt.Errorf("delete rule for %s: %w", k, err)
		}
	}
	had := prev.Rules()
	for k, t := range want {
		if old, ok := had[k]; ok && old == t {
			continue
		}
		if err := rt.InstallRule(ctx, k, t); err != nil {
			return fmt.Errorf("install %s rule for %s: %w", t, k, err)
		}
	}
	return nil
}
