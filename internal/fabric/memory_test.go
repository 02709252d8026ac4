package fabric

import (
	"context"
	"strings"
	"testing"

	"github.com/mohammed-shakir/lethe-lb/internal/core/model"
	"github.com/mohammed-shakir/lethe-lb/internal/keyhash"
)

func TestMemory_CountsAndResets(t *testing.T) {
	m := NewMemory(64)
	ctx := context.Background()

	for _, key := range []string{"user:1", "user:1", "user:2"} {
		if _, err := m.Observe(key); err != nil {
			t.Fatalf("Observe(%q): %v", key, err)
		}
	}

	got, err := m.ReadCounters(ctx)
	if err != nil {
		t.Fatalf("ReadCounters: %v", err)
	}
	if len(got) != 64 {
		t.Fatalf("len=%d want 64", len(got))
	}
	k1 := keyhash.Of("user:1", 64)
	if got[k1] < 2 {
		t.Fatalf("counter[%d]=%d want >=2", k1, got[k1])
	}

	// read is non-destructive
	again, _ := m.ReadCounters(ctx)
	if again[k1] != got[k1] {
		t.Fatalf("read modified register")
	}

	if err := m.ResetCounters(ctx); err != nil {
		t.Fatalf("ResetCounters: %v", err)
	}
	after, _ := m.ReadCounters(ctx)
	for i, c := range after {
		if c != 0 {
			t.Fatalf("counter[%d]=%d after reset", i, c)
		}
	}
}

func TestMemory_RoutesByRuleDefaultCold(t *testing.T) {
	m := NewMemory(128)
	ctx := context.Background()

	if got := m.Route("user:9"); got != model.Cold {
		t.Fatalf("unmatched key routed to %s, want cold", got)
	}

	k := keyhash.Of("user:9", 128)
	if err := m.InstallRule(ctx, k, model.Hot); err != nil {
		t.Fatalf("InstallRule: %v", err)
	}
	if got, _ := m.Observe("user:9"); got != model.Hot {
		t.Fatalf("routed to %s want hot", got)
	}
	if err := m.InstallRule(ctx, k, model.Warm2); err != nil {
		t.Fatalf("InstallRule overwrite: %v", err)
	}
	if got := m.Rule(k); got != model.Warm2 {
		t.Fatalf("overwrite failed: %s", got)
	}

	if err := m.DeleteRule(ctx, k); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}
	if got := m.Rule(k); got != model.Cold {
		t.Fatalf("after delete: %s", got)
	}

	_ = m.InstallRule(ctx, 1, model.Warm1)
	if err := m.ClearRules(ctx); err != nil {
		t.Fatalf("ClearRules: %v", err)
	}
	if n := len(m.Rules()); n != 0 {
		t.Fatalf("rules after clear: %d", n)
	}
	clears, installs := m.Stats()
	if clears != 1 || installs != 3 {
		t.Fatalf("stats clears=%d installs=%d", clears, installs)
	}
}

func TestMemory_RejectsOutOfRangeRule(t *testing.T) {
	m := NewMemory(8)
	if err := m.InstallRule(context.Background(), 8, model.Hot); err == nil {
		t.Fatalf("expected error for key hash outside register")
	}
}

func TestMemory_CanceledContext(t *testing.T) {
	m := NewMemory(8)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.ReadCounters(ctx); err == nil {
		t.Fatalf("expected error on canceled context")
	}
	if err := m.ClearRules(ctx); err == nil {
		t.Fatalf("expected error on canceled context")
	}
}

func TestMemory_ObserveRejectsInvalidKeys(t *testing.T) {
	m := NewMemory(16)
	for _, key := range []string{"", "has space", strings.Repeat("k", 251)} {
		if _, err := m.Observe(key); err == nil {
			t.Fatalf("Observe(%.20q) should fail", key)
		}
	}
	got, _ := m.ReadCounters(context.Background())
	for i, c := range got {
		if c != 0 {
			t.Fatalf("counter[%d]=%d after rejected keys", i, c)
		}
	}
}
