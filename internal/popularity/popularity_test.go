package popularity

import (
	"sync"
	"testing"

	"github.com/mohammed-shakir/lethe-lb/internal/core/model"
)

func newTracker(t *testing.T, alpha, insert float64, maxTracked int) *Tracker {
	t.Helper()
	tr, err := New(Config{Alpha: alpha, InsertAlpha: insert, MaxTracked: maxTracked})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr
}

func counts(size int, kv map[model.KeyHash]uint64) []uint64 {
	out := make([]uint64, size)
	for k, c := range kv {
		out[k] = c
	}
	return out
}

func TestUpdate_FirstIntervalExample(t *testing.T) {
	tr := newTracker(t, 0.5, 0.5, 100)
	const a, b, c = 3, 7, 11

	res := tr.Update(counts(16, map[model.KeyHash]uint64{a: 10, b: 8, c: 1}))

	if got := tr.Score(a); got != 5 {
		t.Fatalf("score(A)=%d want 5", got)
	}
	if got := tr.Score(b); got != 4 {
		t.Fatalf("score(B)=%d want 4", got)
	}
	// floor(1*0.5) == 0, C never enters the table
	if _, ok := tr.Snapshot()[c]; ok {
		t.Fatalf("C should have been dropped")
	}
	if res.Active != 3 || res.Tracked != 2 || res.Dropped != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestUpdate_InsertAndTrackedUseDistinctConstants(t *testing.T) {
	tr := newTracker(t, DefaultAlpha, DefaultInsertAlpha, 100)

	tr.Update(counts(4, map[model.KeyHash]uint64{1: 10}))
	// first insertion: floor(10 * (1-0.3))
	if got := tr.Score(1); got != 7 {
		t.Fatalf("insert score=%d want 7", got)
	}

	tr.Update(counts(4, map[model.KeyHash]uint64{1: 10}))
	// tracked: floor(7*0.5) + floor(10*0.5)
	if got := tr.Score(1); got != 8 {
		t.Fatalf("tracked score=%d want 8", got)
	}
}

func TestUpdate_DecayMonotonicAndRemovalAtZero(t *testing.T) {
	tr := newTracker(t, 0.5, 0.5, 100)
	const k, other = 2, 9

	tr.Update(counts(16, map[model.KeyHash]uint64{k: 16}))
	prev := tr.Score(k)
	if prev != 8 {
		t.Fatalf("initial score=%d want 8", prev)
	}

	// keep another key busy so the idle path is not taken
	for i := 0; i < 10 && prev > 0; i++ {
		tr.Update(counts(16, map[model.KeyHash]uint64{other: 100}))
		got := tr.Score(k)
		if want := prev / 2; got != want {
			t.Fatalf("step %d: score=%d want floor(%d*0.5)=%d", i, got, prev, want)
		}
		if got > prev {
			t.Fatalf("score increased without traffic: %d > %d", got, prev)
		}
		prev = got
	}
	if _, ok := tr.Snapshot()[k]; ok {
		t.Fatalf("key with zero score must be removed")
	}
}

func TestUpdate_NoZeroScoresSurvive(t *testing.T) {
	tr := newTracker(t, 0.5, 0.3, 100)
	tr.Update(counts(8, map[model.KeyHash]uint64{0: 1, 1: 2, 2: 3, 3: 100}))
	for k, s := range tr.Snapshot() {
		if s == 0 {
			t.Fatalf("zero score persisted for key %d", k)
		}
	}
}

func TestUpdate_QuiescenceResetsAfterTraffic(t *testing.T) {
	tr := newTracker(t, 0.5, 0.5, 100)

	if res := tr.Update(make([]uint64, 8)); res.Quiesced {
		t.Fatalf("idle start must not count as quiescence")
	}

	tr.Update(counts(8, map[model.KeyHash]uint64{1: 100, 2: 50}))
	if !tr.TrafficSeen() {
		t.Fatalf("traffic marker not set")
	}

	res := tr.Update(make([]uint64, 8))
	if !res.Quiesced {
		t.Fatalf("expected quiescence reset, got %+v", res)
	}
	if tr.Len() != 0 || res.Tracked != 0 {
		t.Fatalf("tracked set not empty after quiescence: %d", tr.Len())
	}
	if tr.TrafficSeen() {
		t.Fatalf("traffic marker must be cleared")
	}

	res = tr.Update(make([]uint64, 8))
	if res.Quiesced || tr.Len() != 0 {
		t.Fatalf("second idle interval: %+v len=%d", res, tr.Len())
	}
}

func TestUpdate_RetentionCapDropsLowest(t *testing.T) {
	tr := newTracker(t, 0.5, 0.5, 3)

	res := tr.Update(counts(16, map[model.KeyHash]uint64{
		1: 100, 2: 80, 3: 60, 4: 40, 5: 20,
	}))
	if res.Evicted != 2 || res.Tracked != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	snap := tr.Snapshot()
	for _, k := range []model.KeyHash{1, 2, 3} {
		if _, ok := snap[k]; !ok {
			t.Fatalf("key %d should be retained: %v", k, snap)
		}
	}
}

func TestUpdate_RetentionCapTieKeepsLowerKeyHash(t *testing.T) {
	tr := newTracker(t, 0.5, 0.5, 2)

	tr.Update(counts(16, map[model.KeyHash]uint64{9: 10, 4: 10, 6: 10}))
	snap := tr.Snapshot()
	if _, ok := snap[9]; ok {
		t.Fatalf("highest key hash should lose the tie: %v", snap)
	}
	if len(snap) != 2 {
		t.Fatalf("len=%d want 2", len(snap))
	}
}

func TestUpdate_CapacityNeverExceeded(t *testing.T) {
	const maxTracked = 50
	tr := newTracker(t, 0.5, 0.3, maxTracked)
	for round := 0; round < 20; round++ {
		c := make([]uint64, 512)
		for i := range c {
			c[i] = uint64((i*7 + round*13) % 40)
		}
		if res := tr.Update(c); res.Tracked > maxTracked || tr.Len() > maxTracked {
			t.Fatalf("round %d: tracked %d > %d", round, tr.Len(), maxTracked)
		}
	}
}

func TestReset_ClearsScoresAndMarker(t *testing.T) {
	tr := newTracker(t, 0.5, 0.5, 100)
	tr.Update(counts(8, map[model.KeyHash]uint64{1: 10, 2: 6}))

	tr.Reset()

	if tr.Len() != 0 {
		t.Fatalf("len=%d after reset", tr.Len())
	}
	if tr.TrafficSeen() {
		t.Fatalf("marker still set after reset")
	}
	// idle right after an explicit reset is not a quiescence transition
	if res := tr.Update(make([]uint64, 8)); res.Quiesced {
		t.Fatalf("unexpected quiescence after reset")
	}
}

func TestConcurrency_UpdateAndReset(t *testing.T) {
	tr := newTracker(t, 0.5, 0.3, 64)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			tr.Update(counts(128, map[model.KeyHash]uint64{model.KeyHash(i % 128): 50, 1: 10}))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			tr.Reset()
			_ = tr.Snapshot()
		}
	}()
	wg.Wait()
	if tr.Len() > 64 {
		t.Fatalf("cap violated: %d", tr.Len())
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	bad := []Config{
		{Alpha: 0, InsertAlpha: 0.3, MaxTracked: 1},
		{Alpha: 1, InsertAlpha: 0.3, MaxTracked: 1},
		{Alpha: 0.5, InsertAlpha: 1.2, MaxTracked: 1},
		{Alpha: 0.5, InsertAlpha: 0.3, MaxTracked: 0},
	}
	for _, c := range bad {
		if _, err := New(c); err == nil {
			t.Fatalf("expected error for %+v", c)
		}
	}
}
