// Package popularity keeps an exponentially decayed request score per key hash
// and folds one interval of raw register counts into it at a time.
package popularity

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mohammed-shakir/lethe-lb/internal/core/model"
)

const (
	// DefaultAlpha is the weight of history for keys that are already tracked.
	// New counts of a tracked key enter with weight 1-DefaultAlpha.
	DefaultAlpha = 0.5

	// DefaultInsertAlpha sets the first score of a key seen for the first time:
	// floor(count * (1 - DefaultInsertAlpha)). It differs from DefaultAlpha on
	// purpose; set both to the same value to remove the asymmetry.
	DefaultInsertAlpha = 0.3

	DefaultMaxTracked = 1200
)

type Config struct {
	Alpha       float64
	InsertAlpha float64
	MaxTracked  int
}

func (c Config) Validate() error {
	if c.Alpha <= 0 || c.Alpha >= 1 {
		return fmt.Errorf("alpha %g outside (0,1)", c.Alpha)
	}
	if c.InsertAlpha <= 0 || c.InsertAlpha >= 1 {
		return fmt.Errorf("insert alpha %g outside (0,1)", c.InsertAlpha)
	}
	if c.MaxTracked < 1 {
		return errors.New("max tracked must be positive")
	}
	return nil
}

// Result summarises one Update call.
type Result struct {
	// Active is the number of key hashes with a nonzero count this interval.
	Active int
	// Tracked is the number of scores left after the update.
	Tracked int
	// Dropped counts scores that decayed to zero.
	Dropped int
	// Evicted counts scores removed by the retention cap.
	Evicted int
	// Quiesced is set when an idle interval followed traffic and all state was
	// cleared. The caller must clear the forwarding rules as well.
	Quiesced bool
}

type Tracker struct {
	cfg Config

	mu          sync.Mutex
	scores      map[model.KeyHash]uint64
	trafficSeen bool
}

func New(cfg Config) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("popularity config: %w", err)
	}
	return &Tracker{cfg: cfg, scores: make(map[model.KeyHash]uint64)}, nil
}

func (t *Tracker) Config() Config { return t.cfg }

// Update folds one interval of counts, indexed by key hash, into the scores.
func (t *Tracker) Update(counts []uint64) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	var res Result

	for k, s := range t.scores {
		t.scores[k] = scale(s, t.cfg.Alpha)
	}

	for i, c := range counts {
		if c == 0 {
			continue
		}
		res.Active++
		k := model.KeyHash(i)
		if s, ok := t.scores[k]; ok {
			t.scores[k] = s + scale(c, 1-t.cfg.Alpha)
		} else {
			t.scores[k] = scale(c, 1-t.cfg.InsertAlpha)
		}
	}

	for k, s := range t.scores {
		if s == 0 {
			delete(t.scores, k)
			res.Dropped++
		}
	}

	if res.Active > 0 {
		t.trafficSeen = true
	} else if t.trafficSeen {
		t.clearLocked()
		res.Quiesced = true
	}

	res.Evicted = t.capLocked()
	res.Tracked = len(t.scores)
	return res
}

// capLocked drops the lowest scores beyond MaxTracked. Among equal scores the
// higher key hash goes first.
func (t *Tracker) capLocked() int {
	excess := len(t.scores) - t.cfg.MaxTracked
	if excess <= 0 {
		return 0
	}
	entries := make([]model.Entry, 0, len(t.scores))
	for k, s := range t.scores {
		entries = append(entries, model.Entry{Key: k, Score: s})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score < entries[j].Score
		}
		return entries[i].Key > entries[j].Key
	})
	for _, e := range entries[:excess] {
		delete(t.scores, e.Key)
	}
	return excess
}

// Reset clears every score and the traffic marker.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.clearLocked()
	t.mu.Unlock()
}

func (t *Tracker) clearLocked() {
	clear(t.scores)
	t.trafficSeen = false
}

func (t *Tracker) Score(k model.KeyHash) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scores[k]
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.scores)
}

func (t *Tracker) TrafficSeen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trafficSeen
}

// Snapshot returns a copy of the current scores.
func (t *Tracker) Snapshot() map[model.KeyHash]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[model.KeyHash]uint64, len(t.scores))
	for k, s := range t.scores {
		out[k] = s
	}
	return out
}

// scale returns floor(v*f).
func scale(v uint64, f float64) uint64 {
	return uint64(float64(v) * f)
}
