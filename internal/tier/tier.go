// Package tier ranks tracked keys and splits them into a HOT set and two
// popularity-balanced WARM paths. Keys without a rule are COLD.
package tier

import (
	"sort"

	"github.com/mohammed-shakir/lethe-lb/internal/core/model"
)

// Plan is the complete non-COLD rule set for one interval.
type Plan struct {
	Hot   []model.Entry
	Warm1 []model.Entry
	Warm2 []model.Entry
	// Sum1 and Sum2 are the cumulative scores assigned to each warm path.
	Sum1 uint64
	Sum2 uint64
}

// Rank orders scores by descending score. Equal scores are ordered by
// ascending key hash so the result is stable across intervals.
func Rank(scores map[model.KeyHash]uint64) []model.Entry {
	out := make([]model.Entry, 0, len(scores))
	for k, s := range scores {
		out = append(out, model.Entry{Key: k, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Balance puts the hotCap highest-ranked keys into Hot and spreads the rest
// over the warm paths greedily: each key goes to the path with the smaller
// running sum, Warm1 on a tie. The final |Sum1-Sum2| never exceeds the
// largest warm score. Zero scores are left COLD.
func Balance(scores map[model.KeyHash]uint64, hotCap int) Plan {
	var p Plan
	for i, e := range Rank(scores) {
		if e.Score == 0 {
			// ranked descending, nothing nonzero follows
			break
		}
		if i < hotCap {
			p.Hot = append(p.Hot, e)
			continue
		}
		if p.Sum1 <= p.Sum2 {
			p.Warm1 = append(p.Warm1, e)
			p.Sum1 += e.Score
		} else {
			p.Warm2 = append(p.Warm2, e)
			p.Sum2 += e.Score
		}
	}
	return p
}

// Rules flattens the plan into key hash to tier.
func (p Plan) Rules() map[model.KeyHash]model.Tier {
	out := make(map[model.KeyHash]model.Tier, p.Len())
	for _, e := range p.Hot {
		out[e.Key] = model.Hot
	}
	for _, e := range p.Warm1 {
		out[e.Key] = model.Warm1
	}
	for _, e := range p.Warm2 {
		out[e.Key] = model.Warm2
	}
	return out
}

// Tier returns the tier of k under this plan, Cold when it has no rule.
func (p Plan) Tier(k model.KeyHash) model.Tier {
	for _, set := range []struct {
		t  model.Tier
		es []model.Entry
	}{{model.Hot, p.Hot}, {model.Warm1, p.Warm1}, {model.Warm2, p.Warm2}} {
		for _, e := range set.es {
			if e.Key == k {
				return set.t
			}
		}
	}
	return model.Cold
}

func (p Plan) Len() int { return len(p.Hot) + len(p.Warm1) + len(p.Warm2) }

// Imbalance returns |Sum1-Sum2|.
func (p Plan) Imbalance() uint64 {
	if p.Sum1 >= p.Sum2 {
		return p.Sum1 - p.Sum2
	}
	return p.Sum2 - p.Sum1
}
