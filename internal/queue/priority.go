package queue

import (
	"math"
	"sort"
	"time"

	"paychat_backend/internal/domain"
)

// Weights parameterise the priority score.
type Weights struct {
	Tier          map[domain.Tier]float64
	WaitPerMinute float64
	LTVPerCredit  float64
	LTVCap        float64
}

// DefaultWeights keeps LTVCap below the gap between adjacent tiers so a
// higher tier always outranks a lower one at equal wait.
func DefaultWeights() Weights {
	return Weights{
		Tier: map[domain.Tier]float64{
			domain.TierStandard: 0,
			domain.TierSilver:   10,
			domain.TierGold:     20,
			domain.TierPlatinum: 30,
		},
		WaitPerMinute: 0.5,
		LTVPerCredit:  0.01,
		LTVCap:        5,
	}
}

// Score computes the priority of e at now.
func (w Weights) Score(e domain.QueueEntry, now time.Time) float64 {
	waited := now.Sub(e.EnteredQueueAt).Minutes()
	if waited < 0 {
		waited = 0
	}
	ltv := math.Min(float64(e.LifetimeValue)/100*w.LTVPerCredit, w.LTVCap)
	if ltv < 0 {
		ltv = 0
	}
	return w.Tier[e.UserTier] + waited*w.WaitPerMinute + ltv
}

// rank rescores entries at now and orders them highest priority first,
// oldest first on ties.
func (w Weights) rank(entries []domain.QueueEntry, now time.Time) []domain.QueueEntry {
	for i := range entries {
		entries[i].PriorityScore = w.Score(entries[i], now)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.PriorityScore != b.PriorityScore {
			return a.PriorityScore > b.PriorityScore
		}
		if !a.EnteredQueueAt.Equal(b.EnteredQueueAt) {
			return a.EnteredQueueAt.Before(b.EnteredQueueAt)
		}
		return a.ChatID.String() < b.ChatID.String()
	})
	return entries
}

// candidates returns the operators eligible for e, best first: lowest load
// ratio, then highest quality score, then id.
func candidates(ops []domain.Operator, e domain.QueueEntry) []domain.Operator {
	out := make([]domain.Operator, 0, len(ops))
	for _, o := range ops {
		if o.EligibleFor(e) {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.LoadRatio() != b.LoadRatio() {
			return a.LoadRatio() < b.LoadRatio()
		}
		if a.QualityScore != b.QualityScore {
			return a.QualityScore > b.QualityScore
		}
		return a.ID.String() < b.ID.String()
	})
	return out
}
