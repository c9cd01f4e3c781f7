package app

import (
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/transfa/rewards-service/internal/domain"
)

// DrawCount is the number of winners drawn from a tier: floor(size * pct / 100), but at
// least one when the tier has members and the percentage is positive.
func DrawCount(tierSize int, selectionPercent float64) int {
	if tierSize <= 0 || selectionPercent <= 0 {
		return 0
	}
	n := int(math.Floor(float64(tierSize) * selectionPercent / 100))
	if n < 1 {
		n = 1
	}
	if n > tierSize {
		n = tierSize
	}
	return n
}

// Drawer picks winners from a ranked tier. The random source is injected so a draw can
// be reproduced from a seed.
type Drawer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewDrawer builds a Drawer over src. A nil src seeds from the clock.
func NewDrawer(src rand.Source) *Drawer {
	if src == nil {
		now := uint64(time.Now().UnixNano())
		src = rand.NewPCG(now, now>>1|1)
	}
	return &Drawer{rng: rand.New(src)}
}

// NewSeededDrawer returns a Drawer whose draws are fully determined by seed.
func NewSeededDrawer(seed uint64) *Drawer {
	return NewDrawer(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Draw selects count members of one tier with the given algorithm. The result is in rank
// order. Manual selection is resolved by the caller and never reaches Draw.
func (d *Drawer) Draw(algorithm domain.SelectionAlgorithm, members []domain.TierAssignment, count int) []domain.TierAssignment {
	if count <= 0 || len(members) == 0 {
		return nil
	}
	if count >= len(members) {
		return append([]domain.TierAssignment(nil), members...)
	}

	var picked []domain.TierAssignment
	switch algorithm {
	case domain.AlgorithmTopPerformers:
		picked = append(picked, members[:count]...)
	case domain.AlgorithmRandom:
		picked = d.uniform(members, count)
	default:
		picked = d.weighted(members, count)
	}

	sort.SliceStable(picked, func(i, j int) bool { return picked[i].RankInTier < picked[j].RankInTier })
	return picked
}

// uniform is a partial Fisher-Yates shuffle.
func (d *Drawer) uniform(members []domain.TierAssignment, count int) []domain.TierAssignment {
	pool := append([]domain.TierAssignment(nil), members...)

	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < count; i++ {
		j := i + d.rng.IntN(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:count]
}

// weighted samples without replacement, each remaining member chosen with probability
// proportional to its points. Once every remaining member has zero points the rest of
// the draw is uniform.
func (d *Drawer) weighted(members []domain.TierAssignment, count int) []domain.TierAssignment {
	pool := append([]domain.TierAssignment(nil), members...)
	picked := make([]domain.TierAssignment, 0, count)

	d.mu.Lock()
	defer d.mu.Unlock()
	for len(picked) < count {
		var total int64
		for _, m := range pool {
			total += weightOf(m)
		}

		var idx int
		if total == 0 {
			idx = d.rng.IntN(len(pool))
		} else {
			// target is in [0, total), so the scan always lands on a member with weight.
			target := d.rng.Int64N(total)
			for i, m := range pool {
				target -= weightOf(m)
				if target < 0 {
					idx = i
					break
				}
			}
		}
		picked = append(picked, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return picked
}

func weightOf(a domain.TierAssignment) int64 {
	if a.Points < 0 {
		return 0
	}
	return a.Points
}
