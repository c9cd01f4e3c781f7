package app

import (
	"bytes"
	"sort"

	"github.com/transfa/rewards-service/internal/domain"
)

// EligibleParticipants drops admins and inactive users. Ranking only ever sees the result.
func EligibleParticipants(scores []domain.ParticipantScore) []domain.ParticipantScore {
	out := make([]domain.ParticipantScore, 0, len(scores))
	for _, s := range scores {
		if s.IsAdmin || !s.IsActive {
			continue
		}
		out = append(out, s)
	}
	return out
}

// AssignTiers ranks participants into three tiers.
//
// Participants with zero points always land in tier 3. The rest are ordered by points
// descending, ties broken by ascending user id, and split into thirds with the
// remainder going to the upper tiers: tier1 = N/3 + (N%3 > 0), tier2 = N/3 + (N%3 > 1),
// tier3 = N/3. Overall rank runs across the whole list, zero-point users last.
func AssignTiers(scores []domain.ParticipantScore) []domain.TierAssignment {
	scored := make([]domain.ParticipantScore, 0, len(scores))
	var zero []domain.ParticipantScore
	for _, s := range scores {
		if s.Points <= 0 {
			zero = append(zero, s)
			continue
		}
		scored = append(scored, s)
	}
	sortByRank(scored)
	sortByRank(zero)

	n := len(scored)
	base, rem := n/3, n%3
	tier1 := base
	if rem > 0 {
		tier1++
	}
	tier2 := base
	if rem > 1 {
		tier2++
	}

	assignments := make([]domain.TierAssignment, 0, len(scores))
	rankInTier := map[domain.Tier]int{}
	place := func(s domain.ParticipantScore, tier domain.Tier) {
		rankInTier[tier]++
		assignments = append(assignments, domain.TierAssignment{
			UserID:      s.UserID,
			Tier:        tier,
			RankInTier:  rankInTier[tier],
			OverallRank: len(assignments) + 1,
			Points:      s.Points,
			Email:       s.Email,
		})
	}

	for i, s := range scored {
		switch {
		case i < tier1:
			place(s, domain.Tier1)
		case i < tier1+tier2:
			place(s, domain.Tier2)
		default:
			place(s, domain.Tier3)
		}
	}
	for _, s := range zero {
		place(s, domain.Tier3)
	}
	return assignments
}

// GroupByTier splits assignments per tier, preserving rank order.
func GroupByTier(assignments []domain.TierAssignment) map[domain.Tier][]domain.TierAssignment {
	out := make(map[domain.Tier][]domain.TierAssignment, 3)
	for _, a := range assignments {
		out[a.Tier] = append(out[a.Tier], a)
	}
	return out
}

func sortByRank(scores []domain.ParticipantScore) {
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Points != scores[j].Points {
			return scores[i].Points > scores[j].Points
		}
		return bytes.Compare(scores[i].UserID[:], scores[j].UserID[:]) < 0
	})
}

func sortAssignmentsByRank(assignments []domain.TierAssignment) {
	sort.SliceStable(assignments, func(i, j int) bool {
		return assignments[i].RankInTier < assignments[j].RankInTier
	})
}
