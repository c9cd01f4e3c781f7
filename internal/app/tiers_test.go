package app

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/rewards-service/internal/domain"
)

func scoresWithPoints(points ...int64) []domain.ParticipantScore {
	out := make([]domain.ParticipantScore, 0, len(points))
	for _, p := range points {
		out = append(out, domain.ParticipantScore{UserID: uuid.New(), Points: p, IsActive: true})
	}
	return out
}

func tierCounts(assignments []domain.TierAssignment) [3]int {
	var counts [3]int
	for _, a := range assignments {
		counts[a.Tier-1]++
	}
	return counts
}

func TestAssignTiersSplitsWithZeroPointsInTierThree(t *testing.T) {
	scores := scoresWithPoints(100, 80, 80, 50, 20, 0, 0)

	assignments := AssignTiers(scores)

	require.Len(t, assignments, 7)
	assert.Equal(t, [3]int{2, 2, 3}, tierCounts(assignments))
	for _, a := range assignments {
		if a.Points == 0 {
			assert.Equal(t, domain.Tier3, a.Tier)
		}
	}
	assert.Equal(t, int64(100), assignments[0].Points)
	assert.Equal(t, 1, assignments[0].OverallRank)
	assert.Equal(t, 7, assignments[6].OverallRank)
}

func TestAssignTiersRemainderGoesToUpperTiers(t *testing.T) {
	assert.Equal(t, [3]int{4, 3, 3}, tierCounts(AssignTiers(scoresWithPoints(10, 9, 8, 7, 6, 5, 4, 3, 2, 1))))
	assert.Equal(t, [3]int{3, 3, 2}, tierCounts(AssignTiers(scoresWithPoints(8, 7, 6, 5, 4, 3, 2, 1))))
	assert.Equal(t, [3]int{1, 0, 0}, tierCounts(AssignTiers(scoresWithPoints(5))))
	assert.Empty(t, AssignTiers(nil))
}

func TestAssignTiersBreaksTiesByAscendingUserID(t *testing.T) {
	low := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	high := uuid.MustParse("ffffffff-0000-0000-0000-000000000001")
	scores := []domain.ParticipantScore{
		{UserID: high, Points: 50, IsActive: true},
		{UserID: low, Points: 50, IsActive: true},
	}

	first := AssignTiers(scores)
	second := AssignTiers([]domain.ParticipantScore{scores[1], scores[0]})

	assert.Equal(t, low, first[0].UserID)
	assert.Equal(t, first, second)
}

func TestAssignTiersRanksWithinTier(t *testing.T) {
	assignments := AssignTiers(scoresWithPoints(60, 50, 40, 30, 20, 10))
	grouped := GroupByTier(assignments)

	for _, tier := range domain.AllTiers {
		for i, a := range grouped[tier] {
			assert.Equal(t, i+1, a.RankInTier)
		}
	}
}

func TestEligibleParticipantsDropsAdminsAndInactive(t *testing.T) {
	scores := []domain.ParticipantScore{
		{UserID: uuid.New(), Points: 10, IsActive: true},
		{UserID: uuid.New(), Points: 99, IsActive: true, IsAdmin: true},
		{UserID: uuid.New(), Points: 50, IsActive: false},
	}

	eligible := EligibleParticipants(scores)

	require.Len(t, eligible, 1)
	assert.Equal(t, int64(10), eligible[0].Points)
}
