package rating

import (
	"math"

	"github.com/shopspring/decimal"
)

// deltaScale fixes the number of fractional digits a delta carries once it
// leaves float space. All ledger arithmetic after this point is exact decimal
// addition and subtraction, which is what makes reversal bit-exact.
const deltaScale = 6

var (
	kTierMaster = decimal.NewFromInt(2400)
	kTierExpert = decimal.NewFromInt(2100)
)

// ComputeDeltas returns the per-player rating change for a 2v2 outcome. Team
// strength is the arithmetic mean of its members' pre-match ratings; each
// player's delta is their own K factor scaled by the signed score difference.
// The function has no side effects and is deterministic for identical inputs.
func ComputeDeltas(teamA, teamB [2]Player, winner Team) map[string]decimal.Decimal {
	meanA := teamMean(teamA)
	meanB := teamMean(teamB)

	expectedA := 1 / (1 + math.Pow(10, (meanB-meanA)/400))
	actualA := 0.0
	if winner == TeamA {
		actualA = 1
	}
	scoreDiff := actualA - expectedA

	deltas := make(map[string]decimal.Decimal, 4)
	for _, player := range teamA {
		deltas[player.PlayerID] = fixDelta(kFactor(player.Rating) * scoreDiff)
	}
	for _, player := range teamB {
		deltas[player.PlayerID] = fixDelta(kFactor(player.Rating) * -scoreDiff)
	}
	return deltas
}

func teamMean(team [2]Player) float64 {
	return (team[0].Rating.InexactFloat64() + team[1].Rating.InexactFloat64()) / 2
}

// kFactor applies the tiered schedule to a player's pre-match rating:
// 16 from 2400 up, 24 from 2100 up, 32 below.
func kFactor(preMatchRating decimal.Decimal) float64 {
	switch {
	case preMatchRating.GreaterThanOrEqual(kTierMaster):
		return 16
	case preMatchRating.GreaterThanOrEqual(kTierExpert):
		return 24
	default:
		return 32
	}
}

func fixDelta(value float64) decimal.Decimal {
	return decimal.NewFromFloat(value).Round(deltaScale)
}
