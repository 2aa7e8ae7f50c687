package trust

import "math"

// MaxTrustScore is the conventional upper bound for trust scores.
const MaxTrustScore = 100.0

const (
	// maxAgeBonus is reached after a year of relationship history.
	maxAgeBonus      = 20.0
	ageBonusDays     = 365.0
	maxActivityBonus = 10.0
)

// CalculateTrustScore derives a score from a base trust value, the age of the
// relationship in days and an activity factor in [0, 1]. The score never
// decreases as age or activity grow and never exceeds maxScore.
func CalculateTrustScore(base float64, relationshipAgeDays int, activityFactor, maxScore float64) float64 {
	if maxScore <= 0 {
		return 0
	}
	base = math.Max(0, base)
	age := math.Max(0, float64(relationshipAgeDays))
	activity := math.Min(math.Max(0, activityFactor), 1)

	score := base +
		maxAgeBonus*math.Min(age/ageBonusDays, 1) +
		maxActivityBonus*activity
	return math.Min(score, maxScore)
}
