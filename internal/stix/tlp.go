package stix

import (
	"math"
	"time"

	"github.com/witlox/crisp/pkg/models"
)

// TLP is a Traffic Light Protocol color.
type TLP string

const (
	TLPWhite TLP = "white"
	TLPGreen TLP = "green"
	TLPAmber TLP = "amber"
	TLPRed   TLP = "red"
)

// Marking definition ids of the STIX 2.1 TLP markings.
var tlpMarkings = map[TLP]string{
	TLPWhite: "marking-definition--613f2e26-407d-48c7-9eca-b8e91df99dc9",
	TLPGreen: "marking-definition--34098fce-860f-48ae-8e50-ebd3cc5e41da",
	TLPAmber: "marking-definition--f88d31f6-486f-44da-b317-01333bde0b82",
	TLPRed:   "marking-definition--5e57c739-391a-4eb3-b6be-7d15ca92d5ed",
}

// MarkingDefinition returns the marking-definition id for t.
func (t TLP) MarkingDefinition() string {
	return tlpMarkings[t]
}

// TLPForTrustValue maps a numerical trust value to a TLP color. Zero means
// no trust.
func TLPForTrustValue(value int) TLP {
	switch {
	case value >= 90:
		return TLPWhite
	case value >= 50:
		return TLPGreen
	case value > 0:
		return TLPAmber
	default:
		return TLPRed
	}
}

// ThreatLevelForTrustValue maps a numerical trust value to a qualitative
// threat level.
func ThreatLevelForTrustValue(value int) string {
	switch {
	case value >= 75:
		return "high"
	case value >= 50:
		return "medium"
	case value > 0:
		return "low"
	default:
		return "unknown"
	}
}

// Stability classifies a relationship by age.
func Stability(ageDays int) string {
	switch {
	case ageDays >= 180:
		return "established"
	case ageDays >= 30:
		return "maturing"
	default:
		return "new"
	}
}

// Confidence derives a 0..100 confidence score from the trust context.
func Confidence(value int, rel *models.TrustRelationship) int {
	if value < 0 {
		value = 0
	}
	if value > 100 {
		value = 100
	}
	score := 50 + int(math.Round(30*float64(value)/100))
	if rel != nil && rel.IsBilateral && rel.IsFullyApproved() {
		score += 20
	}
	if score > 100 {
		score = 100
	}
	return score
}

// relationshipAgeDays counts days since activation, or creation when the
// relationship never activated.
func relationshipAgeDays(rel *models.TrustRelationship, now time.Time) int {
	start := rel.CreatedAt
	if rel.ActivatedAt != nil {
		start = *rel.ActivatedAt
	}
	if start.IsZero() || now.Before(start) {
		return 0
	}
	return int(now.Sub(start).Hours() / 24)
}
