package risk

import (
	"strings"

	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/models"
)

// Factor labels, in canonical output order.
const (
	FactorYoungDriver        = "Young Driver"
	FactorSeniorDriver       = "Senior Driver"
	FactorHighClaimAmount    = "High Claim Amount"
	FactorFraudHistory       = "Fraud History"
	FactorHighRiskOccupation = "High Risk Occupation"
)

// Config carries the scoring thresholds. The level age bounds are
// configurable because upstream definitions of the HIGH band disagree
// (age under 25 versus 21, and the over-60 clause is not universal);
// callers pin the variant they need instead of inheriting a hard-coded one.
type Config struct {
	// Level thresholds.
	HighUnderAge   int
	HighOverAge    int
	HighClaimOver  float64
	MediumAgeMin   int
	MediumAgeMax   int
	MediumClaimMin float64
	MediumClaimMax float64

	// Score contribution thresholds.
	YoungDriverUnder int
	SeniorDriverOver int
	LargeClaimOver   float64

	// Occupations that add the occupation contribution. Compared
	// case-insensitively.
	HighRiskOccupations []string
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		HighUnderAge:     25,
		HighOverAge:      60,
		HighClaimOver:    75000,
		MediumAgeMin:     25,
		MediumAgeMax:     45,
		MediumClaimMin:   25000,
		MediumClaimMax:   75000,
		YoungDriverUnder: 25,
		SeniorDriverOver: 65,
		LargeClaimOver:   50000,
		HighRiskOccupations: []string{
			"armed-forces",
			"transport-moving",
			"handlers-cleaners",
		},
	}
}

// Score maps one normalized record to a risk assessment. Deterministic and
// idempotent: identical input yields bit-identical output, including factor
// ordering. Records without a claim must arrive with ClaimAmount=0 and
// FraudReported=false; that normalization is the feed's job.
func Score(rec models.ClaimRecord, cfg Config) models.RiskAssessment {
	level := level(rec, cfg)
	score := 0
	factors := make([]string, 0, 5)

	if rec.Age < cfg.YoungDriverUnder {
		score += 30
		factors = append(factors, FactorYoungDriver)
	}
	if rec.Age > cfg.SeniorDriverOver {
		score += 20
		factors = append(factors, FactorSeniorDriver)
	}
	if rec.ClaimAmount > cfg.LargeClaimOver {
		score += 40
		factors = append(factors, FactorHighClaimAmount)
	}
	if rec.FraudReported {
		score += 30
		factors = append(factors, FactorFraudHistory)
	}
	if highRiskOccupation(rec.Occupation, cfg.HighRiskOccupations) {
		score += 20
		factors = append(factors, FactorHighRiskOccupation)
	}
	if score > 100 {
		score = 100
	}
	return models.RiskAssessment{Level: level, Score: score, Factors: factors}
}

func level(rec models.ClaimRecord, cfg Config) models.RiskLevel {
	if rec.Age < cfg.HighUnderAge || rec.Age >= cfg.HighOverAge ||
		rec.ClaimAmount > cfg.HighClaimOver || rec.FraudReported {
		return models.RiskHigh
	}
	if rec.Age >= cfg.MediumAgeMin && rec.Age <= cfg.MediumAgeMax &&
		rec.ClaimAmount >= cfg.MediumClaimMin && rec.ClaimAmount <= cfg.MediumClaimMax {
		return models.RiskMedium
	}
	return models.RiskLow
}

func highRiskOccupation(occupation string, configured []string) bool {
	occupation = strings.ToLower(strings.TrimSpace(occupation))
	if occupation == "" {
		return false
	}
	for _, o := range configured {
		if strings.EqualFold(strings.TrimSpace(o), occupation) {
			return true
		}
	}
	return false
}
