package feed

import (
	"context"
	"strings"
	"time"

	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/models"
)

// Source supplies one joined customer+claim record set per feed cycle. The
// feed is a collaborator: the core consumes it, it is produced elsewhere.
type Source interface {
	Fetch(ctx context.Context) ([]models.ClaimRecord, error)
}

// Normalize prepares records for scoring: claimless records get zeroed claim
// fields (amount 0, fraud false), enum-ish strings are trimmed, and records
// without a policy identifier are dropped.
func Normalize(recs []models.ClaimRecord) []models.ClaimRecord {
	out := make([]models.ClaimRecord, 0, len(recs))
	for _, rec := range recs {
		rec.PolicyNumber = strings.TrimSpace(rec.PolicyNumber)
		if rec.PolicyNumber == "" {
			continue
		}
		rec.Sex = strings.TrimSpace(rec.Sex)
		rec.EducationLevel = strings.TrimSpace(rec.EducationLevel)
		rec.Occupation = strings.TrimSpace(rec.Occupation)
		rec.IncidentType = strings.TrimSpace(rec.IncidentType)
		rec.IncidentSeverity = strings.TrimSpace(rec.IncidentSeverity)
		if !rec.HasClaim {
			rec.IncidentDate = time.Time{}
			rec.IncidentType = ""
			rec.IncidentSeverity = ""
			rec.AuthoritiesContacted = false
			rec.IncidentHour = 0
			rec.VehiclesInvolved = 0
			rec.BodilyInjuries = 0
			rec.Witnesses = 0
			rec.PoliceReportAvailable = false
			rec.ClaimAmount = 0
			rec.FraudReported = false
		}
		out = append(out, rec)
	}
	return out
}

// StaticSource serves a fixed record set. Used by tests and local runs.
type StaticSource struct {
	Records []models.ClaimRecord
	Err     error
}

func (s *StaticSource) Fetch(ctx context.Context) ([]models.ClaimRecord, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]models.ClaimRecord, len(s.Records))
	copy(out, s.Records)
	return out, nil
}
