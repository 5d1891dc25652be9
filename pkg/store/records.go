package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/models"
)

type recordDB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// RecordSource reads the joined customer+claim set from postgres. It is a
// feed.Source: each materialization cycle fetches the full joined set, with
// claim columns left-joined so customers without claims come back too.
type RecordSource struct {
	DB recordDB
}

const selectJoinedRecords = `
	SELECT c.policy_number, c.age, c.sex, c.education_level, c.occupation,
	       c.policy_start_date, c.policy_length_months, c.deductible, c.annual_premium,
	       cl.incident_date, cl.incident_type, cl.incident_severity,
	       cl.authorities_contacted, cl.incident_hour, cl.vehicles_involved,
	       cl.bodily_injuries, cl.witnesses, cl.police_report_available,
	       cl.claim_amount, cl.fraud_reported
	FROM customers c
	LEFT JOIN claims cl ON cl.policy_number = c.policy_number
`

func (s *RecordSource) Fetch(ctx context.Context) ([]models.ClaimRecord, error) {
	rows, err := s.DB.Query(ctx, selectJoinedRecords)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ClaimRecord
	for rows.Next() {
		var (
			rec                  models.ClaimRecord
			incidentDate         sql.NullTime
			incidentType         sql.NullString
			incidentSeverity     sql.NullString
			authoritiesContacted sql.NullBool
			incidentHour         sql.NullInt32
			vehiclesInvolved     sql.NullInt32
			bodilyInjuries       sql.NullInt32
			witnesses            sql.NullInt32
			policeReport         sql.NullBool
			claimAmount          sql.NullFloat64
			fraudReported        sql.NullBool
		)
		if err := rows.Scan(
			&rec.PolicyNumber, &rec.Age, &rec.Sex, &rec.EducationLevel, &rec.Occupation,
			&rec.PolicyStartDate, &rec.PolicyLengthMonths, &rec.Deductible, &rec.AnnualPremium,
			&incidentDate, &incidentType, &incidentSeverity,
			&authoritiesContacted, &incidentHour, &vehiclesInvolved,
			&bodilyInjuries, &witnesses, &policeReport,
			&claimAmount, &fraudReported,
		); err != nil {
			return nil, err
		}
		// A NULL claim amount means no claim row joined; the claim fields
		// stay zeroed and feed.Normalize treats the record as claimless.
		if claimAmount.Valid {
			rec.HasClaim = true
			rec.IncidentDate = nullTime(incidentDate)
			rec.IncidentType = incidentType.String
			rec.IncidentSeverity = incidentSeverity.String
			rec.AuthoritiesContacted = authoritiesContacted.Bool
			rec.IncidentHour = int(incidentHour.Int32)
			rec.VehiclesInvolved = int(vehiclesInvolved.Int32)
			rec.BodilyInjuries = int(bodilyInjuries.Int32)
			rec.Witnesses = int(witnesses.Int32)
			rec.PoliceReportAvailable = policeReport.Bool
			rec.ClaimAmount = claimAmount.Float64
			rec.FraudReported = fraudReported.Bool
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}
