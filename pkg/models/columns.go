package models

import "strings"

// Canonical column names for the governed view. Query shapes reference
// columns by these names; anything else is rejected at validation time.
const (
	ColPolicyNumber          = "policy_number"
	ColAge                   = "age"
	ColSex                   = "sex"
	ColEducationLevel        = "education_level"
	ColOccupation            = "occupation"
	ColPolicyStartDate       = "policy_start_date"
	ColPolicyLengthMonths    = "policy_length_months"
	ColDeductible            = "deductible"
	ColAnnualPremium         = "annual_premium"
	ColHasClaim              = "has_claim"
	ColIncidentDate          = "incident_date"
	ColIncidentType          = "incident_type"
	ColIncidentSeverity      = "incident_severity"
	ColAuthoritiesContacted  = "authorities_contacted"
	ColIncidentHour          = "incident_hour"
	ColVehiclesInvolved      = "vehicles_involved"
	ColBodilyInjuries        = "bodily_injuries"
	ColWitnesses             = "witnesses"
	ColPoliceReportAvailable = "police_report_available"
	ColClaimAmount           = "claim_amount"
	ColFraudReported         = "fraud_reported"
	ColRiskLevel             = "risk_level"
	ColRiskScore             = "risk_score"
	ColRiskFactors           = "risk_factors"
	ColTerritory             = "territory"
)

var viewColumns = []string{
	ColPolicyNumber,
	ColAge,
	ColSex,
	ColEducationLevel,
	ColOccupation,
	ColPolicyStartDate,
	ColPolicyLengthMonths,
	ColDeductible,
	ColAnnualPremium,
	ColHasClaim,
	ColIncidentDate,
	ColIncidentType,
	ColIncidentSeverity,
	ColAuthoritiesContacted,
	ColIncidentHour,
	ColVehiclesInvolved,
	ColBodilyInjuries,
	ColWitnesses,
	ColPoliceReportAvailable,
	ColClaimAmount,
	ColFraudReported,
	ColRiskLevel,
	ColRiskScore,
	ColRiskFactors,
	ColTerritory,
}

// ViewColumns returns the canonical column list of the governed view.
func ViewColumns() []string {
	out := make([]string, len(viewColumns))
	copy(out, viewColumns)
	return out
}

// KnownColumn reports whether name is a column of the governed view.
func KnownColumn(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, c := range viewColumns {
		if c == name {
			return true
		}
	}
	return false
}

// Field returns the value of a named column for this row. The second return
// is false for unknown columns.
func (s ScoredRow) Field(name string) (any, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case ColPolicyNumber:
		return s.Record.PolicyNumber, true
	case ColAge:
		return s.Record.Age, true
	case ColSex:
		return s.Record.Sex, true
	case ColEducationLevel:
		return s.Record.EducationLevel, true
	case ColOccupation:
		return s.Record.Occupation, true
	case ColPolicyStartDate:
		return s.Record.PolicyStartDate, true
	case ColPolicyLengthMonths:
		return s.Record.PolicyLengthMonths, true
	case ColDeductible:
		return s.Record.Deductible, true
	case ColAnnualPremium:
		return s.Record.AnnualPremium, true
	case ColHasClaim:
		return s.Record.HasClaim, true
	case ColIncidentDate:
		return s.Record.IncidentDate, true
	case ColIncidentType:
		return s.Record.IncidentType, true
	case ColIncidentSeverity:
		return s.Record.IncidentSeverity, true
	case ColAuthoritiesContacted:
		return s.Record.AuthoritiesContacted, true
	case ColIncidentHour:
		return s.Record.IncidentHour, true
	case ColVehiclesInvolved:
		return s.Record.VehiclesInvolved, true
	case ColBodilyInjuries:
		return s.Record.BodilyInjuries, true
	case ColWitnesses:
		return s.Record.Witnesses, true
	case ColPoliceReportAvailable:
		return s.Record.PoliceReportAvailable, true
	case ColClaimAmount:
		return s.Record.ClaimAmount, true
	case ColFraudReported:
		return s.Record.FraudReported, true
	case ColRiskLevel:
		return string(s.Risk.Level), true
	case ColRiskScore:
		return s.Risk.Score, true
	case ColRiskFactors:
		return append([]string(nil), s.Risk.Factors...), true
	case ColTerritory:
		return string(s.Territory), true
	default:
		return nil, false
	}
}
