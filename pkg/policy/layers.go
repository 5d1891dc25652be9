package policy

import (
	"math"
	"strings"
	"time"

	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/models"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/territory"
)

// gateProjection is layer 1. It validates the requested output shape and
// rejects gated columns for external identities. Only the output stage is
// gated; predicate evaluation never consults this layer, which is what makes
// a column filterable but not selectable.
func (e *Engine) gateProjection(class Class, columns []string) ([]string, error) {
	var denied []string
	out := make([]string, 0, len(columns))
	for _, col := range columns {
		name := strings.ToLower(strings.TrimSpace(col))
		if !models.KnownColumn(name) {
			return nil, &UnknownColumnError{Column: col}
		}
		if class != ClassPrivileged {
			if _, gated := e.gated[name]; gated {
				denied = append(denied, name)
				continue
			}
		}
		out = append(out, name)
	}
	if len(denied) > 0 {
		return nil, &UnauthorizedProjectionError{Columns: denied}
	}
	return out, nil
}

// rowVisible is layer 2: territory-based row filtering. Privileged sees
// all rows; an external account sees a row iff its mapping covers the row's
// tag, with unmapped accounts seeing nothing.
func (e *Engine) rowVisible(class Class, account string, mapping *territory.Mapping, tag models.TerritoryTag) bool {
	switch class {
	case ClassPrivileged:
		return true
	case ClassExternalMapped:
		return mapping.Visible(account, tag)
	default:
		return false
	}
}

// maskValue is layer 3. Sensitive numeric fields are floored to the bucket
// width for external identities; everything else passes through. Flooring an
// already-floored value reproduces it, so the transform is idempotent.
func (e *Engine) maskValue(class Class, column string, value any) any {
	if class == ClassPrivileged {
		return value
	}
	if _, masked := e.masked[column]; !masked {
		return value
	}
	num, ok := numeric(value)
	if !ok {
		return value
	}
	return math.Floor(num/e.cfg.MaskBucketWidth) * e.cfg.MaskBucketWidth
}

// applyCardinalityFloor is layer 4, applied last over the surviving rows.
// Groups under the floor are suppressed whole, never merged and never
// noised. An ungrouped scan is the single implicit group. If everything is
// suppressed the result is empty, not an error.
func (e *Engine) applyCardinalityFloor(class Class, groups []group) (kept []group, suppressed int) {
	if class == ClassPrivileged {
		return groups, 0
	}
	kept = groups[:0]
	for _, g := range groups {
		if len(g.rows) < e.cfg.MinGroupSize {
			suppressed++
			continue
		}
		kept = append(kept, g)
	}
	return kept, suppressed
}

type group struct {
	key  string
	rows []map[string]any
}

// matchFilters evaluates the conjunctive predicate list against raw row
// values. Gated columns are deliberately usable here.
func matchFilters(row models.ScoredRow, filters []models.Filter) bool {
	for _, f := range filters {
		field, ok := row.Field(f.Column)
		if !ok {
			return false
		}
		if !compare(field, f.Op, f.Value) {
			return false
		}
	}
	return true
}

func compare(field any, op models.FilterOp, want any) bool {
	if fn, fok := numeric(field); fok {
		if wn, wok := numeric(want); wok {
			return compareFloat(fn, op, wn)
		}
		return false
	}
	switch fv := field.(type) {
	case bool:
		wb, ok := want.(bool)
		if !ok {
			return false
		}
		switch op {
		case models.OpEq:
			return fv == wb
		case models.OpNe:
			return fv != wb
		}
		return false
	case string:
		ws, ok := want.(string)
		if !ok {
			return false
		}
		return compareString(fv, op, ws)
	case time.Time:
		ws, ok := want.(string)
		if !ok {
			return false
		}
		wt, err := time.Parse(time.RFC3339, ws)
		if err != nil {
			return false
		}
		switch op {
		case models.OpEq:
			return fv.Equal(wt)
		case models.OpNe:
			return !fv.Equal(wt)
		case models.OpGt:
			return fv.After(wt)
		case models.OpGte:
			return fv.After(wt) || fv.Equal(wt)
		case models.OpLt:
			return fv.Before(wt)
		case models.OpLte:
			return fv.Before(wt) || fv.Equal(wt)
		}
		return false
	default:
		return false
	}
}

func compareFloat(field float64, op models.FilterOp, want float64) bool {
	switch op {
	case models.OpEq:
		return field == want
	case models.OpNe:
		return field != want
	case models.OpGt:
		return field > want
	case models.OpGte:
		return field >= want
	case models.OpLt:
		return field < want
	case models.OpLte:
		return field <= want
	default:
		return false
	}
}

func compareString(field string, op models.FilterOp, want string) bool {
	switch op {
	case models.OpEq:
		return strings.EqualFold(field, want)
	case models.OpNe:
		return !strings.EqualFold(field, want)
	case models.OpContains:
		return strings.Contains(strings.ToLower(field), strings.ToLower(want))
	case models.OpGt:
		return field > want
	case models.OpGte:
		return field >= want
	case models.OpLt:
		return field < want
	case models.OpLte:
		return field <= want
	default:
		return false
	}
}

// numeric widens int-ish and float values. JSON decoding hands back float64.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
