package policy

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/models"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/territory"
)

// Engine composes the four decision layers over a snapshot. Evaluation is
// stateless and side-effect-free; any number of readers may call it
// concurrently while the scheduler swaps snapshots underneath.
type Engine struct {
	cfg        Config
	privileged map[string]struct{}
	gated      map[string]struct{}
	masked     map[string]struct{}
}

func NewEngine(cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:        cfg,
		privileged: toSet(cfg.PrivilegedRoles),
		gated:      toSet(cfg.GatedColumns),
		masked:     toSet(cfg.MaskedColumns),
	}
}

// Classify resolves an identity against the privileged set and the mapping.
// Fail-closed: anything that is neither privileged nor mapped sees nothing.
func (e *Engine) Classify(id models.AccessorIdentity, mapping *territory.Mapping) Class {
	role := strings.ToLower(strings.TrimSpace(id.Role))
	if _, ok := e.privileged[role]; ok {
		return ClassPrivileged
	}
	if _, ok := mapping.Lookup(id.Account); ok {
		return ClassExternalMapped
	}
	return ClassExternalUnmapped
}

// Stats describes one evaluation for metrics and audit; it is never part of
// the caller-visible result.
type Stats struct {
	Class            Class
	RowsScanned      int
	RowsVisible      int
	GroupsSuppressed int
}

// Evaluate runs the full governed pipeline: projection gate, row
// visibility, masking, then the cardinality floor. The identity is an
// explicit parameter on every call; nothing is read from ambient state.
func (e *Engine) Evaluate(snap *models.Snapshot, id models.AccessorIdentity, q models.QueryShape, mapping *territory.Mapping) (models.GovernedResult, Stats, error) {
	class := e.Classify(id, mapping)
	stats := Stats{Class: class}

	columns := q.Columns
	if len(columns) == 0 {
		columns = e.defaultColumns(class)
	}
	columns, err := e.gateProjection(class, columns)
	if err != nil {
		return models.GovernedResult{}, stats, err
	}
	groupBy, err := e.gateProjection(class, q.GroupBy)
	if err != nil {
		return models.GovernedResult{}, stats, err
	}
	for _, f := range q.Filters {
		if !models.KnownColumn(f.Column) {
			return models.GovernedResult{}, stats, &UnknownColumnError{Column: f.Column}
		}
	}

	result := models.GovernedResult{
		Columns: columns,
		Rows:    []map[string]any{},
	}
	if snap != nil {
		result.SnapshotVersion = snap.Version
		result.ComputedAt = snap.ComputedAt
	}
	if snap == nil {
		return result, stats, nil
	}
	stats.RowsScanned = len(snap.Rows)

	groups := map[string]*group{}
	var order []string
	for _, row := range snap.Rows {
		// Predicates run against raw values, before any output gating.
		if !matchFilters(row, q.Filters) {
			continue
		}
		if !e.rowVisible(class, id.Account, mapping, row.Territory) {
			continue
		}
		stats.RowsVisible++
		out := make(map[string]any, len(columns))
		for _, col := range columns {
			value, _ := row.Field(col)
			out[col] = e.maskValue(class, col, value)
		}
		key := e.groupKey(class, row, groupBy)
		g, ok := groups[key]
		if !ok {
			g = &group{key: key}
			groups[key] = g
			order = append(order, key)
		}
		g.rows = append(g.rows, out)
	}

	ordered := make([]group, 0, len(order))
	sort.Strings(order)
	for _, key := range order {
		ordered = append(ordered, *groups[key])
	}
	kept, suppressed := e.applyCardinalityFloor(class, ordered)
	stats.GroupsSuppressed = suppressed
	for _, g := range kept {
		result.Rows = append(result.Rows, g.rows...)
	}
	return result, stats, nil
}

// defaultColumns expands an empty column list. External identities get the
// view minus gated columns: a select-star never names a gated column, so it
// is narrowed rather than rejected.
func (e *Engine) defaultColumns(class Class) []string {
	all := models.ViewColumns()
	if class == ClassPrivileged {
		return all
	}
	out := make([]string, 0, len(all))
	for _, col := range all {
		if _, gated := e.gated[col]; gated {
			continue
		}
		out = append(out, col)
	}
	return out
}

// groupKey joins the masked group-by values so grouping on a masked column
// groups by bucket, not by raw value. Ungrouped rows share the implicit key.
func (e *Engine) groupKey(class Class, row models.ScoredRow, groupBy []string) string {
	if len(groupBy) == 0 {
		return ""
	}
	parts := make([]string, 0, len(groupBy))
	for _, col := range groupBy {
		value, _ := row.Field(col)
		masked := e.maskValue(class, col, value)
		parts = append(parts, stringify(masked))
	}
	return strings.Join(parts, "\x1f")
}

// Mask applies the external masking transform to one value. Exposed so the
// serving layer can document bucket behavior; idempotent by construction.
func (e *Engine) Mask(column string, value any) any {
	return e.maskValue(ClassExternalMapped, strings.ToLower(strings.TrimSpace(column)), value)
}

// GatedColumns returns the configured gate set in sorted order.
func (e *Engine) GatedColumns() []string {
	return sortedKeys(e.gated)
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}
