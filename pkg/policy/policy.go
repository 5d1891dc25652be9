package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/models"
)

// Class is the identity classification every restrictive decision keys on.
type Class string

const (
	// ClassPrivileged short-circuits all four layers to "no restriction".
	ClassPrivileged Class = "PRIVILEGED"
	// ClassExternalMapped is an external account with a mapping entry.
	ClassExternalMapped Class = "EXTERNAL_MAPPED"
	// ClassExternalUnmapped is denied all rows. Default-deny, and treated
	// identically to a mapped-but-empty account so existence does not leak.
	ClassExternalUnmapped Class = "EXTERNAL_UNMAPPED"
)

var (
	// ErrUnauthorizedProjection rejects a query whose output references a
	// gated column. It is the only policy failure surfaced to callers;
	// everything else degrades to an empty or reduced result.
	ErrUnauthorizedProjection = errors.New("column not authorized for projection")

	// ErrUnknownColumn rejects a query referencing a column outside the
	// governed view.
	ErrUnknownColumn = errors.New("unknown column")
)

// UnauthorizedProjectionError names the offending columns so the caller can
// tell "not authorized to ask" apart from "authorized but nothing matched".
type UnauthorizedProjectionError struct {
	Columns []string
}

func (e *UnauthorizedProjectionError) Error() string {
	return fmt.Sprintf("columns not authorized for projection: %s", strings.Join(e.Columns, ", "))
}

func (e *UnauthorizedProjectionError) Unwrap() error { return ErrUnauthorizedProjection }

// UnknownColumnError rejects a reference to a column outside the view.
type UnknownColumnError struct {
	Column string
}

func (e *UnknownColumnError) Error() string {
	return fmt.Sprintf("unknown column %q", e.Column)
}

func (e *UnknownColumnError) Unwrap() error { return ErrUnknownColumn }

// Config carries the restriction parameters for external identities.
type Config struct {
	// Roles that bypass every restrictive layer.
	PrivilegedRoles []string
	// Columns external identities may filter on but never select.
	GatedColumns []string
	// Numeric columns floored to MaskBucketWidth for external identities.
	MaskedColumns []string
	// Bucket width for masking. Values are floored to a multiple of it.
	MaskBucketWidth float64
	// Minimum members a returned group may have for external identities.
	MinGroupSize int
}

// DefaultConfig returns the standard governance parameters.
func DefaultConfig() Config {
	return Config{
		PrivilegedRoles: []string{"ACCOUNTADMIN", "INSURANCE_ANALYST"},
		GatedColumns:    []string{models.ColFraudReported},
		MaskedColumns:   []string{models.ColClaimAmount},
		MaskBucketWidth: 10000,
		MinGroupSize:    20,
	}
}

func (c Config) withDefaults() Config {
	if c.MaskBucketWidth <= 0 {
		c.MaskBucketWidth = 10000
	}
	if c.MinGroupSize <= 0 {
		c.MinGroupSize = 20
	}
	return c
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			set[item] = struct{}{}
		}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
