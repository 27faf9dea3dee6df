// Package cal implements the calibration-selection engine: for each named
// calibration item it owns a cached value, a no-update override flag and a
// lazily opened index, and resolves queries through a per-item selection
// policy. Per-instrument behaviour is pure configuration, a table of
// ItemSpec descriptors rather than a type hierarchy.
package cal

import (
	"github.com/obsforge/calibra/internal/obs"
)

// Policy selects how an item's index is searched.
type Policy int

const (
	// PolicyNearest picks the rule-satisfying entry closest in time,
	// past or future.
	PolicyNearest Policy = iota
	// PolicyNearestPast never looks past the observation's time; used
	// for quantities valid from the moment they are measured onward.
	PolicyNearestPast
	// PolicyInterpolate linearly interpolates a column between the
	// nearest past and future entries.
	PolicyInterpolate
	// PolicyUnionMerge unions flagged-detector sets from whichever of
	// the master index, the per-run QA index and a literal list are
	// enabled.
	PolicyUnionMerge
)

func (p Policy) String() string {
	switch p {
	case PolicyNearest:
		return "nearest"
	case PolicyNearestPast:
		return "nearest-past"
	case PolicyInterpolate:
		return "interpolate"
	case PolicyUnionMerge:
		return "union-merge"
	}
	return "unknown"
}

// Location says where an item's index file lives.
type Location int

const (
	// LocationDynamic creates the index in the per-run output directory
	// on first use.
	LocationDynamic Location = iota
	// LocationStatic uses the shared read-only calibration directory.
	LocationStatic
	// LocationDynamicSeeded creates the per-run index by copying a
	// template from the calibration directory on first use.
	LocationDynamicSeeded
)

// ResultKind says what a resolved item yields.
type ResultKind int

const (
	// KindFile yields the selected entry's key, a calibration file name.
	KindFile ResultKind = iota
	// KindColumns yields named columns of the selected entry.
	KindColumns
	// KindList yields a set of names (union-merge items).
	KindList
)

// ItemSpec declares one calibration item. Instruments are tables of
// these; genuinely bespoke behaviour hangs off the function fields.
type ItemSpec struct {
	Name     string
	Policy   Policy
	Location Location
	Kind     ResultKind

	// Columns the caller requires from a matched entry (KindColumns).
	// A match missing any of them is a lookup failure, not a skip.
	Columns []string

	// InterpColumn is the column interpolated under PolicyInterpolate.
	InterpColumn string

	// UnionColumn is the entry column carrying the flagged-detector
	// names under PolicyUnionMerge.
	UnionColumn string

	// Lenient items return an empty result instead of failing when no
	// candidate is found, leaving the caller to decide whether the
	// calibration step was optional.
	Lenient bool

	// StalenessDays is the advisory age threshold for interpolation
	// bounds; exceeding it warns but never fails. Zero disables.
	StalenessDays float64

	// Fallback supplies an instrument default when the index yields
	// nothing. The result is returned uncached since it has no index
	// provenance.
	Fallback func() (Result, bool)

	// ModeSwitch maps the observation onto an index-name suffix
	// ("_im"/"_sp" style). Re-evaluated on every query; the same engine
	// instance serves observations that change mode.
	ModeSwitch func(obs.Context) string

	// Augment widens the query context for the duration of one query
	// (e.g. deriving a frequency range around a single LO frequency).
	Augment func(obs.Context) obs.Context
}

// Result is a resolved calibration: a file name, a bundle of named
// values, or a set of names, depending on the item's kind.
type Result struct {
	File   string
	Values map[string]interface{}
	List   []string
}

// IsZero reports whether the result carries nothing, the lenient-miss
// outcome.
func (r Result) IsZero() bool {
	return r.File == "" && len(r.Values) == 0 && len(r.List) == 0
}

// Float pulls a named value out of a Result.
func (r Result) Float(col string) (float64, bool) {
	v, ok := r.Values[col]
	if !ok {
		return 0, false
	}
	return obs.AsFloat(v)
}
