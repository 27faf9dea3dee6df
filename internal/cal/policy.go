package cal

import (
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/interp"

	"github.com/obsforge/calibra/internal/calerr"
	"github.com/obsforge/calibra/internal/index"
	"github.com/obsforge/calibra/internal/obs"
)

// getInterpolated implements the skydip-style policy: bracket the
// observation with the nearest past and future entries and interpolate
// the target column linearly in time. A single-sided result or a bound
// older than the staleness threshold is advisory, never fatal.
func (e *Engine) getInterpolated(st *itemState, octx obs.Context) (Result, error) {
	item := st.spec.Name
	col := st.spec.InterpColumn
	ix, err := e.itemIndex(st, octx)
	if err != nil {
		return Result{}, err
	}
	t, err := octx.Time()
	if err != nil {
		return Result{}, calerr.ErrConfiguration(item, "observation has no usable %s: %v", obs.TimeKey, err)
	}
	qopts := e.queryOpts()

	start := time.Now()
	pastKey, err := ix.ChooseNearestPast(octx, qopts)
	if err != nil {
		return Result{}, err
	}
	futureKey, err := ix.ChooseNearestFuture(octx, qopts)
	e.observeScan(item, start)
	if err != nil {
		return Result{}, err
	}

	switch {
	case pastKey == "" && futureKey == "":
		return e.resolveMiss(st)

	case pastKey != "" && futureKey != "":
		t0, v0, err := e.boundValue(ix, item, col, pastKey)
		if err != nil {
			return Result{}, err
		}
		t1, v1, err := e.boundValue(ix, item, col, futureKey)
		if err != nil {
			return Result{}, err
		}
		e.warnStale(item, pastKey, t-t0, st.spec.StalenessDays)
		e.warnStale(item, futureKey, t1-t, st.spec.StalenessDays)

		var value float64
		if t1 == t0 {
			value = v0
		} else {
			var pl interp.PiecewiseLinear
			if err := pl.Fit([]float64{t0, t1}, []float64{v0, v1}); err != nil {
				return Result{}, calerr.ErrLookup(item, "interpolation between %s and %s: %v", pastKey, futureKey, err)
			}
			value = pl.Predict(t)
		}
		e.record(item, pastKey+"+"+futureKey, "interpolated")
		return Result{Values: map[string]interface{}{col: value}}, nil

	default:
		// Only one side exists: use it, but say so.
		key := pastKey
		if key == "" {
			key = futureKey
		}
		tb, vb, err := e.boundValue(ix, item, col, key)
		if err != nil {
			return Result{}, err
		}
		e.logger.Warn("interpolation has only one bound; using it directly",
			zap.String("item", item), zap.String("key", key))
		dt := t - tb
		if dt < 0 {
			dt = -dt
		}
		e.warnStale(item, key, dt, st.spec.StalenessDays)
		e.record(item, key, "interpolated-one-sided")
		return Result{Values: map[string]interface{}{col: vb}}, nil
	}
}

func (e *Engine) boundValue(ix *index.Index, item, col, key string) (float64, float64, error) {
	entry, err := ix.GetEntry(key)
	if err != nil {
		return 0, 0, err
	}
	t, ok := entry.Time()
	if !ok {
		return 0, 0, calerr.ErrLookup(item, "entry %s has no usable %s", key, obs.TimeKey)
	}
	v, ok := entry.Float(col)
	if !ok {
		return 0, 0, calerr.ErrLookup(item, "entry %s missing required column %s", key, col)
	}
	return t, v, nil
}

func (e *Engine) warnStale(item, key string, ageDays, threshold float64) {
	if threshold <= 0 || ageDays <= threshold {
		return
	}
	e.logger.Warn("calibration measurement is stale; proceeding anyway",
		zap.String("item", item), zap.String("key", key),
		zap.Float64("age_days", ageDays), zap.Float64("threshold_days", threshold))
}

// Union-merge source tokens. Anything else in the selection string is a
// literal detector name.
const (
	sourceMaster = "MASTER"
	sourceQA     = "INDEX"
)

// getUnion computes the flagged-detector set as the union of whichever
// sources the selection string enables. The selection defaults to the
// master index alone and is the one value Set overrides for union items.
func (e *Engine) getUnion(st *itemState, octx obs.Context) (Result, error) {
	item := st.spec.Name
	selection := sourceMaster
	if st.cached != nil && st.cached.File != "" {
		selection = st.cached.File
	}

	set := make(map[string]struct{})
	for _, token := range strings.Split(selection, ":") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		switch strings.ToUpper(token) {
		case sourceMaster:
			if err := e.unionFromIndex(st, octx, variantMaster, set); err != nil {
				return Result{}, err
			}
		case sourceQA:
			if err := e.unionFromIndex(st, octx, variantQA, set); err != nil {
				return Result{}, err
			}
		default:
			set[token] = struct{}{}
		}
	}

	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	e.record(item, selection, "union")
	return Result{List: names}, nil
}

// unionFromIndex contributes one index source: the nearest entry at or
// before the observation, since a later recalibration must never apply
// retroactively.
func (e *Engine) unionFromIndex(st *itemState, octx obs.Context, variant string, set map[string]struct{}) error {
	item := st.spec.Name
	ix, err := e.openVariant(st, variant)
	if err != nil {
		return err
	}
	key, err := ix.ChooseNearestPast(octx, e.queryOpts())
	if err != nil {
		return err
	}
	if key == "" {
		e.logger.Debug("union source has no applicable entry",
			zap.String("item", item), zap.String("index", ix.Path()))
		return nil
	}
	entry, err := ix.GetEntry(key)
	if err != nil {
		return err
	}
	v, ok := entry.Values[st.spec.UnionColumn]
	if !ok {
		return calerr.ErrLookup(item, "entry %s missing required column %s", key, st.spec.UnionColumn)
	}
	for _, name := range namesFromValue(v) {
		set[name] = struct{}{}
	}
	return nil
}

// namesFromValue splits an index value into detector names: a
// comma-joined string, a numeric list, or a single scalar.
func namesFromValue(v interface{}) []string {
	switch x := v.(type) {
	case string:
		var names []string
		for _, p := range strings.Split(x, ",") {
			if p = strings.TrimSpace(p); p != "" {
				names = append(names, p)
			}
		}
		return names
	case []float64:
		names := make([]string, 0, len(x))
		for _, f := range x {
			names = append(names, obs.AsString(f))
		}
		return names
	default:
		return []string{obs.AsString(v)}
	}
}
