// Package tau derives the atmospheric opacity for an observation's
// filter. Several measurement systems share one output contract,
// tau(filter) -> float, differing only in where the reference opacity
// comes from: the observation's own CSO headers, a fixed operator value,
// nearest or time-interpolated skydips, a polynomial fit to the CSO time
// series, or the water-vapour radiometer.
package tau

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/interp"

	"github.com/obsforge/calibra/internal/calerr"
	"github.com/obsforge/calibra/internal/index"
	"github.com/obsforge/calibra/internal/obs"
)

// System selects where the reference opacity comes from.
type System int

const (
	// SystemCSO reads the observation's CSO tau headers directly.
	SystemCSO System = iota
	// SystemCSOFixed uses an operator-supplied CSO value.
	SystemCSOFixed
	// SystemSkydip uses the nearest skydip measurement.
	SystemSkydip
	// SystemSkydipInterp interpolates between the bracketing skydips.
	SystemSkydipInterp
	// SystemCSOFit evaluates a polynomial fit to the night's CSO series.
	SystemCSOFit
	// SystemWVM reads the water-vapour radiometer headers.
	SystemWVM
)

var systemNames = map[string]System{
	"csotau":    SystemCSO,
	"fixed":     SystemCSOFixed,
	"skydip":    SystemSkydip,
	"dipinterp": SystemSkydipInterp,
	"csofit":    SystemCSOFit,
	"wvm":       SystemWVM,
}

// ParseSystem maps a configuration string onto a System.
func ParseSystem(s string) (System, error) {
	sys, ok := systemNames[strings.ToLower(s)]
	if !ok {
		return 0, calerr.ErrConfiguration("tau", "unknown tau system %q", s)
	}
	return sys, nil
}

func (s System) String() string {
	for name, sys := range systemNames {
		if sys == s {
			return name
		}
	}
	return "unknown"
}

// Header keys the CSO and WVM systems read. Start/end pairs are
// averaged; a single present value is used alone.
const (
	hdrCSOStart = "TAU225ST"
	hdrCSOEnd   = "TAU225EN"
	hdrWVMStart = "WVMTAUST"
	hdrWVMEnd   = "WVMTAUEN"
)

// referenceFilter is the filter skydips are converted through when the
// requested filter has no skydip of its own. The two-step conversion
// (skydip tau at the reference filter to a CSO-equivalent value, then
// CSO to the requested filter) is itself part of the calibration and is
// kept exactly.
const referenceFilter = "850"

// maxCSO bounds the scaling relations' validity; a larger opacity is a
// domain failure, not a lookup failure.
const maxCSO = 1.5

// skydip bounds older than three hours draw a warning
const stalenessDays = 3.0 / 24.0

// Options configures a Tau resolver.
type Options struct {
	System   System
	FixedCSO float64
	// Skydip is the index of skydip measurements (columns FILTER, TAUZ).
	Skydip *index.Index
	// CSOFit is the index of polynomial fits to the CSO time series:
	// column COEFFS holds the coefficients in ascending power order, and
	// the entry's ORACTIME marks the start of the fitted stretch (the
	// nearest fit at or before the observation applies).
	CSOFit *index.Index
	Logger *zap.Logger
	Quiet  bool
}

type cacheKey struct {
	system System
	time   float64
	filter string
}

// Tau resolves opacities. Results are cached per (system, observation
// time, filter) so repeated queries within a run are idempotent.
type Tau struct {
	mu     sync.Mutex
	opts   Options
	logger *zap.Logger
	cache  map[cacheKey]float64
}

// New builds a Tau resolver.
func New(opts Options) *Tau {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tau{opts: opts, logger: logger, cache: make(map[cacheKey]float64)}
}

// System returns the active measurement system.
func (t *Tau) System() System {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opts.System
}

// SetSystem switches the measurement system. Cached results are keyed by
// system, so previously resolved values stay valid.
func (t *Tau) SetSystem(s System) {
	t.mu.Lock()
	t.opts.System = s
	t.mu.Unlock()
}

// TauForFilter returns the zenith opacity at the observation's time for
// the requested filter.
func (t *Tau) TauForFilter(octx obs.Context, filter string) (float64, error) {
	obsTime, err := octx.Time()
	if err != nil {
		return 0, calerr.ErrConfiguration("tau", "observation has no usable %s: %v", obs.TimeKey, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := cacheKey{system: t.opts.System, time: obsTime, filter: filter}
	if v, ok := t.cache[key]; ok {
		return v, nil
	}

	var value float64
	switch t.opts.System {
	case SystemCSO:
		value, err = t.fromHeaders(octx, filter, hdrCSOStart, hdrCSOEnd)
	case SystemWVM:
		value, err = t.fromHeaders(octx, filter, hdrWVMStart, hdrWVMEnd)
	case SystemCSOFixed:
		value, err = CSOToFilter(t.opts.FixedCSO, filter)
	case SystemSkydip:
		value, err = t.fromSkydip(octx, filter, false)
	case SystemSkydipInterp:
		value, err = t.fromSkydip(octx, filter, true)
	case SystemCSOFit:
		value, err = t.fromCSOFit(octx, filter)
	default:
		return 0, calerr.ErrConfiguration("tau", "unknown tau system %d", t.opts.System)
	}
	if err != nil {
		return 0, err
	}

	t.cache[key] = value
	return value, nil
}

// fromHeaders averages the start/end reference opacity headers.
func (t *Tau) fromHeaders(octx obs.Context, filter, startKey, endKey string) (float64, error) {
	start, serr := octx.Float(startKey)
	end, eerr := octx.Float(endKey)
	switch {
	case serr == nil && eerr == nil:
		return CSOToFilter((start+end)/2, filter)
	case serr == nil:
		return CSOToFilter(start, filter)
	case eerr == nil:
		return CSOToFilter(end, filter)
	default:
		return 0, calerr.ErrLookup("tau", "observation carries neither %s nor %s", startKey, endKey)
	}
}

// fromSkydip resolves tau from the skydip index: nearest measurement, or
// the linear interpolation of the bracketing pair. A filter with no
// skydips of its own falls back to the reference filter converted
// through a CSO-equivalent value.
func (t *Tau) fromSkydip(octx obs.Context, filter string, interpolate bool) (float64, error) {
	if t.opts.Skydip == nil {
		return 0, calerr.ErrConfiguration("tau", "no skydip index configured")
	}

	value, found, err := t.skydipValue(octx, filter, interpolate)
	if err != nil {
		return 0, err
	}
	if found {
		return value, nil
	}
	if filter == referenceFilter {
		return 0, calerr.ErrLookup("tau", "no skydip measurements apply")
	}

	// Scale through the reference filter: skydip there, back out the
	// CSO-equivalent, then forward to the requested filter.
	refTau, found, err := t.skydipValue(octx, referenceFilter, interpolate)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, calerr.ErrLookup("tau", "no skydip measurements apply at %s or %s", filter, referenceFilter)
	}
	t.logger.Warn("no skydip for requested filter; scaling from reference filter",
		zap.String("filter", filter), zap.String("reference", referenceFilter))
	cso, err := FilterToCSO(refTau, referenceFilter)
	if err != nil {
		return 0, err
	}
	return CSOToFilter(cso, filter)
}

// skydipValue queries the skydip index with the requested filter layered
// over the observation's own headers.
func (t *Tau) skydipValue(octx obs.Context, filter string, interpolate bool) (float64, bool, error) {
	qctx := octx.Augment(map[string]interface{}{"FILTER": filter})
	qopts := index.QueryOpts{Quiet: t.opts.Quiet}
	obsTime, _ := qctx.Time()

	if !interpolate {
		key, err := t.opts.Skydip.ChooseNearest(qctx, true, qopts)
		if err != nil || key == "" {
			return 0, false, err
		}
		et, v, err := t.skydipEntry(key)
		if err != nil {
			return 0, false, err
		}
		t.warnStale(key, abs(obsTime-et))
		return v, true, nil
	}

	pastKey, err := t.opts.Skydip.ChooseNearestPast(qctx, qopts)
	if err != nil {
		return 0, false, err
	}
	futureKey, err := t.opts.Skydip.ChooseNearestFuture(qctx, qopts)
	if err != nil {
		return 0, false, err
	}

	switch {
	case pastKey == "" && futureKey == "":
		return 0, false, nil
	case pastKey != "" && futureKey != "":
		t0, v0, err := t.skydipEntry(pastKey)
		if err != nil {
			return 0, false, err
		}
		t1, v1, err := t.skydipEntry(futureKey)
		if err != nil {
			return 0, false, err
		}
		t.warnStale(pastKey, obsTime-t0)
		t.warnStale(futureKey, t1-obsTime)
		if t1 == t0 {
			return v0, true, nil
		}
		var pl interp.PiecewiseLinear
		if err := pl.Fit([]float64{t0, t1}, []float64{v0, v1}); err != nil {
			return 0, false, calerr.ErrLookup("tau", "skydip interpolation: %v", err)
		}
		return pl.Predict(obsTime), true, nil
	default:
		key := pastKey
		if key == "" {
			key = futureKey
		}
		et, v, err := t.skydipEntry(key)
		if err != nil {
			return 0, false, err
		}
		t.logger.Warn("skydip interpolation has only one bound; using it directly",
			zap.String("key", key))
		t.warnStale(key, abs(obsTime-et))
		return v, true, nil
	}
}

func (t *Tau) skydipEntry(key string) (float64, float64, error) {
	entry, err := t.opts.Skydip.GetEntry(key)
	if err != nil {
		return 0, 0, err
	}
	et, ok := entry.Time()
	if !ok {
		return 0, 0, calerr.ErrLookup("tau", "skydip %s has no usable %s", key, obs.TimeKey)
	}
	v, ok := entry.Float("TAUZ")
	if !ok {
		return 0, 0, calerr.ErrLookup("tau", "skydip %s missing required column TAUZ", key)
	}
	return et, v, nil
}

func (t *Tau) warnStale(key string, ageDays float64) {
	if ageDays > stalenessDays {
		t.logger.Warn("skydip is stale; proceeding anyway",
			zap.String("key", key),
			zap.Float64("age_days", ageDays),
			zap.Float64("threshold_days", stalenessDays))
	}
}

// fromCSOFit evaluates the polynomial fit whose validity range covers the
// observation, yielding a CSO-equivalent opacity converted to the filter.
func (t *Tau) fromCSOFit(octx obs.Context, filter string) (float64, error) {
	if t.opts.CSOFit == nil {
		return 0, calerr.ErrConfiguration("tau", "no csofit index configured")
	}
	obsTime, _ := octx.Time()
	key, err := t.opts.CSOFit.ChooseNearestPast(octx, index.QueryOpts{Quiet: t.opts.Quiet})
	if err != nil {
		return 0, err
	}
	if key == "" {
		return 0, calerr.ErrLookup("tau", "no CSO fit covers %s=%v", obs.TimeKey, obsTime)
	}
	entry, err := t.opts.CSOFit.GetEntry(key)
	if err != nil {
		return 0, err
	}
	coeffs, ok := entry.Values["COEFFS"].([]float64)
	if !ok {
		if f, isScalar := entry.Float("COEFFS"); isScalar {
			coeffs = []float64{f}
		} else {
			return 0, calerr.ErrLookup("tau", "fit %s missing required column COEFFS", key)
		}
	}
	cso := polyval(coeffs, obsTime)
	return CSOToFilter(cso, filter)
}

// polyval evaluates coefficients in ascending power order by Horner's
// method.
func polyval(coeffs []float64, x float64) float64 {
	v := 0.0
	for i := len(coeffs) - 1; i >= 0; i-- {
		v = v*x + coeffs[i]
	}
	return v
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
