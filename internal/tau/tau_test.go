package tau

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obsforge/calibra/internal/calerr"
	"github.com/obsforge/calibra/internal/index"
	"github.com/obsforge/calibra/internal/obs"
	"github.com/obsforge/calibra/internal/rules"
)

func openIndex(t *testing.T, name, rulesText, indexText string) *index.Index {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules."+name), []byte(rulesText), 0644))
	path := filepath.Join(dir, "index."+name)
	require.NoError(t, os.WriteFile(path, []byte(indexText), 0644))
	rset, err := rules.Load(name, []string{dir})
	require.NoError(t, err)
	ix, err := index.Open(path, rset, index.Options{})
	require.NoError(t, err)
	return ix
}

func skydipIndex(t *testing.T, indexText string) *index.Index {
	return openIndex(t, "skydip", "FILTER ==\nTAUZ set\n", indexText)
}

func obsAt(oractime float64) obs.Context {
	return obs.New(map[string]interface{}{obs.TimeKey: oractime}, nil)
}

func TestParseSystem(t *testing.T) {
	tests := []struct {
		in   string
		want System
	}{
		{"csotau", SystemCSO},
		{"CSOTAU", SystemCSO},
		{"fixed", SystemCSOFixed},
		{"skydip", SystemSkydip},
		{"dipinterp", SystemSkydipInterp},
		{"csofit", SystemCSOFit},
		{"wvm", SystemWVM},
	}
	for _, tt := range tests {
		got, err := ParseSystem(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseSystem("barometer")
	var cfgErr calerr.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestCSOToFilter(t *testing.T) {
	tests := []struct {
		name   string
		cso    float64
		filter string
		want   float64
	}{
		{"850 typical", 0.05, "850", 4.6 * (0.05 - 0.0043)},
		{"450 typical", 0.05, "450", 26.0 * (0.05 - 0.0196)},
		{"zero cso clamps to zero", 0.0, "850", 0.0},
		{"2000 has no offset", 0.1, "2000", 0.09},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CSOToFilter(tt.cso, tt.filter)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
}

func TestCSOToFilter_Failures(t *testing.T) {
	_, err := CSOToFilter(0.05, "600")
	var lookupErr calerr.LookupError
	assert.True(t, errors.As(err, &lookupErr), "unknown filter is a lookup failure")

	_, err = CSOToFilter(2.0, "850")
	var domErr calerr.DomainError
	assert.True(t, errors.As(err, &domErr), "opacity beyond the relation's validity is a domain failure")

	_, err = CSOToFilter(-0.01, "850")
	assert.True(t, errors.As(err, &domErr))
}

func TestFilterToCSO_RoundTrip(t *testing.T) {
	for _, filter := range []string{"350", "450", "750", "850"} {
		forward, err := CSOToFilter(0.08, filter)
		require.NoError(t, err)
		back, err := FilterToCSO(forward, filter)
		require.NoError(t, err)
		assert.InDelta(t, 0.08, back, 1e-12, filter)
	}
}

func TestFilterToCSO_Failures(t *testing.T) {
	var domErr calerr.DomainError
	_, err := FilterToCSO(-0.1, "850")
	assert.True(t, errors.As(err, &domErr))

	// a filter opacity implying a CSO value beyond the relation
	_, err = FilterToCSO(100.0, "850")
	assert.True(t, errors.As(err, &domErr))

	var lookupErr calerr.LookupError
	_, err = FilterToCSO(0.2, "600")
	assert.True(t, errors.As(err, &lookupErr))
}

func TestTau_FromCSOHeaders(t *testing.T) {
	resolver := New(Options{System: SystemCSO})

	t.Run("start and end averaged", func(t *testing.T) {
		octx := obs.New(map[string]interface{}{
			obs.TimeKey: 10.0, "TAU225ST": 0.04, "TAU225EN": 0.06,
		}, nil)
		got, err := resolver.TauForFilter(octx, "850")
		require.NoError(t, err)
		want, _ := CSOToFilter(0.05, "850")
		assert.InDelta(t, want, got, 1e-12)
	})

	t.Run("single header used alone", func(t *testing.T) {
		octx := obs.New(map[string]interface{}{
			obs.TimeKey: 11.0, "TAU225ST": 0.04,
		}, nil)
		got, err := resolver.TauForFilter(octx, "850")
		require.NoError(t, err)
		want, _ := CSOToFilter(0.04, "850")
		assert.InDelta(t, want, got, 1e-12)
	})

	t.Run("no headers is a lookup failure", func(t *testing.T) {
		_, err := resolver.TauForFilter(obsAt(12.0), "850")
		var lookupErr calerr.LookupError
		assert.True(t, errors.As(err, &lookupErr))
	})
}

func TestTau_FromWVMHeaders(t *testing.T) {
	resolver := New(Options{System: SystemWVM})
	octx := obs.New(map[string]interface{}{
		obs.TimeKey: 10.0, "WVMTAUST": 0.06, "WVMTAUEN": 0.08,
	}, nil)
	got, err := resolver.TauForFilter(octx, "850")
	require.NoError(t, err)
	want, _ := CSOToFilter(0.07, "850")
	assert.InDelta(t, want, got, 1e-12)
}

func TestTau_Fixed(t *testing.T) {
	resolver := New(Options{System: SystemCSOFixed, FixedCSO: 0.1})
	got, err := resolver.TauForFilter(obsAt(10.0), "850")
	require.NoError(t, err)
	want, _ := CSOToFilter(0.1, "850")
	assert.InDelta(t, want, got, 1e-12)
}

func TestTau_SkydipNearest(t *testing.T) {
	ix := skydipIndex(t,
		"KEY ORACTIME FILTER TAUZ\ns1 10 850 1.8\ns2 12 850 2.2\n")
	resolver := New(Options{System: SystemSkydip, Skydip: ix})

	got, err := resolver.TauForFilter(obsAt(10.3), "850")
	require.NoError(t, err)
	assert.Equal(t, 1.8, got)

	got, err = resolver.TauForFilter(obsAt(11.9), "850")
	require.NoError(t, err)
	assert.Equal(t, 2.2, got)
}

func TestTau_SkydipInterp(t *testing.T) {
	ix := skydipIndex(t,
		"KEY ORACTIME FILTER TAUZ\ns1 10 850 2\ns2 12 850 4\n")
	resolver := New(Options{System: SystemSkydipInterp, Skydip: ix})

	got, err := resolver.TauForFilter(obsAt(11.0), "850")
	require.NoError(t, err)
	assert.InDelta(t, 3.0, got, 1e-12)

	// outside the bracketing range the nearest bound applies directly
	got, err = resolver.TauForFilter(obsAt(13.0), "850")
	require.NoError(t, err)
	assert.Equal(t, 4.0, got)

	got, err = resolver.TauForFilter(obsAt(9.0), "850")
	require.NoError(t, err)
	assert.Equal(t, 2.0, got)
}

func TestTau_SkydipScalesThroughReferenceFilter(t *testing.T) {
	// only 850 skydips exist; a 450 query converts through the
	// CSO-equivalent opacity
	ix := skydipIndex(t, "KEY ORACTIME FILTER TAUZ\ns1 10 850 0.3\n")
	resolver := New(Options{System: SystemSkydip, Skydip: ix})

	got, err := resolver.TauForFilter(obsAt(10.0), "450")
	require.NoError(t, err)
	cso, err := FilterToCSO(0.3, "850")
	require.NoError(t, err)
	want, err := CSOToFilter(cso, "450")
	require.NoError(t, err)
	assert.InDelta(t, want, got, 1e-12)
}

func TestTau_SkydipEmptyIndex(t *testing.T) {
	ix := skydipIndex(t, "KEY ORACTIME FILTER TAUZ\n")
	resolver := New(Options{System: SystemSkydip, Skydip: ix})

	_, err := resolver.TauForFilter(obsAt(10.0), "850")
	var lookupErr calerr.LookupError
	require.True(t, errors.As(err, &lookupErr))

	_, err = resolver.TauForFilter(obsAt(10.0), "450")
	assert.True(t, errors.As(err, &lookupErr))
}

func TestTau_SkydipUnconfigured(t *testing.T) {
	resolver := New(Options{System: SystemSkydip})
	_, err := resolver.TauForFilter(obsAt(10.0), "850")
	var cfgErr calerr.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestTau_CSOFitPolynomial(t *testing.T) {
	// tau_cso(t) = 0.01 + 0.004*t over the fitted stretch
	ix := openIndex(t, "csofit", "COEFFS set\n",
		"KEY ORACTIME COEFFS\nfit1 10 0.01,0.004\n")
	resolver := New(Options{System: SystemCSOFit, CSOFit: ix})

	got, err := resolver.TauForFilter(obsAt(12.0), "850")
	require.NoError(t, err)
	want, _ := CSOToFilter(0.01+0.004*12.0, "850")
	assert.InDelta(t, want, got, 1e-12)
}

func TestTau_CSOFitScalarCoefficient(t *testing.T) {
	ix := openIndex(t, "csofit", "COEFFS set\n",
		"KEY ORACTIME COEFFS\nfit1 10 0.08\n")
	resolver := New(Options{System: SystemCSOFit, CSOFit: ix})

	got, err := resolver.TauForFilter(obsAt(12.0), "850")
	require.NoError(t, err)
	want, _ := CSOToFilter(0.08, "850")
	assert.InDelta(t, want, got, 1e-12)
}

func TestTau_CSOFitNoCoveringFit(t *testing.T) {
	ix := openIndex(t, "csofit", "COEFFS set\n",
		"KEY ORACTIME COEFFS\nfit1 20 0.08\n")
	resolver := New(Options{System: SystemCSOFit, CSOFit: ix})

	// all fits start after the observation
	_, err := resolver.TauForFilter(obsAt(12.0), "850")
	var lookupErr calerr.LookupError
	assert.True(t, errors.As(err, &lookupErr))
}

func TestTau_CacheIsPerSystemTimeAndFilter(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.skydip"), []byte("FILTER ==\nTAUZ set\n"), 0644))
	path := filepath.Join(dir, "index.skydip")
	require.NoError(t, os.WriteFile(path, []byte("KEY ORACTIME FILTER TAUZ\ns1 10 850 1.8\n"), 0644))
	rset, err := rules.Load("skydip", []string{dir})
	require.NoError(t, err)
	ix, err := index.Open(path, rset, index.Options{})
	require.NoError(t, err)

	resolver := New(Options{System: SystemSkydip, Skydip: ix})
	first, err := resolver.TauForFilter(obsAt(10.0), "850")
	require.NoError(t, err)

	// appending a closer skydip does not disturb the already-resolved
	// query, repeated lookups within a run are idempotent
	require.NoError(t, ix.Add(index.Entry{
		Key:    "s2",
		Values: map[string]interface{}{obs.TimeKey: 10.0, "FILTER": "850", "TAUZ": 9.9},
	}))
	again, err := resolver.TauForFilter(obsAt(10.0), "850")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// a different filter is a different cache slot
	other, err := resolver.TauForFilter(obsAt(10.0), "450")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestTau_SetSystemSwitches(t *testing.T) {
	resolver := New(Options{System: SystemCSOFixed, FixedCSO: 0.1})
	require.Equal(t, SystemCSOFixed, resolver.System())

	octx := obs.New(map[string]interface{}{
		obs.TimeKey: 10.0, "TAU225ST": 0.05, "TAU225EN": 0.05,
	}, nil)
	fixed, err := resolver.TauForFilter(octx, "850")
	require.NoError(t, err)

	resolver.SetSystem(SystemCSO)
	fromHeaders, err := resolver.TauForFilter(octx, "850")
	require.NoError(t, err)
	assert.NotEqual(t, fixed, fromHeaders)
}

func TestTau_MissingTimeIsConfigurationError(t *testing.T) {
	resolver := New(Options{System: SystemCSOFixed, FixedCSO: 0.1})
	_, err := resolver.TauForFilter(obs.New(map[string]interface{}{}, nil), "850")
	var cfgErr calerr.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestPolyval(t *testing.T) {
	assert.Equal(t, 0.0, polyval(nil, 3.0))
	assert.Equal(t, 5.0, polyval([]float64{5}, 3.0))
	// 1 + 2x + 3x^2 at x=2
	assert.Equal(t, 17.0, polyval([]float64{1, 2, 3}, 2.0))
}
