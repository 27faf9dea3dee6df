package instrument

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obsforge/calibra/internal/cal"
	"github.com/obsforge/calibra/internal/calerr"
	"github.com/obsforge/calibra/internal/obs"
)

func TestLookup(t *testing.T) {
	for _, name := range Names() {
		specs, err := Lookup(name)
		require.NoError(t, err, name)
		assert.NotEmpty(t, specs, name)
		seen := map[string]bool{}
		for _, spec := range specs {
			assert.NotEmpty(t, spec.Name)
			assert.False(t, seen[spec.Name], "%s declares %s twice", name, spec.Name)
			seen[spec.Name] = true
		}
	}

	_, err := Lookup("SCUBA")
	assert.NoError(t, err, "lookup is case-insensitive")

	_, err = Lookup("theodolite")
	var cfgErr calerr.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func itemByName(t *testing.T, specs []cal.ItemSpec, name string) cal.ItemSpec {
	t.Helper()
	for _, s := range specs {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no item %q", name)
	return cal.ItemSpec{}
}

func TestImageCam(t *testing.T) {
	specs, err := Lookup("imagecam")
	require.NoError(t, err)

	mask := itemByName(t, specs, "mask")
	assert.Equal(t, cal.LocationDynamicSeeded, mask.Location)
	require.NotNil(t, mask.Fallback)
	res, ok := mask.Fallback()
	assert.True(t, ok)
	assert.Equal(t, "bpm", res.File)

	rn := itemByName(t, specs, "readnoise")
	assert.Equal(t, cal.KindColumns, rn.Kind)
	assert.Equal(t, []string{"READNOISE"}, rn.Columns)
}

func TestGrismMode(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]interface{}
		want   string
	}{
		{"no grism header", map[string]interface{}{}, "_im"},
		{"grism open", map[string]interface{}{"GRISM": "open"}, "_im"},
		{"grism none", map[string]interface{}{"GRISM": "none"}, "_im"},
		{"grism empty", map[string]interface{}{"GRISM": ""}, "_im"},
		{"grism in beam", map[string]interface{}{"GRISM": "HK"}, "_sp"},
		{"case folded", map[string]interface{}{"GRISM": "OPEN"}, "_im"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, grismMode(obs.New(tt.header, nil)))
		})
	}
}

func TestIFUCam_ArcIsOptional(t *testing.T) {
	specs, err := Lookup("ifucam")
	require.NoError(t, err)
	assert.True(t, itemByName(t, specs, "arc").Lenient)
	assert.False(t, itemByName(t, specs, "flat").Lenient)
	assert.NotNil(t, itemByName(t, specs, "flat").ModeSwitch)
}

func TestHetero(t *testing.T) {
	specs, err := Lookup("hetero")
	require.NoError(t, err)

	bad := itemByName(t, specs, "bad_receptors")
	assert.Equal(t, cal.PolicyUnionMerge, bad.Policy)
	assert.Equal(t, "DETECTORS", bad.UnionColumn)

	sideband := itemByName(t, specs, "sideband")
	assert.Equal(t, cal.PolicyNearestPast, sideband.Policy)
}

func TestLOFrequencyWindow(t *testing.T) {
	octx := obs.New(map[string]interface{}{"LOFREQ": 345.796}, nil)
	widened := loFrequencyWindow(octx)

	lo, err := widened.Float("LOFREQ_MIN")
	require.NoError(t, err)
	hi, err := widened.Float("LOFREQ_MAX")
	require.NoError(t, err)
	assert.InDelta(t, 345.696, lo, 1e-9)
	assert.InDelta(t, 345.896, hi, 1e-9)

	// the widened view exists only for the query
	_, ok := octx.Lookup("LOFREQ_MIN")
	assert.False(t, ok)

	// without the LO header the context passes through untouched
	bare := obs.New(map[string]interface{}{}, nil)
	_, ok = loFrequencyWindow(bare).Lookup("LOFREQ_MIN")
	assert.False(t, ok)
}

func TestScuba_SkydipInterpolates(t *testing.T) {
	specs, err := Lookup("scuba")
	require.NoError(t, err)

	skydip := itemByName(t, specs, "skydip")
	assert.Equal(t, cal.PolicyInterpolate, skydip.Policy)
	assert.Equal(t, "TAUZ", skydip.InterpColumn)
	assert.InDelta(t, 0.125, skydip.StalenessDays, 1e-12)

	assert.True(t, itemByName(t, specs, "flat").Lenient)
}
