// Package instrument holds the per-instrument calibration item tables.
// An instrument is configuration, not a subclass: a list of item
// descriptors plus the handful of bespoke functions (mode switches,
// context augmenters, fallback defaults) an instrument genuinely needs.
package instrument

import (
	"sort"
	"strings"

	"github.com/obsforge/calibra/internal/cal"
	"github.com/obsforge/calibra/internal/calerr"
	"github.com/obsforge/calibra/internal/obs"
)

// skydip bounds older than three hours draw a warning
const skydipStalenessDays = 3.0 / 24.0

var registry = map[string]func() []cal.ItemSpec{
	"imagecam": imageCam,
	"ifucam":   ifuCam,
	"hetero":   hetero,
	"scuba":    scuba,
}

// Names lists the known instruments.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the item descriptor table for an instrument.
func Lookup(name string) ([]cal.ItemSpec, error) {
	f, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, calerr.ErrConfiguration(name, "unknown instrument (have %v)", Names())
	}
	return f(), nil
}

// imageCam is the generic near-infrared imager: file-valued items chosen
// nearest in time, a seeded bad-pixel mask with a shipped default, and a
// read-noise value pulled straight from the matched entry.
func imageCam() []cal.ItemSpec {
	return []cal.ItemSpec{
		{Name: "dark", Policy: cal.PolicyNearest, Location: cal.LocationDynamic, Kind: cal.KindFile},
		{Name: "bias", Policy: cal.PolicyNearest, Location: cal.LocationDynamic, Kind: cal.KindFile},
		{Name: "flat", Policy: cal.PolicyNearest, Location: cal.LocationDynamic, Kind: cal.KindFile},
		{
			Name:     "mask",
			Policy:   cal.PolicyNearest,
			Location: cal.LocationDynamicSeeded,
			Kind:     cal.KindFile,
			Fallback: func() (cal.Result, bool) {
				return cal.Result{File: "bpm"}, true
			},
		},
		{
			Name:     "readnoise",
			Policy:   cal.PolicyNearest,
			Location: cal.LocationDynamic,
			Kind:     cal.KindColumns,
			Columns:  []string{"READNOISE"},
		},
	}
}

// ifuCam operates in two mutually exclusive modes; its flat and arc
// transparently redirect to parallel _im/_sp index pairs depending on
// whether a grism is in the beam. The switch runs on every query since
// one engine instance serves observations that change mode. Arcs are
// optional: spectroscopy recipes decide whether to use one.
func ifuCam() []cal.ItemSpec {
	return []cal.ItemSpec{
		{
			Name:       "flat",
			Policy:     cal.PolicyNearest,
			Location:   cal.LocationDynamic,
			Kind:       cal.KindFile,
			ModeSwitch: grismMode,
		},
		{
			Name:       "arc",
			Policy:     cal.PolicyNearest,
			Location:   cal.LocationDynamic,
			Kind:       cal.KindFile,
			Lenient:    true,
			ModeSwitch: grismMode,
		},
		{Name: "dark", Policy: cal.PolicyNearest, Location: cal.LocationDynamic, Kind: cal.KindFile},
	}
}

func grismMode(octx obs.Context) string {
	if v, ok := octx.Lookup("GRISM"); ok {
		g := strings.ToLower(obs.AsString(v))
		if g != "" && g != "open" && g != "none" {
			return "_sp"
		}
	}
	return "_im"
}

// hetero is the heterodyne array: receptor-level calibrations that must
// never apply retroactively, plus standards matched over a frequency
// window derived from the single LO frequency header.
func hetero() []cal.ItemSpec {
	return []cal.ItemSpec{
		{
			Name:        "bad_receptors",
			Policy:      cal.PolicyUnionMerge,
			Location:    cal.LocationStatic,
			Kind:        cal.KindList,
			UnionColumn: "DETECTORS",
		},
		{
			Name:     "sideband",
			Policy:   cal.PolicyNearestPast,
			Location: cal.LocationStatic,
			Kind:     cal.KindColumns,
			Columns:  []string{"SIDEBAND_FACTOR"},
		},
		{
			Name:     "standard",
			Policy:   cal.PolicyNearest,
			Location: cal.LocationStatic,
			Kind:     cal.KindFile,
			Augment:  loFrequencyWindow,
		},
	}
}

// loFrequencyWindow widens a single LO frequency into the min/max pair
// the standard rules expect. The widened view exists only for the query.
func loFrequencyWindow(octx obs.Context) obs.Context {
	f, err := octx.Float("LOFREQ")
	if err != nil {
		return octx
	}
	return octx.Augment(map[string]interface{}{
		"LOFREQ_MIN": f - 0.1,
		"LOFREQ_MAX": f + 0.1,
	})
}

// scuba is the submillimetre continuum camera: flats are optional for
// some subarrays, and sky opacity comes from bracketing skydips
// interpolated in time.
func scuba() []cal.ItemSpec {
	return []cal.ItemSpec{
		{
			Name:     "flat",
			Policy:   cal.PolicyNearest,
			Location: cal.LocationDynamic,
			Kind:     cal.KindFile,
			Lenient:  true,
		},
		{Name: "dark", Policy: cal.PolicyNearest, Location: cal.LocationDynamic, Kind: cal.KindFile},
		{
			Name:          "skydip",
			Policy:        cal.PolicyInterpolate,
			Location:      cal.LocationDynamic,
			Kind:          cal.KindColumns,
			InterpColumn:  "TAUZ",
			StalenessDays: skydipStalenessDays,
		},
		{
			Name:        "bad_bolometers",
			Policy:      cal.PolicyUnionMerge,
			Location:    cal.LocationStatic,
			Kind:        cal.KindList,
			UnionColumn: "DETECTORS",
		},
	}
}
