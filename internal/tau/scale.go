package tau

import (
	"github.com/obsforge/calibra/internal/calerr"
)

// filterCoeff holds the linear scaling between the CSO 225 GHz reference
// opacity and a filter's zenith opacity: tau = A * (csoTau + B).
type filterCoeff struct {
	A, B float64
}

// scaling coefficients per filter, wavelength in microns
var filterCoeffs = map[string]filterCoeff{
	"350":  {A: 28.0, B: -0.012},
	"450":  {A: 26.0, B: -0.0196},
	"750":  {A: 9.3, B: -0.007},
	"850":  {A: 4.6, B: -0.0043},
	"1350": {A: 1.5, B: 0.0},
	"2000": {A: 0.9, B: 0.0},
}

// Filters lists the filters with known scaling coefficients.
func Filters() []string {
	names := make([]string, 0, len(filterCoeffs))
	for n := range filterCoeffs {
		names = append(names, n)
	}
	return names
}

// CSOToFilter converts a reference CSO opacity to the filter's zenith
// opacity. A reference opacity outside the relation's validity is a
// domain failure: the scaling polynomial is the calibration and must not
// be extrapolated.
func CSOToFilter(csoTau float64, filter string) (float64, error) {
	c, ok := filterCoeffs[filter]
	if !ok {
		return 0, calerr.ErrLookup("tau", "no opacity scaling for filter %s", filter)
	}
	if csoTau < 0 || csoTau > maxCSO {
		return 0, calerr.ErrDomain("tau", "CSO opacity %v outside [0, %v]", csoTau, maxCSO)
	}
	v := c.A * (csoTau + c.B)
	if v < 0 {
		v = 0
	}
	return v, nil
}

// FilterToCSO inverts the scaling, backing a CSO-equivalent opacity out
// of a filter measurement.
func FilterToCSO(tauFilter float64, filter string) (float64, error) {
	c, ok := filterCoeffs[filter]
	if !ok {
		return 0, calerr.ErrLookup("tau", "no opacity scaling for filter %s", filter)
	}
	if tauFilter < 0 {
		return 0, calerr.ErrDomain("tau", "filter opacity %v is negative", tauFilter)
	}
	cso := tauFilter/c.A - c.B
	if cso < 0 || cso > maxCSO {
		return 0, calerr.ErrDomain("tau", "CSO-equivalent opacity %v outside [0, %v]", cso, maxCSO)
	}
	return cso, nil
}
