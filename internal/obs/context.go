// Package obs provides the read-only view of the current observation's
// headers that calibration queries are matched against.
package obs

import (
	"fmt"
	"strconv"
)

// TimeKey is the mandatory header carrying the UT fractional-day timestamp
// used as the universal time axis for nearest/interpolation queries.
const TimeKey = "ORACTIME"

// Context is the observation's header state: the primary header plus the
// derived/user header. Lookups consult any query-local augmentation first,
// then the primary header, then the user header. A Context is never
// modified after construction; Augment returns a widened copy.
type Context struct {
	header  map[string]interface{}
	user    map[string]interface{}
	augment map[string]interface{}
}

// New builds a Context over the given header maps. The maps are not
// copied; callers must not mutate them while the Context is in use.
func New(header, user map[string]interface{}) Context {
	return Context{header: header, user: user}
}

// Lookup returns the value for key, searching augmentation, primary
// header, then user header.
func (c Context) Lookup(key string) (interface{}, bool) {
	if c.augment != nil {
		if v, ok := c.augment[key]; ok {
			return v, true
		}
	}
	if v, ok := c.header[key]; ok {
		return v, true
	}
	v, ok := c.user[key]
	return v, ok
}

// Float returns the value for key coerced to float64.
func (c Context) Float(key string) (float64, error) {
	v, ok := c.Lookup(key)
	if !ok {
		return 0, fmt.Errorf("header %s not present", key)
	}
	f, ok := AsFloat(v)
	if !ok {
		return 0, fmt.Errorf("header %s is not numeric: %v", key, v)
	}
	return f, nil
}

// Time returns the observation's ORACTIME.
func (c Context) Time() (float64, error) {
	return c.Float(TimeKey)
}

// Augment returns a copy of the Context with extra keys layered on top.
// The receiver is untouched; the widened view lives only as long as the
// returned value, so a single query can broaden its match without any
// caller-visible side effect.
func (c Context) Augment(extra map[string]interface{}) Context {
	merged := make(map[string]interface{}, len(c.augment)+len(extra))
	for k, v := range c.augment {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return Context{header: c.header, user: c.user, augment: merged}
}

// AsFloat coerces header and index values to float64. Numeric strings
// coerce; everything else does not.
func AsFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// AsString renders a header or index value in its on-disk form.
func AsString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case []float64:
		s := ""
		for i, f := range x {
			if i > 0 {
				s += ","
			}
			s += strconv.FormatFloat(f, 'g', -1, 64)
		}
		return s
	default:
		return fmt.Sprintf("%v", x)
	}
}
