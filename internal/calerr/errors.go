// Package calerr defines the error taxonomy shared by the calibration
// engine and its index/rules layers. Every terminal failure surfaced to
// the pipeline is one of these types.
package calerr

import "fmt"

// ConfigurationError means the calibration system itself is misconfigured:
// a rules file is missing, or a required item was demanded with neither an
// override nor an index to satisfy it.
type ConfigurationError struct {
	Item   string
	Reason string
}

func (e ConfigurationError) Error() string {
	if e.Item == "" {
		return fmt.Sprintf("calibration configuration: %s", e.Reason)
	}
	return fmt.Sprintf("calibration %s: %s", e.Item, e.Reason)
}

// ErrConfiguration builds a ConfigurationError.
func ErrConfiguration(item, format string, args ...interface{}) error {
	return ConfigurationError{Item: item, Reason: fmt.Sprintf(format, args...)}
}

// LookupError means a query ran but found nothing usable: no index entry
// satisfies the rules and no fallback applies, or a matched entry is
// missing a required column.
type LookupError struct {
	Item   string
	Reason string
}

func (e LookupError) Error() string {
	return fmt.Sprintf("no suitable %s calibration: %s", e.Item, e.Reason)
}

// ErrLookup builds a LookupError.
func ErrLookup(item, format string, args ...interface{}) error {
	return LookupError{Item: item, Reason: fmt.Sprintf(format, args...)}
}

// OverrideRejectedError means a caller-forced value failed verification
// against the current observation while no-update was in force. The engine
// never silently searches the index past a rejected override.
type OverrideRejectedError struct {
	Item  string
	Value string
}

func (e OverrideRejectedError) Error() string {
	return fmt.Sprintf("override %s for %s is not suitable for this observation", e.Value, e.Item)
}

// ErrOverrideRejected builds an OverrideRejectedError.
func ErrOverrideRejected(item, value string) error {
	return OverrideRejectedError{Item: item, Value: value}
}

// DomainError means an analytic conversion was asked to operate outside
// its valid domain (e.g. an opacity too high for the scaling polynomial).
// Distinct from LookupError: the data exists, the physics does not apply.
type DomainError struct {
	Item   string
	Reason string
}

func (e DomainError) Error() string {
	return fmt.Sprintf("%s out of valid domain: %s", e.Item, e.Reason)
}

// ErrDomain builds a DomainError.
func ErrDomain(item, format string, args ...interface{}) error {
	return DomainError{Item: item, Reason: fmt.Sprintf(format, args...)}
}
