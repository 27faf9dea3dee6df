// Package rules parses and evaluates the per-item compatibility predicate
// sets that decide whether an index entry may calibrate an observation.
//
// A rules file holds one predicate per line:
//
//	FILTER ==               entry.FILTER must equal the observation's FILTER
//	MODE == STARE           entry.MODE must equal the literal STARE
//	EXPTIME abs<= 0.1       |entry.EXPTIME - obs.EXPTIME| <= 0.1
//	LOFREQ >= obs.LOFREQ_MIN  entry.LOFREQ compared against another obs key
//	CHOP_THROW set          entry must carry the column at all
//
// The ordered set of keys named by the rules fixes the column schema of the
// index the rules are paired with.
package rules

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/obsforge/calibra/internal/calerr"
	"github.com/obsforge/calibra/internal/obs"
)

// Op is a rule comparison operator.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpAbsTol // absolute tolerance against the observation's own value
	OpSet    // column must be present
)

var opNames = map[string]Op{
	"==":    OpEq,
	"!=":    OpNe,
	"<":     OpLt,
	"<=":    OpLe,
	">":     OpGt,
	">=":    OpGe,
	"abs<=": OpAbsTol,
	"set":   OpSet,
}

func (o Op) String() string {
	for s, op := range opNames {
		if op == o {
			return s
		}
	}
	return "?"
}

// Rule is one predicate over an (observation, candidate entry) pair.
type Rule struct {
	Key string
	Op  Op

	// Exactly one of the following applies. When none is set the entry
	// value is compared against the observation's value for Key.
	Literal interface{} // literal operand (float64 or string)
	ObsKey  string      // operand taken from the observation under this key
}

// Rejection records why a candidate entry failed one rule.
type Rejection struct {
	Rule   string
	Reason string
}

// Set is an ordered conjunction of rules read from one rules file.
type Set struct {
	Name    string
	Path    string
	rules   []Rule
	columns []string
}

// Load locates and parses rules.<name>, searching dirs in order. A rules
// file that cannot be found anywhere is a configuration error, not a
// lookup failure.
func Load(name string, dirs []string) (*Set, error) {
	for _, dir := range dirs {
		path := filepath.Join(dir, "rules."+name)
		if _, err := os.Stat(path); err == nil {
			return Parse(name, path)
		}
	}
	return nil, calerr.ErrConfiguration(name, "rules file rules.%s not found in %v", name, dirs)
}

// Parse reads a rules file from an explicit path.
func Parse(name, path string) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, calerr.ErrConfiguration(name, "open rules file %s: %v", path, err)
	}
	defer f.Close()

	set := &Set{Name: name, Path: path}
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rule, err := parseLine(line)
		if err != nil {
			return nil, calerr.ErrConfiguration(name, "%s:%d: %v", path, lineNo, err)
		}
		set.rules = append(set.rules, rule)
		if !seen[rule.Key] {
			seen[rule.Key] = true
			set.columns = append(set.columns, rule.Key)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, calerr.ErrConfiguration(name, "read rules file %s: %v", path, err)
	}
	return set, nil
}

func parseLine(line string) (Rule, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Rule{}, fmt.Errorf("malformed rule %q", line)
	}
	op, ok := opNames[fields[1]]
	if !ok {
		return Rule{}, fmt.Errorf("unknown operator %q", fields[1])
	}
	rule := Rule{Key: fields[0], Op: op}
	switch {
	case op == OpSet:
		if len(fields) > 2 {
			return Rule{}, fmt.Errorf("operator set takes no operand in %q", line)
		}
	case len(fields) == 2:
		// bare operator: compare against the observation's same key
	case strings.HasPrefix(fields[2], "obs."):
		rule.ObsKey = strings.TrimPrefix(fields[2], "obs.")
	default:
		if f, err := strconv.ParseFloat(fields[2], 64); err == nil {
			rule.Literal = f
		} else {
			rule.Literal = strings.Trim(fields[2], `"`)
		}
	}
	if op == OpAbsTol {
		if _, isNum := rule.Literal.(float64); !isNum {
			return Rule{}, fmt.Errorf("abs<= requires a numeric tolerance in %q", line)
		}
	}
	return rule, nil
}

// Columns returns the keys the rules reference, in first-appearance
// order. This is the column schema of the paired index.
func (s *Set) Columns() []string {
	out := make([]string, len(s.columns))
	copy(out, s.columns)
	return out
}

// Rules returns the parsed rules in file order.
func (s *Set) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Eval checks every rule against the candidate entry values and the
// observation. It returns true only when all rules pass; rejections name
// the first failing comparisons for logging.
func (s *Set) Eval(entry map[string]interface{}, ctx obs.Context) (bool, []Rejection) {
	var rejections []Rejection
	for _, r := range s.rules {
		if ok, reason := evalRule(r, entry, ctx); !ok {
			rejections = append(rejections, Rejection{
				Rule:   fmt.Sprintf("%s %s", r.Key, r.Op),
				Reason: reason,
			})
		}
	}
	return len(rejections) == 0, rejections
}

func evalRule(r Rule, entry map[string]interface{}, ctx obs.Context) (bool, string) {
	ev, present := entry[r.Key]
	if r.Op == OpSet {
		if !present {
			return false, fmt.Sprintf("column %s absent", r.Key)
		}
		return true, ""
	}
	if !present {
		return false, fmt.Sprintf("column %s absent", r.Key)
	}

	// Resolve the operand: literal, another observation key, or the
	// observation's value under the rule's own key.
	var operand interface{}
	switch {
	case r.Literal != nil:
		operand = r.Literal
	case r.ObsKey != "":
		v, ok := ctx.Lookup(r.ObsKey)
		if !ok {
			return false, fmt.Sprintf("observation lacks %s", r.ObsKey)
		}
		operand = v
	default:
		v, ok := ctx.Lookup(r.Key)
		if !ok {
			return false, fmt.Sprintf("observation lacks %s", r.Key)
		}
		operand = v
	}

	if r.Op == OpAbsTol {
		ef, eok := obs.AsFloat(ev)
		of, ferr := ctx.Float(r.Key)
		tol := r.Literal.(float64)
		if !eok || ferr != nil {
			return false, fmt.Sprintf("%s not numeric for tolerance compare", r.Key)
		}
		if diff := abs(ef - of); diff > tol {
			return false, fmt.Sprintf("|%v - %v| = %v exceeds %v", ef, of, diff, tol)
		}
		return true, ""
	}

	ef, eIsNum := obs.AsFloat(ev)
	of, oIsNum := obs.AsFloat(operand)
	if eIsNum && oIsNum {
		if compareFloat(r.Op, ef, of) {
			return true, ""
		}
		return false, fmt.Sprintf("%v %s %v is false", ef, r.Op, of)
	}

	// Non-numeric comparison: only equality operators make sense.
	es, ws := obs.AsString(ev), obs.AsString(operand)
	switch r.Op {
	case OpEq:
		if es == ws {
			return true, ""
		}
		return false, fmt.Sprintf("%q != %q", es, ws)
	case OpNe:
		if es != ws {
			return true, ""
		}
		return false, fmt.Sprintf("%q == %q", es, ws)
	default:
		return false, fmt.Sprintf("%s %s: ordering compare on non-numeric value", r.Key, r.Op)
	}
}

func compareFloat(op Op, a, b float64) bool {
	switch op {
	case OpEq:
		return a == b
	case OpNe:
		return a != b
	case OpLt:
		return a < b
	case OpLe:
		return a <= b
	case OpGt:
		return a > b
	case OpGe:
		return a >= b
	}
	return false
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
