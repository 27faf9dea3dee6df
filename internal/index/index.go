// Package index implements the flat-file tables of past calibration
// observations and the rule-filtered nearest/past/future queries over
// them.
package index

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/obsforge/calibra/internal/calerr"
	"github.com/obsforge/calibra/internal/obs"
	"github.com/obsforge/calibra/internal/rules"
)

// Verdict is the tri-state result of verifying a previously selected
// value against the current observation. Callers branch on all three
// states: Valid keeps the cached value, Stale triggers a fresh search
// with a warning about the old choice, Unattempted triggers a fresh
// search with no complaint.
type Verdict int

const (
	VerdictUnattempted Verdict = iota
	VerdictValid
	VerdictStale
)

func (v Verdict) String() string {
	switch v {
	case VerdictValid:
		return "valid"
	case VerdictStale:
		return "stale"
	default:
		return "unattempted"
	}
}

// Entry is one row of an index: a unique key (the source observation's
// filename) plus one value per column.
type Entry struct {
	Key    string
	Values map[string]interface{}
}

// Time returns the entry's ORACTIME, the universal time axis.
func (e Entry) Time() (float64, bool) {
	return obs.AsFloat(e.Values[obs.TimeKey])
}

// Float returns a named column coerced to float64.
func (e Entry) Float(col string) (float64, bool) {
	v, ok := e.Values[col]
	if !ok {
		return 0, false
	}
	return obs.AsFloat(v)
}

// QueryOpts tunes one query. Quiet silences the per-candidate rejection
// warnings while an index is scanned; terminal failures are never
// silenced.
type QueryOpts struct {
	Quiet bool
}

// Index is an append-only flat-file table. Every entry carries the same
// column set, fixed by the paired rule set; a file whose header disagrees
// is rejected at load rather than migrated.
type Index struct {
	mu      sync.Mutex
	path    string
	static  bool
	rules   *rules.Set
	columns []string
	entries []Entry
	byKey   map[string]int
	logger  *zap.Logger
	stale   bool
}

// Options configures Open.
type Options struct {
	// Static marks the index as living in the shared read-only
	// calibration directory; Add is rejected.
	Static bool
	Logger *zap.Logger
}

// Open loads the index at path if the file exists, or starts empty.
// The column schema is ORACTIME followed by the rule set's columns.
func Open(path string, rset *rules.Set, opts Options) (*Index, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ix := &Index{
		path:    path,
		static:  opts.Static,
		rules:   rset,
		columns: schemaColumns(rset),
		byKey:   make(map[string]int),
		logger:  logger,
	}
	if err := ix.load(); err != nil {
		return nil, err
	}
	return ix, nil
}

func schemaColumns(rset *rules.Set) []string {
	cols := []string{obs.TimeKey}
	for _, c := range rset.Columns() {
		if c != obs.TimeKey {
			cols = append(cols, c)
		}
	}
	return cols
}

// Path returns the backing file path.
func (ix *Index) Path() string { return ix.path }

// Columns returns the index's column schema.
func (ix *Index) Columns() []string {
	out := make([]string, len(ix.columns))
	copy(out, ix.columns)
	return out
}

// Len returns the number of entries.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.reloadIfStale(); err != nil {
		ix.logger.Warn("index reload failed", zap.String("path", ix.path), zap.Error(err))
	}
	return len(ix.entries)
}

// Keys returns every entry key in file order.
func (ix *Index) Keys() []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.reloadIfStale(); err != nil {
		ix.logger.Warn("index reload failed", zap.String("path", ix.path), zap.Error(err))
	}
	keys := make([]string, len(ix.entries))
	for i, e := range ix.entries {
		keys[i] = e.Key
	}
	return keys
}

func (ix *Index) load() error {
	f, err := os.Open(ix.path)
	if os.IsNotExist(err) {
		ix.entries = nil
		ix.byKey = make(map[string]int)
		return nil
	}
	if err != nil {
		return calerr.ErrConfiguration("", "open index %s: %v", ix.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		ix.entries = nil
		ix.byKey = make(map[string]int)
		return scanner.Err()
	}
	header := strings.Fields(scanner.Text())
	want := append([]string{"KEY"}, ix.columns...)
	if !equalStrings(header, want) {
		return calerr.ErrConfiguration("", "index %s column set %v does not match rules schema %v",
			ix.path, header, want)
	}

	var entries []Entry
	byKey := make(map[string]int)
	lineNo := 1
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != len(ix.columns)+1 {
			return calerr.ErrConfiguration("", "index %s:%d: %d fields, want %d",
				ix.path, lineNo, len(fields), len(ix.columns)+1)
		}
		e := Entry{Key: fields[0], Values: make(map[string]interface{}, len(ix.columns))}
		for i, col := range ix.columns {
			e.Values[col] = parseValue(fields[i+1])
		}
		if _, dup := byKey[e.Key]; dup {
			return calerr.ErrConfiguration("", "index %s:%d: duplicate key %s", ix.path, lineNo, e.Key)
		}
		byKey[e.Key] = len(entries)
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return calerr.ErrConfiguration("", "read index %s: %v", ix.path, err)
	}
	ix.entries = entries
	ix.byKey = byKey
	return nil
}

// parseValue coerces an on-disk field: a plain float, a comma-joined
// float list (2-vector offsets and the like), otherwise a string.
func parseValue(s string) interface{} {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if strings.Contains(s, ",") {
		parts := strings.Split(s, ",")
		vec := make([]float64, 0, len(parts))
		for _, p := range parts {
			f, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return s
			}
			vec = append(vec, f)
		}
		return vec
	}
	return s
}

// Add appends an entry. The entry must carry exactly the index's column
// set; a static index rejects writes outright.
func (ix *Index) Add(e Entry) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.static {
		return calerr.ErrConfiguration("", "index %s is static (read-only); refusing to add %s", ix.path, e.Key)
	}
	if err := ix.reloadIfStale(); err != nil {
		return err
	}
	if e.Key == "" {
		return calerr.ErrConfiguration("", "index %s: entry has no key", ix.path)
	}
	if _, dup := ix.byKey[e.Key]; dup {
		return calerr.ErrConfiguration("", "index %s: entry %s already present; entries are immutable", ix.path, e.Key)
	}
	fields := make([]string, 0, len(ix.columns)+1)
	fields = append(fields, e.Key)
	for _, col := range ix.columns {
		v, ok := e.Values[col]
		if !ok {
			return calerr.ErrConfiguration("", "index %s: entry %s missing column %s", ix.path, e.Key, col)
		}
		s := obs.AsString(v)
		if s == "" || strings.ContainsAny(s, " \t") {
			return calerr.ErrConfiguration("", "index %s: entry %s column %s value %q not representable", ix.path, e.Key, col, s)
		}
		fields = append(fields, s)
	}
	for col := range e.Values {
		if !containsString(ix.columns, col) {
			return calerr.ErrConfiguration("", "index %s: entry %s carries unknown column %s", ix.path, e.Key, col)
		}
	}

	// The header goes in only when the file is absent or empty; an empty
	// file loads as an empty index, so len(entries) alone cannot tell the
	// two apart.
	writeHeader := true
	if fi, err := os.Stat(ix.path); err == nil && fi.Size() > 0 {
		writeHeader = false
	}
	f, err := os.OpenFile(ix.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return calerr.ErrConfiguration("", "append to index %s: %v", ix.path, err)
	}
	defer f.Close()
	if writeHeader {
		if _, err := fmt.Fprintln(f, strings.Join(append([]string{"KEY"}, ix.columns...), " ")); err != nil {
			return calerr.ErrConfiguration("", "write index header %s: %v", ix.path, err)
		}
	}
	if _, err := fmt.Fprintln(f, strings.Join(fields, " ")); err != nil {
		return calerr.ErrConfiguration("", "write index entry %s: %v", ix.path, err)
	}

	stored := Entry{Key: e.Key, Values: make(map[string]interface{}, len(ix.columns))}
	for _, col := range ix.columns {
		stored.Values[col] = e.Values[col]
	}
	ix.byKey[e.Key] = len(ix.entries)
	ix.entries = append(ix.entries, stored)
	return nil
}

// GetEntry returns the entry for key.
func (ix *Index) GetEntry(key string) (Entry, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.reloadIfStale(); err != nil {
		return Entry{}, err
	}
	i, ok := ix.byKey[key]
	if !ok {
		return Entry{}, calerr.ErrLookup("", "entry %s not in index %s", key, ix.path)
	}
	return ix.entries[i], nil
}

// Verify re-checks a previously selected entry key against the current
// observation. An empty key, or a key with no entry in the index, means
// verification cannot be attempted; an entry that now fails a rule is
// stale.
func (ix *Index) Verify(key string, ctx obs.Context, opts QueryOpts) Verdict {
	if key == "" {
		return VerdictUnattempted
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.reloadIfStale(); err != nil {
		ix.logger.Warn("index reload failed", zap.String("path", ix.path), zap.Error(err))
		return VerdictUnattempted
	}
	i, ok := ix.byKey[key]
	if !ok {
		// Not in the index at all: verification cannot be attempted.
		// The value may be a caller-forced file with no provenance
		// here, so this is not the same as failing a rule.
		if !opts.Quiet {
			ix.logger.Debug("value has no entry in index; verification not attempted",
				zap.String("index", ix.path), zap.String("key", key))
		}
		return VerdictUnattempted
	}
	ok, rejections := ix.rules.Eval(ix.entries[i].Values, ctx)
	if ok {
		return VerdictValid
	}
	if !opts.Quiet {
		for _, r := range rejections {
			ix.logger.Warn("previous calibration fails rule",
				zap.String("index", ix.path), zap.String("key", key),
				zap.String("rule", r.Rule), zap.String("reason", r.Reason))
		}
	}
	return VerdictStale
}

type timeWindow int

const (
	anyTime timeWindow = iota
	pastOnly
	futureOnly
)

// ChooseNearest returns the key of the rule-satisfying entry closest in
// time to the observation, or "" when none qualifies. With
// allowFuture=false only entries at or before the observation's time are
// eligible, for quantities that must never be applied retroactively.
// Exact ties go to the entry earliest in file order.
func (ix *Index) ChooseNearest(ctx obs.Context, allowFuture bool, opts QueryOpts) (string, error) {
	w := anyTime
	if !allowFuture {
		w = pastOnly
	}
	return ix.choose(ctx, w, opts)
}

// ChooseNearestPast is ChooseNearest restricted to entries at or before
// the observation's time.
func (ix *Index) ChooseNearestPast(ctx obs.Context, opts QueryOpts) (string, error) {
	return ix.choose(ctx, pastOnly, opts)
}

// ChooseNearestFuture is the symmetric query over entries at or after the
// observation's time, used as interpolation's upper bound.
func (ix *Index) ChooseNearestFuture(ctx obs.Context, opts QueryOpts) (string, error) {
	return ix.choose(ctx, futureOnly, opts)
}

func (ix *Index) choose(ctx obs.Context, w timeWindow, opts QueryOpts) (string, error) {
	t, err := ctx.Time()
	if err != nil {
		return "", calerr.ErrConfiguration("", "observation has no usable %s: %v", obs.TimeKey, err)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.reloadIfStale(); err != nil {
		return "", err
	}

	best := ""
	bestDist := 0.0
	for _, e := range ix.entries {
		et, ok := e.Time()
		if !ok {
			continue
		}
		if w == pastOnly && et > t {
			continue
		}
		if w == futureOnly && et < t {
			continue
		}
		ok, rejections := ix.rules.Eval(e.Values, ctx)
		if !ok {
			if !opts.Quiet {
				for _, r := range rejections {
					ix.logger.Warn("candidate rejected",
						zap.String("index", ix.path), zap.String("key", e.Key),
						zap.String("rule", r.Rule), zap.String("reason", r.Reason))
				}
			}
			continue
		}
		dist := et - t
		if dist < 0 {
			dist = -dist
		}
		// strict < keeps the earliest entry on an exact tie
		if best == "" || dist < bestDist {
			best = e.Key
			bestDist = dist
		}
	}
	return best, nil
}

func (ix *Index) reloadIfStale() error {
	if !ix.stale {
		return nil
	}
	ix.stale = false
	return ix.load()
}

func (ix *Index) markStale() {
	ix.mu.Lock()
	ix.stale = true
	ix.mu.Unlock()
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
