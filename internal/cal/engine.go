package cal

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/obsforge/calibra/internal/calerr"
	"github.com/obsforge/calibra/internal/index"
	"github.com/obsforge/calibra/internal/metrics"
	"github.com/obsforge/calibra/internal/obs"
	"github.com/obsforge/calibra/internal/rules"
)

// Config carries the directory layout and query behaviour explicitly;
// the engine never reads the process environment.
type Config struct {
	// CalDir is the shared read-only calibration directory holding
	// static indexes, rules files and fallback calibration files.
	CalDir string
	// OutDir is the per-run output directory holding dynamic indexes.
	OutDir string
	// WatchDynamic keeps dynamic indexes current when a co-operating
	// reducer process appends to them.
	WatchDynamic bool
	// Quiet silences per-candidate rejection warnings during index
	// scans. Terminal failures are never silenced.
	Quiet bool
}

// Engine is the calibration object: one per observation-processing
// session. It is safe for concurrent use, though the underlying index
// files assume a single writer per output directory; serializing runs
// per directory is the caller's responsibility.
type Engine struct {
	cfg     Config
	logger  *zap.Logger
	met     *metrics.Metrics
	session uuid.UUID

	watchCtx context.Context
	cancel   context.CancelFunc

	items map[string]*itemState

	auditMu sync.Mutex
	audit   []Selection
}

type itemState struct {
	spec ItemSpec

	mu        sync.Mutex
	cached    *Result
	cachedKey string
	noUpdate  bool
	indexes   map[string]*index.Index // by variant: "", mode suffix, "master", "qa"
}

// index variants for union-merge sources
const (
	variantMaster = "\x00master"
	variantQA     = "\x00qa"
)

// New builds an engine from an instrument's item descriptor table.
func New(cfg Config, specs []ItemSpec, logger *zap.Logger, met *metrics.Metrics) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CalDir == "" || cfg.OutDir == "" {
		return nil, calerr.ErrConfiguration("", "both CalDir and OutDir must be set")
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		met:      met,
		session:  uuid.New(),
		watchCtx: ctx,
		cancel:   cancel,
		items:    make(map[string]*itemState, len(specs)),
	}
	for _, spec := range specs {
		if spec.Name == "" {
			cancel()
			return nil, calerr.ErrConfiguration("", "item descriptor with empty name")
		}
		if _, dup := e.items[spec.Name]; dup {
			cancel()
			return nil, calerr.ErrConfiguration(spec.Name, "duplicate item descriptor")
		}
		e.items[spec.Name] = &itemState{
			spec:    spec,
			indexes: make(map[string]*index.Index),
		}
	}
	logger.Info("calibration engine ready",
		zap.String("session", e.session.String()),
		zap.Int("items", len(specs)),
		zap.String("cal_dir", cfg.CalDir),
		zap.String("out_dir", cfg.OutDir))
	return e, nil
}

// Session returns the engine's run identifier.
func (e *Engine) Session() uuid.UUID { return e.session }

// Items returns the names of all declared calibration items.
func (e *Engine) Items() []string {
	names := make([]string, 0, len(e.items))
	for n := range e.items {
		names = append(names, n)
	}
	return names
}

// Close stops index watchers.
func (e *Engine) Close() {
	e.cancel()
}

func (e *Engine) item(name string) (*itemState, error) {
	st, ok := e.items[name]
	if !ok {
		return nil, calerr.ErrConfiguration(name, "no such calibration item")
	}
	return st, nil
}

// Get resolves the named item for the given observation.
func (e *Engine) Get(item string, octx obs.Context) (Result, error) {
	st, err := e.item(item)
	if err != nil {
		return Result{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.spec.Augment != nil {
		octx = st.spec.Augment(octx)
	}

	if st.noUpdate {
		return e.getOverridden(st, octx)
	}

	switch st.spec.Policy {
	case PolicyUnionMerge:
		return e.getUnion(st, octx)
	case PolicyInterpolate:
		return e.getInterpolated(st, octx)
	default:
		return e.getIndexed(st, octx)
	}
}

// getOverridden serves the no-update path: the cached value is
// authoritative and is never re-derived from the index, but a value with
// index provenance that now fails verification is rejected loudly rather
// than silently replaced.
func (e *Engine) getOverridden(st *itemState, octx obs.Context) (Result, error) {
	item := st.spec.Name
	if st.cached == nil {
		return Result{}, calerr.ErrConfiguration(item,
			"no-update in force but no %s value has been specified", item)
	}
	if st.cachedKey != "" && st.spec.Policy != PolicyUnionMerge {
		ix, err := e.itemIndex(st, octx)
		if err == nil {
			if ix.Verify(st.cachedKey, octx, e.queryOpts()) == index.VerdictStale {
				return Result{}, calerr.ErrOverrideRejected(item, st.cachedKey)
			}
		}
	}
	if st.spec.Policy == PolicyUnionMerge {
		return e.getUnion(st, octx)
	}
	e.record(item, st.cachedKey, "override")
	return *st.cached, nil
}

func (e *Engine) getIndexed(st *itemState, octx obs.Context) (Result, error) {
	item := st.spec.Name
	ix, err := e.itemIndex(st, octx)
	if err != nil {
		return Result{}, err
	}
	qopts := e.queryOpts()

	if st.cached != nil && st.cachedKey != "" {
		verdict := ix.Verify(st.cachedKey, octx, qopts)
		e.countVerdict(item, verdict)
		if verdict == index.VerdictValid {
			e.record(item, st.cachedKey, "cached")
			return *st.cached, nil
		}
		// Stale: the warning was already logged, search for a better one.
	}

	start := time.Now()
	var key string
	if st.spec.Policy == PolicyNearestPast {
		key, err = ix.ChooseNearestPast(octx, qopts)
	} else {
		key, err = ix.ChooseNearest(octx, true, qopts)
	}
	e.observeScan(item, start)
	if err != nil {
		return Result{}, err
	}

	if key == "" {
		return e.resolveMiss(st)
	}

	entry, err := ix.GetEntry(key)
	if err != nil {
		return Result{}, err
	}
	res, err := e.resultFromEntry(st.spec, key, entry)
	if err != nil {
		return Result{}, err
	}
	st.cached = &res
	st.cachedKey = key
	e.record(item, key, "selected")
	return res, nil
}

// resolveMiss handles an empty index query: instrument fallback first,
// then the lenient escape, then a hard lookup failure.
func (e *Engine) resolveMiss(st *itemState) (Result, error) {
	item := st.spec.Name
	if st.spec.Fallback != nil {
		if res, ok := st.spec.Fallback(); ok {
			e.logger.Warn("no index entry matched; using instrument default",
				zap.String("item", item), zap.String("default", res.File))
			e.record(item, res.File, "fallback")
			// Not cached: a fallback has no index provenance to verify.
			return res, nil
		}
	}
	if st.spec.Lenient {
		e.record(item, "", "lenient-miss")
		return Result{}, nil
	}
	e.record(item, "", "miss")
	return Result{}, calerr.ErrLookup(item, "no index entry satisfies the rules")
}

func (e *Engine) resultFromEntry(spec ItemSpec, key string, entry index.Entry) (Result, error) {
	switch spec.Kind {
	case KindColumns:
		values := make(map[string]interface{}, len(spec.Columns))
		for _, col := range spec.Columns {
			v, ok := entry.Values[col]
			if !ok {
				return Result{}, calerr.ErrLookup(spec.Name, "entry %s missing required column %s", key, col)
			}
			values[col] = v
		}
		return Result{Values: values}, nil
	default:
		return Result{File: key}, nil
	}
}

// Set caches an explicit value for the item. When no-update is in force
// the request is ignored: no-update wins.
func (e *Engine) Set(item string, r Result) error {
	st, err := e.item(item)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.noUpdate {
		e.logger.Info("no-update in force; ignoring new value",
			zap.String("item", item), zap.String("value", r.File))
		return nil
	}
	st.cached = &r
	st.cachedKey = r.File
	return nil
}

// SetNoUpdate sets or clears the item's override flag.
func (e *Engine) SetNoUpdate(item string, noUpdate bool) error {
	st, err := e.item(item)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.noUpdate = noUpdate
	return nil
}

// NoUpdate reports the item's override flag.
func (e *Engine) NoUpdate(item string) (bool, error) {
	st, err := e.item(item)
	if err != nil {
		return false, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.noUpdate, nil
}

// AddEntry registers a newly reduced calibration observation in the
// item's index (mode-resolved against the given observation).
func (e *Engine) AddEntry(item string, octx obs.Context, entry index.Entry) error {
	st, err := e.item(item)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.spec.Augment != nil {
		octx = st.spec.Augment(octx)
	}
	ix, err := e.itemIndex(st, octx)
	if err != nil {
		return err
	}
	return ix.Add(entry)
}

// ArchiveItem writes a gzip snapshot of the item's index under the given
// mode suffix ("" for single-mode items).
func (e *Engine) ArchiveItem(item, suffix string, w io.Writer) error {
	st, err := e.item(item)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	ix, err := e.openVariant(st, suffix)
	if err != nil {
		return err
	}
	return ix.Archive(w)
}

// itemIndex resolves the item's index for this query, re-evaluating any
// mode switch so the same engine serves observations that change mode.
func (e *Engine) itemIndex(st *itemState, octx obs.Context) (*index.Index, error) {
	suffix := ""
	if st.spec.ModeSwitch != nil {
		suffix = st.spec.ModeSwitch(octx)
	}
	return e.openVariant(st, suffix)
}

func (e *Engine) openVariant(st *itemState, variant string) (*index.Index, error) {
	if ix, ok := st.indexes[variant]; ok {
		return ix, nil
	}
	name := st.spec.Name
	loc := st.spec.Location
	switch variant {
	case variantMaster:
		loc = LocationStatic
	case variantQA:
		name += "_qa"
		loc = LocationDynamic
	default:
		name += variant
	}
	ix, err := e.openIndex(name, loc)
	if err != nil {
		return nil, err
	}
	st.indexes[variant] = ix
	return ix, nil
}

func (e *Engine) openIndex(name string, loc Location) (*index.Index, error) {
	rset, err := rules.Load(name, []string{e.cfg.OutDir, e.cfg.CalDir})
	if err != nil {
		return nil, err
	}

	var path string
	static := false
	switch loc {
	case LocationStatic:
		path = filepath.Join(e.cfg.CalDir, "index."+name)
		static = true
	case LocationDynamicSeeded:
		path = filepath.Join(e.cfg.OutDir, "index."+name)
		if err := e.seedIndex(name, path); err != nil {
			return nil, err
		}
	default:
		path = filepath.Join(e.cfg.OutDir, "index."+name)
	}

	ix, err := index.Open(path, rset, index.Options{Static: static, Logger: e.logger})
	if err != nil {
		return nil, err
	}
	if e.cfg.WatchDynamic && !static {
		if err := ix.Watch(e.watchCtx); err != nil {
			e.logger.Warn("index watch unavailable", zap.String("path", path), zap.Error(err))
		}
	}
	return ix, nil
}

// seedIndex copies the template index from the calibration directory
// into the output directory on first use.
func (e *Engine) seedIndex(name, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	src := filepath.Join(e.cfg.CalDir, "index."+name)
	in, err := os.Open(src)
	if os.IsNotExist(err) {
		return nil // nothing to seed, index starts empty
	}
	if err != nil {
		return calerr.ErrConfiguration(name, "open seed index %s: %v", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return calerr.ErrConfiguration(name, "seed index %s: %v", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return calerr.ErrConfiguration(name, "seed index %s: %v", dst, err)
	}
	e.logger.Info("seeded per-run index from calibration directory",
		zap.String("src", src), zap.String("dst", dst))
	return nil
}

func (e *Engine) queryOpts() index.QueryOpts {
	return index.QueryOpts{Quiet: e.cfg.Quiet}
}

func (e *Engine) countVerdict(item string, v index.Verdict) {
	if e.met != nil {
		e.met.Verdicts.WithLabelValues(item, v.String()).Inc()
	}
}

func (e *Engine) observeScan(item string, start time.Time) {
	if e.met != nil {
		e.met.ScanDuration.WithLabelValues(item).Observe(time.Since(start).Seconds())
	}
}
