// Package engine is the front door of the pipeline engine: it owns the
// on-disk state layout and exposes the operations the CLI (or an embedding
// program) drives.
package engine

import (
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"pipeweaver/internal/builtin"
	"pipeweaver/internal/capability"
	"pipeweaver/internal/expr"
	"pipeweaver/internal/filetarget"
	"pipeweaver/internal/graph"
	"pipeweaver/internal/invalidate"
	"pipeweaver/internal/pipeline"
	"pipeweaver/internal/scheduler"
	"pipeweaver/internal/store"
	"pipeweaver/internal/workspace"
)

const stateDirName = ".pipeweaver"

// Config describes one engine instance.
type Config struct {
	// WorkDir anchors relative artifact paths and holds the state directory.
	WorkDir string
	// SpecPath is the pipeline specification file (TOML).
	SpecPath string
	// Capabilities is the runtime capability table. Nil means none.
	Capabilities *capability.Set
	// Workers bounds parallel execution; <= 1 runs serially.
	Workers int
	// Capture enables workspace snapshots on target failure.
	Capture bool
	Logger  *zap.SugaredLogger
}

// Engine binds a working directory, a spec path, and persistent metadata.
type Engine struct {
	cfg      Config
	log      *zap.SugaredLogger
	store    *store.Store
	capturer *workspace.Capturer
}

// New opens (creating if needed) the engine state under cfg.WorkDir.
func New(cfg Config) (*Engine, error) {
	if cfg.WorkDir == "" {
		return nil, errors.New("work dir is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Capabilities == nil {
		empty, _ := capability.NewSet()
		cfg.Capabilities = empty
	}

	stateDir := filepath.Join(cfg.WorkDir, stateDirName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating state directory")
	}

	st, err := store.Open(filepath.Join(stateDir, "metadata.db"), cfg.Logger)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:      cfg,
		log:      cfg.Logger,
		store:    st,
		capturer: &workspace.Capturer{Dir: filepath.Join(stateDir, "workspaces"), Log: cfg.Logger},
	}, nil
}

// Close releases the metadata store.
func (e *Engine) Close() error { return e.store.Close() }

// load parses the spec and builds the graph. Called per operation so every
// run sees a total replacement of the previous registry.
func (e *Engine) load() (*graph.Graph, error) {
	targets, err := pipeline.LoadFile(e.cfg.SpecPath, e.cfg.Capabilities)
	if err != nil {
		return nil, err
	}
	return graph.Build(targets)
}

// Run loads the pipeline, invalidates, and executes the outdated set.
func (e *Engine) Run(ctx context.Context) (*scheduler.RunReport, error) {
	g, err := e.load()
	if err != nil {
		return nil, err
	}

	tracker := &filetarget.Tracker{WorkDir: e.cfg.WorkDir}
	plan, err := invalidate.Compute(g, e.store, e.cfg.Capabilities, tracker)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	e.log.Infow("run starting",
		"run_id", runID,
		"targets", len(g.Targets()),
		"outdated", len(plan.Outdated),
	)

	sched, err := scheduler.New(g, plan, e.store, e.cfg.Capabilities, scheduler.Options{
		WorkDir:  e.cfg.WorkDir,
		RunID:    runID,
		Workers:  e.cfg.Workers,
		Capture:  e.cfg.Capture,
		Capturer: e.capturer,
		Log:      e.log,
	})
	if err != nil {
		return nil, err
	}

	report, err := sched.Run(ctx)
	if err != nil {
		return nil, err
	}
	e.log.Infow("run finished", "run_id", runID, "failed", report.Failed())
	return report, nil
}

// GraphNode is one node of the inspectable graph view.
type GraphNode struct {
	Name   string
	Format pipeline.Format
	Deps   []string
	// Status is the last recorded status, or empty if never run.
	Status store.Status
}

// GraphView is the data a renderer needs: nodes with their last status, and
// the dependency edges.
type GraphView struct {
	Nodes []GraphNode
	Edges []graph.Edge
}

// InspectGraph loads the pipeline and returns its graph annotated with the
// last recorded status per target.
func (e *Engine) InspectGraph() (*GraphView, error) {
	g, err := e.load()
	if err != nil {
		return nil, err
	}
	view := &GraphView{Edges: g.Edges()}
	for _, t := range g.Targets() {
		node := GraphNode{Name: t.Name, Format: t.Format, Deps: t.Deps}
		rec, err := e.store.Get(t.Name)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			node.Status = rec.Status
		}
		view.Nodes = append(view.Nodes, node)
	}
	return view, nil
}

// ReadResult returns the stored result of a previously built target.
func (e *Engine) ReadResult(name string) (any, error) {
	rec, err := e.trustedRecord(name)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(rec.Value, &v); err != nil {
		return nil, errors.Wrapf(err, "decoding stored result for %q", name)
	}
	return v, nil
}

// LoadResult decodes the stored result of name into dst, the caller's scope.
func (e *Engine) LoadResult(name string, dst any) error {
	rec, err := e.trustedRecord(name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(rec.Value, dst); err != nil {
		return errors.Wrapf(err, "decoding stored result for %q", name)
	}
	return nil
}

func (e *Engine) trustedRecord(name string) (*store.Record, error) {
	rec, err := e.store.Get(name)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.Newf("target %q has never been built", name)
	}
	if rec.Status != store.StatusOK {
		return nil, errors.Newf("target %q last ended with status %s", name, rec.Status)
	}
	return rec, nil
}

// Metadata returns one record per target with the requested fields. An empty
// field list selects everything. Records are ordered by target name.
func (e *Engine) Metadata(fields ...string) ([]map[string]any, error) {
	recs, err := e.store.All()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for _, rec := range recs {
		row, err := metadataRow(rec, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

var metadataFields = []string{
	"name", "status", "command_hash", "input_digest", "output_digest",
	"seconds", "completed_at", "run_id", "error", "warnings",
}

func metadataRow(rec *store.Record, fields []string) (map[string]any, error) {
	full := map[string]any{
		"name":          rec.TargetName,
		"status":        string(rec.Status),
		"command_hash":  string(rec.CommandHash),
		"input_digest":  string(rec.InputDigest()),
		"output_digest": string(rec.OutputDigest),
		"seconds":       rec.Seconds,
		"completed_at":  rec.CompletedAt,
		"run_id":        rec.RunID,
		"error":         rec.Error,
		"warnings":      rec.Warnings,
	}
	if len(fields) == 0 {
		return full, nil
	}
	row := make(map[string]any, len(fields))
	for _, f := range fields {
		v, ok := full[f]
		if !ok {
			return nil, errors.Newf("unknown metadata field %q (known fields: %s)",
				f, strings.Join(metadataFields, ", "))
		}
		row[f] = v
	}
	return row, nil
}

// Reset clears all fingerprint records and removes tracked artifacts.
// Workspaces are untouched: they are deleted only by PurgeWorkspaces.
func (e *Engine) Reset() error {
	recs, err := e.store.All()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		for _, fs := range rec.Files {
			p := fs.Path
			if !filepath.IsAbs(p) {
				p = filepath.Join(e.cfg.WorkDir, p)
			}
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "removing artifact %s", fs.Path)
			}
		}
	}
	return e.store.Reset()
}

// OpenWorkspace restores the snapshot captured for a failed target.
func (e *Engine) OpenWorkspace(name string) (*workspace.Snapshot, error) {
	return e.capturer.Open(name)
}

// PurgeWorkspaces deletes every captured snapshot.
func (e *Engine) PurgeWorkspaces() error {
	return e.capturer.Purge()
}

// ReplayWorkspace re-invokes a failed target's command against the captured
// bindings, seed, and capability set, outside the scheduler. It returns the
// command's value (usually nil) and error, which should reproduce the
// original failure deterministically.
func (e *Engine) ReplayWorkspace(name string) (any, error) {
	snap, err := e.capturer.Open(name)
	if err != nil {
		return nil, err
	}
	g, err := e.load()
	if err != nil {
		return nil, err
	}
	t, ok := g.Target(name)
	if !ok {
		return nil, errors.Newf("target %q not in current pipeline", name)
	}
	if t.Format == pipeline.FormatLiterate {
		return nil, errors.Newf("target %q is a literate document; re-render it with a run", name)
	}

	vars, err := snap.BindingValues()
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(snap.Seed))
	funcs := builtin.Table(e.cfg.WorkDir, rng)
	capFuncs, err := e.cfg.Capabilities.Funcs(t.Packages)
	if err != nil {
		return nil, err
	}
	for fname, fn := range capFuncs {
		funcs[fname] = fn
	}

	return expr.Eval(t.Command, &expr.Env{Vars: vars, Funcs: funcs})
}
