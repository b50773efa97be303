// Package scheduler executes the outdated set of a pipeline run in
// dependency order.
//
// Failure policy: a target failure never aborts the run. Independent branches
// continue; everything transitively downstream of a failure is skipped and
// recorded as cancelled, a status distinct from the direct error.
package scheduler

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"pipeweaver/internal/capability"
	"pipeweaver/internal/filetarget"
	"pipeweaver/internal/fingerprint"
	"pipeweaver/internal/graph"
	"pipeweaver/internal/invalidate"
	"pipeweaver/internal/pipeline"
	"pipeweaver/internal/store"
	"pipeweaver/internal/workspace"
)

// Options configures a run.
type Options struct {
	WorkDir string
	RunID   string
	// Workers > 1 enables parallel execution of independent targets.
	Workers int
	// Capture enables workspace snapshots on failure.
	Capture  bool
	Capturer *workspace.Capturer
	Log      *zap.SugaredLogger
}

// Outcome is the per-target result surfaced in the RunReport.
type Outcome struct {
	Target   string
	State    TargetState
	Reason   invalidate.Reason
	Detail   string
	Error    string
	Warnings []string
	Seconds  float64
}

// RunReport enumerates what happened to every target in one run.
type RunReport struct {
	RunID    string
	Outcomes []Outcome // canonical (name) order
}

// Outcome returns the outcome for name.
func (r *RunReport) Outcome(name string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Target == name {
			return o, true
		}
	}
	return Outcome{}, false
}

// Failed reports whether any target ended in error. Skipped targets do not
// count: the run's failure is the direct error, not its shadow.
func (r *RunReport) Failed() bool {
	for _, o := range r.Outcomes {
		if o.State == StateErrored {
			return true
		}
	}
	return false
}

// Scheduler drives one run over a built graph and invalidation plan.
type Scheduler struct {
	graph   *graph.Graph
	plan    *invalidate.Plan
	store   *store.Store
	caps    *capability.Set
	tracker *filetarget.Tracker

	workDir  string
	runID    string
	workers  int
	capture  bool
	capturer *workspace.Capturer
	log      *zap.SugaredLogger

	mu       sync.Mutex
	state    runState
	values   map[string]any
	digests  map[string]fingerprint.Digest
	outcomes map[string]*Outcome
}

// New builds a Scheduler. The plan must come from the same graph.
func New(g *graph.Graph, plan *invalidate.Plan, st *store.Store, caps *capability.Set, opts Options) (*Scheduler, error) {
	if g == nil || plan == nil || st == nil {
		return nil, errors.New("graph, plan, and store are required")
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Capture && opts.Capturer == nil {
		return nil, errors.New("capture enabled without a capturer")
	}

	s := &Scheduler{
		graph:    g,
		plan:     plan,
		store:    st,
		caps:     caps,
		tracker:  &filetarget.Tracker{WorkDir: opts.WorkDir},
		workDir:  opts.WorkDir,
		runID:    opts.RunID,
		workers:  opts.Workers,
		capture:  opts.Capture,
		capturer: opts.Capturer,
		log:      opts.Log,
		state:    make(runState),
		values:   make(map[string]any),
		digests:  make(map[string]fingerprint.Digest),
		outcomes: make(map[string]*Outcome),
	}
	for _, t := range g.Targets() {
		s.state[t.Name] = StatePending
	}
	return s, nil
}

// Run executes the outdated set and returns the report. Infrastructure
// failures (metadata store unavailable, invariant violations) abort with an
// error; command failures are recorded in the report instead.
func (s *Scheduler) Run(ctx context.Context) (*RunReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	// Targets outside the outdated set are fresh before anything starts.
	// A fresh target cannot depend on an outdated one: the invalidation pass
	// would have marked it upstream-outdated.
	s.mu.Lock()
	for _, t := range s.graph.Targets() {
		if s.plan.IsOutdated(t.Name) {
			continue
		}
		if err := s.state.transition(t.Name, StatePending, StateFresh); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		rec := s.plan.Records[t.Name]
		s.digests[t.Name] = rec.OutputDigest
		s.outcomes[t.Name] = &Outcome{Target: t.Name, State: StateFresh}
	}
	s.mu.Unlock()

	if err := s.execLoop(ctx); err != nil {
		return nil, err
	}
	return s.report(), nil
}

// execLoop dispatches ready targets to up to s.workers concurrent executions.
// With one worker it degenerates to the serial schedule.
func (s *Scheduler) execLoop(ctx context.Context) error {
	type doneMsg struct {
		name string
		res  *targetResult
		err  error
	}
	doneCh := make(chan doneMsg, s.workers)
	inFlight := 0

	for {
		s.mu.Lock()
		ready := readyTargets(s.graph, s.state)
		for _, name := range ready {
			if inFlight >= s.workers {
				break
			}
			if err := s.state.transition(name, StatePending, StateRunning); err != nil {
				s.mu.Unlock()
				return err
			}
			t, _ := s.graph.Target(name)
			vars, err := s.bindUpstreamLocked(t)
			if err != nil {
				s.mu.Unlock()
				return err
			}
			inFlight++
			go func(t *pipeline.Target, vars map[string]any) {
				res := s.execute(ctx, t, vars)
				doneCh <- doneMsg{name: t.Name, res: res}
			}(t, vars)
		}

		if inFlight == 0 {
			allTerminal := true
			for _, st := range s.state {
				if !IsTerminal(st) {
					allTerminal = false
					break
				}
			}
			s.mu.Unlock()
			if allTerminal {
				return nil
			}
			return errors.AssertionFailedf("no runnable targets but run not finished")
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			// Let in-flight commands finish; nothing new is scheduled.
			for inFlight > 0 {
				<-doneCh
				inFlight--
			}
			return errors.Wrap(ctx.Err(), "run cancelled")
		case msg := <-doneCh:
			inFlight--
			if err := s.complete(msg.name, msg.res); err != nil {
				return err
			}
		}
	}
}

// bindUpstreamLocked resolves the values of a target's dependencies,
// memoizing loads of fresh targets' stored results. Caller holds s.mu.
func (s *Scheduler) bindUpstreamLocked(t *pipeline.Target) (map[string]any, error) {
	vars := make(map[string]any, len(t.Deps))
	for _, dep := range t.Deps {
		v, ok := s.values[dep]
		if !ok {
			depT, _ := s.graph.Target(dep)
			loaded, err := loadValue(depT, s.plan.Records[dep])
			if err != nil {
				return nil, err
			}
			s.values[dep] = loaded
			v = loaded
		}
		vars[dep] = v
	}
	return vars, nil
}

// complete commits a finished execution and updates run state.
func (s *Scheduler) complete(name string, res *targetResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, _ := s.graph.Target(name)
	capsDigest := s.plan.CapsDigests[name]

	depDigests := make(map[string]fingerprint.Digest, len(t.Deps))
	for _, dep := range t.Deps {
		depDigests[dep] = s.digests[dep]
	}

	outcome := &Outcome{
		Target:  name,
		Reason:  s.plan.Outdated[name],
		Detail:  s.plan.Details[name],
		Seconds: res.seconds,
	}
	s.outcomes[name] = outcome

	if res.err == nil {
		if err := s.commit(t, res, depDigests, capsDigest); err != nil {
			return err
		}
		s.values[name] = res.value
		s.digests[name] = res.outputDigest
		outcome.State = StateBuilt
		outcome.Warnings = res.warnings
		s.log.Debugw("target built", "target", name, "reason", outcome.Reason, "seconds", res.seconds)
		return s.state.transition(name, StateRunning, StateBuilt)
	}

	// Capture happens at the point of failure, before the error propagates
	// through the graph.
	if s.capture {
		vars, bindErr := s.bindUpstreamLocked(t)
		if bindErr != nil {
			vars = map[string]any{}
			res.warnings = append(res.warnings, "workspace capture: could not resolve bindings")
		}
		tokens, _ := s.caps.Tokens(t.Packages)
		warns, capErr := s.capturer.Capture(name, vars, tokens, targetSeed(name), res.err, s.runID)
		res.warnings = append(res.warnings, warns...)
		if capErr != nil {
			res.warnings = append(res.warnings, "workspace capture failed: "+capErr.Error())
		}
	}

	if err := s.commit(t, res, depDigests, capsDigest); err != nil {
		return err
	}
	outcome.State = StateErrored
	outcome.Error = res.err.Error()
	outcome.Warnings = res.warnings
	s.log.Warnw("target failed", "target", name, "error", res.err)

	skipped, err := s.state.failAndPropagate(s.graph, name)
	if err != nil {
		return err
	}
	for _, down := range skipped {
		downT, _ := s.graph.Target(down)
		if err := s.commitSkip(downT, name, s.plan.CapsDigests[down]); err != nil {
			return err
		}
		skipErr := &UpstreamFailureError{Target: down, Upstream: name}
		s.outcomes[down] = &Outcome{
			Target: down,
			State:  StateSkipped,
			Reason: s.plan.Outdated[down],
			Error:  skipErr.Error(),
		}
	}
	return nil
}

func (s *Scheduler) report() *RunReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &RunReport{RunID: s.runID}
	names := make([]string, 0, len(s.outcomes))
	for name := range s.outcomes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		report.Outcomes = append(report.Outcomes, *s.outcomes[name])
	}
	return report
}
