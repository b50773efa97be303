package scheduler

import (
	"sort"

	"github.com/cockroachdb/errors"

	"pipeweaver/internal/graph"
)

// TargetState is the runtime disposition of one target during a run.
type TargetState string

const (
	// StatePending: not yet started.
	StatePending TargetState = "pending"
	// StateRunning: command is executing.
	StateRunning TargetState = "running"
	// StateBuilt: executed this run and succeeded.
	StateBuilt TargetState = "built"
	// StateFresh: up to date; not executed this run.
	StateFresh TargetState = "fresh"
	// StateErrored: executed this run and failed.
	StateErrored TargetState = "errored"
	// StateSkipped: not executed because an upstream target failed. Distinct
	// from StateErrored: nothing about this target itself is broken.
	StateSkipped TargetState = "skipped"
)

// IsTerminal reports whether the state is final for this run.
func IsTerminal(s TargetState) bool {
	switch s {
	case StateBuilt, StateFresh, StateErrored, StateSkipped:
		return true
	default:
		return false
	}
}

// IsSuccessful reports whether the state satisfies dependents.
func IsSuccessful(s TargetState) bool {
	return s == StateBuilt || s == StateFresh
}

// runState maps target name to its current state. Mutated only under the
// scheduler's lock.
type runState map[string]TargetState

// transition performs a validated state change, making races observable: the
// caller supplies the state it believes the target is in.
func (st runState) transition(name string, from, to TargetState) error {
	cur, ok := st[name]
	if !ok {
		return errors.AssertionFailedf("unknown target in run state: %q", name)
	}
	if cur != from {
		return errors.AssertionFailedf("invalid transition for %q: expected %s, got %s", name, from, cur)
	}
	if !allowedTransition(from, to) {
		return errors.AssertionFailedf("disallowed transition for %q: %s -> %s", name, from, to)
	}
	st[name] = to
	return nil
}

func allowedTransition(from, to TargetState) bool {
	switch from {
	case StatePending:
		return to == StateRunning || to == StateFresh || to == StateSkipped
	case StateRunning:
		return to == StateBuilt || to == StateErrored
	default:
		return false
	}
}

// failAndPropagate marks name errored and transitively skips every pending
// descendant. Returns the names that were newly skipped, sorted.
//
// A running descendant during propagation is an invariant violation: nothing
// downstream of a failure may have started.
func (st runState) failAndPropagate(g *graph.Graph, name string) ([]string, error) {
	if err := st.transition(name, StateRunning, StateErrored); err != nil {
		return nil, err
	}

	var skipped []string
	for _, down := range g.Downstream(name) {
		switch st[down] {
		case StatePending:
			st[down] = StateSkipped
			skipped = append(skipped, down)
		case StateRunning:
			return nil, errors.AssertionFailedf("downstream target %q running during failure propagation", down)
		default:
			// Already terminal (e.g. skipped via another failed branch).
		}
	}
	sort.Strings(skipped)
	return skipped, nil
}

// readyTargets returns the pending targets whose dependencies are all
// successful, ordered by (depth, name) for deterministic dispatch.
func readyTargets(g *graph.Graph, st runState) []string {
	var ready []string
	for _, t := range g.Targets() {
		if st[t.Name] != StatePending {
			continue
		}
		ok := true
		for _, dep := range g.Dependencies(t.Name) {
			if !IsSuccessful(st[dep]) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t.Name)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		ad, _ := g.Depth(a)
		bd, _ := g.Depth(b)
		if ad != bd {
			return ad < bd
		}
		return a < b
	})
	return ready
}
