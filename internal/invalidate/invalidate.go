// Package invalidate decides which targets must re-execute.
//
// The decision is a single topological pass: every target is checked against
// its parents' *current* disposition, never against a stale parent
// fingerprint. Outdating is transitive by construction: a parent marked
// outdated marks every descendant before the descendant's own record is even
// consulted.
package invalidate

import (
	"pipeweaver/internal/capability"
	"pipeweaver/internal/filetarget"
	"pipeweaver/internal/fingerprint"
	"pipeweaver/internal/graph"
	"pipeweaver/internal/pipeline"
	"pipeweaver/internal/store"
)

// Reason explains why a target is outdated.
type Reason string

const (
	ReasonNeverBuilt        Reason = "never built"
	ReasonPreviousFailure   Reason = "previous run did not succeed"
	ReasonCommandChanged    Reason = "command changed"
	ReasonDocumentChanged   Reason = "document changed"
	ReasonCapabilityChanged Reason = "capability changed"
	ReasonUpstreamOutdated  Reason = "upstream outdated"
	ReasonUpstreamChanged   Reason = "upstream result changed"
	ReasonArtifactChanged   Reason = "artifact changed"
)

// Plan is the outcome of an invalidation pass.
type Plan struct {
	// Outdated maps each target that must re-execute to its reason.
	Outdated map[string]Reason
	// Details carries the specific artifact path for ReasonArtifactChanged.
	Details map[string]string
	// Records is the previous-run record per target (nil entry = never ran).
	Records map[string]*store.Record
	// CapsDigests is the current capability digest per target, computed once
	// here so the scheduler records exactly what was compared.
	CapsDigests map[string]fingerprint.Digest
}

// IsOutdated reports whether name must re-execute.
func (p *Plan) IsOutdated(name string) bool {
	_, ok := p.Outdated[name]
	return ok
}

// CapsDigest folds a target's resolved capability tokens into one digest.
func CapsDigest(t *pipeline.Target, caps *capability.Set) (fingerprint.Digest, error) {
	tokens, err := caps.Tokens(t.Packages)
	if err != nil {
		return "", err
	}
	return fingerprint.NewHasher().SortedFields(tokens).Sum(), nil
}

// Compute walks the graph topologically and classifies every target.
func Compute(g *graph.Graph, st *store.Store, caps *capability.Set, tracker *filetarget.Tracker) (*Plan, error) {
	plan := &Plan{
		Outdated:    make(map[string]Reason),
		Details:     make(map[string]string),
		Records:     make(map[string]*store.Record),
		CapsDigests: make(map[string]fingerprint.Digest),
	}

	for _, name := range g.TopologicalOrder() {
		t, _ := g.Target(name)

		rec, err := st.Get(name)
		if err != nil {
			return nil, err
		}
		plan.Records[name] = rec

		capsDigest, err := CapsDigest(t, caps)
		if err != nil {
			return nil, err
		}
		plan.CapsDigests[name] = capsDigest

		if reason, detail, outdated := classify(t, rec, capsDigest, g, plan, tracker); outdated {
			plan.Outdated[name] = reason
			if detail != "" {
				plan.Details[name] = detail
			}
		}
	}
	return plan, nil
}

func classify(t *pipeline.Target, rec *store.Record, capsDigest fingerprint.Digest,
	g *graph.Graph, plan *Plan, tracker *filetarget.Tracker) (Reason, string, bool) {

	if rec == nil {
		return ReasonNeverBuilt, "", true
	}
	if rec.Status != store.StatusOK {
		return ReasonPreviousFailure, "", true
	}
	if rec.CommandHash != t.CommandHash {
		if t.Format == pipeline.FormatLiterate {
			return ReasonDocumentChanged, "", true
		}
		return ReasonCommandChanged, "", true
	}
	if rec.CapsDigest != capsDigest {
		return ReasonCapabilityChanged, "", true
	}

	// Parents were classified earlier in the same pass, so these checks never
	// see a parent record that this run is about to rewrite.
	for _, dep := range g.Dependencies(t.Name) {
		if plan.IsOutdated(dep) {
			return ReasonUpstreamOutdated, dep, true
		}
		depRec := plan.Records[dep]
		if depRec == nil || depRec.OutputDigest != rec.DepDigests[dep] {
			return ReasonUpstreamChanged, dep, true
		}
	}

	if t.IsFileTracked() {
		if unchanged, why := tracker.Check(rec.Files); !unchanged {
			return ReasonArtifactChanged, why, true
		}
	}

	return "", "", false
}
