package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"

	"pipeweaver/internal/builtin"
	"pipeweaver/internal/expr"
	"pipeweaver/internal/filetarget"
	"pipeweaver/internal/fingerprint"
	"pipeweaver/internal/literate"
	"pipeweaver/internal/pipeline"
	"pipeweaver/internal/store"
)

// targetResult is the outcome of executing one target.
type targetResult struct {
	value        any
	outputDigest fingerprint.Digest
	files        []store.FileStat
	warnings     []string
	seconds      float64
	err          error // TargetError / ArtifactError / RenderError
}

// targetSeed derives the deterministic PRNG seed for a target. Captured in
// workspace snapshots so a failure replays with identical randomness.
func targetSeed(name string) int64 {
	sum := sha256.Sum256([]byte("seed:" + name))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// execute runs one target's command against its bound upstream values.
//
// The command is retried with exponential backoff when the target declares
// retries; each attempt evaluates with a freshly reseeded PRNG so attempts
// are identical, not seed-shifted.
func (s *Scheduler) execute(ctx context.Context, t *pipeline.Target, vars map[string]any) *targetResult {
	start := time.Now()
	res := &targetResult{}

	capFuncs, err := s.caps.Funcs(t.Packages)
	if err != nil {
		res.err = &TargetError{Target: t.Name, Err: err}
		return res
	}

	seed := targetSeed(t.Name)
	var value any
	attempt := func() (err error) {
		// A panicking command or capability function fails the target
		// instead of tearing down the whole run.
		defer func() {
			if r := recover(); r != nil {
				err = errors.Newf("command panicked: %v", r)
			}
		}()

		rng := rand.New(rand.NewSource(seed))
		funcs := builtin.Table(s.workDir, rng)
		for name, fn := range capFuncs {
			funcs[name] = fn
		}
		env := &expr.Env{Vars: vars, Funcs: funcs}

		switch t.Format {
		case pipeline.FormatLiterate:
			value, err = s.renderDocument(t, env)
		default:
			value, err = expr.Eval(t.Command, env)
		}
		return err
	}

	var runErr error
	if t.Retries > 0 {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = 25 * time.Millisecond
		runErr = backoff.Retry(attempt, backoff.WithContext(
			backoff.WithMaxRetries(policy, uint64(t.Retries)), ctx))
	} else {
		runErr = attempt()
	}

	if runErr != nil {
		switch t.Format {
		case pipeline.FormatLiterate:
			res.err = &RenderError{Target: t.Name, Document: t.Document.Path, Err: runErr}
		default:
			res.err = &TargetError{Target: t.Name, Err: runErr}
		}
		res.seconds = time.Since(start).Seconds()
		return res
	}

	if t.IsFileTracked() {
		paths, err := filetarget.NormalizePaths(value)
		if err != nil {
			res.err = &TargetError{Target: t.Name, Err: err}
			res.seconds = time.Since(start).Seconds()
			return res
		}
		files, digest, err := s.tracker.Stat(paths)
		if err != nil {
			res.err = &ArtifactError{Target: t.Name, Err: err}
			res.seconds = time.Since(start).Seconds()
			return res
		}
		res.value = pathsAsValue(paths)
		res.files = files
		res.outputDigest = digest
	} else {
		digest, err := fingerprint.Value(value)
		if err != nil {
			res.err = &TargetError{Target: t.Name, Err: err}
			res.seconds = time.Since(start).Seconds()
			return res
		}
		res.value = value
		res.outputDigest = digest
	}

	res.seconds = time.Since(start).Seconds()
	return res
}

func (s *Scheduler) renderDocument(t *pipeline.Target, env *expr.Env) (any, error) {
	paths, err := literate.Render(t.Document, env, t.OutputPath)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(paths))
	for i, p := range paths {
		out[i] = p
	}
	return out, nil
}

func pathsAsValue(paths []string) any {
	out := make([]any, len(paths))
	for i, p := range paths {
		out[i] = p
	}
	return out
}

// commit writes the fingerprint record for an executed target.
func (s *Scheduler) commit(t *pipeline.Target, res *targetResult, depDigests map[string]fingerprint.Digest, capsDigest fingerprint.Digest) error {
	rec := &store.Record{
		TargetName:  t.Name,
		CommandHash: t.CommandHash,
		CapsDigest:  capsDigest,
		DepDigests:  depDigests,
		Status:      store.StatusOK,
		Warnings:    res.warnings,
		Files:       res.files,
		Seconds:     res.seconds,
		CompletedAt: time.Now().UTC(),
		RunID:       s.runID,
	}

	if res.err != nil {
		rec.Status = store.StatusError
		rec.Error = res.err.Error()
		return s.store.Put(rec)
	}

	rec.OutputDigest = res.outputDigest
	raw, err := json.Marshal(res.value)
	if err != nil {
		return errors.Wrapf(err, "encoding result for %q", t.Name)
	}
	rec.Value = raw
	return s.store.Put(rec)
}

// commitSkip records a cancelled fingerprint for a target skipped because of
// an upstream failure.
func (s *Scheduler) commitSkip(t *pipeline.Target, upstream string, capsDigest fingerprint.Digest) error {
	skipErr := &UpstreamFailureError{Target: t.Name, Upstream: upstream}
	return s.store.Put(&store.Record{
		TargetName:  t.Name,
		CommandHash: t.CommandHash,
		CapsDigest:  capsDigest,
		DepDigests:  map[string]fingerprint.Digest{},
		Status:      store.StatusCancelled,
		Error:       skipErr.Error(),
		CompletedAt: time.Now().UTC(),
		RunID:       s.runID,
	})
}

// loadValue reconstructs a fresh target's value from its stored record, for
// binding into dependents. Memoized by the caller.
func loadValue(t *pipeline.Target, rec *store.Record) (any, error) {
	if rec == nil {
		return nil, errors.AssertionFailedf("no record for fresh target %q", t.Name)
	}
	if t.IsFileTracked() {
		paths := make([]any, len(rec.Files))
		for i, fs := range rec.Files {
			paths[i] = fs.Path
		}
		return paths, nil
	}
	var v any
	if err := json.Unmarshal(rec.Value, &v); err != nil {
		return nil, errors.Wrapf(err, "decoding stored result for %q", t.Name)
	}
	return v, nil
}
