package invalidate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pipeweaver/internal/capability"
	"pipeweaver/internal/filetarget"
	"pipeweaver/internal/fingerprint"
	"pipeweaver/internal/graph"
	"pipeweaver/internal/pipeline"
	"pipeweaver/internal/store"
)

// chainFixture is the minimal a -> b -> c pipeline with a consistent set of
// previous-run records, the baseline every test perturbs.
type chainFixture struct {
	g       *graph.Graph
	st      *store.Store
	caps    *capability.Set
	tracker *filetarget.Tracker
	recs    map[string]*store.Record
}

func newChainFixture(t *testing.T) *chainFixture {
	t.Helper()

	a := &pipeline.Target{Name: "a", Format: pipeline.FormatValue, CommandHash: "cmd-a"}
	b := &pipeline.Target{Name: "b", Format: pipeline.FormatValue, CommandHash: "cmd-b", Deps: []string{"a"}}
	c := &pipeline.Target{Name: "c", Format: pipeline.FormatValue, CommandHash: "cmd-c", Deps: []string{"b"}}
	g, err := graph.Build([]*pipeline.Target{a, b, c})
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(t.TempDir(), "metadata.db"), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	caps, err := capability.NewSet()
	require.NoError(t, err)
	capsDigest, err := CapsDigest(a, caps)
	require.NoError(t, err)

	f := &chainFixture{
		g:       g,
		st:      st,
		caps:    caps,
		tracker: &filetarget.Tracker{WorkDir: t.TempDir()},
		recs:    make(map[string]*store.Record),
	}

	deps := map[string]map[string]fingerprint.Digest{
		"a": {},
		"b": {"a": "out-a"},
		"c": {"b": "out-b"},
	}
	for _, name := range []string{"a", "b", "c"} {
		rec := &store.Record{
			TargetName:   name,
			CommandHash:  fingerprint.Digest("cmd-" + name),
			CapsDigest:   capsDigest,
			DepDigests:   deps[name],
			OutputDigest: fingerprint.Digest("out-" + name),
			Status:       store.StatusOK,
			CompletedAt:  time.Now(),
		}
		f.recs[name] = rec
		require.NoError(t, st.Put(rec))
	}
	return f
}

func (f *chainFixture) compute(t *testing.T) *Plan {
	t.Helper()
	plan, err := Compute(f.g, f.st, f.caps, f.tracker)
	require.NoError(t, err)
	return plan
}

func TestCompute_NothingChanged(t *testing.T) {
	f := newChainFixture(t)
	plan := f.compute(t)
	assert.Empty(t, plan.Outdated)
	for _, name := range []string{"a", "b", "c"} {
		assert.NotNil(t, plan.Records[name])
	}
}

func TestCompute_NeverBuiltPropagates(t *testing.T) {
	f := newChainFixture(t)
	require.NoError(t, f.st.Reset())

	plan := f.compute(t)
	assert.Equal(t, ReasonNeverBuilt, plan.Outdated["a"])
	assert.Equal(t, ReasonUpstreamOutdated, plan.Outdated["b"])
	assert.Equal(t, ReasonUpstreamOutdated, plan.Outdated["c"])
}

func TestCompute_CommandChangeIsTransitive(t *testing.T) {
	f := newChainFixture(t)
	f.recs["a"].CommandHash = "stale"
	require.NoError(t, f.st.Put(f.recs["a"]))

	plan := f.compute(t)
	assert.Equal(t, ReasonCommandChanged, plan.Outdated["a"])
	assert.Equal(t, ReasonUpstreamOutdated, plan.Outdated["b"])
	assert.Equal(t, ReasonUpstreamOutdated, plan.Outdated["c"])
	assert.Equal(t, "a", plan.Details["b"])
}

func TestCompute_LeafChangeLeavesUpstreamFresh(t *testing.T) {
	f := newChainFixture(t)
	f.recs["c"].CommandHash = "stale"
	require.NoError(t, f.st.Put(f.recs["c"]))

	plan := f.compute(t)
	assert.False(t, plan.IsOutdated("a"))
	assert.False(t, plan.IsOutdated("b"))
	assert.Equal(t, ReasonCommandChanged, plan.Outdated["c"])
}

func TestCompute_PreviousFailureReruns(t *testing.T) {
	f := newChainFixture(t)
	f.recs["b"].Status = store.StatusError
	f.recs["b"].Error = "boom"
	require.NoError(t, f.st.Put(f.recs["b"]))

	plan := f.compute(t)
	assert.False(t, plan.IsOutdated("a"))
	assert.Equal(t, ReasonPreviousFailure, plan.Outdated["b"])
	assert.Equal(t, ReasonUpstreamOutdated, plan.Outdated["c"])
}

func TestCompute_UpstreamResultDrift(t *testing.T) {
	// b's recorded view of a's output no longer matches a's record, even
	// though a itself is fresh. b must rerun, and c behind it.
	f := newChainFixture(t)
	f.recs["b"].DepDigests["a"] = "observed-long-ago"
	require.NoError(t, f.st.Put(f.recs["b"]))

	plan := f.compute(t)
	assert.False(t, plan.IsOutdated("a"))
	assert.Equal(t, ReasonUpstreamChanged, plan.Outdated["b"])
	assert.Equal(t, ReasonUpstreamOutdated, plan.Outdated["c"])
}

func TestCompute_CapabilityChange(t *testing.T) {
	f := newChainFixture(t)
	f.recs["b"].CapsDigest = "stale-caps"
	require.NoError(t, f.st.Put(f.recs["b"]))

	plan := f.compute(t)
	assert.Equal(t, ReasonCapabilityChanged, plan.Outdated["b"])
	assert.Equal(t, ReasonUpstreamOutdated, plan.Outdated["c"])
}

func TestCompute_MissingArtifact(t *testing.T) {
	f := newChainFixture(t)

	// Turn c into a file target whose recorded artifact is gone.
	tc, _ := f.g.Target("c")
	tc.Format = pipeline.FormatFile
	f.recs["c"].Files = []store.FileStat{
		{Path: "out.txt", Hash: "h", MTimeUnixNano: 1, Size: 1},
	}
	require.NoError(t, f.st.Put(f.recs["c"]))

	plan := f.compute(t)
	assert.Equal(t, ReasonArtifactChanged, plan.Outdated["c"])
	assert.Contains(t, plan.Details["c"], "missing")
}

func TestCompute_UnchangedArtifactStaysFresh(t *testing.T) {
	f := newChainFixture(t)

	tc, _ := f.g.Target("c")
	tc.Format = pipeline.FormatFile
	path := filepath.Join(f.tracker.WorkDir, "out.txt")
	require.NoError(t, os.WriteFile(path, []byte("kept"), 0o644))
	stats, _, err := f.tracker.Stat([]string{"out.txt"})
	require.NoError(t, err)
	f.recs["c"].Files = stats
	require.NoError(t, f.st.Put(f.recs["c"]))

	plan := f.compute(t)
	assert.Empty(t, plan.Outdated)
}

func TestCompute_DocumentChange(t *testing.T) {
	f := newChainFixture(t)
	tc, _ := f.g.Target("c")
	tc.Format = pipeline.FormatLiterate
	tc.CommandHash = "new-doc-hash"

	plan := f.compute(t)
	assert.Equal(t, ReasonDocumentChanged, plan.Outdated["c"])
}
