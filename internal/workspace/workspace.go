// Package workspace captures the runtime state of a failing target for
// post-mortem debugging.
//
// A snapshot holds exactly what re-invoking the failed command needs: the
// command's free variables resolved to their upstream values, the capability
// tokens active during the run, and the PRNG seed the command evaluated with.
// Snapshots are written synchronously at the point of failure and are only
// ever deleted explicitly.
package workspace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Snapshot is the captured reproduction environment for one failed target.
type Snapshot struct {
	TargetName   string                     `json:"target_name"`
	RunID        string                     `json:"run_id"`
	Seed         int64                      `json:"seed"`
	Capabilities []string                   `json:"capabilities"`
	Bindings     map[string]json.RawMessage `json:"bindings"`
	Error        string                     `json:"error"`
	CapturedAt   time.Time                  `json:"captured_at"`
}

// BindingValues decodes the captured bindings back into evaluator values.
func (s *Snapshot) BindingValues() (map[string]any, error) {
	out := make(map[string]any, len(s.Bindings))
	for name, raw := range s.Bindings {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, errors.Wrapf(err, "decoding captured binding %q", name)
		}
		out[name] = v
	}
	return out, nil
}

// Capturer writes and reads snapshots under a workspace directory.
type Capturer struct {
	Dir string
	Log *zap.SugaredLogger
}

func (c *Capturer) path(target string) string {
	return filepath.Join(c.Dir, target+".json")
}

// Capture serializes a snapshot for the failing target.
//
// A binding that cannot be serialized degrades to a warning and is dropped
// from the snapshot; the target's error status stands regardless. Returned
// warnings are recorded on the target's fingerprint record.
func (c *Capturer) Capture(target string, bindings map[string]any, capabilities []string, seed int64, runErr error, runID string) ([]string, error) {
	snap := Snapshot{
		TargetName:   target,
		RunID:        runID,
		Seed:         seed,
		Capabilities: append([]string(nil), capabilities...),
		Bindings:     make(map[string]json.RawMessage, len(bindings)),
		CapturedAt:   time.Now().UTC(),
	}
	if runErr != nil {
		snap.Error = runErr.Error()
	}
	sort.Strings(snap.Capabilities)

	var warnings []string
	names := make([]string, 0, len(bindings))
	for name := range bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		raw, err := json.Marshal(bindings[name])
		if err != nil {
			warnings = append(warnings, "workspace capture: could not serialize binding "+name)
			continue
		}
		snap.Bindings[name] = raw
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return warnings, errors.Wrapf(err, "encoding workspace snapshot for %q", target)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return warnings, errors.Wrap(err, "creating workspace directory")
	}
	if err := writeFileAtomic(c.path(target), data, 0o644); err != nil {
		return warnings, errors.Wrapf(err, "writing workspace snapshot for %q", target)
	}

	if c.Log != nil {
		c.Log.Debugw("workspace captured",
			"target", target,
			"bindings", len(snap.Bindings),
			"warnings", len(warnings),
		)
	}
	return warnings, nil
}

// Open loads the snapshot for target.
func (c *Capturer) Open(target string) (*Snapshot, error) {
	data, err := os.ReadFile(c.path(target))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf("no workspace snapshot for %q", target)
		}
		return nil, errors.Wrapf(err, "reading workspace snapshot for %q", target)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrapf(err, "decoding workspace snapshot for %q", target)
	}
	return &snap, nil
}

// List returns the target names with a stored snapshot, sorted.
func (c *Capturer) List() ([]string, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "listing workspaces")
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		out = append(out, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(out)
	return out, nil
}

// Purge removes every stored snapshot.
func (c *Capturer) Purge() error {
	if err := os.RemoveAll(c.Dir); err != nil {
		return errors.Wrap(err, "purging workspaces")
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
