// Package filetarget tracks targets whose result is a set of file paths.
//
// The path set is one atomic unit: the set digest covers every path and its
// content hash, so any one path changing (or going missing) invalidates the
// whole set. A deleted artifact is indistinguishable from a changed one; the
// engine repairs it by rerunning the producing target.
package filetarget

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"

	"pipeweaver/internal/fingerprint"
	"pipeweaver/internal/store"
)

// Tracker resolves and hashes tracked paths relative to a working directory.
type Tracker struct {
	WorkDir string
}

// NormalizePaths coerces a file-target command result into a sorted path set.
// Commands return either a single path string or a list of them.
func NormalizePaths(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case []any:
		if len(t) == 0 {
			return nil, errors.New("file target produced an empty path set")
		}
		out := make([]string, len(t))
		for i, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, errors.Newf("file target produced a non-path element %T", e)
			}
			out[i] = s
		}
		sort.Strings(out)
		return out, nil
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		sort.Strings(out)
		return out, nil
	default:
		return nil, errors.Newf("file target produced %T, want a path or list of paths", v)
	}
}

func (t *Tracker) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(t.WorkDir, p)
}

// Stat hashes each path's content after execution and returns the per-path
// stats plus the set digest. A missing path here means the command claimed
// success without producing its artifact.
func (t *Tracker) Stat(paths []string) ([]store.FileStat, fingerprint.Digest, error) {
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	stats := make([]store.FileStat, 0, len(sorted))
	for _, p := range sorted {
		full := t.resolve(p)
		info, err := os.Stat(full)
		if err != nil {
			return nil, "", errors.Wrapf(err, "declared artifact %s", p)
		}
		hash, err := fingerprint.File(full)
		if err != nil {
			return nil, "", err
		}
		stats = append(stats, store.FileStat{
			Path:          p,
			Hash:          hash,
			MTimeUnixNano: info.ModTime().UnixNano(),
			Size:          info.Size(),
		})
	}
	return stats, SetDigest(stats), nil
}

// SetDigest folds per-path stats into the atomic set digest. Only paths and
// content hashes contribute; mtimes are bookkeeping for the fast path.
func SetDigest(stats []store.FileStat) fingerprint.Digest {
	fields := make([]string, len(stats))
	for i, fs := range stats {
		fields[i] = fs.Path + "=" + string(fs.Hash)
	}
	return fingerprint.NewHasher().SortedFields(fields).Sum()
}

// Check reports whether every recorded path is still present with unchanged
// content. Unchanged mtime and size skip rehashing; ambiguity falls back to
// hashing the content, which is the ground truth.
func (t *Tracker) Check(recorded []store.FileStat) (unchanged bool, reason string) {
	for _, fs := range recorded {
		full := t.resolve(fs.Path)
		info, err := os.Stat(full)
		if err != nil {
			return false, "missing " + fs.Path
		}
		if info.ModTime().UnixNano() == fs.MTimeUnixNano && info.Size() == fs.Size {
			continue
		}
		hash, err := fingerprint.File(full)
		if err != nil {
			return false, "unreadable " + fs.Path
		}
		if hash != fs.Hash {
			return false, "changed " + fs.Path
		}
	}
	return true, ""
}
