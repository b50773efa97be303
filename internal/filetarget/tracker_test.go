package filetarget

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"pipeweaver/internal/store"
)

func writeArtifact(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestNormalizePaths(t *testing.T) {
	got, err := NormalizePaths("out.txt")
	if err != nil || !reflect.DeepEqual(got, []string{"out.txt"}) {
		t.Errorf("single path: %v, %v", got, err)
	}

	got, err = NormalizePaths([]any{"b.txt", "a.txt"})
	if err != nil || !reflect.DeepEqual(got, []string{"a.txt", "b.txt"}) {
		t.Errorf("path list: %v, %v", got, err)
	}

	if _, err := NormalizePaths(float64(3)); err == nil {
		t.Error("number accepted as path set")
	}
	if _, err := NormalizePaths([]any{}); err == nil {
		t.Error("empty path set accepted")
	}
	if _, err := NormalizePaths([]any{"ok", float64(1)}); err == nil {
		t.Error("mixed path set accepted")
	}
}

func TestStat_SetDigestCoversEveryPath(t *testing.T) {
	dir := t.TempDir()
	tr := &Tracker{WorkDir: dir}
	writeArtifact(t, dir, "a.txt", "alpha")
	writeArtifact(t, dir, "b.txt", "beta")

	stats, digest, err := tr.Stat([]string{"b.txt", "a.txt"})
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if len(stats) != 2 || stats[0].Path != "a.txt" || stats[1].Path != "b.txt" {
		t.Fatalf("stats = %+v", stats)
	}

	writeArtifact(t, dir, "b.txt", "changed")
	_, digest2, err := tr.Stat([]string{"a.txt", "b.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if digest == digest2 {
		t.Error("one path changing did not change the set digest")
	}
}

func TestStat_MissingArtifactErrors(t *testing.T) {
	tr := &Tracker{WorkDir: t.TempDir()}
	if _, _, err := tr.Stat([]string{"absent.txt"}); err == nil {
		t.Error("missing artifact accepted")
	}
}

func TestCheck_UnchangedFastPath(t *testing.T) {
	dir := t.TempDir()
	tr := &Tracker{WorkDir: dir}
	writeArtifact(t, dir, "a.txt", "alpha")
	stats, _, err := tr.Stat([]string{"a.txt"})
	if err != nil {
		t.Fatal(err)
	}

	unchanged, reason := tr.Check(stats)
	if !unchanged {
		t.Errorf("untouched artifact reported changed: %s", reason)
	}
}

func TestCheck_DetectsDeletion(t *testing.T) {
	dir := t.TempDir()
	tr := &Tracker{WorkDir: dir}
	writeArtifact(t, dir, "a.txt", "alpha")
	stats, _, err := tr.Stat([]string{"a.txt"})
	if err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(filepath.Join(dir, "a.txt")); err != nil {
		t.Fatal(err)
	}
	unchanged, reason := tr.Check(stats)
	if unchanged || !strings.Contains(reason, "missing") {
		t.Errorf("deleted artifact: unchanged=%v reason=%q", unchanged, reason)
	}
}

func TestCheck_DetectsContentChange(t *testing.T) {
	dir := t.TempDir()
	tr := &Tracker{WorkDir: dir}
	writeArtifact(t, dir, "a.txt", "alpha")
	stats, _, err := tr.Stat([]string{"a.txt"})
	if err != nil {
		t.Fatal(err)
	}

	writeArtifact(t, dir, "a.txt", "ALPHA+more")
	unchanged, reason := tr.Check(stats)
	if unchanged || !strings.Contains(reason, "changed") {
		t.Errorf("rewritten artifact: unchanged=%v reason=%q", unchanged, reason)
	}
}

func TestCheck_ContentIsGroundTruthWhenMTimeMoves(t *testing.T) {
	dir := t.TempDir()
	tr := &Tracker{WorkDir: dir}
	writeArtifact(t, dir, "a.txt", "alpha")
	stats, _, err := tr.Stat([]string{"a.txt"})
	if err != nil {
		t.Fatal(err)
	}

	// Touch the file without changing content. The mtime fast path misses,
	// the content hash still matches, so the set counts as unchanged.
	future := time.Now().Add(2 * time.Hour)
	if err := os.Chtimes(filepath.Join(dir, "a.txt"), future, future); err != nil {
		t.Fatal(err)
	}
	unchanged, reason := tr.Check(stats)
	if !unchanged {
		t.Errorf("touched-only artifact reported changed: %s", reason)
	}
}

func TestSetDigest_OrderIndependent(t *testing.T) {
	dir := t.TempDir()
	tr := &Tracker{WorkDir: dir}
	writeArtifact(t, dir, "a.txt", "alpha")
	writeArtifact(t, dir, "b.txt", "beta")

	stats, want, err := tr.Stat([]string{"a.txt", "b.txt"})
	if err != nil {
		t.Fatal(err)
	}
	reversed := []store.FileStat{stats[1], stats[0]}
	if got := SetDigest(reversed); got != want {
		t.Error("set digest depends on stat order")
	}
}
