package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func testCapturer(t *testing.T) *Capturer {
	t.Helper()
	return &Capturer{Dir: filepath.Join(t.TempDir(), "workspaces")}
}

func TestCaptureOpen_RoundTrip(t *testing.T) {
	c := testCapturer(t)
	bindings := map[string]any{
		"count": float64(3),
		"label": "widgets",
		"paths": []any{"a.txt", "b.txt"},
	}
	warns, err := c.Capture("crunch", bindings, []string{"stats@1.0.0"}, 42, errors.New("boom"), "run-7")
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if len(warns) != 0 {
		t.Errorf("unexpected warnings: %v", warns)
	}

	snap, err := c.Open("crunch")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if snap.TargetName != "crunch" || snap.RunID != "run-7" || snap.Seed != 42 {
		t.Errorf("snapshot header: %+v", snap)
	}
	if snap.Error != "boom" {
		t.Errorf("Error = %q", snap.Error)
	}
	if !reflect.DeepEqual(snap.Capabilities, []string{"stats@1.0.0"}) {
		t.Errorf("Capabilities = %v", snap.Capabilities)
	}

	got, err := snap.BindingValues()
	if err != nil {
		t.Fatalf("BindingValues failed: %v", err)
	}
	if !reflect.DeepEqual(got, bindings) {
		t.Errorf("bindings = %v, want %v", got, bindings)
	}
}

func TestCapture_UnserializableBindingDegradesToWarning(t *testing.T) {
	c := testCapturer(t)
	bindings := map[string]any{
		"good": float64(1),
		"bad":  func() {},
	}
	warns, err := c.Capture("t", bindings, nil, 0, errors.New("x"), "run-1")
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if len(warns) != 1 || !strings.Contains(warns[0], "could not serialize binding bad") {
		t.Fatalf("warnings = %v", warns)
	}

	snap, err := c.Open("t")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := snap.Bindings["bad"]; ok {
		t.Error("unserializable binding kept in snapshot")
	}
	if _, ok := snap.Bindings["good"]; !ok {
		t.Error("serializable binding dropped alongside the bad one")
	}
}

func TestCapture_OverwritesPreviousSnapshot(t *testing.T) {
	c := testCapturer(t)
	if _, err := c.Capture("t", nil, nil, 1, errors.New("first"), "run-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Capture("t", nil, nil, 1, errors.New("second"), "run-2"); err != nil {
		t.Fatal(err)
	}
	snap, err := c.Open("t")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Error != "second" || snap.RunID != "run-2" {
		t.Errorf("stale snapshot survived: %+v", snap)
	}
}

func TestOpen_Missing(t *testing.T) {
	if _, err := testCapturer(t).Open("ghost"); err == nil {
		t.Error("missing snapshot opened")
	}
}

func TestListAndPurge(t *testing.T) {
	c := testCapturer(t)

	names, err := c.List()
	if err != nil || names != nil {
		t.Fatalf("empty List = %v, %v", names, err)
	}

	for _, name := range []string{"zeta", "alpha"} {
		if _, err := c.Capture(name, nil, nil, 0, errors.New("x"), "run-1"); err != nil {
			t.Fatal(err)
		}
	}
	names, err = c.List()
	if err != nil || !reflect.DeepEqual(names, []string{"alpha", "zeta"}) {
		t.Fatalf("List = %v, %v", names, err)
	}

	if err := c.Purge(); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	names, err = c.List()
	if err != nil || names != nil {
		t.Errorf("post-purge List = %v, %v", names, err)
	}
}

func TestCapture_LeavesNoTempFiles(t *testing.T) {
	c := testCapturer(t)
	if _, err := c.Capture("t", nil, nil, 0, errors.New("x"), "run-1"); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp.") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}
