package literate

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"pipeweaver/internal/expr"
)

func writeDoc(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "report.md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const sampleDoc = `# Quarterly report

Totals below.

` + "```pipeline" + `
total
` + "```" + `

Doubled:

` + "```pipeline" + `
read_result("total") * 2
` + "```" + `
`

func TestScan(t *testing.T) {
	doc, err := Scan(writeDoc(t, sampleDoc))
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(doc.Fragments) != 2 {
		t.Fatalf("got %d fragments, want 2", len(doc.Fragments))
	}
	if doc.Fragments[0].Line != 5 {
		t.Errorf("first fragment line = %d, want 5", doc.Fragments[0].Line)
	}
	if !reflect.DeepEqual(doc.Refs, []string{"total"}) {
		t.Errorf("Refs = %v, want [total]", doc.Refs)
	}
	if doc.SourceHash == "" {
		t.Error("missing source hash")
	}
}

func TestScan_IgnoresOtherFences(t *testing.T) {
	doc, err := Scan(writeDoc(t, "```go\nnot an expression\n```\n"))
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(doc.Fragments) != 0 {
		t.Errorf("got %d fragments from a non-pipeline fence", len(doc.Fragments))
	}
}

func TestScan_BadFragment(t *testing.T) {
	_, err := Scan(writeDoc(t, "```pipeline\n1 +\n```\n"))
	if err == nil || !strings.Contains(err.Error(), ":1:") {
		t.Errorf("err = %v, want parse error with line", err)
	}
}

func TestScan_UnterminatedFence(t *testing.T) {
	if _, err := Scan(writeDoc(t, "```pipeline\n1\n")); err == nil {
		t.Error("unterminated fence accepted")
	}
}

func TestScan_SourceHashTracksContent(t *testing.T) {
	p1 := writeDoc(t, sampleDoc)
	d1, err := Scan(p1)
	if err != nil {
		t.Fatal(err)
	}
	p2 := writeDoc(t, sampleDoc+"\nAppendix.\n")
	d2, err := Scan(p2)
	if err != nil {
		t.Fatal(err)
	}
	if d1.SourceHash == d2.SourceHash {
		t.Error("prose edit did not change the source hash")
	}
}

func TestDefaultOutputPath(t *testing.T) {
	if got := DefaultOutputPath("/x/report.md"); got != "/x/report.out.md" {
		t.Errorf("DefaultOutputPath = %q", got)
	}
}

func TestRender(t *testing.T) {
	path := writeDoc(t, sampleDoc)
	doc, err := Scan(path)
	if err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(filepath.Dir(path), "report.out.md")
	env := &expr.Env{Vars: map[string]any{"total": float64(21)}}
	paths, err := Render(doc, env, out)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if len(paths) != 1 || paths[0] != out {
		t.Errorf("Render paths = %v", paths)
	}

	rendered, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	text := string(rendered)
	if strings.Contains(text, "```") {
		t.Error("rendered document still contains fences")
	}
	if !strings.Contains(text, "21") || !strings.Contains(text, "42") {
		t.Errorf("rendered document missing results:\n%s", text)
	}
	if !strings.Contains(text, "# Quarterly report") {
		t.Error("prose dropped during rendering")
	}
}

func TestRender_UsesScannedSource(t *testing.T) {
	path := writeDoc(t, "Before edit.\n\n```pipeline\n1 + 1\n```\n")
	doc, err := Scan(path)
	if err != nil {
		t.Fatal(err)
	}

	// An edit after scanning must not leak into the render: the fragment
	// results belong to the content the dependency analysis saw.
	edited := "After edit.\n\n```pipeline\n100 * 100\n```\n"
	if err := os.WriteFile(path, []byte(edited), 0o644); err != nil {
		t.Fatal(err)
	}

	out := DefaultOutputPath(path)
	if _, err := Render(doc, &expr.Env{}, out); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	rendered, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	text := string(rendered)
	if !strings.Contains(text, "Before edit.") || !strings.Contains(text, "2") {
		t.Errorf("render did not use scan-time content:\n%s", text)
	}
	if strings.Contains(text, "After edit.") || strings.Contains(text, "10000") {
		t.Errorf("render leaked post-scan content:\n%s", text)
	}
}

func TestRender_FragmentError(t *testing.T) {
	path := writeDoc(t, "```pipeline\n1 / 0\n```\n")
	doc, err := Scan(path)
	if err != nil {
		t.Fatal(err)
	}
	_, err = Render(doc, &expr.Env{}, DefaultOutputPath(path))
	if err == nil || !strings.Contains(err.Error(), "division by zero") {
		t.Errorf("err = %v, want division by zero", err)
	}
}
