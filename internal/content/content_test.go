package content

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/airweave/airweave/pkg/models"
)

func TestBuildTextualUsesEmbeddableFields(t *testing.T) {
	e := &models.Entity{
		Name: "Quarterly Plan",
		Breadcrumbs: []models.Breadcrumb{
			{EntityID: "ws", Name: "Workspace"},
			{EntityID: "proj", Name: "Planning"},
		},
		Fields: map[string]any{
			"body":     "Ship the new onboarding flow.",
			"assignee": "sam",
			"internal": "secret-field",
		},
		FieldDefs: []models.FieldDef{
			{Name: "body", Embeddable: true},
			{Name: "assignee", Embeddable: true},
			{Name: "internal", Embeddable: false},
		},
	}
	text := BuildTextual(e)
	if !strings.Contains(text, "# Quarterly Plan") {
		t.Errorf("missing name: %q", text)
	}
	if !strings.Contains(text, "Workspace > Planning") {
		t.Errorf("missing breadcrumbs: %q", text)
	}
	if !strings.Contains(text, "body: Ship the new onboarding flow.") {
		t.Errorf("missing body: %q", text)
	}
	if strings.Contains(text, "secret-field") {
		t.Errorf("non-embeddable field leaked: %q", text)
	}
}

func TestBuildTextualWithoutFieldDefsUsesAll(t *testing.T) {
	e := &models.Entity{Fields: map[string]any{"b": "two", "a": "one"}}
	text := BuildTextual(e)
	// Stable sorted order.
	if text != "a: one\nb: two" {
		t.Errorf("got %q", text)
	}
}

func TestBuildTextualDeterministic(t *testing.T) {
	e := &models.Entity{Fields: map[string]any{
		"tags": []any{"x", "y"},
		"meta": map[string]any{"k2": "b", "k1": "a"},
	}}
	first := BuildTextual(e)
	for i := 0; i < 10; i++ {
		if got := BuildTextual(e); got != first {
			t.Fatalf("iteration %d differs:\n%q\n%q", i, first, got)
		}
	}
}

func TestSafeNameLengthCap(t *testing.T) {
	long := strings.Repeat("a", 200)
	name := SafeName(long, "report.pdf")
	if len(name) > 80 {
		t.Errorf("name length = %d", len(name))
	}
	if !strings.HasSuffix(name, ".pdf") {
		t.Errorf("extension lost: %q", name)
	}
	// Distinct long inputs stay distinct.
	other := SafeName(strings.Repeat("a", 199)+"b", "report.pdf")
	if name == other {
		t.Error("distinct entities collided")
	}
}

func TestSafeNameSanitizes(t *testing.T) {
	name := SafeName("id/../../etc", "pass wd.txt")
	if strings.ContainsAny(name, "/\\ ") {
		t.Errorf("unsafe characters in %q", name)
	}
}

func TestStageEnforcesByteCap(t *testing.T) {
	fm, err := NewFileManager(t.TempDir(), 10)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	_, _, err = fm.Stage("e1", "big.txt", strings.NewReader("this is more than ten bytes"))
	var tooLarge *ErrFileTooLarge
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected ErrFileTooLarge, got %v", err)
	}
	// Nothing left behind.
	entries, _ := os.ReadDir(fm.Dir)
	if len(entries) != 0 {
		t.Errorf("staging dir not cleaned: %d entries", len(entries))
	}
}

func TestStageWritesWithinCap(t *testing.T) {
	fm, err := NewFileManager(t.TempDir(), 1024)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	path, size, err := fm.Stage("e1", "note.txt", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if size != 5 {
		t.Errorf("size = %d", size)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "hello" {
		t.Errorf("read back: %q err=%v", data, err)
	}
	fm.Cleanup(path)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("cleanup left the file")
	}
}

func TestPlainConverter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.md")
	if err := os.WriteFile(path, []byte("# heading\nbody"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	var c PlainConverter
	if !c.Supports("text/markdown", ".md") {
		t.Error("markdown not supported")
	}
	if c.Supports("application/pdf", ".pdf") {
		t.Error("pdf claimed by plain converter")
	}
	text, err := c.Convert(context.Background(), path)
	if err != nil || !strings.Contains(text, "heading") {
		t.Errorf("convert: %q err=%v", text, err)
	}
}

func TestChunkerShortTextSingleChunk(t *testing.T) {
	c := NewChunker(1024, 128)
	chunks := c.Split("a short paragraph")
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	if chunks[0].Start != 0 {
		t.Errorf("start = %d", chunks[0].Start)
	}
}

func TestChunkerSplitsLongText(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 200; i++ {
		b.WriteString("This sentence pads the document with content. ")
	}
	text := b.String()

	c := NewChunker(100, 10)
	chunks := c.Split(text)
	if len(chunks) < 2 {
		t.Fatalf("long text produced %d chunks", len(chunks))
	}
	runes := []rune(text)
	for i, ch := range chunks {
		if ch.Start < 0 || ch.End > len(runes) || ch.Start >= ch.End {
			t.Errorf("chunk %d has bad offsets [%d,%d)", i, ch.Start, ch.End)
		}
		if string(runes[ch.Start:ch.End]) != ch.Text {
			t.Errorf("chunk %d text does not match its offsets", i)
		}
	}
	// Consecutive chunks overlap or touch; no gaps.
	for i := 1; i < len(chunks); i++ {
		if chunks[i].Start > chunks[i-1].End {
			t.Errorf("gap between chunk %d and %d", i-1, i)
		}
	}
}

func TestChunkerEmptyText(t *testing.T) {
	c := NewChunker(100, 10)
	if got := c.Split("   \n  "); got != nil {
		t.Errorf("whitespace produced %d chunks", len(got))
	}
}

func TestSplitCodePrefersTopLevelBreaks(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString("func handler() {\n")
		for j := 0; j < 10; j++ {
			b.WriteString("\tdoSomethingUseful(request, response, options)\n")
		}
		b.WriteString("}\n\n")
	}
	c := NewChunker(120, 0)
	chunks := c.SplitCode(b.String())
	if len(chunks) < 2 {
		t.Fatalf("code produced %d chunks", len(chunks))
	}
	// Reassembly equals the input.
	var joined strings.Builder
	for _, ch := range chunks {
		joined.WriteString(ch.Text)
	}
	if joined.String() != b.String() {
		t.Error("chunks do not reassemble to the input")
	}
}
