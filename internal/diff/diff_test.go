package diff

import (
	"strings"
	"testing"
)

func TestComputeIdentical(t *testing.T) {
	text := "a\nb\nc\n"
	if hunks := Compute(text, text); hunks != nil {
		t.Fatalf("expected no hunks, got %d", len(hunks))
	}
}

func TestComputeSingleChange(t *testing.T) {
	oldText := "one\ntwo\nthree\nfour\nfive\n"
	newText := "one\ntwo\nTHREE\nfour\nfive\n"

	hunks := Compute(oldText, newText)
	if len(hunks) != 1 {
		t.Fatalf("hunks = %d, want 1", len(hunks))
	}

	h := hunks[0]
	if h.OldStart != 1 || h.NewStart != 1 {
		t.Errorf("starts = %d,%d, want 1,1", h.OldStart, h.NewStart)
	}
	added, removed := Stats(hunks)
	if added != 1 || removed != 1 {
		t.Errorf("stats = +%d -%d, want +1 -1", added, removed)
	}
}

func TestComputeDistantChangesSplitIntoHunks(t *testing.T) {
	var oldLines, newLines []string
	for i := 0; i < 30; i++ {
		oldLines = append(oldLines, "line")
		newLines = append(newLines, "line")
	}
	newLines[2] = "changed-top"
	newLines[27] = "changed-bottom"

	hunks := Compute(strings.Join(oldLines, "\n")+"\n", strings.Join(newLines, "\n")+"\n")
	if len(hunks) != 2 {
		t.Fatalf("hunks = %d, want 2", len(hunks))
	}
	if hunks[1].OldStart <= hunks[0].OldStart {
		t.Errorf("hunks out of order: %d then %d", hunks[0].OldStart, hunks[1].OldStart)
	}
}

func TestComputeAdjacentChangesMerge(t *testing.T) {
	oldText := "a\nb\nc\nd\ne\nf\n"
	newText := "a\nB\nc\nD\ne\nf\n"

	hunks := Compute(oldText, newText)
	if len(hunks) != 1 {
		t.Fatalf("hunks = %d, want 1 (gap fits the context window)", len(hunks))
	}
}

func TestUnifiedFormat(t *testing.T) {
	oldText := "alpha\nbeta\ngamma\n"
	newText := "alpha\nBETA\ngamma\n"

	out := Unified("pkg/file.go", Compute(oldText, newText))
	for _, want := range []string{
		"--- a/pkg/file.go",
		"+++ b/pkg/file.go",
		"@@ -1,3 +1,3 @@",
		"-beta",
		"+BETA",
		" alpha",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("unified output missing %q:\n%s", want, out)
		}
	}
}

func TestUnifiedEmpty(t *testing.T) {
	if out := Unified("x", nil); out != "" {
		t.Errorf("unified of no hunks = %q", out)
	}
}

func TestComputePureInsertion(t *testing.T) {
	oldText := "a\nb\n"
	newText := "a\nmiddle\nb\n"

	hunks := Compute(oldText, newText)
	added, removed := Stats(hunks)
	if added != 1 || removed != 0 {
		t.Fatalf("stats = +%d -%d, want +1 -0", added, removed)
	}
}
