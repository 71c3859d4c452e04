// Package diff renders unified diffs for file edits, built on the
// sergi/go-diff engine rather than a hand-rolled LCS.
package diff

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// LineType classifies one line of a rendered diff.
type LineType int

const (
	LineContext LineType = iota
	LineAdded
	LineRemoved
)

// Line is a single line in a hunk.
type Line struct {
	Type    LineType
	Content string
}

// Hunk is one contiguous group of changes with surrounding context.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []Line
}

// contextLines is the number of unchanged lines kept around each change.
const contextLines = 3

// Compute diffs two text bodies line-wise and groups the changes into hunks.
func Compute(oldText, newText string) []Hunk {
	if oldText == newText {
		return nil
	}

	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0

	// Line mode: map each distinct line to a rune so the diff runs over
	// whole lines, then expand back.
	oldRunes, newRunes, lineArray := dmp.DiffLinesToRunes(oldText, newText)
	diffs := dmp.DiffMainRunes(oldRunes, newRunes, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var lines []Line
	for _, d := range diffs {
		var t LineType
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			t = LineAdded
		case diffmatchpatch.DiffDelete:
			t = LineRemoved
		default:
			t = LineContext
		}
		for _, content := range splitLines(d.Text) {
			lines = append(lines, Line{Type: t, Content: content})
		}
	}
	return group(lines)
}

// group folds the flat line sequence into hunks: changed ranges whose gaps
// fit inside a double context window merge, and each hunk keeps contextLines
// of unchanged text on both sides.
func group(lines []Line) []Hunk {
	// Line numbers each index would carry in the old and new file.
	oldAt := make([]int, len(lines))
	newAt := make([]int, len(lines))
	oldNum, newNum := 1, 1
	for i, l := range lines {
		oldAt[i] = oldNum
		newAt[i] = newNum
		switch l.Type {
		case LineAdded:
			newNum++
		case LineRemoved:
			oldNum++
		default:
			oldNum++
			newNum++
		}
	}

	// Changed index ranges, merged when close together.
	type span struct{ from, to int } // inclusive
	var spans []span
	for i, l := range lines {
		if l.Type == LineContext {
			continue
		}
		if n := len(spans); n > 0 && i-spans[n-1].to <= 2*contextLines {
			spans[n-1].to = i
		} else {
			spans = append(spans, span{from: i, to: i})
		}
	}

	var hunks []Hunk
	for _, sp := range spans {
		from := sp.from - contextLines
		if from < 0 {
			from = 0
		}
		to := sp.to + contextLines
		if to > len(lines)-1 {
			to = len(lines) - 1
		}

		h := Hunk{OldStart: oldAt[from], NewStart: newAt[from]}
		for i := from; i <= to; i++ {
			h.Lines = append(h.Lines, lines[i])
			switch lines[i].Type {
			case LineAdded:
				h.NewCount++
			case LineRemoved:
				h.OldCount++
			default:
				h.OldCount++
				h.NewCount++
			}
		}
		hunks = append(hunks, h)
	}
	return hunks
}

// Unified renders hunks in the familiar unified format.
func Unified(path string, hunks []Hunk) string {
	if len(hunks) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", path, path)
	for _, h := range hunks {
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
		for _, l := range h.Lines {
			switch l.Type {
			case LineAdded:
				b.WriteString("+")
			case LineRemoved:
				b.WriteString("-")
			default:
				b.WriteString(" ")
			}
			b.WriteString(l.Content)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// Stats sums added and removed lines across hunks.
func Stats(hunks []Hunk) (added, removed int) {
	for _, h := range hunks {
		for _, l := range h.Lines {
			switch l.Type {
			case LineAdded:
				added++
			case LineRemoved:
				removed++
			}
		}
	}
	return added, removed
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
