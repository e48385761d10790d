package ide

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

const diffContextLines = 3

// PositionToOffset converts p into a byte offset of text, clamping to the
// text bounds.
func PositionToOffset(text string, p Position) int {
	if p.Line < 0 {
		return 0
	}
	offset := 0
	for line := 0; line < p.Line; line++ {
		next := strings.IndexByte(text[offset:], '\n')
		if next < 0 {
			return len(text)
		}
		offset += next + 1
	}
	lineEnd := strings.IndexByte(text[offset:], '\n')
	if lineEnd < 0 {
		lineEnd = len(text) - offset
	}
	char := p.Character
	if char < 0 {
		char = 0
	}
	if char > lineEnd {
		char = lineEnd
	}
	return offset + char
}

// OffsetToPosition converts a byte offset of text into a Position.
func OffsetToPosition(text string, offset int) Position {
	if offset > len(text) {
		offset = len(text)
	}
	if offset < 0 {
		offset = 0
	}
	prefix := text[:offset]
	line := strings.Count(prefix, "\n")
	lastNL := strings.LastIndexByte(prefix, '\n')
	return Position{Line: line, Character: offset - lastNL - 1}
}

// FullRange spans all of text.
func FullRange(text string) Range {
	return Range{End: OffsetToPosition(text, len(text))}
}

// ApplyRangeEdit replaces rng in text. It returns the new text, the text
// that was replaced, and the range the replacement occupies in the new text.
func ApplyRangeEdit(text string, rng Range, replacement string) (string, string, Range) {
	start := PositionToOffset(text, rng.Start)
	end := PositionToOffset(text, rng.End)
	if end < start {
		start, end = end, start
	}
	replaced := text[start:end]
	updated := text[:start] + replacement + text[end:]
	return updated, replaced, Range{
		Start: OffsetToPosition(updated, start),
		End:   OffsetToPosition(updated, start+len(replacement)),
	}
}

// UnifiedDiff renders the change from before to after as a single-hunk
// unified diff. It returns "" when the texts are equal.
func UnifiedDiff(path, before, after string) (string, error) {
	if before == after {
		return "", nil
	}

	oldLines := splitLines(before)
	newLines := splitLines(after)

	prefix := 0
	for prefix < len(oldLines) && prefix < len(newLines) && oldLines[prefix] == newLines[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(oldLines)-prefix && suffix < len(newLines)-prefix &&
		oldLines[len(oldLines)-1-suffix] == newLines[len(newLines)-1-suffix] {
		suffix++
	}

	ctxStart := max(0, prefix-diffContextLines)
	trailing := min(suffix, diffContextLines)

	var body bytes.Buffer
	for _, l := range oldLines[ctxStart:prefix] {
		body.WriteString(" " + l + "\n")
	}
	for _, l := range oldLines[prefix : len(oldLines)-suffix] {
		body.WriteString("-" + l + "\n")
	}
	for _, l := range newLines[prefix : len(newLines)-suffix] {
		body.WriteString("+" + l + "\n")
	}
	for _, l := range oldLines[len(oldLines)-suffix : len(oldLines)-suffix+trailing] {
		body.WriteString(" " + l + "\n")
	}

	contextCount := (prefix - ctxStart) + trailing
	hunk := &diff.Hunk{
		OrigStartLine: int32(ctxStart + 1),
		OrigLines:     int32(contextCount + len(oldLines) - prefix - suffix),
		NewStartLine:  int32(ctxStart + 1),
		NewLines:      int32(contextCount + len(newLines) - prefix - suffix),
		Body:          body.Bytes(),
	}
	if hunk.OrigLines == 0 {
		hunk.OrigStartLine--
	}
	if hunk.NewLines == 0 {
		hunk.NewStartLine--
	}

	out, err := diff.PrintFileDiff(&diff.FileDiff{
		OrigName: "a/" + path,
		NewName:  "b/" + path,
		Hunks:    []*diff.Hunk{hunk},
	})
	if err != nil {
		return "", fmt.Errorf("failed to render diff for %s: %w", path, err)
	}
	return string(out), nil
}

// ApplyUnifiedDiff applies a unified diff to content using go-diff's parser.
func ApplyUnifiedDiff(original, diffText string) (string, error) {
	if !strings.HasPrefix(diffText, "---") && !strings.HasPrefix(diffText, "diff ") {
		diffText = "--- a/file\n+++ b/file\n" + diffText
	}

	fileDiff, err := diff.ParseFileDiff([]byte(diffText))
	if err != nil {
		return "", fmt.Errorf("failed to parse unified diff: %w", err)
	}

	originalLines := strings.Split(original, "\n")
	result := make([]string, 0, len(originalLines))
	cursor := 0

	for _, hunk := range fileDiff.Hunks {
		hunkStart := int(hunk.OrigStartLine) - 1
		if hunk.OrigLines == 0 {
			// pure insertion hunks name the line they follow
			hunkStart++
		}
		if hunkStart < cursor {
			return "", fmt.Errorf("overlapping hunk at line %d", hunk.OrigStartLine)
		}
		for cursor < hunkStart && cursor < len(originalLines) {
			result = append(result, originalLines[cursor])
			cursor++
		}

		for _, line := range strings.Split(string(hunk.Body), "\n") {
			if len(line) == 0 {
				continue
			}
			switch line[0] {
			case ' ':
				if cursor < len(originalLines) {
					result = append(result, originalLines[cursor])
					cursor++
				}
			case '-':
				if cursor < len(originalLines) {
					cursor++
				}
			case '+':
				result = append(result, line[1:])
			}
		}
	}

	result = append(result, originalLines[min(cursor, len(originalLines)):]...)
	return strings.Join(result, "\n"), nil
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}
