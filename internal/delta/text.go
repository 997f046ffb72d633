package delta

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

var hunkHeader = regexp.MustCompile(`^@@ -(\d+(?:,\d+)?) \+(\d+(?:,\d+)?) @@$`)

// diffText returns a Text delta, or nil when the patch would not be smaller
// than storing both strings.
func diffText(left, right string) *Delta {
	matcher := diffmatchpatch.New()
	patches := matcher.PatchMake(left, right)
	if len(patches) == 0 {
		return nil
	}
	patchText := matcher.PatchToText(patches)
	if len(patchText) >= len(left)+len(right) {
		return nil
	}
	return &Delta{Kind: Text, Text: patchText}
}

func applyText(text, patchText string) (string, error) {
	matcher := diffmatchpatch.New()
	patches, err := matcher.PatchFromText(patchText)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptDelta, err)
	}
	patched, applied := matcher.PatchApply(patches, text)
	for index, ok := range applied {
		if !ok {
			return "", fmt.Errorf("%w: text hunk %d did not apply", ErrCorruptDelta, index)
		}
	}
	return patched, nil
}

// reverseTextPatch swaps the coordinates of every hunk header and the
// insert/delete markers of every line, turning a forward patch into its inverse.
func reverseTextPatch(patchText string) (string, error) {
	lines := strings.Split(patchText, "\n")
	for index, line := range lines {
		if line == "" {
			continue
		}
		if match := hunkHeader.FindStringSubmatch(line); match != nil {
			lines[index] = "@@ -" + match[2] + " +" + match[1] + " @@"
			continue
		}
		switch line[0] {
		case '+':
			lines[index] = "-" + line[1:]
		case '-':
			lines[index] = "+" + line[1:]
		case ' ':
		default:
			return "", fmt.Errorf("%w: unexpected patch line %q", ErrCorruptDelta, line)
		}
	}
	return strings.Join(lines, "\n"), nil
}
