package delta

import "fmt"

type matchedPair struct {
	left  int
	right int
}

func (engine *Engine) diffArray(left, right []any) *Delta {
	start := 0
	for start < len(left) && start < len(right) && Equal(left[start], right[start]) {
		start++
	}
	leftEnd, rightEnd := len(left), len(right)
	for leftEnd > start && rightEnd > start && Equal(left[leftEnd-1], right[rightEnd-1]) {
		leftEnd--
		rightEnd--
	}

	leftMiddle := left[start:leftEnd]
	rightMiddle := right[start:rightEnd]
	result := &Delta{Kind: Array, Removed: map[int]*Delta{}, Changed: map[int]*Delta{}}

	leftMatched := make([]bool, len(leftMiddle))
	rightMatched := make([]bool, len(rightMiddle))
	for _, pair := range engine.matchItems(leftMiddle, rightMiddle) {
		leftMatched[pair.left] = true
		rightMatched[pair.right] = true
		if nested := engine.diff(leftMiddle[pair.left], rightMiddle[pair.right]); nested != nil {
			result.Changed[start+pair.right] = nested
		}
	}

	addedIndexes := make([]int, 0)
	for index, matched := range rightMatched {
		if !matched {
			addedIndexes = append(addedIndexes, index)
		}
	}
	movedTargets := make(map[int]bool)
	for index, matched := range leftMatched {
		if matched {
			continue
		}
		target := -1
		for _, candidate := range addedIndexes {
			if !movedTargets[candidate] && Equal(leftMiddle[index], rightMiddle[candidate]) {
				target = candidate
				break
			}
		}
		if target >= 0 {
			movedTargets[target] = true
			result.Removed[start+index] = &Delta{Kind: Moved, To: start + target}
			continue
		}
		result.Removed[start+index] = &Delta{Kind: Deleted, Old: Clone(leftMiddle[index])}
	}
	for _, index := range addedIndexes {
		if !movedTargets[index] {
			result.Changed[start+index] = &Delta{Kind: Added, New: Clone(rightMiddle[index])}
		}
	}

	if result.Empty() {
		return nil
	}
	return result
}

// matchItems pairs array items that survive the edit: first the longest
// common subsequence of equal items, then, inside each gap between equal
// items, containers and long strings that sit at the same relative position
// so they are diffed in place instead of being replaced.
func (engine *Engine) matchItems(left, right []any) []matchedPair {
	leftKeys := make([]string, len(left))
	for index, item := range left {
		leftKeys[index] = fingerprint(item)
	}
	rightKeys := make([]string, len(right))
	for index, item := range right {
		rightKeys[index] = fingerprint(item)
	}
	common := longestCommonSubsequence(leftKeys, rightKeys)

	pairs := make([]matchedPair, 0, len(common))
	previousLeft, previousRight := 0, 0
	boundaries := append(common, matchedPair{left: len(left), right: len(right)})
	for _, boundary := range boundaries {
		gapLeft := boundary.left - previousLeft
		gapRight := boundary.right - previousRight
		for offset := 0; offset < gapLeft && offset < gapRight; offset++ {
			leftIndex := previousLeft + offset
			rightIndex := previousRight + offset
			if engine.pairable(left[leftIndex], right[rightIndex]) {
				pairs = append(pairs, matchedPair{left: leftIndex, right: rightIndex})
			}
		}
		if boundary.left < len(left) {
			pairs = append(pairs, boundary)
		}
		previousLeft = boundary.left + 1
		previousRight = boundary.right + 1
	}
	return pairs
}

func (engine *Engine) pairable(left, right any) bool {
	switch leftValue := left.(type) {
	case map[string]any:
		_, ok := right.(map[string]any)
		return ok
	case []any:
		_, ok := right.([]any)
		return ok
	case string:
		rightValue, ok := right.(string)
		return ok && engine.isLongText(leftValue, rightValue)
	default:
		return false
	}
}

func longestCommonSubsequence(left, right []string) []matchedPair {
	rows, columns := len(left), len(right)
	if rows == 0 || columns == 0 {
		return nil
	}
	lengths := make([][]int, rows+1)
	for row := range lengths {
		lengths[row] = make([]int, columns+1)
	}
	for row := rows - 1; row >= 0; row-- {
		for column := columns - 1; column >= 0; column-- {
			if left[row] == right[column] {
				lengths[row][column] = lengths[row+1][column+1] + 1
			} else {
				lengths[row][column] = max(lengths[row+1][column], lengths[row][column+1])
			}
		}
	}
	pairs := make([]matchedPair, 0, lengths[0][0])
	row, column := 0, 0
	for row < rows && column < columns {
		switch {
		case left[row] == right[column]:
			pairs = append(pairs, matchedPair{left: row, right: column})
			row++
			column++
		case lengths[row+1][column] >= lengths[row][column+1]:
			row++
		default:
			column++
		}
	}
	return pairs
}

// patchArray rebuilds the post-image: added values and move targets take their
// new indexes, every other surviving item keeps its relative order, and nested
// changes apply last, addressed by new index.
func (engine *Engine) patchArray(array []any, d *Delta) (any, error) {
	added := 0
	for index, entry := range d.Changed {
		if index < 0 {
			return nil, fmt.Errorf("%w: negative array index %d", ErrCorruptDelta, index)
		}
		if entry.Kind == Added {
			added++
		}
	}
	deleted := 0
	movedIn := make(map[int]int)
	for index, entry := range d.Removed {
		if index < 0 || index >= len(array) {
			return nil, fmt.Errorf("%w: removed index %d outside array of %d", ErrCorruptDelta, index, len(array))
		}
		switch entry.Kind {
		case Deleted:
			deleted++
		case Moved:
			if _, duplicate := movedIn[entry.To]; duplicate {
				return nil, fmt.Errorf("%w: two items moved to index %d", ErrCorruptDelta, entry.To)
			}
			movedIn[entry.To] = index
		default:
			return nil, fmt.Errorf("%w: %s entry among removals", ErrCorruptDelta, entry.Kind)
		}
	}

	size := len(array) - deleted + added
	result := make([]any, size)
	filled := make([]bool, size)
	for index, entry := range d.Changed {
		if entry.Kind != Added {
			continue
		}
		if index >= size {
			return nil, fmt.Errorf("%w: added index %d outside array of %d", ErrCorruptDelta, index, size)
		}
		result[index] = Clone(entry.New)
		filled[index] = true
	}
	for target, source := range movedIn {
		if target < 0 || target >= size || filled[target] {
			return nil, fmt.Errorf("%w: invalid move target %d", ErrCorruptDelta, target)
		}
		result[target] = array[source]
		filled[target] = true
	}
	next := 0
	for index, item := range array {
		if _, removed := d.Removed[index]; removed {
			continue
		}
		for next < size && filled[next] {
			next++
		}
		if next >= size {
			return nil, fmt.Errorf("%w: array delta does not fit %d items", ErrCorruptDelta, len(array))
		}
		result[next] = item
		filled[next] = true
		next++
	}
	for index, ok := range filled {
		if !ok {
			return nil, fmt.Errorf("%w: array index %d left empty", ErrCorruptDelta, index)
		}
	}

	for _, index := range sortedIndexes(d.Changed) {
		entry := d.Changed[index]
		if entry.Kind == Added {
			continue
		}
		if index >= size {
			return nil, fmt.Errorf("%w: changed index %d outside array of %d", ErrCorruptDelta, index, size)
		}
		patched, err := engine.patch(result[index], entry)
		if err != nil {
			return nil, err
		}
		result[index] = patched
	}
	return result, nil
}

// unpatchArray rebuilds the pre-image from the post-image. Surviving items
// are zipped in order between the new indexes that were neither added nor
// moved in and the old indexes that were neither deleted nor moved out.
func (engine *Engine) unpatchArray(array []any, d *Delta) (any, error) {
	added := 0
	inserted := make(map[int]bool)
	for index, entry := range d.Changed {
		if index < 0 || index >= len(array) {
			return nil, fmt.Errorf("%w: changed index %d outside array of %d", ErrCorruptDelta, index, len(array))
		}
		if entry.Kind == Added {
			added++
			inserted[index] = true
		}
	}
	deleted := 0
	for _, entry := range d.Removed {
		switch entry.Kind {
		case Deleted:
			deleted++
		case Moved:
			if entry.To < 0 || entry.To >= len(array) || inserted[entry.To] {
				return nil, fmt.Errorf("%w: invalid move target %d", ErrCorruptDelta, entry.To)
			}
			inserted[entry.To] = true
		default:
			return nil, fmt.Errorf("%w: %s entry among removals", ErrCorruptDelta, entry.Kind)
		}
	}

	size := len(array) - added + deleted
	if size < 0 {
		return nil, fmt.Errorf("%w: array delta does not fit %d items", ErrCorruptDelta, len(array))
	}
	result := make([]any, size)
	for index, entry := range d.Removed {
		if index < 0 || index >= size {
			return nil, fmt.Errorf("%w: removed index %d outside array of %d", ErrCorruptDelta, index, size)
		}
		if entry.Kind == Deleted {
			result[index] = Clone(entry.Old)
			continue
		}
		restored, err := engine.restoreItem(array, d, entry.To)
		if err != nil {
			return nil, err
		}
		result[index] = restored
	}

	survivorsNew := make([]int, 0, len(array))
	for index := range array {
		if !inserted[index] {
			survivorsNew = append(survivorsNew, index)
		}
	}
	survivorsOld := make([]int, 0, size)
	for index := 0; index < size; index++ {
		if _, removed := d.Removed[index]; !removed {
			survivorsOld = append(survivorsOld, index)
		}
	}
	if len(survivorsNew) != len(survivorsOld) {
		return nil, fmt.Errorf("%w: %d surviving items map onto %d slots", ErrCorruptDelta, len(survivorsNew), len(survivorsOld))
	}
	for position, newIndex := range survivorsNew {
		restored, err := engine.restoreItem(array, d, newIndex)
		if err != nil {
			return nil, err
		}
		result[survivorsOld[position]] = restored
	}
	return result, nil
}

func (engine *Engine) restoreItem(array []any, d *Delta, newIndex int) (any, error) {
	item := array[newIndex]
	entry, changed := d.Changed[newIndex]
	if !changed || entry.Kind == Added {
		return item, nil
	}
	return engine.unpatch(item, entry)
}
