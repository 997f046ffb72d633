// Package delta computes, applies, and reverses structural differences between
// JSON-shaped trees (map[string]any, []any, string, float64, bool, nil).
//
// The serialized form follows the jsondiffpatch conventions so that stored
// deltas stay readable:
//
//	[new]            value added
//	[old, new]       value replaced
//	[old, 0, 0]      value deleted
//	[patch, 0, 2]    long string changed, patch is a diff-match-patch unidiff
//	["", to, 3]      array item moved to index "to"
//	{"key": ...}     nested object changes
//	{"_t": "a", "N": ..., "_N": ...}
//	                 array changes; "N" keys address the new array, "_N" keys the old one
package delta

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// ErrCorruptDelta indicates a delta whose shape this engine did not produce or
// which does not fit the tree it is applied to.
var ErrCorruptDelta = errors.New("delta: corrupt delta")

const (
	arrayMarker     = "_t"
	arrayMarkerType = "a"
	removedPrefix   = "_"

	magicDeleted = 0
	magicText    = 2
	magicMoved   = 3
)

// Kind enumerates delta node types.
type Kind uint8

const (
	// Added marks a value present only in the new tree.
	Added Kind = iota + 1
	// Modified marks a value replaced wholesale.
	Modified
	// Deleted marks a value present only in the old tree.
	Deleted
	// Text marks a long string changed through a text patch.
	Text
	// Moved marks an array item relocated without modification.
	Moved
	// Object groups per-key changes of an object.
	Object
	// Array groups per-index changes of an array.
	Array
)

// String returns the lowercase kind name.
func (kind Kind) String() string {
	switch kind {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	case Text:
		return "text"
	case Moved:
		return "moved"
	case Object:
		return "object"
	case Array:
		return "array"
	default:
		return "unknown"
	}
}

// Delta is one node of a structural difference. A nil *Delta means "no change".
type Delta struct {
	Kind Kind
	// Old holds the pre-image for Modified and Deleted nodes.
	Old any
	// New holds the post-image for Added and Modified nodes.
	New any
	// Text holds the unidiff patch of a Text node.
	Text string
	// To is the destination index of a Moved node.
	To int
	// Fields holds per-key changes of an Object node.
	Fields map[string]*Delta
	// Removed holds Deleted or Moved entries of an Array node keyed by old index.
	Removed map[int]*Delta
	// Changed holds Added or nested entries of an Array node keyed by new index.
	Changed map[int]*Delta
}

// Empty reports whether the delta describes no change at all.
func (d *Delta) Empty() bool {
	if d == nil {
		return true
	}
	switch d.Kind {
	case Object:
		return len(d.Fields) == 0
	case Array:
		return len(d.Removed) == 0 && len(d.Changed) == 0
	default:
		return false
	}
}

// Count returns the number of added, removed, changed, and moved entries in
// the delta, descending into nested objects and arrays.
func Count(d *Delta) int {
	if d == nil {
		return 0
	}
	switch d.Kind {
	case Object:
		total := 0
		for _, field := range d.Fields {
			total += Count(field)
		}
		return total
	case Array:
		total := 0
		for _, entry := range d.Removed {
			total += Count(entry)
		}
		for _, entry := range d.Changed {
			total += Count(entry)
		}
		return total
	default:
		return 1
	}
}

// MarshalJSON encodes the delta in its jsondiffpatch-shaped wire form.
func (d *Delta) MarshalJSON() ([]byte, error) {
	encoded, err := d.wire()
	if err != nil {
		return nil, err
	}
	return json.Marshal(encoded)
}

// UnmarshalJSON decodes a wire-form delta, rejecting unknown shapes.
func (d *Delta) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptDelta, err)
	}
	parsed, err := fromWire(raw)
	if err != nil {
		return err
	}
	if parsed == nil {
		*d = Delta{Kind: Object, Fields: map[string]*Delta{}}
		return nil
	}
	*d = *parsed
	return nil
}

func (d *Delta) wire() (any, error) {
	if d == nil {
		return map[string]any{}, nil
	}
	switch d.Kind {
	case Added:
		return []any{d.New}, nil
	case Modified:
		return []any{d.Old, d.New}, nil
	case Deleted:
		return []any{d.Old, magicDeleted, magicDeleted}, nil
	case Text:
		return []any{d.Text, 0, magicText}, nil
	case Moved:
		return []any{"", d.To, magicMoved}, nil
	case Object:
		encoded := make(map[string]any, len(d.Fields))
		for key, field := range d.Fields {
			value, err := field.wire()
			if err != nil {
				return nil, err
			}
			encoded[key] = value
		}
		return encoded, nil
	case Array:
		encoded := make(map[string]any, len(d.Removed)+len(d.Changed)+1)
		encoded[arrayMarker] = arrayMarkerType
		for index, entry := range d.Removed {
			value, err := entry.wire()
			if err != nil {
				return nil, err
			}
			encoded[removedPrefix+strconv.Itoa(index)] = value
		}
		for index, entry := range d.Changed {
			value, err := entry.wire()
			if err != nil {
				return nil, err
			}
			encoded[strconv.Itoa(index)] = value
		}
		return encoded, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrCorruptDelta, d.Kind)
	}
}

func fromWire(raw any) (*Delta, error) {
	switch value := raw.(type) {
	case []any:
		return leafFromWire(value)
	case map[string]any:
		if marker, ok := value[arrayMarker]; ok {
			if marker != arrayMarkerType {
				return nil, fmt.Errorf("%w: unknown container marker %v", ErrCorruptDelta, marker)
			}
			return arrayFromWire(value)
		}
		fields := make(map[string]*Delta, len(value))
		for key, entry := range value {
			field, err := fromWire(entry)
			if err != nil {
				return nil, err
			}
			if field == nil {
				continue
			}
			if field.Kind == Moved {
				return nil, fmt.Errorf("%w: move outside array at %q", ErrCorruptDelta, key)
			}
			fields[key] = field
		}
		if len(fields) == 0 {
			return nil, nil
		}
		return &Delta{Kind: Object, Fields: fields}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected node %T", ErrCorruptDelta, raw)
	}
}

func leafFromWire(value []any) (*Delta, error) {
	switch len(value) {
	case 1:
		return &Delta{Kind: Added, New: value[0]}, nil
	case 2:
		return &Delta{Kind: Modified, Old: value[0], New: value[1]}, nil
	case 3:
		magic, ok := wireInt(value[2])
		if !ok {
			return nil, fmt.Errorf("%w: invalid marker %v", ErrCorruptDelta, value[2])
		}
		switch magic {
		case magicDeleted:
			return &Delta{Kind: Deleted, Old: value[0]}, nil
		case magicText:
			patch, ok := value[0].(string)
			if !ok {
				return nil, fmt.Errorf("%w: text patch is %T", ErrCorruptDelta, value[0])
			}
			return &Delta{Kind: Text, Text: patch}, nil
		case magicMoved:
			to, ok := wireInt(value[1])
			if !ok || to < 0 {
				return nil, fmt.Errorf("%w: invalid move target %v", ErrCorruptDelta, value[1])
			}
			return &Delta{Kind: Moved, To: to}, nil
		default:
			return nil, fmt.Errorf("%w: unknown marker %d", ErrCorruptDelta, magic)
		}
	default:
		return nil, fmt.Errorf("%w: leaf of length %d", ErrCorruptDelta, len(value))
	}
}

func arrayFromWire(value map[string]any) (*Delta, error) {
	result := &Delta{Kind: Array, Removed: map[int]*Delta{}, Changed: map[int]*Delta{}}
	for key, entry := range value {
		if key == arrayMarker {
			continue
		}
		removed := strings.HasPrefix(key, removedPrefix)
		index, err := strconv.Atoi(strings.TrimPrefix(key, removedPrefix))
		if err != nil || index < 0 {
			return nil, fmt.Errorf("%w: invalid array key %q", ErrCorruptDelta, key)
		}
		node, err := fromWire(entry)
		if err != nil {
			return nil, err
		}
		if node == nil {
			continue
		}
		if removed {
			if node.Kind != Deleted && node.Kind != Moved {
				return nil, fmt.Errorf("%w: %s entry under removed key %q", ErrCorruptDelta, node.Kind, key)
			}
			result.Removed[index] = node
			continue
		}
		if node.Kind == Deleted || node.Kind == Moved {
			return nil, fmt.Errorf("%w: %s entry under key %q", ErrCorruptDelta, node.Kind, key)
		}
		result.Changed[index] = node
	}
	if result.Empty() {
		return nil, nil
	}
	return result, nil
}

func wireInt(value any) (int, bool) {
	switch number := value.(type) {
	case float64:
		if number != math.Trunc(number) {
			return 0, false
		}
		return int(number), true
	case int:
		return number, true
	case int64:
		return int(number), true
	case uint64:
		return int(number), true
	default:
		return 0, false
	}
}

func sortedIndexes(entries map[int]*Delta) []int {
	indexes := make([]int, 0, len(entries))
	for index := range entries {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	return indexes
}
