package delta

import (
	"fmt"
)

// DefaultMinTextLength is the shortest string length, on both sides, for
// which a change is stored as a text patch instead of a replacement.
const DefaultMinTextLength = 60

// Options configures an Engine.
type Options struct {
	MinTextLength int
}

// Engine computes and applies deltas. It holds configuration only and is safe
// for concurrent use.
type Engine struct {
	minTextLength int
}

// NewEngine constructs an Engine, falling back to defaults for unset options.
func NewEngine(options Options) *Engine {
	minTextLength := options.MinTextLength
	if minTextLength <= 0 {
		minTextLength = DefaultMinTextLength
	}
	return &Engine{minTextLength: minTextLength}
}

// Diff returns the delta transforming left into right, or nil when the trees
// are deep-equal.
func (engine *Engine) Diff(left, right any) *Delta {
	return engine.diff(left, right)
}

// Patch applies a delta to a tree and returns the post-image. The input tree
// is never modified.
func (engine *Engine) Patch(tree any, d *Delta) (any, error) {
	if d.Empty() {
		return tree, nil
	}
	return engine.patch(tree, d)
}

// Unpatch applies a delta in reverse and returns the pre-image. The input tree
// is never modified.
func (engine *Engine) Unpatch(tree any, d *Delta) (any, error) {
	if d.Empty() {
		return tree, nil
	}
	return engine.unpatch(tree, d)
}

func (engine *Engine) diff(left, right any) *Delta {
	if Equal(left, right) {
		return nil
	}
	switch leftValue := left.(type) {
	case map[string]any:
		if rightValue, ok := right.(map[string]any); ok {
			return engine.diffObject(leftValue, rightValue)
		}
	case []any:
		if rightValue, ok := right.([]any); ok {
			return engine.diffArray(leftValue, rightValue)
		}
	case string:
		if rightValue, ok := right.(string); ok && engine.isLongText(leftValue, rightValue) {
			if textDelta := diffText(leftValue, rightValue); textDelta != nil {
				return textDelta
			}
		}
	}
	return &Delta{Kind: Modified, Old: Clone(left), New: Clone(right)}
}

func (engine *Engine) isLongText(left, right string) bool {
	return len(left) >= engine.minTextLength && len(right) >= engine.minTextLength
}

func (engine *Engine) diffObject(left, right map[string]any) *Delta {
	fields := make(map[string]*Delta)
	for key, leftValue := range left {
		rightValue, exists := right[key]
		if !exists {
			fields[key] = &Delta{Kind: Deleted, Old: Clone(leftValue)}
			continue
		}
		if nested := engine.diff(leftValue, rightValue); nested != nil {
			fields[key] = nested
		}
	}
	for key, rightValue := range right {
		if _, exists := left[key]; !exists {
			fields[key] = &Delta{Kind: Added, New: Clone(rightValue)}
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return &Delta{Kind: Object, Fields: fields}
}

func (engine *Engine) patch(tree any, d *Delta) (any, error) {
	switch d.Kind {
	case Added, Modified:
		return Clone(d.New), nil
	case Deleted:
		return nil, nil
	case Text:
		text, ok := tree.(string)
		if !ok {
			return nil, fmt.Errorf("%w: text patch applied to %T", ErrCorruptDelta, tree)
		}
		return applyText(text, d.Text)
	case Object:
		object, ok := tree.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: object delta applied to %T", ErrCorruptDelta, tree)
		}
		return engine.patchObject(object, d)
	case Array:
		array, ok := tree.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: array delta applied to %T", ErrCorruptDelta, tree)
		}
		return engine.patchArray(array, d)
	default:
		return nil, fmt.Errorf("%w: unexpected %s node", ErrCorruptDelta, d.Kind)
	}
}

func (engine *Engine) unpatch(tree any, d *Delta) (any, error) {
	switch d.Kind {
	case Added:
		return nil, nil
	case Modified, Deleted:
		return Clone(d.Old), nil
	case Text:
		text, ok := tree.(string)
		if !ok {
			return nil, fmt.Errorf("%w: text patch reversed on %T", ErrCorruptDelta, tree)
		}
		reversed, err := reverseTextPatch(d.Text)
		if err != nil {
			return nil, err
		}
		return applyText(text, reversed)
	case Object:
		object, ok := tree.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: object delta reversed on %T", ErrCorruptDelta, tree)
		}
		return engine.unpatchObject(object, d)
	case Array:
		array, ok := tree.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: array delta reversed on %T", ErrCorruptDelta, tree)
		}
		return engine.unpatchArray(array, d)
	default:
		return nil, fmt.Errorf("%w: unexpected %s node", ErrCorruptDelta, d.Kind)
	}
}

func (engine *Engine) patchObject(object map[string]any, d *Delta) (any, error) {
	result := make(map[string]any, len(object)+len(d.Fields))
	for key, value := range object {
		result[key] = value
	}
	for key, field := range d.Fields {
		switch field.Kind {
		case Added:
			result[key] = Clone(field.New)
		case Deleted:
			delete(result, key)
		default:
			current, exists := result[key]
			if !exists && field.Kind != Modified {
				return nil, fmt.Errorf("%w: missing key %q", ErrCorruptDelta, key)
			}
			patched, err := engine.patch(current, field)
			if err != nil {
				return nil, err
			}
			result[key] = patched
		}
	}
	return result, nil
}

func (engine *Engine) unpatchObject(object map[string]any, d *Delta) (any, error) {
	result := make(map[string]any, len(object)+len(d.Fields))
	for key, value := range object {
		result[key] = value
	}
	for key, field := range d.Fields {
		switch field.Kind {
		case Added:
			delete(result, key)
		case Deleted:
			result[key] = Clone(field.Old)
		default:
			current, exists := result[key]
			if !exists && field.Kind != Modified {
				return nil, fmt.Errorf("%w: missing key %q", ErrCorruptDelta, key)
			}
			restored, err := engine.unpatch(current, field)
			if err != nil {
				return nil, err
			}
			result[key] = restored
		}
	}
	return result, nil
}
