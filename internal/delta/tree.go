package delta

import (
	"fmt"
	"reflect"

	json "github.com/goccy/go-json"
)

// Equal reports whether two JSON-shaped trees are deep-equal. Numbers compare
// by value regardless of their Go numeric type.
func Equal(left, right any) bool {
	switch leftValue := left.(type) {
	case map[string]any:
		rightValue, ok := right.(map[string]any)
		if !ok || len(leftValue) != len(rightValue) {
			return false
		}
		for key, item := range leftValue {
			other, exists := rightValue[key]
			if !exists || !Equal(item, other) {
				return false
			}
		}
		return true
	case []any:
		rightValue, ok := right.([]any)
		if !ok || len(leftValue) != len(rightValue) {
			return false
		}
		for index := range leftValue {
			if !Equal(leftValue[index], rightValue[index]) {
				return false
			}
		}
		return true
	case string:
		rightValue, ok := right.(string)
		return ok && leftValue == rightValue
	case bool:
		rightValue, ok := right.(bool)
		return ok && leftValue == rightValue
	case nil:
		return right == nil
	}
	leftNumber, leftIsNumber := asFloat(left)
	rightNumber, rightIsNumber := asFloat(right)
	if leftIsNumber || rightIsNumber {
		return leftIsNumber && rightIsNumber && leftNumber == rightNumber
	}
	return reflect.DeepEqual(left, right)
}

// Clone returns a deep copy of a JSON-shaped tree.
func Clone(tree any) any {
	switch value := tree.(type) {
	case map[string]any:
		copied := make(map[string]any, len(value))
		for key, item := range value {
			copied[key] = Clone(item)
		}
		return copied
	case []any:
		copied := make([]any, len(value))
		for index, item := range value {
			copied[index] = Clone(item)
		}
		return copied
	default:
		return value
	}
}

func asFloat(value any) (float64, bool) {
	switch number := value.(type) {
	case float64:
		return number, true
	case float32:
		return float64(number), true
	case int:
		return float64(number), true
	case int32:
		return float64(number), true
	case int64:
		return float64(number), true
	case uint:
		return float64(number), true
	case uint32:
		return float64(number), true
	case uint64:
		return float64(number), true
	default:
		return 0, false
	}
}

// fingerprint renders a canonical string for an array item so the LCS pass
// compares strings instead of walking trees.
func fingerprint(value any) string {
	if number, ok := asFloat(value); ok {
		return fmt.Sprintf("n:%v", number)
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%T:%#v", value, value)
	}
	return string(encoded)
}

func isContainer(value any) bool {
	switch value.(type) {
	case map[string]any, []any:
		return true
	default:
		return false
	}
}
