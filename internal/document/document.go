// Package document reads and writes API specification files as JSON-shaped
// trees.
package document

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Format is a supported file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

var (
	// ErrUnsupportedFormat indicates a file extension that is not .json, .yaml or .yml.
	ErrUnsupportedFormat = errors.New("document: unsupported format")
	// ErrInvalidDocument indicates content that does not parse in its format.
	ErrInvalidDocument = errors.New("document: invalid document")
)

// FormatFromPath derives the format from a file extension.
func FormatFromPath(documentPath string) (Format, error) {
	switch strings.ToLower(filepath.Ext(documentPath)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(documentPath))
	}
}

// Extension returns the canonical file extension, dot included.
func (format Format) Extension() string {
	if format == FormatYAML {
		return ".yaml"
	}
	return ".json"
}

// Parse decodes content into a tree of map[string]any, []any, float64,
// string, bool and nil.
func Parse(content []byte, format Format) (any, error) {
	var tree any
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(content, &tree); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(content, &tree); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return normalize(tree)
}

// Marshal encodes a tree in the given format.
func Marshal(tree any, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		encoded, err := json.MarshalIndent(tree, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("document: encode json: %w", err)
		}
		return append(encoded, '\n'), nil
	case FormatYAML:
		var buffer bytes.Buffer
		encoder := yaml.NewEncoder(&buffer)
		encoder.SetIndent(2)
		if err := encoder.Encode(tree); err != nil {
			return nil, fmt.Errorf("document: encode yaml: %w", err)
		}
		if err := encoder.Close(); err != nil {
			return nil, fmt.Errorf("document: encode yaml: %w", err)
		}
		return buffer.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// ReadFile loads and parses a document from disk.
func ReadFile(documentPath string) (any, Format, error) {
	format, err := FormatFromPath(documentPath)
	if err != nil {
		return nil, "", err
	}
	content, err := os.ReadFile(documentPath)
	if err != nil {
		return nil, "", err
	}
	tree, err := Parse(content, format)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", documentPath, err)
	}
	return tree, format, nil
}

// WriteFile marshals a tree by the extension of documentPath and writes it.
func WriteFile(documentPath string, tree any) error {
	format, err := FormatFromPath(documentPath)
	if err != nil {
		return err
	}
	encoded, err := Marshal(tree, format)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(documentPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(documentPath, encoded, 0o644)
}

func normalize(value any) (any, error) {
	switch typed := value.(type) {
	case nil, string, bool:
		return typed, nil
	case float64:
		if !finite(typed) {
			return nil, fmt.Errorf("%w: non-finite number", ErrInvalidDocument)
		}
		return typed, nil
	case int:
		return float64(typed), nil
	case int64:
		return float64(typed), nil
	case uint64:
		return float64(typed), nil
	case float32:
		return normalize(float64(typed))
	case time.Time:
		return typed.Format(time.RFC3339Nano), nil
	case []byte:
		return string(typed), nil
	case []any:
		items := make([]any, len(typed))
		for index, item := range typed {
			normalized, err := normalize(item)
			if err != nil {
				return nil, err
			}
			items[index] = normalized
		}
		return items, nil
	case map[string]any:
		object := make(map[string]any, len(typed))
		for key, item := range typed {
			normalized, err := normalize(item)
			if err != nil {
				return nil, err
			}
			object[key] = normalized
		}
		return object, nil
	case map[any]any:
		object := make(map[string]any, len(typed))
		for key, item := range typed {
			normalized, err := normalize(item)
			if err != nil {
				return nil, err
			}
			object[fmt.Sprint(key)] = normalized
		}
		return object, nil
	default:
		return nil, fmt.Errorf("%w: unsupported value %T", ErrInvalidDocument, value)
	}
}

// finite reports whether a float can be written as JSON.
func finite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0)
}
