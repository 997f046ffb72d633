package history

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"golang.org/x/mod/semver"
)

var (
	// ErrInvalidPath indicates an empty path or one escaping the vault root.
	ErrInvalidPath = errors.New("history: invalid path")
	// ErrInvalidVersion indicates a version that is not MAJOR.MINOR.PATCH with optional pre-release.
	ErrInvalidVersion = errors.New("history: invalid version")
	// ErrVersionNotIncreasing indicates a version not greater than the latest live version of the path.
	ErrVersionNotIncreasing = errors.New("history: version must be greater than the latest version")
)

// NormalizePath returns the slash-separated, vault-relative form of a document path.
func NormalizePath(raw string) (string, error) {
	trimmed := strings.TrimSpace(strings.ReplaceAll(raw, "\\", "/"))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+trimmed), "/")
	if cleaned == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, raw)
	}
	if cleaned != strings.TrimPrefix(path.Clean(trimmed), "/") {
		return "", fmt.Errorf("%w: %q escapes the vault", ErrInvalidPath, raw)
	}
	return cleaned, nil
}

// ValidateVersion checks the semantic version shape.
func ValidateVersion(version string) error {
	canonical := canonicalVersion(version)
	if !semver.IsValid(canonical) || semver.Canonical(canonical) != strings.SplitN(canonical, "+", 2)[0] {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}
	return nil
}

// CompareVersions orders two valid versions like semver precedence.
func CompareVersions(left, right string) int {
	return semver.Compare(canonicalVersion(left), canonicalVersion(right))
}

func canonicalVersion(version string) string {
	trimmed := strings.TrimSpace(version)
	if strings.HasPrefix(trimmed, "v") {
		return trimmed
	}
	return "v" + trimmed
}
