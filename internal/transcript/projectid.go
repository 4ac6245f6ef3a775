package transcript

import (
	"encoding/base64"
	"fmt"
	"path/filepath"
	"strings"
)

// Project ids are the base64url encoding (no padding) of the project's
// absolute working-directory path. The encoding is bijective, so the path
// is always recoverable from the id.

// EncodeProjectID derives the opaque project id for an absolute path.
func EncodeProjectID(absPath string) (string, error) {
	if !filepath.IsAbs(absPath) {
		return "", fmt.Errorf("project path must be absolute: %q", absPath)
	}
	return base64.RawURLEncoding.EncodeToString([]byte(filepath.Clean(absPath))), nil
}

// DecodeProjectID recovers the absolute path from a project id.
func DecodeProjectID(id string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return "", fmt.Errorf("invalid project id %q: %w", id, err)
	}
	path := string(b)
	if !filepath.IsAbs(path) || strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("project id %q does not decode to an absolute path", id)
	}
	return path, nil
}

// IsProjectID reports whether the directory name is a valid project id.
func IsProjectID(name string) bool {
	_, err := DecodeProjectID(name)
	return err == nil
}
