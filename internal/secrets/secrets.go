// Package secrets resolves credentials given in settings: literal values, ${VAR}
// references expanded from the environment, or files mounted by Docker or Kubernetes.
// Secret values are never included in errors.
package secrets

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tphakala/questvision/internal/errors"
)

// maxFileSize bounds secret file reads; keys and passwords are small.
const maxFileSize = 64 * 1024

// Resolved is a secret value with any non-fatal findings about its source.
type Resolved struct {
	Value string
	// Warnings name problems that do not prevent use, such as a group-readable file.
	Warnings []string
}

// ExpandString expands ${VAR} and ${VAR:-default} references. A referenced variable that
// is unset or empty and has no default is an error.
func ExpandString(s string) (string, error) {
	if s == "" {
		return "", nil
	}

	var missing []string
	expanded := os.Expand(s, func(key string) string {
		name, fallback, hasFallback := strings.Cut(key, ":-")
		if value := os.Getenv(name); value != "" {
			return value
		}
		if hasFallback {
			return fallback
		}
		missing = append(missing, name)
		return ""
	})

	if len(missing) > 0 {
		return "", secretError(fmt.Errorf("missing environment variable(s): %s", strings.Join(missing, ", ")))
	}
	return expanded, nil
}

// ReadFile reads a secret file and trims trailing newlines.
func ReadFile(path string) (Resolved, error) {
	if path == "" {
		return Resolved{}, secretError(fmt.Errorf("secret file path is empty"))
	}
	clean := filepath.Clean(path)

	info, err := os.Stat(clean)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Resolved{}, secretError(fmt.Errorf("secret file not found: %s", clean))
	case err != nil:
		return Resolved{}, secretError(fmt.Errorf("failed to stat secret file %s: %w", clean, err))
	case !info.Mode().IsRegular():
		return Resolved{}, secretError(fmt.Errorf("secret path is not a regular file: %s", clean))
	case info.Size() > maxFileSize:
		return Resolved{}, secretError(fmt.Errorf("secret file too large (max %d bytes): %s", maxFileSize, clean))
	}

	var res Resolved
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("secret file %s is accessible by group or others (mode %04o)", clean, perm))
	}

	data, err := os.ReadFile(clean)
	if err != nil {
		return Resolved{}, secretError(fmt.Errorf("failed to read secret file %s: %w", clean, err))
	}
	res.Value = strings.TrimRight(string(data), "\r\n")
	if res.Value == "" {
		return Resolved{}, secretError(fmt.Errorf("secret file is empty: %s", clean))
	}
	return res, nil
}

// Resolve picks the secret from filePath when set, otherwise expands value. Both empty
// resolves to an empty secret.
func Resolve(filePath, value string) (Resolved, error) {
	if filePath != "" {
		return ReadFile(filePath)
	}
	expanded, err := ExpandString(value)
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{Value: expanded}, nil
}

func secretError(err error) error {
	return errors.New(err).
		Component("secrets").
		Category(errors.CategoryConfiguration).
		Build()
}
