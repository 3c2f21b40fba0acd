package misc

import "strings"

// IsNotFoundError reports whether an error from a storage backend indicates
// that the addressed object does not exist.
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()
	return strings.Contains(errStr, "not found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "no such file") ||
		strings.Contains(errStr, "NoSuchKey")
}
