// Package textx provides small text utilities used across the project.
package textx

import (
	"path"
	"strings"
)

// Truncate shortens s to at most n runes, appending an ellipsis when cut.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// Basename returns the last path element of p, accepting both slash styles.
func Basename(p string) string {
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	return path.Base(p)
}
