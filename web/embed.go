// Package web carries the embedded UI bundle.
package web

import "embed"

// DistFS holds the built frontend. The dist directory is committed so the
// server binary is self-contained; STATIC_DIRS can override it at runtime.
//
//go:embed dist
var DistFS embed.FS
