//go:build !cgo

package store

import (
	_ "modernc.org/sqlite"
)

// sqlDriver falls back to the pure-Go SQLite driver so cross-compiled and
// CGO_ENABLED=0 builds still persist state.
const sqlDriver = "sqlite"
