//go:build cgo

package store

import (
	_ "github.com/mattn/go-sqlite3"
)

// sqlDriver selects the cgo SQLite driver when available.
const sqlDriver = "sqlite3"
