//go:build cgo

package learning

import (
	_ "github.com/mattn/go-sqlite3"
)

const sqlDriver = "sqlite3"
