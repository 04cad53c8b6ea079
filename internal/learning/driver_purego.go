//go:build !cgo

package learning

import (
	_ "modernc.org/sqlite"
)

const sqlDriver = "sqlite"
