//go:build !sqlite_vec

package evidence

import (
	_ "modernc.org/sqlite"
)

// Pure-Go SQLite driver; no cgo required.
const driverName = "sqlite"
