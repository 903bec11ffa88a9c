//go:build sqlite_vec && cgo

package evidence

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

// cgo driver with the sqlite-vec extension auto-loaded, for native
// vector search on large evidence stores.
const driverName = "sqlite3"

func init() {
	vec.Auto()
}
