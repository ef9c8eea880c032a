//go:build !sqlite_cgo

package dbadapter

import (
	_ "modernc.org/sqlite"
)

// driverName selects the pure-Go modernc.org/sqlite driver. This is the
// default build; it needs no cgo toolchain and is what ships unless the
// sqlite_cgo build tag is set.
const driverName = "sqlite"
