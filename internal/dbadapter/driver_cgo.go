//go:build sqlite_cgo

package dbadapter

import (
	_ "github.com/mattn/go-sqlite3"
)

// driverName selects the cgo-accelerated mattn/go-sqlite3 driver, built with
// -tags sqlite_cgo when a cgo toolchain is available and the faster driver
// is worth the build-time dependency on libsqlite3.
const driverName = "sqlite3"
