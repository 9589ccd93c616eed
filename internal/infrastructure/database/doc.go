// Package database opens the SQLite store and runs the embedded
// schema migrations.
//
// WAL mode keeps reads concurrent with the single writer, STRICT
// tables enforce column types, and the pool is pinned to one
// connection to avoid SQLITE_BUSY between our own goroutines. The
// migration runner applies embedded .up.sql files in version order,
// each in its own transaction; migrations are additive-only so a down
// file can always restore the previous shape.
package database
