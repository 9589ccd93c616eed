// Package migrations compiles the SQL migration files into the binary
// so the daemon can bring a fresh database up to date without shipping
// loose .sql files alongside the executable.
package migrations

import (
	"embed"

	"github.com/janitor-project/janitor-core/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

// Registration happens at import time; cmd/janitord imports this package
// for the side effect only.
func init() {
	database.MigrationsFS = files
	database.MigrationsDir = "."
}
