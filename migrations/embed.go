// Package migrations embeds sessiond's SQL schema into the binary:
// vault_records (the encrypted session store) and audit_logs (the auth
// audit trail). Importing this package for side effects is all the
// wiring a caller needs before database.Migrate.
package migrations

import (
	"embed"

	"github.com/ledgerline/session-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	// The embed directive captures every .sql file in this directory,
	// so they sit at the root of the embedded filesystem.
	database.RegisterMigrationSource(migrationsFS, ".")
}
