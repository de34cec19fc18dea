// Package migrations embeds the SQL schema so the binary can migrate without
// the files on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/bacnet-hub/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
