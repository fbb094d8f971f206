// Package migrations embeds the message store schema into the binary.
//
// Importing this package (usually with a blank import) registers the
// migrations with the database package.
package migrations

import (
	"embed"

	"github.com/nerrad567/gray-logic-uplink/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
