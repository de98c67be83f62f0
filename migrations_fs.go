package bridge

import (
	"embed"
	"io/fs"
)

// migrationsFS holds the bridge schema. Postgres files live at the root of
// data/sql/migrations and their sqlite alternatives under sqlite/.
//
//go:embed data/sql/migrations/*.sql data/sql/migrations/sqlite/*.sql
var migrationsFS embed.FS

// GetMigrationsFS returns the embedded migration tree.
func GetMigrationsFS() fs.FS {
	return migrationsFS
}
