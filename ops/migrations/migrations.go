// Package migrations embeds the schema and seed SQL applied by cmd/migrate.
package migrations

import "embed"

// FS holds sql/*.sql migrations and seeds/*.sql seed files.
//
//go:embed sql/*.sql seeds/*.sql
var FS embed.FS

const (
	Dir      = "sql"
	SeedsDir = "seeds"
)
