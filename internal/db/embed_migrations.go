package db

import "embed"

// MigrationFS embeds the SQL migrations from internal/db/migrations; cmd/migrate applies them.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
