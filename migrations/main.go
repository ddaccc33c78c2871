// Package migrations embeds the SQL migration set applied by cmd/migrate
// and discovered by storage.NewMigrator at startup.
package migrations

import "embed"

//go:embed sql/*.sql
var FS embed.FS
