// Package migrations embeds the audit journal schema, one directory per
// goose dialect.
package migrations

import "embed"

//go:embed sqlite/*.sql postgres/*.sql
var Migrations embed.FS
