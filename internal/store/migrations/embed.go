// Package migrations embeds the goose schema migrations shared by the
// PostgreSQL and SQLite backends.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
