// Package migrations embeds the SQL schema migrations for msgsync.db.
package migrations

import "embed"

// FS holds the numbered up/down migration files.
//
//go:embed *.sql
var FS embed.FS
