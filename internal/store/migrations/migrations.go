// Package migrations embeds the SQL schema migrations for the app-owned
// chatsync database.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
