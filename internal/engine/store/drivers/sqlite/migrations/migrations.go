// Package migrations embeds the SQL schema migrations so they can ship
// inside the binary.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
