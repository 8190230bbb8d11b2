// Package migrations ships the SQL schema as an embedded goose source.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
