// Package migrations embeds the goose SQL migrations applied by cmd/migrate,
// the server at startup, and integration tests.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
