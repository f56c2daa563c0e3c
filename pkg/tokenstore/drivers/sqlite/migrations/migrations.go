package migrations

import "embed"

// Migrations holds the schema of the sqlite token store.
//
//go:embed *.sql
var Migrations embed.FS
