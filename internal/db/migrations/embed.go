// Package migrations provides embedded SQL migration files.
// They are applied by db.Migrate on server start (MIGRATE_ON_START) and by testutil
// for integration tests.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
