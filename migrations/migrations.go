// Package migrations embeds the SQL schema so the daemon and tests apply the
// same files wherever they run.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
