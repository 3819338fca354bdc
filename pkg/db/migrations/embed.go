// Package migrations holds the coordinator inventory schema. Go migrations
// register themselves with goose; SQL migrations are embedded.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
