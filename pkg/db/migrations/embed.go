// Package migrations registers the schema migrations run by goose.
package migrations

import "embed"

// FS holds the migration sources so goose can verify every versioned file
// is registered.
//
//go:embed *.go
var FS embed.FS
