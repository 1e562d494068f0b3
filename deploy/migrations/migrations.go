package migrations

import "embed"

// Files holds the SQL migrations, one directory per dialect.
//
//go:embed mysql/*.sql sqlite/*.sql
var Files embed.FS
