// Package db carries the SQL migrations shipped with the binaries.
package db

import "embed"

//go:embed migrations/*.sql
var Migrations embed.FS
