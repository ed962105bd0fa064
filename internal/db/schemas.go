package db

import "embed"

// sqlSchemas embeds the base schema migrations so a fresh database can be
// brought up from the binary alone.
//
//go:embed migrations/*.sql
var sqlSchemas embed.FS
