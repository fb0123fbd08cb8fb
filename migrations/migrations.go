// Package migrations embeds the schema so tooling can apply it without a checkout.
package migrations

import (
	_ "embed"
)

// Up creates every table and index. Statements are idempotent.
//
//go:embed 0001_init.up.sql
var Up string

// Down drops what Up creates.
//
//go:embed 0001_init.down.sql
var Down string
