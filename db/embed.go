// Package db provides the embedded schema for the postgres secret backend.
package db

import _ "embed"

// Schema contains the DDL statements for the secrets table.
//
//go:embed migrations/001_schema.sql
var Schema string
