// Package migrations holds the outbox schema, embedded into the binary so
// `fhir-bridge migrate` needs no files on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
