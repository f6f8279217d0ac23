// Package postgres provides the PostgreSQL implementation of the central
// task instance store defined in the internal/store package, together with
// the embedded goose migrations that create its schema.
//
// Every state change is a single guarded UPDATE whose WHERE clause encodes
// the allowed source states, so concurrent nodes racing on the same row are
// resolved by the database and observed by callers as zero affected rows.
package postgres
