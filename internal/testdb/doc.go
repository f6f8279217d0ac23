// Package testdb provides helpers for integration tests that need the
// central Postgres store. Tests are skipped when no test database is
// configured, except in CI where a missing database fails them.
package testdb
