// Package testdb provides helpers for tests that need a real PostgreSQL
// database. Tests call SetupTestDatabase, which skips them when no test
// database URL is configured, and isolate their writes with WithTx.
package testdb
