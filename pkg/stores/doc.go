// Package stores provides the SQLite persistence layer of the engine. A
// single SQLiteStore backs orchestration instances and their step logs,
// external event inboxes, resource locks, command results, entity documents
// with optimistic concurrency, and the command audit trail. The schema is
// applied with embedded golang-migrate migrations.
package stores
