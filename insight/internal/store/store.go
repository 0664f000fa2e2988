// Package store is the data access layer for the analytics database.
//
// One SQLite database holds the tracked entities, the memoized per-stage
// results, and the fetch log. The record cache sits on top of this package;
// nothing here implements freshness policy, only persistence.
package store

import "database/sql"

// Store wraps the analytics database.
type Store struct {
	DB *sql.DB
}

// NewStore creates a Store from an already-opened database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}
