// Package store provides storage backends for the resilience layer.
//
// It includes SQLite and PostgreSQL implementations of the message, job,
// token, and alert repositories. No in-memory state is authoritative: every
// queue, job, and credential mutation lands here, so nothing is lost on
// restart.
package store

import "strings"

// Store aggregates the four repositories behind a single backend handle.
type Store interface {
	MessageRepo
	JobRepo
	TokenRepo
	AlertRepo

	// Close releases the underlying database connection.
	Close() error
}

// DetectDSNType reports whether a DSN targets "postgres" or "sqlite".
// Connection URLs and key=value connection strings mean PostgreSQL; anything
// else is treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// Opts holds configuration options for a store backend.
type Opts struct {
	// DSN is the database connection string: a file path for SQLite, a
	// connection URL for PostgreSQL.
	DSN string
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}
