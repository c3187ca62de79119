// Package sql runs tether's store commands on database/sql.
//
// # Driver
//
// Driver adapts a *sql.DB to dialect.Driver. StatsDriver wraps it with
// statement counters and slow statement logging through log/slog:
//
//	drv, err := sql.Open(dialect.SQLite, "file:app.db?_pragma=foreign_keys(1)")
//	stats := sql.NewStatsDriver(drv, sql.WithSlowThreshold(200*time.Millisecond))
//
// # Statement Builders
//
// The builders write the row-level statements a save needs, with dialect
// quoting and placeholders:
//
//	sql.Dialect(dialect.Postgres).
//	    Update("posts").
//	    Set("title", "hello").
//	    Where("id", 4).
//	    Where("version", 3).
//	    Returning("version").
//	    Query()
//	// UPDATE "posts" SET "title" = $1 WHERE "id" = $2 AND "version" = $3 RETURNING "version"
//
// # Constraint Errors
//
// Classify recognises constraint violations reported by lib/pq, pgx,
// go-sql-driver/mysql and modernc.org/sqlite, falling back to the message
// text, and ConstraintError turns them into tether.ConstraintViolationError.
package sql
