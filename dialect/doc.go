// Package dialect names the SQL databases tether can save to and defines
// the minimal driver contract the SQL store runs its statements through.
//
// # Supported Dialects
//
//   - Postgres: PostgreSQL, through lib/pq or the pgx stdlib driver
//   - MySQL: MySQL and MariaDB, through go-sql-driver/mysql
//   - SQLite: SQLite, through modernc.org/sqlite
//
// # Driver Interface
//
//	type Driver interface {
//	    Exec(ctx context.Context, query string, args, v any) error
//	    Query(ctx context.Context, query string, args, v any) error
//	    Tx(ctx context.Context) (Tx, error)
//	    Close() error
//	    Dialect() string
//	}
//
// A Tx runs Exec and Query inside a transaction and adds Commit and
// Rollback. The dialect/sql package implements both on top of
// database/sql.
package dialect
