package sql

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/tether"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		kind       ConstraintKind
		constraint string
	}{
		{name: "nil", err: nil, kind: NoConstraint},
		{name: "plain", err: errors.New("connection refused"), kind: NoConstraint},
		{name: "pq unique", err: &pq.Error{Code: "23505", Constraint: "posts_pkey"}, kind: UniqueConstraint, constraint: "posts_pkey"},
		{name: "pq fk wrapped", err: fmt.Errorf("exec: %w", &pq.Error{Code: "23503", Constraint: "comments_post_id_fkey"}), kind: ForeignKeyConstraint, constraint: "comments_post_id_fkey"},
		{name: "pgconn check", err: &pgconn.PgError{Code: "23514", ConstraintName: "price_positive"}, kind: CheckConstraint, constraint: "price_positive"},
		{name: "pgconn not null", err: &pgconn.PgError{Code: "23502"}, kind: NotNullConstraint},
		{name: "mysql duplicate", err: &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}, kind: UniqueConstraint},
		{name: "mysql parent", err: &mysql.MySQLError{Number: 1451}, kind: ForeignKeyConstraint},
		{name: "mysql other", err: &mysql.MySQLError{Number: 1045}, kind: NoConstraint},
		{name: "sqlite text", err: errors.New("constraint failed: FOREIGN KEY constraint failed (787)"), kind: ForeignKeyConstraint},
		{name: "sqlite unique text", err: errors.New("UNIQUE constraint failed: blogs.id"), kind: UniqueConstraint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, name := Classify(tt.err)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.constraint, name)
			assert.Equal(t, tt.kind != NoConstraint, IsConstraintError(tt.err))
		})
	}
}

func TestConstraintError(t *testing.T) {
	plain := errors.New("timeout")
	assert.Same(t, plain, ConstraintError(plain, "posts"))

	driverErr := &pq.Error{Code: "23503"}
	err := ConstraintError(driverErr, "comments")
	require.True(t, tether.IsConstraintViolation(err))
	var cv *tether.ConstraintViolationError
	require.ErrorAs(t, err, &cv)
	assert.Equal(t, "comments", cv.Constraint)
	assert.ErrorIs(t, err, driverErr)
	assert.True(t, IsForeignKeyConstraintError(err))
	assert.False(t, IsUniqueConstraintError(err))
}
