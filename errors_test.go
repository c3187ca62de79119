package tether_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/tether"
)

func TestDuplicateKeyError(t *testing.T) {
	t.Run("Error", func(t *testing.T) {
		err := tether.NewDuplicateKeyError("Blog", []any{int64(1)})
		assert.Equal(t, "tether: Blog with key (1) is already tracked", err.Error())
	})

	t.Run("CompositeKey", func(t *testing.T) {
		err := tether.NewDuplicateKeyError("Dependant", []any{int64(1), "a"})
		assert.Equal(t, "tether: Dependant with key (1, a) is already tracked", err.Error())
	})

	t.Run("IsDuplicateKey", func(t *testing.T) {
		err := tether.NewDuplicateKeyError("Blog", []any{1})
		assert.True(t, tether.IsDuplicateKey(err))
		assert.True(t, errors.Is(err, tether.ErrDuplicateKey))

		// Wrapped error
		wrapped := fmt.Errorf("wrapper: %w", err)
		assert.True(t, tether.IsDuplicateKey(wrapped))

		// Sentinel error
		assert.True(t, tether.IsDuplicateKey(tether.ErrDuplicateKey))

		// Non-matching error
		assert.False(t, tether.IsDuplicateKey(errors.New("other error")))
		assert.False(t, tether.IsDuplicateKey(nil))
	})
}

func TestFixupDidNotConvergeError(t *testing.T) {
	err := tether.NewFixupDidNotConvergeError(32)
	assert.Equal(t, "tether: fixup did not converge after 32 passes", err.Error())
	assert.True(t, tether.IsFixupDidNotConverge(err))
	assert.True(t, tether.IsFixupDidNotConverge(fmt.Errorf("detect: %w", err)))
	assert.False(t, tether.IsFixupDidNotConverge(nil))
}

func TestConflictingSharedForeignKeyValuesError(t *testing.T) {
	err := tether.NewConflictingSharedForeignKeyValuesError("Branch", "TreeID", "Branch(TreeID)->Tree", "Branch(TreeID)->Tree#Origin")
	assert.Equal(t, "tether: Branch.TreeID is shared by Branch(TreeID)->Tree, Branch(TreeID)->Tree#Origin which require different values", err.Error())
	assert.True(t, tether.IsConflictingSharedForeignKeyValues(err))
	assert.True(t, errors.Is(err, tether.ErrConflictingSharedForeignKeyValues))
	assert.False(t, tether.IsConflictingSharedForeignKeyValues(tether.ErrDuplicateKey))
}

func TestCircularDependencyError(t *testing.T) {
	t.Run("Error", func(t *testing.T) {
		err := tether.NewCircularDependencyError("Ping{-1}", "Pong{-2}")
		assert.Equal(t, "tether: unable to save changes because a circular dependency was detected: Ping{-1} -> Pong{-2}", err.Error())
		assert.Equal(t, "Ping{-1}", err.Entity())
	})

	t.Run("Empty", func(t *testing.T) {
		err := tether.NewCircularDependencyError()
		assert.Equal(t, "tether: unable to save changes because a circular dependency was detected", err.Error())
		assert.Empty(t, err.Entity())
	})

	t.Run("IsCircularDependency", func(t *testing.T) {
		err := fmt.Errorf("plan: %w", tether.NewCircularDependencyError("Node{1}"))
		assert.True(t, tether.IsCircularDependency(err))
		var cde *tether.CircularDependencyError
		require.True(t, errors.As(err, &cde))
		assert.Equal(t, []string{"Node{1}"}, cde.Entities)
	})
}

func TestRequiredRelationshipViolationError(t *testing.T) {
	tests := []struct {
		name   string
		reason string
		want   string
	}{
		{"Severed", "severed", "tether: the required relationship Comment(PostID)->Post of Comment{7} was severed"},
		{"Restrict", "restrict", "tether: Comment{7} still references a deleted principal through Comment(PostID)->Post with restrict behavior"},
		{"Other", "", "tether: required relationship Comment(PostID)->Post of Comment{7} violated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tether.NewRequiredRelationshipViolationError("Comment{7}", "Comment(PostID)->Post", tt.reason)
			assert.Equal(t, tt.want, err.Error())
			assert.True(t, tether.IsRequiredRelationshipViolation(err))
		})
	}
}

func TestConcurrencyConflictError(t *testing.T) {
	err := tether.NewConcurrencyConflictError("Post{3}", "update", 1, 0)
	assert.Equal(t, "tether: update Post{3} expected to affect 1 row(s) but affected 0", err.Error())
	assert.True(t, tether.IsConcurrencyConflict(err))
	assert.False(t, tether.IsConcurrencyConflict(errors.New("x")))

	cause := errors.New("no rows")
	err.Err = cause
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "no rows")
}

func TestConstraintViolationError(t *testing.T) {
	t.Run("Error", func(t *testing.T) {
		err := tether.NewConstraintViolationError("posts_blog_fk", "foreign key", nil)
		assert.Equal(t, "tether: constraint posts_blog_fk failed: foreign key", err.Error())
		err = tether.NewConstraintViolationError("", "unique", nil)
		assert.Equal(t, "tether: constraint failed: unique", err.Error())
	})

	t.Run("Unwrap", func(t *testing.T) {
		inner := errors.New("UNIQUE constraint failed: blogs.name")
		err := tether.NewConstraintViolationError("blogs", "unique", inner)
		assert.Equal(t, inner, err.Unwrap())
		assert.True(t, errors.Is(err, inner))
		assert.True(t, tether.IsConstraintViolation(fmt.Errorf("save: %w", err)))
	})
}

func TestInvalidOperationError(t *testing.T) {
	err := tether.NewInvalidOperationError("Blog{1}", "key property %s cannot be modified", "ID")
	assert.Equal(t, "tether: Blog{1}: key property ID cannot be modified", err.Error())
	assert.True(t, tether.IsInvalidOperation(err))

	err = tether.NewInvalidOperationError("", "save already in progress")
	assert.Equal(t, "tether: save already in progress", err.Error())
	assert.True(t, errors.Is(err, tether.ErrInvalidOperation))
}
