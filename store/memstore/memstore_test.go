package memstore_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/tether"
	"github.com/syssam/tether/internal/testmodel"
	"github.com/syssam/tether/metadata"
	"github.com/syssam/tether/store"
	"github.com/syssam/tether/store/memstore"
)

func entityType(t *testing.T, name string) *metadata.EntityType {
	t.Helper()
	typ, ok := testmodel.Model().FindEntityType(name)
	require.True(t, ok, name)
	return typ
}

func prop(t *testing.T, typ *metadata.EntityType, name string) *metadata.Property {
	t.Helper()
	p, ok := typ.FindProperty(name)
	require.True(t, ok, name)
	return p
}

// set builds store values from name/value pairs.
func set(t *testing.T, typ *metadata.EntityType, kv ...any) []store.Value {
	t.Helper()
	var out []store.Value
	for i := 0; i < len(kv); i += 2 {
		out = append(out, store.Value{Property: prop(t, typ, kv[i].(string)), Value: kv[i+1]})
	}
	return out
}

func insertBlog(t *testing.T, name string) store.Operation {
	blog := entityType(t, "Blog")
	return store.Operation{
		Type:      blog,
		Kind:      store.Insert,
		Values:    set(t, blog, "Name", name),
		Generated: []*metadata.Property{prop(t, blog, "ID")},
	}
}

func TestPersist_GeneratesKeys(t *testing.T) {
	t.Parallel()
	s := memstore.New()
	blog := entityType(t, "Blog")
	s.Seed(blog, map[string]any{"ID": int64(7), "Name": "seeded"})

	res, err := s.Persist(context.Background(), []store.Operation{insertBlog(t, "a"), insertBlog(t, "b")})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, []any{int64(8)}, res[0].Generated)
	assert.Equal(t, []any{int64(9)}, res[1].Generated)
	assert.EqualValues(t, 1, res[0].RowsAffected)
	assert.Len(t, s.Rows(blog), 3)
	assert.Equal(t, 1, s.Calls())
}

func TestPersist_DuplicateKey(t *testing.T) {
	t.Parallel()
	s := memstore.New()
	person := entityType(t, "Person")
	op := store.Operation{Type: person, Kind: store.Insert, Values: set(t, person, "ID", int64(1), "Name", "ada")}
	_, err := s.Persist(context.Background(), []store.Operation{op, op})
	require.Error(t, err)
	assert.True(t, tether.IsConstraintViolation(err))
	var cv *tether.ConstraintViolationError
	require.ErrorAs(t, err, &cv)
	assert.Equal(t, "Person_pkey", cv.Constraint)
}

func TestPersist_ForeignKeys(t *testing.T) {
	t.Parallel()
	comment := entityType(t, "Comment")
	post := entityType(t, "Post")

	t.Run("MissingPrincipal", func(t *testing.T) {
		t.Parallel()
		s := memstore.New()
		_, err := s.Persist(context.Background(), []store.Operation{{
			Type: comment, Kind: store.Insert,
			Values:    set(t, comment, "Body", "hi", "PostID", int64(4)),
			Generated: []*metadata.Property{prop(t, comment, "ID")},
		}})
		assert.True(t, tether.IsConstraintViolation(err))
		assert.Empty(t, s.Rows(comment))
	})
	t.Run("NullOptional", func(t *testing.T) {
		t.Parallel()
		s := memstore.New()
		_, err := s.Persist(context.Background(), []store.Operation{{
			Type: post, Kind: store.Insert,
			Values:    set(t, post, "Title", "t", "BlogID", nil),
			Generated: []*metadata.Property{prop(t, post, "ID"), prop(t, post, "Version")},
		}})
		require.NoError(t, err)
		rows := s.Rows(post)
		require.Len(t, rows, 1)
		assert.Equal(t, int64(1), rows[0].Values["Version"])
	})
	t.Run("Restrict", func(t *testing.T) {
		t.Parallel()
		s := memstore.New()
		s.Seed(post, map[string]any{"ID": int64(4), "Title": "t", "Version": int64(1)})
		s.Seed(comment, map[string]any{"ID": int64(1), "Body": "b", "PostID": int64(4)})
		res, err := s.Persist(context.Background(), []store.Operation{{
			Type: post, Kind: store.Delete,
			Conditions: set(t, post, "ID", int64(4), "Version", int64(1)),
		}})
		assert.True(t, tether.IsConstraintViolation(err))
		assert.Empty(t, res)
		assert.Len(t, s.Rows(post), 1)
	})
}

func TestPersist_Concurrency(t *testing.T) {
	t.Parallel()
	s := memstore.New()
	post := entityType(t, "Post")
	s.Seed(post, map[string]any{"ID": int64(4), "Title": "t", "Version": int64(3)})
	update := func(version int64) store.Operation {
		return store.Operation{
			Type: post, Kind: store.Update,
			Values:     set(t, post, "Title", "new"),
			Conditions: set(t, post, "ID", int64(4), "Version", version),
			Generated:  []*metadata.Property{prop(t, post, "Version")},
		}
	}
	res, err := s.Persist(context.Background(), []store.Operation{update(2)})
	require.NoError(t, err)
	assert.Zero(t, res[0].RowsAffected)

	res, err = s.Persist(context.Background(), []store.Operation{update(3)})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res[0].RowsAffected)
	assert.Equal(t, []any{int64(4)}, res[0].Generated)
	assert.Equal(t, "new", s.Rows(post)[0].Values["Title"])
}

func TestPersist_UniqueForeignKey(t *testing.T) {
	t.Parallel()
	s := memstore.New()
	person, car := entityType(t, "Person"), entityType(t, "Car")
	s.Seed(person, map[string]any{"ID": int64(1), "Name": "ada"})
	s.Seed(car, map[string]any{"ID": int64(10), "Model": "a", "OwnerID": int64(1)})
	_, err := s.Persist(context.Background(), []store.Operation{{
		Type: car, Kind: store.Insert,
		Values: set(t, car, "ID", int64(11), "Model", "b", "OwnerID", int64(1)),
	}})
	assert.True(t, tether.IsConstraintViolation(err))

	_, err = s.Persist(context.Background(), []store.Operation{
		{Type: car, Kind: store.Delete, Conditions: set(t, car, "ID", int64(10))},
		{Type: car, Kind: store.Insert, Values: set(t, car, "ID", int64(11), "Model", "b", "OwnerID", int64(1))},
	})
	require.NoError(t, err)
}

func TestPersist_Hierarchy(t *testing.T) {
	t.Parallel()
	s := memstore.New()
	animal, dog, cat := entityType(t, "Animal"), entityType(t, "Dog"), entityType(t, "Cat")
	_, err := s.Persist(context.Background(), []store.Operation{
		{Type: dog, Kind: store.Insert, Values: set(t, dog, "Kind", "dog", "Name", "rex", "Breed", "lab"),
			Generated: []*metadata.Property{prop(t, dog, "ID")}},
		{Type: cat, Kind: store.Insert, Values: set(t, cat, "Kind", "cat", "Name", "tom", "Lives", 9),
			Generated: []*metadata.Property{prop(t, cat, "ID")}},
	})
	require.NoError(t, err)
	assert.Len(t, s.Rows(animal), 2)
	require.Len(t, s.Rows(cat), 1)
	assert.Equal(t, int64(2), s.Rows(cat)[0].Values["ID"])
}

func TestTx(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	blog := entityType(t, "Blog")

	t.Run("Rollback", func(t *testing.T) {
		t.Parallel()
		s := memstore.New()
		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		_, err = tx.Persist(ctx, []store.Operation{insertBlog(t, "a")})
		require.NoError(t, err)
		require.NoError(t, tx.Rollback())
		assert.Empty(t, s.Rows(blog))

		// The sequence is restored too.
		res, err := s.Persist(ctx, []store.Operation{insertBlog(t, "b")})
		require.NoError(t, err)
		assert.Equal(t, []any{int64(1)}, res[0].Generated)
	})
	t.Run("Commit", func(t *testing.T) {
		t.Parallel()
		s := memstore.New()
		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		_, err = tx.Persist(ctx, []store.Operation{insertBlog(t, "a")})
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		assert.Len(t, s.Rows(blog), 1)
		assert.Error(t, tx.Commit())
		assert.NoError(t, tx.Rollback())
	})
	t.Run("Serialized", func(t *testing.T) {
		t.Parallel()
		s := memstore.New()
		op := insertBlog(t, "x")
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tx, err := s.Begin(ctx)
				if !assert.NoError(t, err) {
					return
				}
				_, err = tx.Persist(ctx, []store.Operation{op})
				assert.NoError(t, err)
				assert.NoError(t, tx.Commit())
			}()
		}
		wg.Wait()
		assert.Len(t, s.Rows(blog), 8)
	})
}

func TestDeferredForeignKey(t *testing.T) {
	t.Parallel()
	m, err := metadata.LoadYAML(strings.NewReader(`
entities:
  - name: department
    key: [id]
    properties:
      - {name: id, type: int64}
      - {name: manager_id, type: int64, nullable: true}
  - name: employee
    key: [id]
    properties:
      - {name: id, type: int64}
      - {name: department_id, type: int64}
relationships:
  - {dependent: department, principal: employee, foreign_key: [manager_id], navigation: manager, deferred: true}
  - {dependent: employee, principal: department, foreign_key: [department_id], navigation: department}
`))
	require.NoError(t, err)
	dept, _ := m.FindEntityType("Department")
	emp, _ := m.FindEntityType("Employee")
	ops := []store.Operation{
		{Type: dept, Kind: store.Insert, Values: set(t, dept, "Id", int64(1), "ManagerId", int64(7))},
		{Type: emp, Kind: store.Insert, Values: set(t, emp, "Id", int64(7), "DepartmentId", int64(1))},
	}
	ctx := context.Background()

	s := memstore.New()
	_, err = s.Persist(ctx, ops)
	require.NoError(t, err)

	s = memstore.New()
	_, err = s.Persist(ctx, ops[:1])
	assert.True(t, tether.IsConstraintViolation(err))
	assert.Empty(t, s.Rows(dept))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Persist(ctx, ops[:1])
	require.NoError(t, err)
	assert.True(t, tether.IsConstraintViolation(tx.Commit()))
	assert.Empty(t, s.Rows(dept))
}

func TestFailure(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	s := memstore.New(memstore.WithFailure(func(op store.Operation) error {
		if v, _ := op.Value("Name"); v == "bad" {
			return boom
		}
		return nil
	}))
	res, err := s.Persist(context.Background(), []store.Operation{insertBlog(t, "ok"), insertBlog(t, "bad")})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, res, 1)

	s.FailWhen(nil)
	_, err = s.Persist(context.Background(), []store.Operation{insertBlog(t, "bad")})
	assert.NoError(t, err)
}

func TestPersist_Canceled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := memstore.New()
	_, err := s.Persist(ctx, []store.Operation{insertBlog(t, "a")})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.Begin(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
