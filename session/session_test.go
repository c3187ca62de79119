package session_test

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/syssam/tether"
	"github.com/syssam/tether/dialect"
	"github.com/syssam/tether/dialect/sql"
	"github.com/syssam/tether/internal/testmodel"
	"github.com/syssam/tether/metadata"
	"github.com/syssam/tether/privacy"
	"github.com/syssam/tether/session"
	"github.com/syssam/tether/store"
	"github.com/syssam/tether/store/memstore"
	"github.com/syssam/tether/store/sqlstore"
	"github.com/syssam/tether/tracking"
)

func entityType(t *testing.T, name string) *metadata.EntityType {
	t.Helper()
	typ, ok := testmodel.Model().FindEntityType(name)
	require.True(t, ok, name)
	return typ
}

func entry(t *testing.T, s *session.Session, entity any) *tracking.Entry {
	t.Helper()
	e, ok := s.Entry(entity)
	require.True(t, ok, "%T is not tracked", entity)
	return e
}

// blogGraph returns a new blog with one post holding one comment.
func blogGraph() (*testmodel.Blog, *testmodel.Post, *testmodel.Comment) {
	blog := &testmodel.Blog{Name: "b"}
	post := &testmodel.Post{Title: "p", Blog: blog}
	comment := &testmodel.Comment{Body: "c", Post: post}
	blog.Posts = []*testmodel.Post{post}
	post.Comments = []*testmodel.Comment{comment}
	return blog, post, comment
}

func TestSaveChanges_InsertGraph(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	s := session.New(testmodel.Model(), st)
	blog, post, comment := blogGraph()
	_, err := s.Add(comment)
	require.NoError(t, err)

	n, err := s.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, st.Calls(), "each insert waits for the key of its principal")

	assert.Equal(t, int64(1), blog.ID)
	assert.Equal(t, int64(1), post.ID)
	assert.Equal(t, int64(1), post.Version)
	require.NotNil(t, post.BlogID)
	assert.Equal(t, blog.ID, *post.BlogID)
	assert.Equal(t, post.ID, comment.PostID)
	for _, entity := range []any{blog, post, comment} {
		assert.Equal(t, tracking.Unchanged, entry(t, s, entity).State())
	}

	rows := st.Rows(entityType(t, "Comment"))
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].Values["PostID"])

	found, ok := s.Find("Blog", 1)
	require.True(t, ok)
	assert.Same(t, blog, found.Entity(), "the identity map is rekeyed to the store key")

	changed, err := s.HasChanges()
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestSaveChanges_Noop(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	s := session.New(testmodel.Model(), st)
	blog := &testmodel.Blog{ID: 1, Name: "b"}
	_, err := s.Attach(blog)
	require.NoError(t, err)

	n, err := s.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, st.Calls(), "a save without changes never calls the store")
}

func TestSaveChanges_UpdateAndDelete(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	st.Seed(entityType(t, "Blog"), map[string]any{"ID": int64(1), "Name": "b"})
	st.Seed(entityType(t, "Post"), map[string]any{"ID": int64(2), "Title": "old", "Version": int64(1), "BlogID": int64(1)})
	st.Seed(entityType(t, "Comment"), map[string]any{"ID": int64(3), "Body": "c", "PostID": int64(2)})

	s := session.New(testmodel.Model(), st)
	blog := &testmodel.Blog{ID: 1, Name: "b"}
	post := &testmodel.Post{ID: 2, Title: "old", Version: 1, BlogID: testmodel.Int64(1), Blog: blog}
	comment := &testmodel.Comment{ID: 3, Body: "c", PostID: 2, Post: post}
	blog.Posts = []*testmodel.Post{post}
	post.Comments = []*testmodel.Comment{comment}
	_, err := s.Attach(blog)
	require.NoError(t, err)

	post.Title = "new"
	_, err = s.Remove(comment)
	require.NoError(t, err)

	n, err := s.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(2), post.Version, "the store bumps the concurrency token")
	assert.Equal(t, tracking.Unchanged, entry(t, s, post).State())
	_, ok := s.Entry(comment)
	assert.False(t, ok, "a saved delete detaches the entry")
	assert.Empty(t, post.Comments)

	rows := st.Rows(entityType(t, "Post"))
	require.Len(t, rows, 1)
	assert.Equal(t, "new", rows[0].Values["Title"])
	assert.Empty(t, st.Rows(entityType(t, "Comment")))
}

func TestSaveChanges_ConcurrencyConflict(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	postType := entityType(t, "Post")
	st.Seed(postType, map[string]any{"ID": int64(2), "Title": "old", "Version": int64(5)})

	s := session.New(testmodel.Model(), st)
	stale := &testmodel.Post{ID: 2, Title: "old", Version: 1}
	_, err := s.Attach(stale)
	require.NoError(t, err)
	stale.Title = "new"

	_, err = s.SaveChanges(context.Background())
	require.Error(t, err)
	assert.True(t, tether.IsConcurrencyConflict(err))
	var cerr *tether.ConcurrencyConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "Post{2}", cerr.Entity)
	assert.Equal(t, "update", cerr.Op)
	assert.Zero(t, cerr.Actual)

	e := entry(t, s, stale)
	assert.Equal(t, tracking.Modified, e.State(), "a failed save leaves the entry pending")
	assert.Equal(t, int64(1), stale.Version)
	assert.Equal(t, "old", st.Rows(postType)[0].Values["Title"])

	// Reload the row and apply the edit again.
	fresh := session.New(testmodel.Model(), st)
	re, err := fresh.Materialize("Post", st.Rows(postType)[0].Values)
	require.NoError(t, err)
	post := re.Entity().(*testmodel.Post)
	post.Title = "new"
	n, err := fresh.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(6), post.Version)
}

func TestSaveChanges_FailureIsRetryable(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	st := memstore.New(memstore.WithFailure(func(op store.Operation) error {
		if op.Type.Name == "Comment" {
			return boom
		}
		return nil
	}))
	s := session.New(testmodel.Model(), st)
	blog, post, comment := blogGraph()
	_, err := s.Add(blog)
	require.NoError(t, err)
	id, ok := entityType(t, "Blog").FindProperty("ID")
	require.True(t, ok)

	_, err = s.SaveChanges(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Empty(t, st.Rows(entityType(t, "Blog")), "the transaction is rolled back")
	be := entry(t, s, blog)
	assert.Equal(t, tracking.Added, be.State())
	assert.True(t, be.IsTemporary(id), "store values are applied only after a successful save")
	assert.Less(t, blog.ID, int64(0))

	st.FailWhen(nil)
	n, err := s.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(1), blog.ID, "the rolled back sequence is reused")
	assert.Equal(t, post.ID, comment.PostID)
	assert.Len(t, st.Rows(entityType(t, "Comment")), 1)
}

// plainStore hides the transaction support of the wrapped store.
type plainStore struct{ store.Store }

func TestSaveChanges_WithoutTransactions(t *testing.T) {
	t.Parallel()
	mem := memstore.New()
	s := session.New(testmodel.Model(), plainStore{mem})
	_, post, _ := blogGraph()
	_, err := s.Add(post)
	require.NoError(t, err)

	n, err := s.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, mem.Rows(entityType(t, "Post")), 1)
}

func TestSaveChanges_ValidationErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		setup func(*testing.T, *session.Session)
		check func(error) bool
	}{
		{
			name: "Restrict",
			setup: func(t *testing.T, s *session.Session) {
				account := &testmodel.Account{ID: 1}
				invoice := &testmodel.Invoice{ID: 2, AccountID: 1, Account: account}
				account.Invoices = []*testmodel.Invoice{invoice}
				_, err := s.Attach(account)
				require.NoError(t, err)
				_, err = s.Remove(account)
				require.NoError(t, err)
			},
			check: tether.IsRequiredRelationshipViolation,
		},
		{
			name: "SeveredRequired",
			setup: func(t *testing.T, s *session.Session) {
				post := &testmodel.Post{ID: 1, Version: 1}
				comment := &testmodel.Comment{ID: 2, PostID: 1, Post: post}
				post.Comments = []*testmodel.Comment{comment}
				_, err := s.Attach(post)
				require.NoError(t, err)
				post.Comments = nil
			},
			check: tether.IsRequiredRelationshipViolation,
		},
		{
			name: "MutualRequired",
			setup: func(t *testing.T, s *session.Session) {
				ping := &testmodel.Ping{}
				ping.Pong = &testmodel.Pong{Ping: ping}
				_, err := s.Add(ping)
				require.NoError(t, err)
			},
			check: tether.IsCircularDependency,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st := memstore.New()
			s := session.New(testmodel.Model(), st)
			tt.setup(t, s)
			_, err := s.SaveChanges(context.Background())
			require.Error(t, err)
			assert.True(t, tt.check(err), err.Error())
			assert.Zero(t, st.Calls())
		})
	}
}

func TestSaveChanges_DeleteOrphans(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	st.Seed(entityType(t, "Post"), map[string]any{"ID": int64(1), "Title": "p", "Version": int64(1)})
	st.Seed(entityType(t, "Comment"), map[string]any{"ID": int64(2), "Body": "c", "PostID": int64(1)})
	s := session.New(testmodel.Model(), st, session.DeleteOrphans())
	post := &testmodel.Post{ID: 1, Title: "p", Version: 1}
	comment := &testmodel.Comment{ID: 2, Body: "c", PostID: 1, Post: post}
	post.Comments = []*testmodel.Comment{comment}
	_, err := s.Attach(post)
	require.NoError(t, err)

	post.Comments = nil
	n, err := s.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, st.Rows(entityType(t, "Comment")))
	_, ok := s.Entry(comment)
	assert.False(t, ok)
}

func TestSaveChanges_Canceled(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	s := session.New(testmodel.Model(), st)
	blog := &testmodel.Blog{Name: "b"}
	_, err := s.Add(blog)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.SaveChanges(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, tracking.Added, entry(t, s, blog).State())
	assert.Empty(t, st.Rows(entityType(t, "Blog")))

	n, err := s.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSaveChanges_AcceptDisabled(t *testing.T) {
	t.Parallel()
	s := session.New(testmodel.Model(), memstore.New(), session.AcceptAllChangesOnSuccess(false))
	blog := &testmodel.Blog{Name: "b"}
	e, err := s.Add(blog)
	require.NoError(t, err)

	_, err = s.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), blog.ID)
	assert.Equal(t, tracking.Added, e.State())

	s.AcceptAllChanges()
	assert.Equal(t, tracking.Unchanged, e.State())
}

func TestSaveChanges_Policy(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	policy := privacy.Policy{privacy.OnTypes(privacy.DenyKindRule(store.Insert), "Comment")}
	s := session.New(testmodel.Model(), st, session.WithPolicy(policy))
	blog, _, comment := blogGraph()
	_, err := s.Add(blog)
	require.NoError(t, err)

	_, err = s.SaveChanges(context.Background())
	require.ErrorIs(t, err, privacy.Deny)
	assert.Contains(t, err.Error(), "insert Comment{-3}")
	assert.Zero(t, st.Calls(), "a rejected save never calls the store")
	assert.Equal(t, tracking.Added, entry(t, s, comment).State())

	ctx := privacy.DecisionContext(context.Background(), privacy.Allowf("migration"))
	n, err := s.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSaveChanges_AfterFailedAdd(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	s := session.New(testmodel.Model(), st)
	branch := &testmodel.Branch{ID: 9, Tree: &testmodel.Tree{ID: 1}, Origin: &testmodel.Tree{ID: 2}}
	_, err := s.Add(branch)
	require.Error(t, err)
	assert.True(t, tether.IsConflictingSharedForeignKeyValues(err))

	branch.Origin = nil
	n, err := s.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, st.Calls(), "nothing from the failed add is saved")
	assert.Empty(t, st.Rows(entityType(t, "Branch")))
}

func TestSaveChanges_Batching(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	s := session.New(testmodel.Model(), st, session.WithMaxBatchSize(2))
	for i := range 5 {
		_, err := s.Add(&testmodel.Person{ID: int64(i + 1), Name: fmt.Sprint("p", i)})
		require.NoError(t, err)
	}
	n, err := s.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 3, st.Calls())
	assert.Len(t, st.Rows(entityType(t, "Person")), 5)
}

func TestPlan(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	s := session.New(testmodel.Model(), st)
	_, post, _ := blogGraph()
	_, err := s.Add(post)
	require.NoError(t, err)

	plan, err := s.Plan(context.Background())
	require.NoError(t, err)
	require.Len(t, plan.Commands, 3)
	assert.Len(t, plan.Batches, 3)
	assert.Equal(t, store.Insert, plan.Commands[0].Kind)
	assert.Equal(t, "Blog", plan.Commands[0].Entry.EntityType().Name)
	assert.Zero(t, st.Calls())
	assert.Equal(t, tracking.Added, entry(t, s, post).State())
}

func TestMaterialize(t *testing.T) {
	t.Parallel()
	s := session.New(testmodel.Model(), memstore.New())
	e, err := s.Materialize("Blog", map[string]any{"ID": 1, "Name": "b"})
	require.NoError(t, err)
	again, err := s.Materialize("Blog", map[string]any{"ID": int64(1), "Name": "other"})
	require.NoError(t, err)
	assert.Same(t, e, again)
	assert.Len(t, s.Entries(), 1)

	_, err = s.Materialize("Unknown", map[string]any{"ID": 1})
	assert.True(t, tether.IsInvalidOperation(err))
}

func TestSaveChanges_IndependentSessions(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	var g errgroup.Group
	for i := range 8 {
		g.Go(func() error {
			s := session.New(testmodel.Model(), st)
			blog, _, _ := blogGraph()
			blog.Name = fmt.Sprint("blog", i)
			if _, err := s.Add(blog); err != nil {
				return err
			}
			n, err := s.SaveChanges(context.Background())
			if err != nil {
				return err
			}
			if n != 3 {
				return fmt.Errorf("saved %d entries, want 3", n)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	ids := make(map[any]bool)
	for _, r := range st.Rows(entityType(t, "Blog")) {
		ids[r.Values["ID"]] = true
	}
	assert.Len(t, ids, 8, "every session got its own keys")
	assert.Len(t, st.Rows(entityType(t, "Comment")), 8)
}

const schema = `
CREATE TABLE blogs (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL);
CREATE TABLE posts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	blog_id INTEGER REFERENCES blogs(id)
);
CREATE TABLE comments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	body TEXT NOT NULL,
	post_id INTEGER NOT NULL REFERENCES posts(id)
);
`

func TestSaveChanges_SQLite(t *testing.T) {
	t.Parallel()
	db, err := stdsql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared&_pragma=foreign_keys(1)")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	_, err = db.Exec(schema)
	require.NoError(t, err)

	s := session.New(testmodel.Model(), sqlstore.New(sql.OpenDB(dialect.SQLite, db)))
	ctx := context.Background()
	blog, post, comment := blogGraph()
	_, err = s.Add(blog)
	require.NoError(t, err)

	n, err := s.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(1), blog.ID)
	assert.Equal(t, int64(1), post.Version, "the column default is read back")
	assert.Equal(t, post.ID, comment.PostID)

	post.Title = "renamed"
	_, err = s.Remove(comment)
	require.NoError(t, err)
	n, err = s.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(2), post.Version)

	var (
		title    string
		comments int
	)
	require.NoError(t, db.QueryRow("SELECT title FROM posts WHERE id = ?", post.ID).Scan(&title))
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM comments").Scan(&comments))
	assert.Equal(t, "renamed", title)
	assert.Zero(t, comments)
}
