package tracking_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/tether"
	"github.com/syssam/tether/internal/testmodel"
	"github.com/syssam/tether/tracking"
)

func TestRemove_MixedCascade(t *testing.T) {
	t.Parallel()
	sm := newManager()
	blog := &testmodel.Blog{ID: 1}
	post := &testmodel.Post{ID: 2, BlogID: testmodel.Int64(1), Blog: blog}
	comment := &testmodel.Comment{ID: 3, PostID: 2, Post: post}
	sub := &testmodel.Subscription{ID: 4, BlogID: 1, Blog: blog}
	post.Comments = []*testmodel.Comment{comment}
	blog.Posts = []*testmodel.Post{post}
	blog.Subscriptions = []*testmodel.Subscription{sub}
	_, err := sm.Attach(blog)
	require.NoError(t, err)

	_, err = sm.Remove(blog)
	require.NoError(t, err)
	assert.Equal(t, tracking.Deleted, entry(t, sm, blog).State())
	assert.Equal(t, tracking.Deleted, entry(t, sm, sub).State(), "required dependents are deleted")
	pe := entry(t, sm, post)
	assert.Equal(t, tracking.Modified, pe.State(), "optional dependents are orphaned")
	assert.Nil(t, post.BlogID)
	assert.Nil(t, post.Blog)
	assert.Equal(t, tracking.Unchanged, entry(t, sm, comment).State())
	assert.Equal(t, []*testmodel.Post{post}, blog.Posts, "the deleted principal keeps its collections")

	require.NoError(t, sm.DetectChanges())
	require.NoError(t, sm.Validate(false))

	sm.AcceptAllChanges()
	_, tracked := sm.Entry(blog)
	assert.False(t, tracked)
	_, tracked = sm.Entry(sub)
	assert.False(t, tracked)
	assert.Equal(t, tracking.Unchanged, pe.State())
}

func TestRemove_CascadeChain(t *testing.T) {
	t.Parallel()
	sm := newManager()
	post := &testmodel.Post{ID: 2}
	c1 := &testmodel.Comment{ID: 3, PostID: 2, Post: post}
	c2 := &testmodel.Comment{Body: "draft", Post: post}
	post.Comments = []*testmodel.Comment{c1, c2}
	_, err := sm.Attach(post)
	require.NoError(t, err)
	require.Equal(t, tracking.Added, entry(t, sm, c2).State())

	_, err = sm.Remove(post)
	require.NoError(t, err)
	assert.Equal(t, tracking.Deleted, entry(t, sm, c1).State())
	_, tracked := sm.Entry(c2)
	assert.False(t, tracked, "added dependents are detached")
	assert.Equal(t, []*testmodel.Comment{c1}, post.Comments)
	assert.Same(t, post, c2.Post)
}

func TestRemove_SelfReference(t *testing.T) {
	t.Parallel()
	sm := newManager()
	a := &testmodel.Node{ID: 1, Name: "a"}
	b := &testmodel.Node{ID: 2, Name: "b", ParentID: testmodel.Int64(1), Parent: a}
	a.Children = []*testmodel.Node{b}
	_, err := sm.Attach(a)
	require.NoError(t, err)

	_, err = sm.Remove(a)
	require.NoError(t, err)
	assert.Equal(t, tracking.Deleted, entry(t, sm, a).State())
	assert.Nil(t, b.ParentID)
	assert.Nil(t, b.Parent)
	assert.Equal(t, tracking.Modified, entry(t, sm, b).State())
}

func TestRemove_CascadeCycle(t *testing.T) {
	t.Parallel()
	sm := newManager()
	ping := &testmodel.Ping{ID: 1, PongID: 2}
	pong := &testmodel.Pong{ID: 2, PingID: 1, Ping: ping}
	ping.Pong = pong
	_, err := sm.Attach(ping)
	require.NoError(t, err)

	_, err = sm.Remove(ping)
	require.NoError(t, err)
	assert.Equal(t, tracking.Deleted, entry(t, sm, ping).State())
	assert.Equal(t, tracking.Deleted, entry(t, sm, pong).State())
}

func TestRemove_Untracked(t *testing.T) {
	t.Parallel()
	sm := newManager()
	p := &testmodel.Person{ID: 9}
	e, err := sm.Remove(p)
	require.NoError(t, err)
	assert.Equal(t, tracking.Deleted, e.State())

	fresh := &testmodel.Blog{Name: "never saved"}
	e, err = sm.Remove(fresh)
	require.NoError(t, err)
	assert.Equal(t, tracking.Detached, e.State())
}

func TestValidate_Restrict(t *testing.T) {
	t.Parallel()
	sm := newManager()
	account := &testmodel.Account{ID: 1}
	invoice := &testmodel.Invoice{ID: 2, AccountID: 1, Account: account}
	account.Invoices = []*testmodel.Invoice{invoice}
	_, err := sm.Attach(account)
	require.NoError(t, err)

	_, err = sm.Remove(account)
	require.NoError(t, err)
	assert.Equal(t, tracking.Unchanged, entry(t, sm, invoice).State())

	err = sm.Validate(false)
	require.Error(t, err)
	assert.True(t, tether.IsRequiredRelationshipViolation(err))
	var rerr *tether.RequiredRelationshipViolationError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "restrict", rerr.Reason)

	_, err = sm.Remove(invoice)
	require.NoError(t, err)
	require.NoError(t, sm.Validate(false))
}

func TestValidate_RestrictReportsFirstTracked(t *testing.T) {
	t.Parallel()
	sm := newManager()
	account := &testmodel.Account{ID: 1}
	first := &testmodel.Invoice{ID: 2, AccountID: 1, Account: account}
	second := &testmodel.Invoice{ID: 3, AccountID: 1, Account: account}
	account.Invoices = []*testmodel.Invoice{first, second}
	_, err := sm.Attach(account)
	require.NoError(t, err)

	// The next invoice reuses the slot of the detached one.
	sm.Detach(first)
	account.Invoices = []*testmodel.Invoice{second}
	_, err = sm.Attach(&testmodel.Invoice{ID: 4, AccountID: 1, Account: account})
	require.NoError(t, err)

	_, err = sm.Remove(account)
	require.NoError(t, err)
	var rerr *tether.RequiredRelationshipViolationError
	require.ErrorAs(t, sm.Validate(false), &rerr)
	assert.Equal(t, "Invoice{3}", rerr.Entity)
}

func TestRemove_SharedForeignKeyReleasedByPrincipal(t *testing.T) {
	t.Parallel()
	sm := newManager()
	tree := &testmodel.Tree{ID: 7}
	branch := &testmodel.Branch{ID: 1, TreeID: testmodel.Int64(7), Tree: tree}
	tree.Branches = []*testmodel.Branch{branch}
	_, err := sm.Attach(tree)
	require.NoError(t, err)
	branch.Origin = tree
	require.NoError(t, sm.DetectChanges())
	require.Equal(t, tracking.Unchanged, entry(t, sm, branch).State())

	_, err = sm.Remove(tree)
	require.NoError(t, err)
	assert.Equal(t, tracking.Deleted, entry(t, sm, tree).State())
	assert.Nil(t, branch.TreeID, "both relationships die with the principal")
	assert.Nil(t, branch.Tree)
	assert.Nil(t, branch.Origin)
	assert.Equal(t, tracking.Modified, entry(t, sm, branch).State())
}
