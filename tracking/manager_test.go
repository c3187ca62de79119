package tracking_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/tether"
	"github.com/syssam/tether/internal/testmodel"
	"github.com/syssam/tether/metadata"
	"github.com/syssam/tether/tracking"
)

func newManager(opts ...tracking.Option) *tracking.StateManager {
	return tracking.NewStateManager(testmodel.Model(), opts...)
}

func entityType(t *testing.T, name string) *metadata.EntityType {
	t.Helper()
	typ, ok := testmodel.Model().FindEntityType(name)
	require.True(t, ok, name)
	return typ
}

func property(t *testing.T, typ, name string) *metadata.Property {
	t.Helper()
	p, ok := entityType(t, typ).FindProperty(name)
	require.True(t, ok, name)
	return p
}

func entry(t *testing.T, sm *tracking.StateManager, entity any) *tracking.Entry {
	t.Helper()
	e, ok := sm.Entry(entity)
	require.True(t, ok, "%T is not tracked", entity)
	return e
}

func TestState_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Detached", tracking.Detached.String())
	assert.Equal(t, "Unchanged", tracking.Unchanged.String())
	assert.Equal(t, "Added", tracking.Added.String())
	assert.Equal(t, "Modified", tracking.Modified.String())
	assert.Equal(t, "Deleted", tracking.Deleted.String())
	assert.True(t, tracking.Deleted.Pending())
	assert.False(t, tracking.Unchanged.Pending())
}

func TestAdd_Graph(t *testing.T) {
	t.Parallel()
	sm := newManager()
	blog := &testmodel.Blog{Name: "go"}
	post := &testmodel.Post{Title: "generics", Blog: blog}
	blog.Posts = []*testmodel.Post{post}

	be, err := sm.Add(blog)
	require.NoError(t, err)
	assert.Equal(t, tracking.Added, be.State())
	pe := entry(t, sm, post)
	assert.Equal(t, tracking.Added, pe.State())
	assert.Equal(t, 2, sm.Len())

	id := property(t, "Blog", "ID")
	assert.True(t, be.IsTemporary(id))
	assert.Less(t, blog.ID, int64(0))
	require.NotNil(t, post.BlogID)
	assert.Equal(t, blog.ID, *post.BlogID)
	assert.True(t, pe.IsTemporary(property(t, "Post", "BlogID")))
	assert.NotEqual(t, blog.ID, post.ID, "temporary keys are unique")

	entries := sm.Entries()
	require.Len(t, entries, 2)
	assert.Same(t, be, entries[0])
	assert.Less(t, entries[0].Seq(), entries[1].Seq())

	require.NoError(t, sm.DetectChanges())
	assert.Equal(t, 1, sm.LastDetectPasses())
}

func TestAttach_States(t *testing.T) {
	t.Parallel()
	sm := newManager()
	blog := &testmodel.Blog{ID: 1, Name: "go"}
	fresh := &testmodel.Post{Title: "draft", Blog: blog}
	stored := &testmodel.Post{ID: 10, Title: "published", BlogID: testmodel.Int64(1), Blog: blog}
	moved := &testmodel.Post{ID: 11, Title: "moved", BlogID: testmodel.Int64(9), Blog: blog}
	blog.Posts = []*testmodel.Post{fresh, stored, moved}

	_, err := sm.Attach(blog)
	require.NoError(t, err)
	assert.Equal(t, tracking.Unchanged, entry(t, sm, blog).State())
	assert.Equal(t, tracking.Added, entry(t, sm, fresh).State())
	assert.Equal(t, tracking.Unchanged, entry(t, sm, stored).State())
	require.NotNil(t, fresh.BlogID)
	assert.Equal(t, int64(1), *fresh.BlogID)

	// The navigation wins over a stale foreign key, which is then modified.
	me := entry(t, sm, moved)
	assert.Equal(t, int64(1), *moved.BlogID)
	assert.Equal(t, tracking.Modified, me.State())
	assert.Equal(t, int64(9), me.OriginalValue(property(t, "Post", "BlogID")))

	changed, err := sm.HasChanges()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []*tracking.Entry{entry(t, sm, fresh), me}, sm.Pending())
}

func TestUpdate_MarksModified(t *testing.T) {
	t.Parallel()
	sm := newManager()
	blog := &testmodel.Blog{ID: 3, Name: "go"}
	e, err := sm.Update(blog)
	require.NoError(t, err)
	assert.Equal(t, tracking.Modified, e.State())
	assert.True(t, e.IsModified(property(t, "Blog", "Name")))
	assert.False(t, e.IsModified(property(t, "Blog", "ID")))

	other := &testmodel.Blog{Name: "new"}
	e, err = sm.Update(other)
	require.NoError(t, err)
	assert.Equal(t, tracking.Added, e.State())
}

func TestIdentityMap_DuplicateKey(t *testing.T) {
	t.Parallel()
	sm := newManager()
	_, err := sm.Attach(&testmodel.Person{ID: 1, Name: "ann"})
	require.NoError(t, err)

	dup := &testmodel.Person{ID: 1, Name: "bob"}
	_, err = sm.Attach(dup)
	require.Error(t, err)
	assert.True(t, tether.IsDuplicateKey(err))
	_, tracked := sm.Entry(dup)
	assert.False(t, tracked)
	assert.Equal(t, 1, sm.Len())
}

func TestIdentityMap_DuplicateInGraphRollsBack(t *testing.T) {
	t.Parallel()
	sm := newManager()
	root := &testmodel.Root{ID: 1}
	root.Dependants = []*testmodel.Dependant{{ID: 2, RootID: 1}, {ID: 2, RootID: 1}}
	_, err := sm.Attach(root)
	require.Error(t, err)
	assert.True(t, tether.IsDuplicateKey(err))
	assert.Equal(t, 0, sm.Len())
}

func TestAdd_FailedFixupRollsBack(t *testing.T) {
	t.Parallel()
	sm := newManager()
	t1, t2 := &testmodel.Tree{ID: 1}, &testmodel.Tree{ID: 2}
	_, err := sm.Attach(t1)
	require.NoError(t, err)

	// Tree and Origin both claim TreeID but point at different trees.
	branch := &testmodel.Branch{ID: 9, Tree: t1, Origin: t2}
	_, err = sm.Add(branch)
	require.Error(t, err)
	assert.True(t, tether.IsConflictingSharedForeignKeyValues(err))
	assert.Equal(t, 1, sm.Len())
	_, ok := sm.Entry(branch)
	assert.False(t, ok)
	_, ok = sm.Entry(t2)
	assert.False(t, ok)
	assert.Nil(t, branch.TreeID)
	assert.Empty(t, t1.Branches)
	assert.Equal(t, tracking.Unchanged, entry(t, sm, t1).State())

	changed, err := sm.HasChanges()
	require.NoError(t, err)
	assert.False(t, changed, "a failed add leaves nothing to save")

	branch.Origin = nil
	be, err := sm.Add(branch)
	require.NoError(t, err)
	assert.Equal(t, tracking.Added, be.State())
	require.NotNil(t, branch.TreeID)
	assert.Equal(t, int64(1), *branch.TreeID)
	assert.Equal(t, []*testmodel.Branch{branch}, t1.Branches)
	assert.Equal(t, 2, sm.Len())
}

func TestFind(t *testing.T) {
	t.Parallel()
	sm := newManager()
	ann := &testmodel.Person{ID: 7, Name: "ann"}
	_, err := sm.Attach(ann)
	require.NoError(t, err)

	person := entityType(t, "Person")
	e, ok := sm.Find(person, 7)
	require.True(t, ok)
	assert.Same(t, ann, e.Entity())
	_, ok = sm.Find(person, 8)
	assert.False(t, ok)
	_, ok = sm.Find(person, 7, 8)
	assert.False(t, ok)

	pm := sm.IdentityMap(person.PrimaryKey())
	assert.Equal(t, 1, pm.Len())
	found, ok := pm.FindEntry([]any{int64(7)})
	require.True(t, ok)
	assert.Same(t, e, found)
	_, ok = pm.FindEntry([]any{nil})
	assert.False(t, ok)
}

func TestFind_AlternateKey(t *testing.T) {
	t.Parallel()
	sm := newManager()
	dep := &testmodel.Dependant{ID: 4, RootID: 2}
	_, err := sm.Attach(dep)
	require.NoError(t, err)

	typ := entityType(t, "Dependant")
	require.Len(t, typ.Keys(), 2)
	e, ok := sm.FindByKey(typ.Keys()[1], []any{int64(2), int64(4)})
	require.True(t, ok)
	assert.Same(t, dep, e.Entity())
}

func TestDetach(t *testing.T) {
	t.Parallel()
	sm := newManager()
	blog := &testmodel.Blog{ID: 1}
	post := &testmodel.Post{ID: 2, Blog: blog}
	blog.Posts = []*testmodel.Post{post}
	_, err := sm.Attach(blog)
	require.NoError(t, err)

	sm.Detach(post)
	_, ok := sm.Entry(post)
	assert.False(t, ok)
	assert.Equal(t, []*testmodel.Post{post}, blog.Posts, "explicit detach leaves navigations alone")
	_, ok = sm.Find(entityType(t, "Post"), 2)
	assert.False(t, ok)

	reattached, err := sm.Attach(post)
	require.NoError(t, err)
	assert.Equal(t, tracking.Unchanged, reattached.State())
	assert.NotZero(t, reattached.ID())

	sm.Clear()
	assert.Equal(t, 0, sm.Len())
}

func TestMaterialize(t *testing.T) {
	t.Parallel()
	sm := newManager()
	blogType, postType := entityType(t, "Blog"), entityType(t, "Post")

	be, err := sm.Materialize(blogType, map[string]any{"ID": 1, "Name": "go"})
	require.NoError(t, err)
	assert.Equal(t, tracking.Unchanged, be.State())
	blog := be.Entity().(*testmodel.Blog)
	assert.Equal(t, int64(1), blog.ID)

	again, err := sm.Materialize(blogType, map[string]any{"ID": int64(1), "Name": "ignored"})
	require.NoError(t, err)
	assert.Same(t, be, again, "identity resolution returns the tracked entry")
	assert.Equal(t, "go", blog.Name)

	pe, err := sm.Materialize(postType, map[string]any{"ID": 5, "Title": "t", "BlogID": 1, "Version": 1})
	require.NoError(t, err)
	post := pe.Entity().(*testmodel.Post)
	assert.Same(t, blog, post.Blog)
	assert.Equal(t, []*testmodel.Post{post}, blog.Posts)

	require.NoError(t, sm.DetectChanges())
	assert.Empty(t, sm.Pending())

	_, err = sm.Materialize(postType, map[string]any{"Title": "no key"})
	assert.True(t, tether.IsInvalidOperation(err))
	_, err = sm.Materialize(postType, map[string]any{"ID": 6, "Colour": "red"})
	assert.True(t, tether.IsInvalidOperation(err))
}

func TestMaterialize_Discriminator(t *testing.T) {
	t.Parallel()
	sm := newManager()
	e, err := sm.Materialize(entityType(t, "Animal"), map[string]any{"ID": 1, "Kind": "dog", "Name": "rex", "Breed": "lab"})
	require.NoError(t, err)
	assert.Equal(t, "Dog", e.EntityType().Name)
	dog, ok := e.Entity().(*testmodel.Dog)
	require.True(t, ok)
	assert.Equal(t, "lab", dog.Breed)
	assert.Equal(t, "rex", dog.Name)

	_, ok = sm.Find(entityType(t, "Animal"), 1)
	assert.True(t, ok)
	_, ok = sm.Find(entityType(t, "Cat"), 1)
	assert.False(t, ok)

	_, err = sm.Materialize(entityType(t, "Animal"), map[string]any{"ID": 2, "Kind": "fish"})
	assert.Error(t, err)
}

func TestAdd_DiscriminatorAndShadowForeignKey(t *testing.T) {
	t.Parallel()
	sm := newManager()
	keeper := &testmodel.Person{ID: 3, Name: "kim"}
	_, err := sm.Attach(keeper)
	require.NoError(t, err)

	cat := &testmodel.Cat{Lives: 9}
	cat.Keeper = keeper
	e, err := sm.Add(cat)
	require.NoError(t, err)
	assert.Equal(t, "cat", cat.Kind)
	v, ok := e.Value("KeeperID")
	require.True(t, ok)
	assert.Equal(t, int64(3), v)
	assert.Equal(t, tracking.Unchanged, entry(t, sm, keeper).State())

	cat.Keeper = nil
	require.NoError(t, sm.DetectChanges())
	v, _ = e.Value("KeeperID")
	assert.Nil(t, v)

	require.NoError(t, e.SetValue("KeeperID", 3))
	assert.Same(t, keeper, cat.Keeper)
}

func TestAdd_ClientGeneratedKey(t *testing.T) {
	t.Parallel()
	sm := newManager()
	g := &testmodel.Gadget{}
	e, err := sm.Add(g)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, g.ID)
	assert.False(t, e.IsTemporary(property(t, "Gadget", "ID")))
	assert.False(t, e.HasTemporaryValues())
}

func TestSetState(t *testing.T) {
	t.Parallel()
	sm := newManager()
	blog := &testmodel.Blog{ID: 1, Name: "go"}
	e, err := sm.Attach(blog)
	require.NoError(t, err)

	require.NoError(t, e.SetState(tracking.Modified))
	assert.Equal(t, []*metadata.Property{property(t, "Blog", "Name")}, e.ModifiedProperties())
	require.NoError(t, e.SetState(tracking.Unchanged))
	assert.Empty(t, e.ModifiedProperties())
	require.NoError(t, e.SetState(tracking.Deleted))
	assert.Equal(t, tracking.Deleted, e.State())
	require.NoError(t, e.SetState(tracking.Detached))
	assert.True(t, tether.IsInvalidOperation(e.SetState(tracking.Added)))
}

func TestEntry_String(t *testing.T) {
	t.Parallel()
	sm := newManager()
	e, err := sm.Attach(&testmodel.Person{ID: 12})
	require.NoError(t, err)
	assert.Equal(t, "Person{12}", e.String())
}
