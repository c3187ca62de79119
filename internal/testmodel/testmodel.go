// Package testmodel provides the entity types and model shared by the
// package tests.
package testmodel

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/syssam/tether/metadata"
)

type (
	// Blog has optional posts and required subscriptions.
	Blog struct {
		ID            int64
		Name          string
		Posts         []*Post
		Subscriptions []*Subscription
	}

	// Post belongs to an optional blog and owns required comments.
	Post struct {
		ID       int64
		Title    string
		Version  int64
		BlogID   *int64
		Blog     *Blog
		Comments []*Comment
	}

	// Comment requires a post.
	Comment struct {
		ID     int64
		Body   string
		PostID int64
		Post   *Post
	}

	// Subscription requires a blog.
	Subscription struct {
		ID     int64
		Email  string
		BlogID int64
		Blog   *Blog
	}

	// Person owns at most one car.
	Person struct {
		ID   int64
		Name string
		Car  *Car
	}

	// Car references its owner through a unique foreign key.
	Car struct {
		ID      int64
		Model   string
		OwnerID *int64
		Owner   *Person
	}

	// Ping and Pong require each other.
	Ping struct {
		ID     int64
		PongID int64
		Pong   *Pong
	}

	// Pong requires a Ping.
	Pong struct {
		ID     int64
		PingID int64
		Ping   *Ping
	}

	// Node is a self-referencing tree.
	Node struct {
		ID       int64
		Name     string
		ParentID *int64
		Parent   *Node
		Children []*Node
	}

	// Account restricts the deletion of its invoices' principal.
	Account struct {
		ID       int64
		Name     string
		Invoices []*Invoice
	}

	// Invoice requires an account.
	Invoice struct {
		ID        int64
		AccountID int64
		Account   *Account
	}

	// Root is the principal of parents and dependants.
	Root struct {
		ID         int64
		Parents    []*Parent
		Dependants []*Dependant
	}

	// Parent references a dependant through (RootID, DependantID), sharing
	// RootID with its own root relationship.
	Parent struct {
		ID          int64
		RootID      int64
		Root        *Root
		DependantID *int64
		Dependant   *Dependant
	}

	// Dependant is keyed by (RootID, ID) for its parent.
	Dependant struct {
		ID     int64
		RootID int64
		Root   *Root
		Parent *Parent
	}

	// Tree is referenced twice by the same branch column.
	Tree struct {
		ID       int64
		Branches []*Branch
	}

	// Branch stores two relationships in TreeID.
	Branch struct {
		ID     int64
		TreeID *int64
		Tree   *Tree
		Origin *Tree
	}

	// Animal is the root of a hierarchy told apart by Kind. Its keeper
	// foreign key is a shadow property.
	Animal struct {
		ID     int64
		Kind   string
		Name   string
		Keeper *Person
	}

	// Dog derives from Animal.
	Dog struct {
		Animal
		Breed string
	}

	// Cat derives from Animal.
	Cat struct {
		Animal
		Lives int
	}

	// Gadget exercises non-trivial value comparers.
	Gadget struct {
		ID        uuid.UUID
		Price     decimal.Decimal
		Specs     map[string]any
		Blob      []byte
		CheckedAt time.Time
	}
)

var model = sync.OnceValue(func() *metadata.Model {
	m, err := Builder().Build()
	if err != nil {
		panic(err)
	}
	return m
})

// Model returns the shared model.
func Model() *metadata.Model {
	return model()
}

// Builder returns a builder declaring every test type.
func Builder() *metadata.Builder {
	b := metadata.NewBuilder()
	blogs(b)
	people(b)
	cycles(b)
	trees(b)
	shared(b)
	animals(b)
	gadgets(b)
	return b
}

func blogs(b *metadata.Builder) {
	blog := metadata.Entity[Blog](b, "Blog").Key("ID").
		Collection("Posts", metadata.Collection(func(x *Blog) []*Post { return x.Posts }, func(x *Blog, v []*Post) { x.Posts = v })).
		Collection("Subscriptions", metadata.Collection(func(x *Blog) []*Subscription { return x.Subscriptions }, func(x *Blog, v []*Subscription) { x.Subscriptions = v }))
	blog.Property("ID", metadata.TypeInt64).Generated(metadata.GeneratedOnAdd).
		Accessor(metadata.Field(func(x *Blog) int64 { return x.ID }, func(x *Blog, v int64) { x.ID = v }))
	blog.Property("Name", metadata.TypeString).MaxLength(100).
		Accessor(metadata.Field(func(x *Blog) string { return x.Name }, func(x *Blog, v string) { x.Name = v }))

	post := metadata.Entity[Post](b, "Post").Key("ID").
		Reference("Blog", metadata.Reference(func(x *Post) *Blog { return x.Blog }, func(x *Post, v *Blog) { x.Blog = v })).
		Collection("Comments", metadata.Collection(func(x *Post) []*Comment { return x.Comments }, func(x *Post, v []*Comment) { x.Comments = v }))
	post.Property("ID", metadata.TypeInt64).Generated(metadata.GeneratedOnAdd).
		Accessor(metadata.Field(func(x *Post) int64 { return x.ID }, func(x *Post, v int64) { x.ID = v }))
	post.Property("Title", metadata.TypeString).
		Accessor(metadata.Field(func(x *Post) string { return x.Title }, func(x *Post, v string) { x.Title = v }))
	post.Property("Version", metadata.TypeInt64).Generated(metadata.GeneratedOnAddOrUpdate).ConcurrencyToken().
		Accessor(metadata.Field(func(x *Post) int64 { return x.Version }, func(x *Post, v int64) { x.Version = v }))
	post.Property("BlogID", metadata.TypeInt64).Nullable().
		Accessor(metadata.NullableField(func(x *Post) *int64 { return x.BlogID }, func(x *Post, v *int64) { x.BlogID = v }))
	post.HasOne("Blog", "Blog").WithMany("Posts").ForeignKey("BlogID")

	comment := metadata.Entity[Comment](b, "Comment").Key("ID").
		Reference("Post", metadata.Reference(func(x *Comment) *Post { return x.Post }, func(x *Comment, v *Post) { x.Post = v }))
	comment.Property("ID", metadata.TypeInt64).Generated(metadata.GeneratedOnAdd).
		Accessor(metadata.Field(func(x *Comment) int64 { return x.ID }, func(x *Comment, v int64) { x.ID = v }))
	comment.Property("Body", metadata.TypeString).
		Accessor(metadata.Field(func(x *Comment) string { return x.Body }, func(x *Comment, v string) { x.Body = v }))
	comment.Property("PostID", metadata.TypeInt64).
		Accessor(metadata.Field(func(x *Comment) int64 { return x.PostID }, func(x *Comment, v int64) { x.PostID = v }))
	comment.HasOne("Post", "Post").WithMany("Comments").ForeignKey("PostID")

	sub := metadata.Entity[Subscription](b, "Subscription").Key("ID").
		Reference("Blog", metadata.Reference(func(x *Subscription) *Blog { return x.Blog }, func(x *Subscription, v *Blog) { x.Blog = v }))
	sub.Property("ID", metadata.TypeInt64).Generated(metadata.GeneratedOnAdd).
		Accessor(metadata.Field(func(x *Subscription) int64 { return x.ID }, func(x *Subscription, v int64) { x.ID = v }))
	sub.Property("Email", metadata.TypeString).
		Accessor(metadata.Field(func(x *Subscription) string { return x.Email }, func(x *Subscription, v string) { x.Email = v }))
	sub.Property("BlogID", metadata.TypeInt64).
		Accessor(metadata.Field(func(x *Subscription) int64 { return x.BlogID }, func(x *Subscription, v int64) { x.BlogID = v }))
	sub.HasOne("Blog", "Blog").WithMany("Subscriptions").ForeignKey("BlogID")

	account := metadata.Entity[Account](b, "Account").Key("ID").
		Collection("Invoices", metadata.Collection(func(x *Account) []*Invoice { return x.Invoices }, func(x *Account, v []*Invoice) { x.Invoices = v }))
	account.Property("ID", metadata.TypeInt64).Generated(metadata.GeneratedOnAdd).
		Accessor(metadata.Field(func(x *Account) int64 { return x.ID }, func(x *Account, v int64) { x.ID = v }))
	account.Property("Name", metadata.TypeString).
		Accessor(metadata.Field(func(x *Account) string { return x.Name }, func(x *Account, v string) { x.Name = v }))

	invoice := metadata.Entity[Invoice](b, "Invoice").Key("ID").
		Reference("Account", metadata.Reference(func(x *Invoice) *Account { return x.Account }, func(x *Invoice, v *Account) { x.Account = v }))
	invoice.Property("ID", metadata.TypeInt64).Generated(metadata.GeneratedOnAdd).
		Accessor(metadata.Field(func(x *Invoice) int64 { return x.ID }, func(x *Invoice, v int64) { x.ID = v }))
	invoice.Property("AccountID", metadata.TypeInt64).
		Accessor(metadata.Field(func(x *Invoice) int64 { return x.AccountID }, func(x *Invoice, v int64) { x.AccountID = v }))
	invoice.HasOne("Account", "Account").WithMany("Invoices").ForeignKey("AccountID").OnDelete(metadata.Restrict)
}

func people(b *metadata.Builder) {
	person := metadata.Entity[Person](b, "Person").Key("ID").
		Reference("Car", metadata.Reference(func(x *Person) *Car { return x.Car }, func(x *Person, v *Car) { x.Car = v }))
	person.Property("ID", metadata.TypeInt64).
		Accessor(metadata.Field(func(x *Person) int64 { return x.ID }, func(x *Person, v int64) { x.ID = v }))
	person.Property("Name", metadata.TypeString).
		Accessor(metadata.Field(func(x *Person) string { return x.Name }, func(x *Person, v string) { x.Name = v }))

	car := metadata.Entity[Car](b, "Car").Key("ID").
		Reference("Owner", metadata.Reference(func(x *Car) *Person { return x.Owner }, func(x *Car, v *Person) { x.Owner = v }))
	car.Property("ID", metadata.TypeInt64).
		Accessor(metadata.Field(func(x *Car) int64 { return x.ID }, func(x *Car, v int64) { x.ID = v }))
	car.Property("Model", metadata.TypeString).
		Accessor(metadata.Field(func(x *Car) string { return x.Model }, func(x *Car, v string) { x.Model = v }))
	car.Property("OwnerID", metadata.TypeInt64).Nullable().
		Accessor(metadata.NullableField(func(x *Car) *int64 { return x.OwnerID }, func(x *Car, v *int64) { x.OwnerID = v }))
	car.HasOne("Owner", "Person").WithOne("Car").ForeignKey("OwnerID")
}

func cycles(b *metadata.Builder) {
	ping := metadata.Entity[Ping](b, "Ping").Key("ID").
		Reference("Pong", metadata.Reference(func(x *Ping) *Pong { return x.Pong }, func(x *Ping, v *Pong) { x.Pong = v }))
	ping.Property("ID", metadata.TypeInt64).Generated(metadata.GeneratedOnAdd).
		Accessor(metadata.Field(func(x *Ping) int64 { return x.ID }, func(x *Ping, v int64) { x.ID = v }))
	ping.Property("PongID", metadata.TypeInt64).
		Accessor(metadata.Field(func(x *Ping) int64 { return x.PongID }, func(x *Ping, v int64) { x.PongID = v }))
	ping.HasOne("Pong", "Pong").ForeignKey("PongID")

	pong := metadata.Entity[Pong](b, "Pong").Key("ID").
		Reference("Ping", metadata.Reference(func(x *Pong) *Ping { return x.Ping }, func(x *Pong, v *Ping) { x.Ping = v }))
	pong.Property("ID", metadata.TypeInt64).Generated(metadata.GeneratedOnAdd).
		Accessor(metadata.Field(func(x *Pong) int64 { return x.ID }, func(x *Pong, v int64) { x.ID = v }))
	pong.Property("PingID", metadata.TypeInt64).
		Accessor(metadata.Field(func(x *Pong) int64 { return x.PingID }, func(x *Pong, v int64) { x.PingID = v }))
	pong.HasOne("Ping", "Ping").ForeignKey("PingID")
}

func trees(b *metadata.Builder) {
	node := metadata.Entity[Node](b, "Node").Key("ID").
		Reference("Parent", metadata.Reference(func(x *Node) *Node { return x.Parent }, func(x *Node, v *Node) { x.Parent = v })).
		Collection("Children", metadata.Collection(func(x *Node) []*Node { return x.Children }, func(x *Node, v []*Node) { x.Children = v }))
	node.Property("ID", metadata.TypeInt64).Generated(metadata.GeneratedOnAdd).
		Accessor(metadata.Field(func(x *Node) int64 { return x.ID }, func(x *Node, v int64) { x.ID = v }))
	node.Property("Name", metadata.TypeString).
		Accessor(metadata.Field(func(x *Node) string { return x.Name }, func(x *Node, v string) { x.Name = v }))
	node.Property("ParentID", metadata.TypeInt64).Nullable().
		Accessor(metadata.NullableField(func(x *Node) *int64 { return x.ParentID }, func(x *Node, v *int64) { x.ParentID = v }))
	node.HasOne("Parent", "Node").WithMany("Children").ForeignKey("ParentID")

	tree := metadata.Entity[Tree](b, "Tree").Key("ID").
		Collection("Branches", metadata.Collection(func(x *Tree) []*Branch { return x.Branches }, func(x *Tree, v []*Branch) { x.Branches = v }))
	tree.Property("ID", metadata.TypeInt64).
		Accessor(metadata.Field(func(x *Tree) int64 { return x.ID }, func(x *Tree, v int64) { x.ID = v }))

	branch := metadata.Entity[Branch](b, "Branch").Key("ID").
		Reference("Tree", metadata.Reference(func(x *Branch) *Tree { return x.Tree }, func(x *Branch, v *Tree) { x.Tree = v })).
		Reference("Origin", metadata.Reference(func(x *Branch) *Tree { return x.Origin }, func(x *Branch, v *Tree) { x.Origin = v }))
	branch.Property("ID", metadata.TypeInt64).
		Accessor(metadata.Field(func(x *Branch) int64 { return x.ID }, func(x *Branch, v int64) { x.ID = v }))
	branch.Property("TreeID", metadata.TypeInt64).Nullable().
		Accessor(metadata.NullableField(func(x *Branch) *int64 { return x.TreeID }, func(x *Branch, v *int64) { x.TreeID = v }))
	branch.HasOne("Tree", "Tree").WithMany("Branches").ForeignKey("TreeID")
	branch.HasOne("Origin", "Tree").ForeignKey("TreeID").Name("Branch.Origin")
}

func shared(b *metadata.Builder) {
	root := metadata.Entity[Root](b, "Root").Key("ID").
		Collection("Parents", metadata.Collection(func(x *Root) []*Parent { return x.Parents }, func(x *Root, v []*Parent) { x.Parents = v })).
		Collection("Dependants", metadata.Collection(func(x *Root) []*Dependant { return x.Dependants }, func(x *Root, v []*Dependant) { x.Dependants = v }))
	root.Property("ID", metadata.TypeInt64).
		Accessor(metadata.Field(func(x *Root) int64 { return x.ID }, func(x *Root, v int64) { x.ID = v }))

	parent := metadata.Entity[Parent](b, "Parent").Key("ID").
		Reference("Root", metadata.Reference(func(x *Parent) *Root { return x.Root }, func(x *Parent, v *Root) { x.Root = v })).
		Reference("Dependant", metadata.Reference(func(x *Parent) *Dependant { return x.Dependant }, func(x *Parent, v *Dependant) { x.Dependant = v }))
	parent.Property("ID", metadata.TypeInt64).
		Accessor(metadata.Field(func(x *Parent) int64 { return x.ID }, func(x *Parent, v int64) { x.ID = v }))
	parent.Property("RootID", metadata.TypeInt64).
		Accessor(metadata.Field(func(x *Parent) int64 { return x.RootID }, func(x *Parent, v int64) { x.RootID = v }))
	parent.Property("DependantID", metadata.TypeInt64).Nullable().
		Accessor(metadata.NullableField(func(x *Parent) *int64 { return x.DependantID }, func(x *Parent, v *int64) { x.DependantID = v }))
	parent.HasOne("Root", "Root").WithMany("Parents").ForeignKey("RootID")
	parent.HasOne("Dependant", "Dependant").WithOne("Parent").
		ForeignKey("RootID", "DependantID").PrincipalKey("RootID", "ID").Optional()

	dependant := metadata.Entity[Dependant](b, "Dependant").Key("ID").AlternateKey("RootID", "ID").
		Reference("Root", metadata.Reference(func(x *Dependant) *Root { return x.Root }, func(x *Dependant, v *Root) { x.Root = v })).
		Reference("Parent", metadata.Reference(func(x *Dependant) *Parent { return x.Parent }, func(x *Dependant, v *Parent) { x.Parent = v }))
	dependant.Property("ID", metadata.TypeInt64).
		Accessor(metadata.Field(func(x *Dependant) int64 { return x.ID }, func(x *Dependant, v int64) { x.ID = v }))
	dependant.Property("RootID", metadata.TypeInt64).
		Accessor(metadata.Field(func(x *Dependant) int64 { return x.RootID }, func(x *Dependant, v int64) { x.RootID = v }))
	dependant.HasOne("Root", "Root").WithMany("Dependants").ForeignKey("RootID")
}

func animals(b *metadata.Builder) {
	animal := metadata.Entity[Animal](b, "Animal").Key("ID").Discriminator("Kind").DiscriminatorValue("animal").
		Reference("Keeper", metadata.Reference(func(x *Animal) *Person { return x.Keeper }, func(x *Animal, v *Person) { x.Keeper = v }).Via(base))
	animal.Property("ID", metadata.TypeInt64).Generated(metadata.GeneratedOnAdd).
		Accessor(metadata.Field(func(x *Animal) int64 { return x.ID }, func(x *Animal, v int64) { x.ID = v }).Via(base))
	animal.Property("Kind", metadata.TypeString).
		Accessor(metadata.Field(func(x *Animal) string { return x.Kind }, func(x *Animal, v string) { x.Kind = v }).Via(base))
	animal.Property("Name", metadata.TypeString).
		Accessor(metadata.Field(func(x *Animal) string { return x.Name }, func(x *Animal, v string) { x.Name = v }).Via(base))
	animal.Property("KeeperID", metadata.TypeInt64).Nullable()
	animal.HasOne("Keeper", "Person").ForeignKey("KeeperID")

	dog := metadata.Entity[Dog](b, "Dog").Extends("Animal").DiscriminatorValue("dog")
	dog.Property("Breed", metadata.TypeString).
		Accessor(metadata.Field(func(x *Dog) string { return x.Breed }, func(x *Dog, v string) { x.Breed = v }))
	cat := metadata.Entity[Cat](b, "Cat").Extends("Animal").DiscriminatorValue("cat")
	cat.Property("Lives", metadata.TypeInt).
		Accessor(metadata.Field(func(x *Cat) int { return x.Lives }, func(x *Cat, v int) { x.Lives = v }))
}

// AnimalBase returns the embedded base of any animal.
func (a *Animal) AnimalBase() *Animal { return a }

func base(entity any) any {
	return entity.(interface{ AnimalBase() *Animal }).AnimalBase()
}

func gadgets(b *metadata.Builder) {
	gadget := metadata.Entity[Gadget](b, "Gadget").Key("ID")
	gadget.Property("ID", metadata.TypeUUID).ClientGenerated().
		Accessor(metadata.Field(func(x *Gadget) uuid.UUID { return x.ID }, func(x *Gadget, v uuid.UUID) { x.ID = v }))
	gadget.Property("Price", metadata.TypeDecimal).
		Accessor(metadata.Field(func(x *Gadget) decimal.Decimal { return x.Price }, func(x *Gadget, v decimal.Decimal) { x.Price = v }))
	gadget.Property("Specs", metadata.TypeJSON).Nullable().
		Accessor(metadata.Field(func(x *Gadget) map[string]any { return x.Specs }, func(x *Gadget, v map[string]any) { x.Specs = v }))
	gadget.Property("Blob", metadata.TypeBytes).Nullable().
		Accessor(metadata.Field(func(x *Gadget) []byte { return x.Blob }, func(x *Gadget, v []byte) { x.Blob = v }))
	gadget.Property("CheckedAt", metadata.TypeTime).
		Accessor(metadata.Field(func(x *Gadget) time.Time { return x.CheckedAt }, func(x *Gadget, v time.Time) { x.CheckedAt = v }))
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}
