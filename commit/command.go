// Package commit turns the pending entries of a state manager into an
// ordered, batched list of store commands. Principals are inserted before
// their dependents, dependents are deleted or moved away before their
// principals are deleted, and a unique foreign key value is released before
// another row takes it.
package commit

import (
	"strings"

	"github.com/syssam/tether/metadata"
	"github.com/syssam/tether/store"
	"github.com/syssam/tether/tracking"
)

// Command is the store operation planned for one entry.
type Command struct {
	Kind  store.Kind
	Entry *tracking.Entry
	// Columns are written by inserts and updates, in property order.
	Columns []*metadata.Property
	// Conditions identify the affected row by original values.
	Conditions []*metadata.Property
	// Generated are read back from the store.
	Generated []*metadata.Property
	// Inputs are columns holding temporary values that another command of
	// the plan produces.
	Inputs []Input

	node *node
}

// Input names the command and property whose store value replaces a
// temporary column value.
type Input struct {
	Property *metadata.Property
	From     *Command
	Source   *metadata.Property
}

// newCommand plans the command of e, or returns nil when e needs none.
func newCommand(e *tracking.Entry) *Command {
	c := &Command{Entry: e}
	typ := e.EntityType()
	switch e.State() {
	case tracking.Added:
		c.Kind = store.Insert
		for _, p := range typ.Properties() {
			if p.Generated() && (e.IsTemporary(p) || p.IsDefault(e.CurrentValue(p))) {
				c.Generated = append(c.Generated, p)
				continue
			}
			c.Columns = append(c.Columns, p)
		}
	case tracking.Modified:
		c.Kind = store.Update
		for _, p := range e.ModifiedProperties() {
			if p.IsKey() || p.ValueGenerated == metadata.GeneratedOnAddOrUpdate {
				continue
			}
			c.Columns = append(c.Columns, p)
		}
		if len(c.Columns) == 0 {
			return nil
		}
		for _, p := range typ.Properties() {
			if p.ValueGenerated == metadata.GeneratedOnAddOrUpdate && !p.ClientGenerated {
				c.Generated = append(c.Generated, p)
			}
		}
		c.Conditions = conditions(typ)
	case tracking.Deleted:
		c.Kind = store.Delete
		c.Conditions = conditions(typ)
	default:
		return nil
	}
	return c
}

// conditions returns the primary key followed by the concurrency tokens.
func conditions(typ *metadata.EntityType) []*metadata.Property {
	props := append([]*metadata.Property(nil), typ.PrimaryKey().Properties...)
	for _, p := range typ.Properties() {
		if p.ConcurrencyToken && !p.IsPrimaryKey() {
			props = append(props, p)
		}
	}
	return props
}

// writes reports whether c writes p.
func (c *Command) writes(p *metadata.Property) bool {
	for _, col := range c.Columns {
		if col == p {
			return true
		}
	}
	return false
}

// generates reports whether c reads p back from the store.
func (c *Command) generates(p *metadata.Property) bool {
	for _, g := range c.Generated {
		if g == p {
			return true
		}
	}
	return false
}

// Operation builds the store operation of c. Temporary column values are
// replaced through resolve, which returns the store value an earlier
// command produced.
func (c *Command) Operation(resolve func(Input) (any, bool)) store.Operation {
	e := c.Entry
	op := store.Operation{
		Type:      e.EntityType(),
		Kind:      c.Kind,
		Generated: c.Generated,
	}
	for _, p := range c.Columns {
		v := e.CurrentValue(p)
		for _, in := range c.Inputs {
			if in.Property != p {
				continue
			}
			if rv, ok := resolve(in); ok {
				v = rv
			}
		}
		op.Values = append(op.Values, store.Value{Property: p, Value: v})
	}
	for _, p := range c.Conditions {
		op.Conditions = append(op.Conditions, store.Value{Property: p, Value: e.OriginalValue(p)})
	}
	return op
}

// String returns "insert Post{-2} (BlogID, Title) returning (ID, Version)".
func (c *Command) String() string {
	var b strings.Builder
	b.WriteString(c.Kind.String())
	b.WriteByte(' ')
	b.WriteString(c.Entry.String())
	if len(c.Columns) > 0 {
		b.WriteString(" set (" + names(c.Columns) + ")")
	}
	if len(c.Conditions) > 0 {
		b.WriteString(" where (" + names(c.Conditions) + ")")
	}
	if len(c.Generated) > 0 {
		b.WriteString(" returning (" + names(c.Generated) + ")")
	}
	return b.String()
}

func names(props []*metadata.Property) string {
	out := make([]string, len(props))
	for i, p := range props {
		out[i] = p.Name
	}
	return strings.Join(out, ", ")
}
