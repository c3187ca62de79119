package sql

import (
	"slices"
	"strconv"
	"strings"

	"github.com/syssam/tether/dialect"
)

// Builder is the base of the statement builders. It writes dialect quoted
// identifiers and placeholders and collects the arguments.
type Builder struct {
	sb      strings.Builder
	dialect string
	args    []any
}

// Dialect returns a builder factory for the given dialect.
func Dialect(name string) *DialectBuilder {
	return &DialectBuilder{dialect: name}
}

// DialectBuilder creates statement builders of one dialect.
type DialectBuilder struct {
	dialect string
}

// Insert returns an INSERT builder for the table.
func (d *DialectBuilder) Insert(table string) *InsertBuilder {
	return &InsertBuilder{Builder: Builder{dialect: d.dialect}, table: table}
}

// Update returns an UPDATE builder for the table.
func (d *DialectBuilder) Update(table string) *UpdateBuilder {
	return &UpdateBuilder{Builder: Builder{dialect: d.dialect}, table: table}
}

// Delete returns a DELETE builder for the table.
func (d *DialectBuilder) Delete(table string) *DeleteBuilder {
	return &DeleteBuilder{Builder: Builder{dialect: d.dialect}, table: table}
}

// Quote quotes an identifier for the dialect of the builder.
func (b *Builder) Quote(ident string) string {
	quote := `"`
	if b.dialect == dialect.MySQL {
		quote = "`"
	}
	return quote + strings.ReplaceAll(ident, quote, quote+quote) + quote
}

// Ident writes a quoted identifier.
func (b *Builder) Ident(ident string) *Builder {
	b.sb.WriteString(b.Quote(ident))
	return b
}

// WriteString writes raw SQL.
func (b *Builder) WriteString(s string) *Builder {
	b.sb.WriteString(s)
	return b
}

// Arg writes a placeholder and records its argument.
func (b *Builder) Arg(v any) *Builder {
	b.args = append(b.args, v)
	if b.dialect == dialect.Postgres {
		b.sb.WriteString("$" + strconv.Itoa(len(b.args)))
	} else {
		b.sb.WriteByte('?')
	}
	return b
}

// Query returns the statement and its arguments.
func (b *Builder) Query() (string, []any) {
	return b.sb.String(), b.args
}

// cond is an equality condition of a WHERE clause.
type cond struct {
	column string
	value  any
}

func (b *Builder) where(conds []cond) {
	for i, c := range conds {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		b.Ident(c.column)
		if c.value == nil {
			b.WriteString(" IS NULL")
			continue
		}
		b.WriteString(" = ").Arg(c.value)
	}
}

func (b *Builder) returning(columns []string) {
	if len(columns) == 0 {
		return
	}
	b.WriteString(" RETURNING ")
	b.list(columns)
}

func (b *Builder) list(columns []string) {
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.Ident(c)
	}
}

// InsertBuilder builds an INSERT statement.
type InsertBuilder struct {
	Builder
	table     string
	columns   []string
	values    []any
	returning []string
}

// Set adds a column value.
func (i *InsertBuilder) Set(column string, v any) *InsertBuilder {
	i.columns = append(i.columns, column)
	i.values = append(i.values, v)
	return i
}

// Returning sets the columns returned by the statement.
func (i *InsertBuilder) Returning(columns ...string) *InsertBuilder {
	i.returning = columns
	return i
}

// Query returns the statement and its arguments. An insert without
// columns writes the default values of the dialect.
func (i *InsertBuilder) Query() (string, []any) {
	i.WriteString("INSERT INTO ").Ident(i.table)
	switch {
	case len(i.columns) > 0:
		i.WriteString(" (")
		i.list(i.columns)
		i.WriteString(") VALUES (")
		for n, v := range i.values {
			if n > 0 {
				i.WriteString(", ")
			}
			i.Arg(v)
		}
		i.WriteString(")")
	case i.dialect == dialect.MySQL:
		i.WriteString(" VALUES ()")
	default:
		i.WriteString(" DEFAULT VALUES")
	}
	i.Builder.returning(i.returning)
	return i.Builder.Query()
}

// UpdateBuilder builds an UPDATE statement.
type UpdateBuilder struct {
	Builder
	table     string
	columns   []string
	values    []any
	exprs     []int
	conds     []cond
	returning []string
}

// Set adds a column value.
func (u *UpdateBuilder) Set(column string, v any) *UpdateBuilder {
	u.columns = append(u.columns, column)
	u.values = append(u.values, v)
	return u
}

// SetExpr sets a column to a raw SQL expression.
func (u *UpdateBuilder) SetExpr(column, expr string) *UpdateBuilder {
	u.columns = append(u.columns, column)
	u.values = append(u.values, expr)
	u.exprs = append(u.exprs, len(u.columns)-1)
	return u
}

// Where adds an equality condition. A nil value matches NULL.
func (u *UpdateBuilder) Where(column string, v any) *UpdateBuilder {
	u.conds = append(u.conds, cond{column: column, value: v})
	return u
}

// Returning sets the columns returned by the statement.
func (u *UpdateBuilder) Returning(columns ...string) *UpdateBuilder {
	u.returning = columns
	return u
}

// Query returns the statement and its arguments.
func (u *UpdateBuilder) Query() (string, []any) {
	u.WriteString("UPDATE ").Ident(u.table).WriteString(" SET ")
	for n, c := range u.columns {
		if n > 0 {
			u.WriteString(", ")
		}
		u.Ident(c).WriteString(" = ")
		if slices.Contains(u.exprs, n) {
			u.WriteString(u.values[n].(string))
			continue
		}
		u.Arg(u.values[n])
	}
	u.where(u.conds)
	u.Builder.returning(u.returning)
	return u.Builder.Query()
}

// DeleteBuilder builds a DELETE statement.
type DeleteBuilder struct {
	Builder
	table string
	conds []cond
}

// Where adds an equality condition. A nil value matches NULL.
func (d *DeleteBuilder) Where(column string, v any) *DeleteBuilder {
	d.conds = append(d.conds, cond{column: column, value: v})
	return d
}

// Query returns the statement and its arguments.
func (d *DeleteBuilder) Query() (string, []any) {
	d.WriteString("DELETE FROM ").Ident(d.table)
	d.where(d.conds)
	return d.Builder.Query()
}

// Select returns a SELECT builder for the columns.
func (d *DialectBuilder) Select(columns ...string) *SelectBuilder {
	return &SelectBuilder{Builder: Builder{dialect: d.dialect}, columns: columns}
}

// SelectBuilder builds a single-table SELECT statement.
type SelectBuilder struct {
	Builder
	table   string
	columns []string
	conds   []cond
}

// From sets the table.
func (s *SelectBuilder) From(table string) *SelectBuilder {
	s.table = table
	return s
}

// Where adds an equality condition. A nil value matches NULL.
func (s *SelectBuilder) Where(column string, v any) *SelectBuilder {
	s.conds = append(s.conds, cond{column: column, value: v})
	return s
}

// Query returns the statement and its arguments.
func (s *SelectBuilder) Query() (string, []any) {
	s.WriteString("SELECT ")
	s.list(s.columns)
	s.WriteString(" FROM ").Ident(s.table)
	s.where(s.conds)
	return s.Builder.Query()
}
