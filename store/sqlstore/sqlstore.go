// Package sqlstore persists store operations to a SQL database through a
// dialect.Driver. Tables and columns default to the snake_case names of
// the model; generated values are read back with RETURNING where the
// dialect supports it, and through LastInsertId plus a follow-up SELECT on
// MySQL.
package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/syssam/tether/dialect"
	"github.com/syssam/tether/dialect/sql"
	"github.com/syssam/tether/metadata"
	"github.com/syssam/tether/store"
)

type (
	// Store is a store.Transactional backed by a SQL database.
	Store struct {
		config
		drv dialect.Driver
	}

	config struct {
		dialect string
		logger  *slog.Logger
		table   func(*metadata.EntityType) string
		column  func(*metadata.Property) string
	}

	// Option configures a Store.
	Option func(*config)
)

var _ store.Transactional = (*Store)(nil)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTableNamer overrides the table naming of entity types.
func WithTableNamer(fn func(*metadata.EntityType) string) Option {
	return func(c *config) {
		if fn != nil {
			c.table = fn
		}
	}
}

// WithColumnNamer overrides the column naming of properties.
func WithColumnNamer(fn func(*metadata.Property) string) Option {
	return func(c *config) {
		if fn != nil {
			c.column = fn
		}
	}
}

// New returns a store running its statements on drv.
func New(drv dialect.Driver, opts ...Option) *Store {
	c := config{
		dialect: drv.Dialect(),
		logger:  slog.Default(),
		table:   TableName,
		column:  ColumnName,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return &Store{config: c, drv: drv}
}

// Persist runs ops outside a transaction.
func (s *Store) Persist(ctx context.Context, ops []store.Operation) ([]store.Result, error) {
	return s.persist(ctx, s.drv, ops)
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.drv.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: begin: %w", err)
	}
	return &Tx{config: s.config, tx: tx}, nil
}

// Tx is a store transaction.
type Tx struct {
	config
	tx dialect.Tx
}

// Persist runs ops inside the transaction.
func (t *Tx) Persist(ctx context.Context, ops []store.Operation) ([]store.Result, error) {
	return t.persist(ctx, t.tx, ops)
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return sql.ConstraintError(fmt.Errorf("sqlstore: commit: %w", err), "")
	}
	return nil
}

// Rollback rolls the transaction back.
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

func (c *config) persist(ctx context.Context, ex dialect.ExecQuerier, ops []store.Operation) ([]store.Result, error) {
	results := make([]store.Result, 0, len(ops))
	for _, op := range ops {
		var (
			res store.Result
			err error
		)
		switch op.Kind {
		case store.Insert:
			res, err = c.insert(ctx, ex, op)
		case store.Update:
			res, err = c.update(ctx, ex, op)
		case store.Delete:
			res, err = c.delete(ctx, ex, op)
		default:
			err = fmt.Errorf("sqlstore: unknown operation kind %v", op.Kind)
		}
		if err != nil {
			c.logger.DebugContext(ctx, "sqlstore: operation failed", "op", op.String(), "error", err)
			return results, sql.ConstraintError(err, c.table(op.Type))
		}
		results = append(results, res)
	}
	return results, nil
}

func (c *config) insert(ctx context.Context, ex dialect.ExecQuerier, op store.Operation) (store.Result, error) {
	b := sql.Dialect(c.dialect).Insert(c.table(op.Type))
	for _, v := range op.Values {
		arg, err := c.arg(v)
		if err != nil {
			return store.Result{}, err
		}
		b.Set(c.column(v.Property), arg)
	}
	if dialect.SupportsReturning(c.dialect) && len(op.Generated) > 0 {
		b.Returning(c.columns(op.Generated)...)
		query, args := b.Query()
		return c.queryGenerated(ctx, ex, query, args, op.Generated)
	}
	query, args := b.Query()
	var r sql.Result
	if err := ex.Exec(ctx, query, args, &r); err != nil {
		return store.Result{}, err
	}
	n, err := r.RowsAffected()
	if err != nil {
		return store.Result{}, err
	}
	res := store.Result{RowsAffected: n}
	if len(op.Generated) == 0 {
		return res, nil
	}
	// Read the auto-increment key from the result and any other generated
	// column by key.
	key := make(map[*metadata.Property]any)
	for _, v := range op.Values {
		key[v.Property] = v.Value
	}
	for _, p := range op.Type.PrimaryKey().Properties {
		if _, ok := key[p]; ok || !p.Type.Integer() {
			continue
		}
		id, err := r.LastInsertId()
		if err != nil {
			return store.Result{}, err
		}
		key[p], _ = metadata.Coerce(p.Type, id)
	}
	for _, p := range op.Generated {
		v, ok := key[p]
		if !ok {
			res.Generated, err = c.selectGenerated(ctx, ex, op.Type, key, op.Generated)
			return res, err
		}
		res.Generated = append(res.Generated, v)
	}
	return res, nil
}

func (c *config) update(ctx context.Context, ex dialect.ExecQuerier, op store.Operation) (store.Result, error) {
	b := sql.Dialect(c.dialect).Update(c.table(op.Type))
	for _, v := range op.Values {
		arg, err := c.arg(v)
		if err != nil {
			return store.Result{}, err
		}
		b.Set(c.column(v.Property), arg)
	}
	// Store-maintained tokens without a database default are bumped here.
	for _, p := range op.Generated {
		if p.ConcurrencyToken && p.Type.Integer() {
			col := c.column(p)
			b.SetExpr(col, b.Quote(col)+" + 1")
		}
	}
	if err := where(c, op.Conditions, b.Where); err != nil {
		return store.Result{}, err
	}
	if dialect.SupportsReturning(c.dialect) && len(op.Generated) > 0 {
		b.Returning(c.columns(op.Generated)...)
		query, args := b.Query()
		return c.queryGenerated(ctx, ex, query, args, op.Generated)
	}
	query, args := b.Query()
	res, err := c.exec(ctx, ex, query, args)
	if err != nil || res.RowsAffected != 1 || len(op.Generated) == 0 {
		return res, err
	}
	key := make(map[*metadata.Property]any)
	for _, v := range op.Conditions {
		if v.Property.IsPrimaryKey() {
			key[v.Property] = v.Value
		}
	}
	res.Generated, err = c.selectGenerated(ctx, ex, op.Type, key, op.Generated)
	return res, err
}

func (c *config) delete(ctx context.Context, ex dialect.ExecQuerier, op store.Operation) (store.Result, error) {
	b := sql.Dialect(c.dialect).Delete(c.table(op.Type))
	if err := where(c, op.Conditions, b.Where); err != nil {
		return store.Result{}, err
	}
	query, args := b.Query()
	return c.exec(ctx, ex, query, args)
}

func where[B any](c *config, conds []store.Value, fn func(string, any) B) error {
	for _, v := range conds {
		arg, err := c.arg(v)
		if err != nil {
			return err
		}
		fn(c.column(v.Property), arg)
	}
	return nil
}

func (c *config) exec(ctx context.Context, ex dialect.ExecQuerier, query string, args []any) (store.Result, error) {
	var r sql.Result
	if err := ex.Exec(ctx, query, args, &r); err != nil {
		return store.Result{}, err
	}
	n, err := r.RowsAffected()
	if err != nil {
		return store.Result{}, err
	}
	return store.Result{RowsAffected: n}, nil
}

// queryGenerated runs a statement with a RETURNING clause. Each returned
// row counts as an affected row.
func (c *config) queryGenerated(ctx context.Context, ex dialect.ExecQuerier, query string, args []any, props []*metadata.Property) (store.Result, error) {
	rows := &sql.Rows{}
	if err := ex.Query(ctx, query, args, rows); err != nil {
		return store.Result{}, err
	}
	defer rows.Close()
	var res store.Result
	for rows.Next() {
		values, err := scan(rows, props)
		if err != nil {
			return store.Result{}, err
		}
		res.RowsAffected++
		res.Generated = values
	}
	return res, rows.Err()
}

func (c *config) selectGenerated(ctx context.Context, ex dialect.ExecQuerier, t *metadata.EntityType, key map[*metadata.Property]any, props []*metadata.Property) ([]any, error) {
	b := sql.Dialect(c.dialect).Select(c.columns(props)...).From(c.table(t))
	for _, p := range t.PrimaryKey().Properties {
		v, ok := key[p]
		if !ok {
			return nil, fmt.Errorf("sqlstore: %s: key %s is unknown after insert", t.Name, p.Name)
		}
		b.Where(c.column(p), v)
	}
	query, args := b.Query()
	rows := &sql.Rows{}
	if err := ex.Query(ctx, query, args, rows); err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("sqlstore: %s: row not found after write", t.Name)
	}
	return scan(rows, props)
}

func scan(rows *sql.Rows, props []*metadata.Property) ([]any, error) {
	dest := make([]any, len(props))
	ptrs := make([]any, len(props))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("sqlstore: scan: %w", err)
	}
	for i, p := range props {
		v, err := decode(p, dest[i])
		if err != nil {
			return nil, fmt.Errorf("sqlstore: decode %s: %w", p, err)
		}
		dest[i] = v
	}
	return dest, nil
}

func (c *config) columns(props []*metadata.Property) []string {
	out := make([]string, len(props))
	for i, p := range props {
		out[i] = c.column(p)
	}
	return out
}

// arg converts a property value into a driver argument. JSON values are
// encoded as text; everything else is passed to the driver as is.
func (c *config) arg(v store.Value) (any, error) {
	if v.Value == nil || v.Property.Type != metadata.TypeJSON {
		return v.Value, nil
	}
	buf, err := json.Marshal(v.Value)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: encode %s: %w", v.Property, err)
	}
	return string(buf), nil
}

func decode(p *metadata.Property, v any) (any, error) {
	if p.Type != metadata.TypeJSON || v == nil {
		return metadata.Coerce(p.Type, v)
	}
	var (
		out any
		buf []byte
	)
	switch v := v.(type) {
	case []byte:
		buf = v
	case string:
		buf = []byte(v)
	default:
		return v, nil
	}
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, err
	}
	return out, nil
}
