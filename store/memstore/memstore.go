// Package memstore implements an in-memory, transactional store. It keeps
// one table per entity hierarchy and enforces keys, unique foreign keys,
// foreign key existence and optimistic concurrency the way a relational
// database would, which makes it the reference backend for tests.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syssam/tether"
	"github.com/syssam/tether/metadata"
	"github.com/syssam/tether/store"
)

type (
	// Store is an in-memory store. It is safe for concurrent use; a
	// transaction holds the store exclusively until it ends.
	Store struct {
		txMu sync.Mutex // held by an open transaction
		mu   sync.Mutex // guards the fields below
		data
		fail  func(store.Operation) error
		calls int
		now   func() time.Time
	}

	data struct {
		tables map[string][]*row
		seq    map[string]int64
	}

	row struct {
		typ    *metadata.EntityType
		values map[string]any
	}

	// Row is a copy of a stored row.
	Row struct {
		Type   *metadata.EntityType
		Values map[string]any
	}

	// Option configures a Store.
	Option func(*Store)
)

var (
	_ store.Transactional = (*Store)(nil)
	_ store.Tx            = (*tx)(nil)
)

// WithFailure makes Persist fail on the first operation for which fn
// returns an error. Operations before it in the batch are applied.
func WithFailure(fn func(store.Operation) error) Option {
	return func(s *Store) {
		s.fail = fn
	}
}

// WithClock sets the clock used for generated time values.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		data: data{tables: make(map[string][]*row), seq: make(map[string]int64)},
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailWhen replaces the failure hook. A nil fn disables injection.
func (s *Store) FailWhen(fn func(store.Operation) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fn
}

// Calls returns the number of Persist calls, including those made
// through transactions.
func (s *Store) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Seed stores rows without running any check and bumps the key sequences
// past their keys. Values are keyed by property name.
func (s *Store) Seed(t *metadata.EntityType, rows ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table := store.TableName(t)
	for _, values := range rows {
		r := &row{typ: t, values: make(map[string]any, len(values))}
		for name, v := range values {
			r.values[name] = v
		}
		s.tables[table] = append(s.tables[table], r)
		s.bump(t, r)
	}
}

// Rows returns copies of the rows of the hierarchy of the named type, in
// insertion order. Derived rows are included.
func (s *Store) Rows(t *metadata.EntityType) []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.tables[store.TableName(t)]
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if !t.IsAssignableFrom(r.typ) {
			continue
		}
		out = append(out, Row{Type: r.typ, Values: r.copyValues()})
	}
	return out
}

// Persist applies ops in order. Deferred foreign keys are checked once the
// whole batch is applied; a failure there undoes the batch.
func (s *Store) Persist(ctx context.Context, ops []store.Operation) ([]store.Result, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	saved := s.data.clone()
	results, err := s.apply(ctx, ops)
	if err == nil {
		err = s.checkDeferred()
		if err != nil {
			s.data = saved
			results = nil
		}
	}
	return results, err
}

// Begin starts a transaction. It blocks while another transaction is open.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.txMu.Lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return &tx{s: s, saved: s.data.clone()}, nil
}

type tx struct {
	s     *Store
	saved data
	done  bool
}

func (t *tx) Persist(ctx context.Context, ops []store.Operation) ([]store.Result, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.done {
		return nil, fmt.Errorf("memstore: transaction already finished")
	}
	t.s.calls++
	return t.s.apply(ctx, ops)
}

func (t *tx) Commit() error {
	t.s.mu.Lock()
	if t.done {
		t.s.mu.Unlock()
		return fmt.Errorf("memstore: transaction already finished")
	}
	t.done = true
	err := t.s.checkDeferred()
	if err != nil {
		t.s.data = t.saved
	}
	t.s.mu.Unlock()
	t.s.txMu.Unlock()
	return err
}

func (t *tx) Rollback() error {
	t.s.mu.Lock()
	if t.done {
		t.s.mu.Unlock()
		return nil
	}
	t.done = true
	t.s.data = t.saved
	t.s.mu.Unlock()
	t.s.txMu.Unlock()
	return nil
}

func (d data) clone() data {
	c := data{tables: make(map[string][]*row, len(d.tables)), seq: make(map[string]int64, len(d.seq))}
	for name, rows := range d.tables {
		cp := make([]*row, len(rows))
		for i, r := range rows {
			cp[i] = &row{typ: r.typ, values: r.copyValues()}
		}
		c.tables[name] = cp
	}
	for name, n := range d.seq {
		c.seq[name] = n
	}
	return c
}

func (r *row) copyValues() map[string]any {
	m := make(map[string]any, len(r.values))
	for k, v := range r.values {
		m[k] = v
	}
	return m
}

func (s *Store) apply(ctx context.Context, ops []store.Operation) ([]store.Result, error) {
	results := make([]store.Result, 0, len(ops))
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if s.fail != nil {
			if err := s.fail(op); err != nil {
				return results, err
			}
		}
		var (
			res store.Result
			err error
		)
		switch op.Kind {
		case store.Insert:
			res, err = s.insert(op)
		case store.Update:
			res, err = s.update(op)
		case store.Delete:
			res, err = s.delete(op)
		default:
			err = fmt.Errorf("memstore: unknown operation kind %v", op.Kind)
		}
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *Store) insert(op store.Operation) (store.Result, error) {
	table := store.TableName(op.Type)
	r := &row{typ: op.Type, values: make(map[string]any, len(op.Values)+len(op.Generated))}
	for _, v := range op.Values {
		r.values[v.Property.Name] = v.Value
	}
	res := store.Result{RowsAffected: 1}
	for _, p := range op.Generated {
		v := s.generate(table, p, nil)
		r.values[p.Name] = v
		res.Generated = append(res.Generated, v)
	}
	if err := s.checkKeys(r, nil); err != nil {
		return store.Result{}, err
	}
	if err := s.checkReferences(r, false); err != nil {
		return store.Result{}, err
	}
	s.tables[table] = append(s.tables[table], r)
	s.bump(op.Type, r)
	return res, nil
}

func (s *Store) update(op store.Operation) (store.Result, error) {
	table := store.TableName(op.Type)
	r := s.find(table, op.Conditions)
	if r == nil {
		return store.Result{}, nil
	}
	next := &row{typ: r.typ, values: r.copyValues()}
	for _, v := range op.Values {
		next.values[v.Property.Name] = v.Value
	}
	res := store.Result{RowsAffected: 1}
	for _, p := range op.Generated {
		v := s.generate(table, p, next.values[p.Name])
		next.values[p.Name] = v
		res.Generated = append(res.Generated, v)
	}
	if err := s.checkKeys(next, r); err != nil {
		return store.Result{}, err
	}
	if err := s.checkReferences(next, false); err != nil {
		return store.Result{}, err
	}
	r.values = next.values
	return res, nil
}

func (s *Store) delete(op store.Operation) (store.Result, error) {
	table := store.TableName(op.Type)
	r := s.find(table, op.Conditions)
	if r == nil {
		return store.Result{}, nil
	}
	if err := s.remove(table, r); err != nil {
		return store.Result{}, err
	}
	return store.Result{RowsAffected: 1}, nil
}

// remove deletes r after cascading or rejecting the rows referencing it.
func (s *Store) remove(table string, r *row) error {
	var cascade []*row
	for _, fk := range r.typ.ReferencingForeignKeys() {
		key := values(r, fk.PrincipalKey.Properties)
		for _, d := range s.referencing(fk, key) {
			switch {
			case d == r || fk.Deferred:
			case fk.StoreCascade:
				cascade = append(cascade, d)
			default:
				return tether.NewConstraintViolationError(fk.String(),
					fmt.Sprintf("%s is still referenced by %s", describe(r), describe(d)), nil)
			}
		}
	}
	s.tables[table] = slices.DeleteFunc(s.tables[table], func(x *row) bool { return x == r })
	for _, d := range cascade {
		dt := store.TableName(d.typ)
		if !slices.Contains(s.tables[dt], d) {
			continue
		}
		if err := s.remove(dt, d); err != nil {
			return err
		}
	}
	return nil
}

// referencing returns the rows whose foreign key fk holds key.
func (s *Store) referencing(fk *metadata.ForeignKey, key []any) []*row {
	var out []*row
	for _, d := range s.tables[store.TableName(fk.DeclaringType)] {
		if fk.DeclaringType.IsAssignableFrom(d.typ) && match(fk.Properties, values(d, fk.Properties), key) {
			out = append(out, d)
		}
	}
	return out
}

func (s *Store) find(table string, conds []store.Value) *row {
	for _, r := range s.tables[table] {
		ok := true
		for _, c := range conds {
			if !c.Property.Comparer.Equals(r.values[c.Property.Name], c.Value) {
				ok = false
				break
			}
		}
		if ok {
			return r
		}
	}
	return nil
}

// checkKeys rejects r when it collides with another row on a key or a
// unique foreign key. old is the row r replaces, if any.
func (s *Store) checkKeys(r, old *row) error {
	table := store.TableName(r.typ)
	rows := s.tables[table]
	for _, k := range r.typ.Keys() {
		key := values(r, k.Properties)
		if slices.Contains(key, nil) {
			return tether.NewConstraintViolationError(keyName(table, k),
				fmt.Sprintf("null value in key of %s", describe(r)), nil)
		}
		for _, other := range rows {
			if other != old && match(k.Properties, values(other, k.Properties), key) {
				return tether.NewConstraintViolationError(keyName(table, k),
					fmt.Sprintf("duplicate key %s", formatValues(k.Properties, key)), nil)
			}
		}
	}
	for _, fk := range r.typ.ForeignKeys() {
		if !fk.Unique {
			continue
		}
		key := values(r, fk.Properties)
		if slices.Contains(key, nil) {
			continue
		}
		for _, other := range s.referencing(fk, key) {
			if other != old {
				return tether.NewConstraintViolationError(fk.String(),
					fmt.Sprintf("duplicate value %s", formatValues(fk.Properties, key)), nil)
			}
		}
	}
	return nil
}

// checkReferences rejects r when a foreign key points at a missing row.
// Deferred foreign keys are checked only when deferred is set.
func (s *Store) checkReferences(r *row, deferred bool) error {
	for _, fk := range r.typ.ForeignKeys() {
		if fk.Deferred != deferred {
			continue
		}
		key := values(r, fk.Properties)
		if slices.Contains(key, nil) {
			continue
		}
		if !s.exists(fk, key) {
			return tether.NewConstraintViolationError(fk.String(),
				fmt.Sprintf("%s references missing %s%s", describe(r), fk.PrincipalType.Name,
					formatValues(fk.PrincipalKey.Properties, key)), nil)
		}
	}
	return nil
}

func (s *Store) exists(fk *metadata.ForeignKey, key []any) bool {
	for _, p := range s.tables[store.TableName(fk.PrincipalType)] {
		if fk.PrincipalType.IsAssignableFrom(p.typ) && match(fk.PrincipalKey.Properties, values(p, fk.PrincipalKey.Properties), key) {
			return true
		}
	}
	return false
}

func (s *Store) checkDeferred() error {
	for _, rows := range s.tables {
		for _, r := range rows {
			if err := s.checkReferences(r, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// generate produces a store value for p. cur is the value being replaced
// by an update.
func (s *Store) generate(table string, p *metadata.Property, cur any) any {
	switch {
	case p.Type.Integer() && p.ValueGenerated == metadata.GeneratedOnAddOrUpdate:
		var n int64
		switch v := cur.(type) {
		case int:
			n = int64(v)
		case int64:
			n = v
		}
		return intOf(p.Type, n+1)
	case p.Type.Integer():
		s.seq[table]++
		return intOf(p.Type, s.seq[table])
	case p.Type == metadata.TypeUUID:
		return uuid.New()
	case p.Type == metadata.TypeString:
		return uuid.NewString()
	case p.Type == metadata.TypeTime:
		return s.now().UTC()
	}
	return p.Type.Zero()
}

// bump moves the sequence of the table past the integer primary key of r.
func (s *Store) bump(t *metadata.EntityType, r *row) {
	pk := t.PrimaryKey().Properties
	if len(pk) != 1 || !pk[0].Type.Integer() {
		return
	}
	var n int64
	switch v := r.values[pk[0].Name].(type) {
	case int:
		n = int64(v)
	case int64:
		n = v
	}
	table := store.TableName(t)
	s.seq[table] = max(s.seq[table], n)
}

func intOf(t metadata.Type, n int64) any {
	if t == metadata.TypeInt {
		return int(n)
	}
	return n
}

func values(r *row, props []*metadata.Property) []any {
	out := make([]any, len(props))
	for i, p := range props {
		out[i] = r.values[p.Name]
	}
	return out
}

func match(props []*metadata.Property, a, b []any) bool {
	for i, p := range props {
		if a[i] == nil || !p.Comparer.Equals(a[i], b[i]) {
			return false
		}
	}
	return true
}

func keyName(table string, k *metadata.Key) string {
	if k.Primary {
		return table + "_pkey"
	}
	names := make([]string, len(k.Properties))
	for i, p := range k.Properties {
		names[i] = p.Name
	}
	return table + "_" + strings.Join(names, "_") + "_key"
}

func describe(r *row) string {
	return r.typ.Name + formatValues(r.typ.PrimaryKey().Properties, values(r, r.typ.PrimaryKey().Properties))
}

func formatValues(props []*metadata.Property, vs []any) string {
	parts := make([]string, len(props))
	for i, p := range props {
		parts[i] = fmt.Sprintf("%s=%v", p.Name, vs[i])
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
