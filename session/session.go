// Package session implements the unit of work on top of the tracking,
// commit and store packages. A Session tracks entity graphs and saves their
// changes: it detects changes, validates relationships, orders the pending
// entries into batches, sends them to the store and finally reconciles the
// tracked state with the values the store generated.
//
// A Session is not safe for concurrent use. Independent sessions share
// nothing but the immutable model and may run in parallel.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/syssam/tether"
	"github.com/syssam/tether/commit"
	"github.com/syssam/tether/metadata"
	"github.com/syssam/tether/store"
	"github.com/syssam/tether/tracking"
)

// Session is a unit of work over one model and one store.
type Session struct {
	config
	model    *metadata.Model
	store    store.Store
	sm       *tracking.StateManager
	resolver *commit.Resolver
	saving   bool
}

// New returns an empty session saving to st.
func New(m *metadata.Model, st store.Store, opts ...Option) *Session {
	c := defaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	return &Session{
		config: c,
		model:  m,
		store:  st,
		sm: tracking.NewStateManager(m,
			tracking.WithLogger(c.logger),
			tracking.WithMaxFixupIterations(c.maxFixupIterations),
		),
		resolver: commit.NewResolver(
			commit.WithLogger(c.logger),
			commit.WithMaxBatchSize(c.maxBatchSize),
		),
	}
}

// Model returns the model of the session.
func (s *Session) Model() *metadata.Model { return s.model }

// StateManager returns the state manager holding the tracked entries.
func (s *Session) StateManager() *tracking.StateManager { return s.sm }

// Add tracks the graph reachable from entity. New entities become Added.
func (s *Session) Add(entity any) (*tracking.Entry, error) {
	return s.sm.Add(entity)
}

// Attach tracks the graph reachable from entity as already stored.
// Entities with a temporary or unset generated key become Added.
func (s *Session) Attach(entity any) (*tracking.Entry, error) {
	return s.sm.Attach(entity)
}

// Update tracks the graph reachable from entity with every property of
// stored entities marked modified.
func (s *Session) Update(entity any) (*tracking.Entry, error) {
	return s.sm.Update(entity)
}

// Remove marks entity Deleted and applies the delete behavior of its
// relationships to tracked dependents.
func (s *Session) Remove(entity any) (*tracking.Entry, error) {
	return s.sm.Remove(entity)
}

// Detach stops tracking entity.
func (s *Session) Detach(entity any) {
	s.sm.Detach(entity)
}

// Entry returns the entry tracking entity.
func (s *Session) Entry(entity any) (*tracking.Entry, bool) {
	return s.sm.Entry(entity)
}

// Entries returns the tracked entries in discovery order.
func (s *Session) Entries() []*tracking.Entry {
	return s.sm.Entries()
}

// Find returns the tracked entry of the named type with the given key.
func (s *Session) Find(typeName string, key ...any) (*tracking.Entry, bool) {
	typ, ok := s.model.FindEntityType(typeName)
	if !ok {
		return nil, false
	}
	return s.sm.Find(typ, key...)
}

// Materialize tracks a row read from the store as Unchanged. When an
// entity with the same key is already tracked, its entry is returned and
// the row is ignored.
func (s *Session) Materialize(typeName string, values map[string]any) (*tracking.Entry, error) {
	typ, ok := s.model.FindEntityType(typeName)
	if !ok {
		return nil, tether.NewInvalidOperationError(typeName, "unknown entity type")
	}
	return s.sm.Materialize(typ, values)
}

// DetectChanges compares tracked entities with their snapshots and fixes
// up relationships until the graph is stable.
func (s *Session) DetectChanges() error {
	return s.sm.DetectChanges()
}

// HasChanges detects changes and reports whether a save would write
// anything.
func (s *Session) HasChanges() (bool, error) {
	return s.sm.HasChanges()
}

// AcceptAllChanges makes the current state of every entry its original
// state.
func (s *Session) AcceptAllChanges() {
	s.sm.AcceptAllChanges()
}

// Plan detects and validates the pending changes and returns the commands
// a save would run, without calling the store. With DeleteOrphans set,
// severed dependents are marked Deleted as a save would do.
func (s *Session) Plan(ctx context.Context) (*commit.Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.saving {
		return nil, errReentrant
	}
	return s.prepare()
}

var errReentrant = tether.NewInvalidOperationError("Session", "a save is already in progress")

// SaveChanges writes the pending changes to the store and returns the
// number of entries written. Tracked state is modified only after every
// batch succeeded, so a failed or canceled save can be retried as is.
func (s *Session) SaveChanges(ctx context.Context) (n int, err error) {
	if s.saving {
		return 0, errReentrant
	}
	s.saving = true
	defer func() { s.saving = false }()

	start := time.Now()
	result := resultSaved
	defer func() {
		switch {
		case tether.IsConcurrencyConflict(err):
			result = resultConflict
		case err != nil:
			result = resultFailed
		}
		s.metrics.observeSave(result, time.Since(start))
	}()

	plan, err := s.prepare()
	if err != nil {
		return 0, err
	}
	if plan.Empty() {
		result = resultNoop
		// Modified entries whose changes need no command.
		if s.acceptOnSuccess {
			s.accept(plan)
		}
		return 0, nil
	}
	if err := s.policy.EvalPlan(ctx, plan); err != nil {
		return 0, fmt.Errorf("session: save rejected: %w", err)
	}
	s.logger.DebugContext(ctx, "session: save planned",
		"entries", len(plan.Entries), "commands", len(plan.Commands), "batches", len(plan.Batches))
	values, err := s.dispatch(ctx, plan)
	if err != nil {
		return 0, err
	}
	if err := s.reconcile(plan, values); err != nil {
		return 0, fmt.Errorf("session: reconcile: %w", err)
	}
	s.logger.DebugContext(ctx, "session: save completed",
		"commands", len(plan.Commands), "duration", time.Since(start))
	return len(plan.Commands), nil
}

// prepare runs the detect, validate and order phases.
func (s *Session) prepare() (*commit.Plan, error) {
	if err := s.sm.DetectChanges(); err != nil {
		return nil, err
	}
	s.metrics.observePasses(s.sm.LastDetectPasses())
	if err := s.sm.Validate(s.deleteOrphans); err != nil {
		return nil, err
	}
	return s.resolver.Resolve(s.sm)
}

// storeValues holds, per command, the values that replace its temporary
// values once the save succeeds: resolved inputs and generated values.
type storeValues map[*commit.Command]map[*metadata.Property]any

func (v storeValues) set(c *commit.Command, p *metadata.Property, value any) {
	m, ok := v[c]
	if !ok {
		m = make(map[*metadata.Property]any)
		v[c] = m
	}
	m[p] = value
}

func (v storeValues) resolve(in commit.Input) (any, bool) {
	value, ok := v[in.From][in.Source]
	return value, ok
}

// dispatch sends the batches of plan to the store, inside a transaction
// when the store supports them.
func (s *Session) dispatch(ctx context.Context, plan *commit.Plan) (storeValues, error) {
	var (
		st = s.store
		tx store.Tx
	)
	if ts, ok := s.store.(store.Transactional); ok {
		var err error
		if tx, err = ts.Begin(ctx); err != nil {
			return nil, err
		}
		st = tx
	}
	values := make(storeValues, len(plan.Commands))
	for i, batch := range plan.Batches {
		if err := s.persist(ctx, st, batch, values); err != nil {
			s.logger.DebugContext(ctx, "session: batch failed", "batch", i+1, "error", err)
			if tx != nil {
				if rerr := tx.Rollback(); rerr != nil {
					err = errors.Join(err, fmt.Errorf("session: rollback: %w", rerr))
				}
			}
			return nil, err
		}
	}
	if tx != nil {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
	}
	return values, nil
}

// persist runs one batch and records its store values.
func (s *Session) persist(ctx context.Context, st store.Store, batch []*commit.Command, values storeValues) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ops := make([]store.Operation, len(batch))
	for i, c := range batch {
		ops[i] = c.Operation(values.resolve)
		for _, in := range c.Inputs {
			if v, ok := values.resolve(in); ok {
				values.set(c, in.Property, v)
			}
		}
	}
	results, err := st.Persist(ctx, ops)
	if err != nil {
		return err
	}
	if len(results) != len(ops) {
		return fmt.Errorf("session: store returned %d results for %d operations", len(results), len(ops))
	}
	for i, c := range batch {
		res := results[i]
		if res.RowsAffected != 1 {
			return tether.NewConcurrencyConflictError(c.Entry.String(), c.Kind.String(), 1, res.RowsAffected)
		}
		if len(res.Generated) != len(c.Generated) {
			return fmt.Errorf("session: %s: store returned %d generated values, want %d", c, len(res.Generated), len(c.Generated))
		}
		for j, p := range c.Generated {
			values.set(c, p, res.Generated[j])
		}
		s.metrics.observeCommand(c.Kind)
	}
	return nil
}

// reconcile applies the store values in command order, so principal keys
// reach their dependents before these are accepted.
func (s *Session) reconcile(plan *commit.Plan, values storeValues) error {
	for _, c := range plan.Commands {
		v, ok := values[c]
		if !ok || c.Kind == store.Delete {
			continue
		}
		if err := s.sm.ApplyStoreValues(c.Entry, v); err != nil {
			return err
		}
	}
	if s.acceptOnSuccess {
		s.accept(plan)
	}
	return nil
}

func (s *Session) accept(plan *commit.Plan) {
	for _, e := range plan.Entries {
		s.sm.AcceptChanges(e)
	}
}
