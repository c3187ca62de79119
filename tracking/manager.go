// Package tracking implements the change-tracking runtime: entries and their
// snapshots, identity maps, change detection and relationship fixup.
//
// A StateManager is owned by a single session and is not safe for
// concurrent use.
package tracking

import (
	"cmp"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/syssam/tether"
	"github.com/syssam/tether/metadata"
)

// DefaultMaxFixupIterations bounds the detect/fixup passes of DetectChanges.
const DefaultMaxFixupIterations = 32

// StateManager tracks entity instances of one model.
type StateManager struct {
	model         *metadata.Model
	logger        *slog.Logger
	maxIterations int

	entries    []*Entry // arena; nil slots are free
	free       []int
	byInstance map[any]*Entry
	maps       map[*metadata.Key]*IdentityMap
	seq        uint64
	tempSeq    int64
	passes     int
	undo       *undoLog // set while a tracking call runs
}

// Option configures a StateManager.
type Option func(*StateManager)

// WithLogger sets the logger used for fixup diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(sm *StateManager) {
		if l != nil {
			sm.logger = l
		}
	}
}

// WithMaxFixupIterations bounds the passes of DetectChanges.
func WithMaxFixupIterations(n int) Option {
	return func(sm *StateManager) {
		if n > 0 {
			sm.maxIterations = n
		}
	}
}

// NewStateManager returns an empty state manager for m.
func NewStateManager(m *metadata.Model, opts ...Option) *StateManager {
	sm := &StateManager{
		model:         m,
		logger:        slog.Default(),
		maxIterations: DefaultMaxFixupIterations,
		byInstance:    make(map[any]*Entry),
		maps:          make(map[*metadata.Key]*IdentityMap),
	}
	for _, opt := range opts {
		opt(sm)
	}
	return sm
}

// Model returns the model of the manager.
func (sm *StateManager) Model() *metadata.Model { return sm.model }

// Len returns the number of tracked entries.
func (sm *StateManager) Len() int { return len(sm.byInstance) }

// Entry returns the entry tracking entity.
func (sm *StateManager) Entry(entity any) (*Entry, bool) {
	e, ok := sm.byInstance[entity]
	return e, ok
}

// Entries returns all tracked entries in discovery order.
func (sm *StateManager) Entries() []*Entry {
	out := make([]*Entry, 0, len(sm.byInstance))
	for _, e := range sm.entries {
		if e != nil {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, bySeq)
	return out
}

func bySeq(a, b *Entry) int {
	return cmp.Compare(a.seq, b.seq)
}

// IdentityMap returns the identity map of key, creating it on first use.
func (sm *StateManager) IdentityMap(key *metadata.Key) *IdentityMap {
	m, ok := sm.maps[key]
	if !ok {
		m = newIdentityMap(sm, key)
		sm.maps[key] = m
	}
	return m
}

// Find returns the entry of typ, or of a type in its hierarchy, whose
// primary key equals key.
func (sm *StateManager) Find(typ *metadata.EntityType, key ...any) (*Entry, bool) {
	pk := typ.PrimaryKey()
	values, err := coerceValues(pk.Properties, key)
	if err != nil {
		return nil, false
	}
	e, ok := sm.IdentityMap(pk).FindEntry(values)
	if !ok || !typ.IsAssignableFrom(e.typ) {
		return nil, false
	}
	return e, true
}

// FindByKey returns the entry holding values for key.
func (sm *StateManager) FindByKey(key *metadata.Key, values []any) (*Entry, bool) {
	return sm.IdentityMap(key).FindEntry(values)
}

func coerceValues(props []*metadata.Property, values []any) ([]any, error) {
	if len(values) != len(props) {
		return nil, tether.NewInvalidOperationError("", "expected %d key values, got %d", len(props), len(values))
	}
	out := make([]any, len(values))
	for i, p := range props {
		v, err := metadata.Coerce(p.Type, values[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// trackMode decides the state of entities discovered while tracking a graph.
type trackMode uint8

const (
	modeAdd trackMode = iota
	modeAttach
	modeUpdate
	modeDiscover
)

// Add tracks entity and every untracked entity reachable from it as Added.
func (sm *StateManager) Add(entity any) (*Entry, error) {
	return sm.track(entity, modeAdd)
}

// Attach tracks a graph as existing. Entities whose store-generated key is
// unset are tracked as Added, all others as Unchanged.
func (sm *StateManager) Attach(entity any) (*Entry, error) {
	return sm.track(entity, modeAttach)
}

// Update tracks a graph as existing and modified. Entities whose
// store-generated key is unset are tracked as Added.
func (sm *StateManager) Update(entity any) (*Entry, error) {
	return sm.track(entity, modeUpdate)
}

// Remove marks entity Deleted, cascading to tracked dependents. An untracked
// entity is attached first.
func (sm *StateManager) Remove(entity any) (*Entry, error) {
	var e *Entry
	err := sm.atomic(func() error {
		var ok bool
		if e, ok = sm.byInstance[entity]; !ok {
			var err error
			if e, err = sm.track(entity, modeAttach); err != nil {
				return err
			}
		}
		return sm.setState(e, Deleted)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Detach stops tracking entity. Navigations of other entities are left as
// they are.
func (sm *StateManager) Detach(entity any) {
	if e, ok := sm.byInstance[entity]; ok {
		sm.unregister(e)
	}
}

// Clear detaches every entry.
func (sm *StateManager) Clear() {
	for _, e := range sm.Entries() {
		sm.unregister(e)
	}
	sm.entries, sm.free = nil, nil
	clear(sm.maps)
}

// track tracks the graph of entity. A failure leaves nothing tracked and
// no instance changed.
func (sm *StateManager) track(entity any, mode trackMode) (*Entry, error) {
	if entity == nil {
		return nil, tether.NewInvalidOperationError("", "cannot track a nil entity")
	}
	var e *Entry
	err := sm.atomic(func() error {
		var ok bool
		if e, ok = sm.byInstance[entity]; ok {
			if err := sm.retrack(e, mode); err != nil {
				return err
			}
			_, err := sm.trackGraph(entity, mode)
			return err
		}
		created, err := sm.trackGraph(entity, mode)
		if err != nil {
			return err
		}
		e = created[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// retrack applies an explicit Add, Attach or Update to a tracked root.
func (sm *StateManager) retrack(e *Entry, mode trackMode) error {
	switch mode {
	case modeAdd:
		return sm.setState(e, Added)
	case modeUpdate:
		if e.state != Added {
			return sm.setState(e, Modified)
		}
	case modeAttach:
		if e.state == Deleted {
			return sm.setState(e, Unchanged)
		}
	}
	return nil
}

// reach returns the entry of an entity found through a navigation, tracking
// it and its untracked graph when needed.
func (sm *StateManager) reach(entity any) (*Entry, error) {
	if e, ok := sm.byInstance[entity]; ok {
		return e, nil
	}
	created, err := sm.trackGraph(entity, modeDiscover)
	if err != nil {
		return nil, err
	}
	return created[0], nil
}

// trackGraph tracks every untracked entity reachable from root. The first
// returned entry belongs to root when root was untracked.
func (sm *StateManager) trackGraph(root any, mode trackMode) ([]*Entry, error) {
	var (
		created []*Entry
		seen    = map[any]bool{}
		visit   func(entity any) error
	)
	visit = func(entity any) error {
		if seen[entity] {
			return nil
		}
		seen[entity] = true
		typ, err := sm.model.TypeOf(entity)
		if err != nil {
			return err
		}
		if _, ok := sm.byInstance[entity]; ok {
			if entity != root {
				return nil
			}
		} else {
			e := sm.newEntry(entity, typ)
			e.state = sm.stateFor(e, mode)
			sm.touch(e)
			created = append(created, e)
		}
		for _, n := range typ.Navigations() {
			if n.IsCollection() {
				for _, item := range n.Items(entity) {
					if err := visit(item); err != nil {
						return err
					}
				}
				continue
			}
			if t := n.GetReference(entity); t != nil {
				if err := visit(t); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := visit(root); err != nil {
		return nil, err
	}
	for _, e := range created {
		sm.prepare(e)
	}
	for i, e := range created {
		if err := sm.register(e); err != nil {
			for _, r := range created[:i] {
				sm.unregister(r)
			}
			return nil, err
		}
	}
	for _, e := range created {
		e.snapshotOriginal()
	}
	for _, e := range created {
		if err := sm.initialFixup(e); err != nil {
			return nil, err
		}
	}
	for _, e := range created {
		e.snapshotRelationships()
	}
	if len(created) > 0 {
		sm.logger.Debug("tracking: graph tracked", "root", created[0].String(), "entries", len(created))
	}
	return created, nil
}

func (sm *StateManager) newEntry(entity any, typ *metadata.EntityType) *Entry {
	n := len(typ.Properties())
	return &Entry{
		sm:         sm,
		entity:     entity,
		typ:        typ,
		shadow:     make([]any, typ.Counts().Shadow),
		modified:   newBitset(n),
		temporary:  newBitset(n),
		registered: make(map[*metadata.Key][]any),
	}
}

// stateFor decides the state of a newly discovered entity.
func (sm *StateManager) stateFor(e *Entry, mode trackMode) State {
	ks := sm.generatedKeyState(e)
	switch mode {
	case modeAdd:
		return Added
	case modeAttach:
		if ks == keyUnset {
			return Added
		}
		return Unchanged
	case modeUpdate:
		if ks == keyUnset {
			return Added
		}
		return Modified
	}
	if ks == keyAssigned {
		return Unchanged
	}
	return Added
}

type keyState uint8

const (
	keyNotGenerated keyState = iota
	keyUnset
	keyAssigned
)

// generatedKeyState reports whether the primary key is store generated and
// whether it carries a value.
func (sm *StateManager) generatedKeyState(e *Entry) keyState {
	generated := false
	for _, p := range e.typ.PrimaryKey().Properties {
		if p.ValueGenerated == metadata.GeneratedNever {
			continue
		}
		generated = true
		if p.IsDefault(e.CurrentValue(p)) {
			return keyUnset
		}
	}
	if !generated {
		return keyNotGenerated
	}
	return keyAssigned
}

// prepare assigns generated and temporary values and the discriminator of
// an entry about to be tracked.
func (sm *StateManager) prepare(e *Entry) {
	if e.state == Added {
		sm.generateValues(e)
	}
	if d := e.typ.Discriminator(); d != nil && d.IsDefault(e.CurrentValue(d)) && e.typ.DiscriminatorValue() != nil {
		e.setRaw(d, e.typ.DiscriminatorValue())
	}
	if e.state == Modified {
		sm.markAllModified(e)
	}
}

func (sm *StateManager) generateValues(e *Entry) {
	for _, p := range e.typ.Properties() {
		if p.ValueGenerated == metadata.GeneratedNever || !p.IsDefault(e.CurrentValue(p)) {
			continue
		}
		if p.ClientGenerated {
			e.setRaw(p, clientValue(p))
			continue
		}
		if !p.IsKey() {
			continue
		}
		if v := sm.temporaryValue(p); v != nil {
			e.setRaw(p, v)
			e.temporary.set(p.Index())
		}
	}
}

func clientValue(p *metadata.Property) any {
	if p.Type == metadata.TypeString {
		return uuid.NewString()
	}
	return uuid.New()
}

// temporaryValue returns a placeholder unique within the manager. Integer
// placeholders count down from -1 so they never collide with store keys.
func (sm *StateManager) temporaryValue(p *metadata.Property) any {
	switch p.Type {
	case metadata.TypeInt64:
		sm.tempSeq--
		return sm.tempSeq
	case metadata.TypeInt:
		sm.tempSeq--
		return int(sm.tempSeq)
	case metadata.TypeString:
		return "tmp-" + uuid.NewString()
	case metadata.TypeUUID:
		return uuid.New()
	}
	return nil
}

func (sm *StateManager) markAllModified(e *Entry) {
	for _, p := range e.typ.Properties() {
		if !p.IsPrimaryKey() {
			e.modified.set(p.Index())
		}
	}
}

// register indexes e under every key of its root type.
func (sm *StateManager) register(e *Entry) error {
	for _, k := range e.typ.Keys() {
		if values := e.KeyValues(k); !hasNull(values) {
			if err := sm.IdentityMap(k).check(e, values); err != nil {
				return err
			}
		}
	}
	if len(sm.free) > 0 {
		e.id = sm.free[len(sm.free)-1]
		sm.free = sm.free[:len(sm.free)-1]
		sm.entries[e.id] = e
	} else {
		e.id = len(sm.entries)
		sm.entries = append(sm.entries, e)
	}
	sm.seq++
	e.seq = sm.seq
	sm.byInstance[e.entity] = e
	if sm.undo != nil {
		sm.undo.registered[e] = true
		sm.undo.added = append(sm.undo.added, e)
	}
	for _, k := range e.typ.Keys() {
		if err := sm.IdentityMap(k).add(e); err != nil {
			sm.unregister(e)
			return err
		}
	}
	return nil
}

func (sm *StateManager) unregister(e *Entry) {
	if sm.byInstance[e.entity] != e {
		return
	}
	sm.touch(e)
	for _, k := range e.typ.Keys() {
		sm.IdentityMap(k).remove(e)
	}
	delete(sm.byInstance, e.entity)
	sm.entries[e.id] = nil
	if l := sm.undo; l != nil && !l.registered[e] {
		// The slot is kept until the call succeeds.
		l.released = append(l.released, e)
	} else {
		sm.free = append(sm.free, e.id)
	}
	e.state = Detached
}

// setState performs an explicit state transition.
func (sm *StateManager) setState(e *Entry, s State) error {
	if e.state == s {
		return nil
	}
	sm.touch(e)
	switch s {
	case Detached:
		sm.unregister(e)
	case Deleted:
		return sm.delete(e)
	case Added:
		e.state = Added
		e.modified.reset()
		sm.generateValues(e)
		for _, k := range e.typ.Keys() {
			if err := sm.IdentityMap(k).rekey(e); err != nil {
				return err
			}
		}
	case Modified:
		e.state = Modified
		sm.markAllModified(e)
	case Unchanged:
		e.state = Unchanged
		e.modified.reset()
		e.snapshotOriginal()
	}
	return nil
}

// Materialize tracks an entity read from the store. values are keyed by
// property name and coerced to property types. When an entity with the same
// key is already tracked, that entry is returned and values are ignored.
func (sm *StateManager) Materialize(typ *metadata.EntityType, values map[string]any) (*Entry, error) {
	root := typ.Root()
	if d := root.Discriminator(); d != nil {
		if v, ok := values[d.Name]; ok && v != nil {
			cv, err := metadata.Coerce(d.Type, v)
			if err != nil {
				return nil, err
			}
			if typ, err = sm.model.ResolveDiscriminator(root, cv); err != nil {
				return nil, err
			}
		}
	}
	pk := root.PrimaryKey()
	key := make([]any, len(pk.Properties))
	for i, p := range pk.Properties {
		v, ok := values[p.Name]
		if !ok || v == nil {
			return nil, tether.NewInvalidOperationError(typ.Name, "missing key value %s", p.Name)
		}
		key[i] = v
	}
	key, err := coerceValues(pk.Properties, key)
	if err != nil {
		return nil, err
	}
	if e, ok := sm.IdentityMap(pk).FindEntry(key); ok {
		return e, nil
	}
	if typ.IsAbstract() {
		return nil, tether.NewInvalidOperationError(typ.Name, "cannot materialize an abstract type")
	}
	for name := range values {
		if _, ok := typ.FindProperty(name); !ok {
			return nil, tether.NewInvalidOperationError(typ.Name, "unknown property %q", name)
		}
	}
	e := sm.newEntry(typ.New(), typ)
	for _, p := range typ.Properties() {
		v, ok := values[p.Name]
		if !ok {
			continue
		}
		cv, err := metadata.Coerce(p.Type, v)
		if err != nil {
			return nil, err
		}
		e.setRaw(p, cv)
	}
	e.state = Unchanged
	err = sm.atomic(func() error {
		if err := sm.register(e); err != nil {
			return err
		}
		e.snapshotOriginal()
		if err := sm.initialFixup(e); err != nil {
			return err
		}
		e.snapshotRelationships()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// HasChanges detects changes and reports whether any entry is pending.
func (sm *StateManager) HasChanges() (bool, error) {
	if err := sm.DetectChanges(); err != nil {
		return false, err
	}
	return len(sm.Pending()) > 0, nil
}

// Pending returns the Added, Modified and Deleted entries in discovery
// order.
func (sm *StateManager) Pending() []*Entry {
	var out []*Entry
	for _, e := range sm.Entries() {
		if e.state.Pending() {
			out = append(out, e)
		}
	}
	return out
}

// LastDetectPasses returns the passes used by the last DetectChanges.
func (sm *StateManager) LastDetectPasses() int { return sm.passes }
