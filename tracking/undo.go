package tracking

import (
	"maps"
	"slices"

	"github.com/syssam/tether/metadata"
)

// undoLog records what a tracking call changed so that a failing call
// leaves the manager and the caller's instances as they were.
type undoLog struct {
	saved      map[*Entry]*savedEntry
	touched    []*Entry
	registered map[*Entry]bool
	added      []*Entry // registered during the call, in order
	released   []*Entry // tracked before the call, unregistered during it
	links      []func()
	seq        uint64
	tempSeq    int64
}

// savedEntry is the state of an entry and of its instance when first
// touched by the call. Collections are restored from the links journal.
type savedEntry struct {
	state        State
	values       []any // by Property.Index
	refs         []any // by navigation position, references only
	original     []any
	relationship []any
	modified     bitset
	temporary    bitset
	nulls        []*metadata.ForeignKey
	registered   map[*metadata.Key][]any
}

// atomic runs fn and undoes its effects when it fails. Nested calls join
// the outer log.
func (sm *StateManager) atomic(fn func() error) error {
	if sm.undo != nil {
		return fn()
	}
	l := &undoLog{
		saved:      make(map[*Entry]*savedEntry),
		registered: make(map[*Entry]bool),
		seq:        sm.seq,
		tempSeq:    sm.tempSeq,
	}
	sm.undo = l
	err := fn()
	sm.undo = nil
	if err != nil {
		l.rollback(sm)
		return err
	}
	for _, e := range l.released {
		sm.free = append(sm.free, e.id)
	}
	return nil
}

// touch saves e before its first change in the current call.
func (sm *StateManager) touch(e *Entry) {
	l := sm.undo
	if l == nil {
		return
	}
	if _, ok := l.saved[e]; ok {
		return
	}
	s := &savedEntry{
		state:        e.state,
		values:       make([]any, len(e.typ.Properties())),
		refs:         make([]any, len(e.typ.Navigations())),
		original:     slices.Clone(e.original),
		relationship: slices.Clone(e.relationship),
		modified:     slices.Clone(e.modified),
		temporary:    slices.Clone(e.temporary),
		nulls:        slices.Clone(e.nulls),
		registered:   maps.Clone(e.registered),
	}
	for _, p := range e.typ.Properties() {
		s.values[p.Index()] = e.CurrentValue(p)
	}
	for i, n := range e.typ.Navigations() {
		if !n.IsCollection() {
			s.refs[i] = n.GetReference(e.entity)
		}
	}
	l.saved[e] = s
	l.touched = append(l.touched, e)
}

// setReference writes a reference navigation of e.
func (sm *StateManager) setReference(e *Entry, n *metadata.Navigation, target any) {
	sm.touch(e)
	n.SetReference(e.entity, target)
}

// addItem and removeItem edit a collection navigation of e and journal
// the inverse edit.
func (sm *StateManager) addItem(e *Entry, n *metadata.Navigation, item any) {
	if sm.undo != nil && !n.Contains(e.entity, item) {
		sm.undo.links = append(sm.undo.links, func() { n.Remove(e.entity, item) })
	}
	n.Add(e.entity, item)
}

func (sm *StateManager) removeItem(e *Entry, n *metadata.Navigation, item any) {
	if n.Remove(e.entity, item) && sm.undo != nil {
		sm.undo.links = append(sm.undo.links, func() { n.Add(e.entity, item) })
	}
}

func (l *undoLog) rollback(sm *StateManager) {
	for i := len(l.links) - 1; i >= 0; i-- {
		l.links[i]()
	}
	for _, e := range l.released {
		sm.entries[e.id] = e
		sm.byInstance[e.entity] = e
	}
	for _, e := range l.touched {
		sm.restore(e, l.saved[e])
	}
	for i := len(l.added) - 1; i >= 0; i-- {
		sm.unregister(l.added[i])
	}
	sm.seq, sm.tempSeq = l.seq, l.tempSeq
}

func (sm *StateManager) restore(e *Entry, s *savedEntry) {
	for _, p := range e.typ.Properties() {
		e.setRaw(p, s.values[p.Index()])
	}
	for i, n := range e.typ.Navigations() {
		if !n.IsCollection() {
			n.SetReference(e.entity, s.refs[i])
		}
	}
	e.state = s.state
	e.original = s.original
	e.relationship = s.relationship
	e.modified = s.modified
	e.temporary = s.temporary
	e.nulls = s.nulls
	for _, k := range e.typ.Keys() {
		m := sm.IdentityMap(k)
		m.remove(e)
		if values, ok := s.registered[k]; ok {
			m.insert(e, values)
		}
	}
}
