package commit

import (
	"container/heap"
	"slices"

	"github.com/syssam/tether"
	"github.com/syssam/tether/metadata"
	"github.com/syssam/tether/store"
	"github.com/syssam/tether/tracking"
)

// edgeKind tells why one command must run before another.
type edgeKind uint8

const (
	principalFirst edgeKind = iota // principal inserted before its dependent
	dependentFirst                 // dependent released before its principal is deleted
	uniqueRelease                  // unique value released before it is taken
)

type edge struct {
	from, to  *node
	kind      edgeKind
	fk        *metadata.ForeignKey
	breakable bool
	dropped   bool
}

type node struct {
	cmd    *Command
	seq    uint64
	out    []*edge
	indeg  int
	queued bool
	done   bool
}

type graph struct {
	sm      *tracking.StateManager
	nodes   []*node
	byEntry map[*tracking.Entry]*node
	dropped int
}

func newGraph(sm *tracking.StateManager, cmds []*Command) *graph {
	g := &graph{sm: sm, byEntry: make(map[*tracking.Entry]*node, len(cmds))}
	for _, c := range cmds {
		n := &node{cmd: c, seq: c.Entry.Seq()}
		c.node = n
		g.nodes = append(g.nodes, n)
		g.byEntry[c.Entry] = n
	}
	return g
}

func (g *graph) connect(from, to *node, kind edgeKind, fk *metadata.ForeignKey) {
	if from == to {
		return
	}
	for _, e := range from.out {
		if e.to == to && e.kind == kind && e.fk == fk {
			return
		}
	}
	e := &edge{from: from, to: to, kind: kind, fk: fk}
	switch kind {
	case dependentFirst:
		e.breakable = fk.Deferred || fk.StoreCascade
	default:
		e.breakable = fk.Deferred
	}
	from.out = append(from.out, e)
	to.indeg++
}

// build adds the ordering edges between the commands.
func (g *graph) build() {
	for _, n := range g.nodes {
		c := n.cmd
		for _, fk := range c.Entry.EntityType().ForeignKeys() {
			switch c.Kind {
			case store.Insert:
				g.needsPrincipal(n, fk)
			case store.Update:
				if !slices.ContainsFunc(fk.Properties, c.writes) {
					continue
				}
				g.needsPrincipal(n, fk)
				g.releasesPrincipal(n, fk)
			case store.Delete:
				g.releasesPrincipal(n, fk)
			}
		}
	}
	g.uniqueReleases()
}

// needsPrincipal orders the insert of the current principal of n before n
// and records the inputs n takes from it.
func (g *graph) needsPrincipal(n *node, fk *metadata.ForeignKey) {
	c := n.cmd
	p, ok := g.sm.PrincipalOf(c.Entry, fk)
	if !ok {
		return
	}
	pn := g.byEntry[p]
	if pn == nil || pn.cmd.Kind != store.Insert {
		return
	}
	if pn == n {
		// A row referencing itself can only be inserted when its key is
		// known up front.
		if slices.ContainsFunc(fk.Properties, c.Entry.IsTemporary) {
			n.out = append(n.out, &edge{from: n, to: n, kind: principalFirst, fk: fk, breakable: fk.Deferred})
		}
		return
	}
	g.connect(pn, n, principalFirst, fk)
	for i, prop := range fk.Properties {
		src := fk.PrincipalKey.Properties[i]
		if !c.Entry.IsTemporary(prop) || !c.writes(prop) {
			continue
		}
		if !pn.cmd.generates(src) && !p.IsTemporary(src) {
			continue
		}
		c.addInput(Input{Property: prop, From: pn.cmd, Source: src})
	}
}

// releasesPrincipal orders n before the delete of the principal it
// referenced when last saved.
func (g *graph) releasesPrincipal(n *node, fk *metadata.ForeignKey) {
	p, ok := g.sm.OriginalPrincipalOf(n.cmd.Entry, fk)
	if !ok {
		return
	}
	if pn := g.byEntry[p]; pn != nil && pn.cmd.Kind == store.Delete {
		g.connect(n, pn, dependentFirst, fk)
	}
}

// uniqueReleases orders a command giving up a unique foreign key value
// before a command taking the same value.
func (g *graph) uniqueReleases() {
	type release struct {
		n      *node
		values []any
	}
	held := make(map[*metadata.ForeignKey][]release)
	for _, n := range g.nodes {
		c := n.cmd
		if c.Kind == store.Insert {
			continue
		}
		for _, fk := range c.Entry.EntityType().ForeignKeys() {
			if !fk.Unique {
				continue
			}
			if c.Kind == store.Update && !slices.ContainsFunc(fk.Properties, c.writes) {
				continue
			}
			values := c.Entry.OriginalForeignKeyValues(fk)
			if slices.Contains(values, nil) {
				continue
			}
			held[fk] = append(held[fk], release{n: n, values: values})
		}
	}
	if len(held) == 0 {
		return
	}
	for _, n := range g.nodes {
		c := n.cmd
		if c.Kind == store.Delete {
			continue
		}
		for _, fk := range c.Entry.EntityType().ForeignKeys() {
			releases := held[fk]
			if len(releases) == 0 || (c.Kind == store.Update && !slices.ContainsFunc(fk.Properties, c.writes)) {
				continue
			}
			values := c.Entry.ForeignKeyValues(fk)
			for _, r := range releases {
				if r.n != n && equalValues(fk.Properties, values, r.values) {
					g.connect(r.n, n, uniqueRelease, fk)
				}
			}
		}
	}
}

func equalValues(props []*metadata.Property, a, b []any) bool {
	for i, p := range props {
		if !p.Comparer.Equals(a[i], b[i]) {
			return false
		}
	}
	return true
}

func (c *Command) addInput(in Input) {
	for _, have := range c.Inputs {
		if have.Property == in.Property {
			return
		}
	}
	c.Inputs = append(c.Inputs, in)
}

// seqHeap orders ready nodes by discovery order.
type seqHeap []*node

func (h seqHeap) Len() int           { return len(h) }
func (h seqHeap) Less(i, j int) bool { return h[i].seq < h[j].seq }
func (h seqHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *seqHeap) Push(x any)        { *h = append(*h, x.(*node)) }
func (h *seqHeap) Pop() any {
	old := *h
	n := old[len(old)-1]
	*h = old[:len(old)-1]
	return n
}

// sort returns the nodes in a topological order, ties broken by discovery
// order. Breakable edges are dropped only when they close a cycle.
func (g *graph) sort() ([]*node, error) {
	ready := &seqHeap{}
	for _, n := range g.nodes {
		if n.indeg == 0 && !n.selfLoop() {
			n.queued = true
			*ready = append(*ready, n)
		}
	}
	heap.Init(ready)
	order := make([]*node, 0, len(g.nodes))
	for {
		for ready.Len() > 0 {
			n := heap.Pop(ready).(*node)
			n.done = true
			order = append(order, n)
			for _, e := range n.out {
				if e.dropped || e.to == n {
					continue
				}
				if e.to.indeg--; e.to.indeg == 0 && !e.to.selfLoop() {
					e.to.queued = true
					heap.Push(ready, e.to)
				}
			}
		}
		if len(order) == len(g.nodes) {
			return order, nil
		}
		cycles := g.cycles()
		broke := false
		for _, scc := range cycles {
			for _, e := range scc.edges() {
				if !e.breakable || e.dropped {
					continue
				}
				e.dropped, broke = true, true
				g.dropped++
				if e.to != e.from {
					e.to.indeg--
				}
				if e.to.indeg == 0 && !e.to.selfLoop() && !e.to.queued {
					e.to.queued = true
					heap.Push(ready, e.to)
				}
			}
		}
		if !broke {
			return nil, cycleError(cycles)
		}
	}
}

func (n *node) selfLoop() bool {
	for _, e := range n.out {
		if e.to == n && !e.dropped {
			return true
		}
	}
	return false
}

// component is a strongly connected set of pending nodes.
type component []*node

// edges returns the live edges between members of the component.
func (c component) edges() []*edge {
	var out []*edge
	for _, n := range c {
		for _, e := range n.out {
			if !e.dropped && slices.Contains(c, e.to) {
				out = append(out, e)
			}
		}
	}
	return out
}

// cycles returns the components of the unsorted nodes that form a cycle,
// ordered by their first discovered member.
func (g *graph) cycles() []component {
	var (
		index   int
		stack   []*node
		indices = make(map[*node]int)
		lowlink = make(map[*node]int)
		onStack = make(map[*node]bool)
		sccs    []component
	)
	var strongConnect func(*node)
	strongConnect = func(v *node) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true
		for _, e := range v.out {
			w := e.to
			if e.dropped || w.done {
				continue
			}
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}
		if lowlink[v] == indices[v] {
			var scc component
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			if len(scc) > 1 || v.selfLoop() {
				slices.SortFunc(scc, func(a, b *node) int { return compareSeq(a.seq, b.seq) })
				sccs = append(sccs, scc)
			}
		}
	}
	for _, n := range g.nodes {
		if _, visited := indices[n]; !visited && !n.done {
			strongConnect(n)
		}
	}
	slices.SortFunc(sccs, func(a, b component) int { return compareSeq(a[0].seq, b[0].seq) })
	return sccs
}

func compareSeq(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// cycleError names the entries of the first cycle, in edge order from its
// first discovered member.
func cycleError(cycles []component) error {
	if len(cycles) == 0 {
		return tether.NewCircularDependencyError()
	}
	scc := cycles[0]
	start := scc[0]
	path := []string{start.cmd.Entry.String()}
	visited := map[*node]bool{start: true}
	for cur := start; ; {
		var next *node
		for _, e := range cur.out {
			if e.dropped || !slices.Contains(scc, e.to) {
				continue
			}
			if e.to == start || !visited[e.to] {
				next = e.to
				break
			}
		}
		if next == nil {
			break
		}
		path = append(path, next.cmd.Entry.String())
		if next == start {
			break
		}
		visited[next] = true
		cur = next
	}
	return tether.NewCircularDependencyError(path...)
}
