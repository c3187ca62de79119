package commit

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/syssam/tether"
	"github.com/syssam/tether/tracking"
)

// DefaultMaxBatchSize is the default command limit of a batch.
const DefaultMaxBatchSize = 42

// Resolver orders pending entries into batches.
type Resolver struct {
	maxBatchSize int
	logger       *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMaxBatchSize limits the commands per batch. Values below 1 mean one
// command per batch.
func WithMaxBatchSize(n int) Option {
	return func(r *Resolver) {
		r.maxBatchSize = max(n, 1)
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver returns a resolver with the given options.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{maxBatchSize: DefaultMaxBatchSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Plan is the ordered work of a save.
type Plan struct {
	// Commands in execution order.
	Commands []*Command
	// Batches partitions Commands.
	Batches [][]*Command
	// Entries are all pending entries, including Modified entries that
	// need no command.
	Entries []*tracking.Entry
}

// Empty reports whether the plan has no command.
func (p *Plan) Empty() bool { return len(p.Commands) == 0 }

// String renders one line per command, grouped by batch.
func (p *Plan) String() string {
	var b strings.Builder
	for i, batch := range p.Batches {
		fmt.Fprintf(&b, "batch %d\n", i+1)
		for _, c := range batch {
			fmt.Fprintf(&b, "  %s\n", c)
			for _, in := range c.Inputs {
				fmt.Fprintf(&b, "    %s <- %s.%s\n", in.Property.Name, in.From.Entry, in.Source.Name)
			}
		}
	}
	return b.String()
}

// Resolve plans the pending entries of sm. Changes must already be
// detected; Resolve reads the tracked state and never modifies it.
func (r *Resolver) Resolve(sm *tracking.StateManager) (*Plan, error) {
	plan := &Plan{Entries: sm.Pending()}
	var cmds []*Command
	for _, e := range plan.Entries {
		if c := newCommand(e); c != nil {
			cmds = append(cmds, c)
		}
	}
	if len(cmds) == 0 {
		return plan, nil
	}
	g := newGraph(sm, cmds)
	g.build()
	order, err := g.sort()
	if err != nil {
		return nil, err
	}
	if g.dropped > 0 {
		r.logger.Debug("commit: dropped breakable edges to resolve a cycle", "edges", g.dropped)
	}
	plan.Commands = make([]*Command, len(order))
	pos := make(map[*Command]int, len(order))
	for i, n := range order {
		plan.Commands[i] = n.cmd
		pos[n.cmd] = i
	}
	for _, c := range plan.Commands {
		for _, in := range c.Inputs {
			// A dropped edge cannot defer a generated value.
			if pos[in.From] > pos[c] {
				return nil, tether.NewCircularDependencyError(c.Entry.String(), in.From.Entry.String(), c.Entry.String())
			}
		}
	}
	plan.Batches = r.batch(plan.Commands)
	return plan, nil
}

// batch splits ordered commands. A batch ends before a command that takes
// a generated value from a command of the same batch, or when full.
func (r *Resolver) batch(cmds []*Command) [][]*Command {
	var (
		batches [][]*Command
		cur     []*Command
		inCur   = make(map[*Command]bool)
	)
	for _, c := range cmds {
		split := len(cur) >= r.maxBatchSize
		for _, in := range c.Inputs {
			if inCur[in.From] {
				split = true
				break
			}
		}
		if split && len(cur) > 0 {
			batches = append(batches, cur)
			cur = nil
			clear(inCur)
		}
		cur = append(cur, c)
		inCur[c] = true
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}
