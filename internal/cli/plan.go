package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/syssam/tether/metadata"
	"github.com/syssam/tether/session"
	"github.com/syssam/tether/store/memstore"
)

// PlanOptions holds the flags of the plan command.
type PlanOptions struct {
	MaxBatchSize  int
	DeleteOrphans bool
}

// GraphPlan is the plan of one graph file.
type GraphPlan struct {
	Graph    string     `json:"graph"`
	Batches  [][]string `json:"batches"`
	Commands int        `json:"commands"`
	text     string
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlanOptions{}
	cmd := &cobra.Command{
		Use:   "plan <model.yaml> <graph.yaml>...",
		Short: "Print the commit plan of graph files",
		Long: `Track each graph file in its own session and print the ordered,
batched commands a save would run. Nothing is written.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd.Context(), rootOpts, opts, cmd, args[0], args[1:])
		},
	}
	cmd.Flags().IntVar(&opts.MaxBatchSize, "max-batch-size", 0, "commands per batch (default 42)")
	cmd.Flags().BoolVar(&opts.DeleteOrphans, "delete-orphans", false, "delete severed required dependents instead of failing")
	return cmd
}

func (o *PlanOptions) sessionOptions(logger *slog.Logger) []session.Option {
	opts := []session.Option{session.WithLogger(logger)}
	if o.MaxBatchSize > 0 {
		opts = append(opts, session.WithMaxBatchSize(o.MaxBatchSize))
	}
	if o.DeleteOrphans {
		opts = append(opts, session.DeleteOrphans())
	}
	return opts
}

func runPlan(ctx context.Context, rootOpts *RootOptions, opts *PlanOptions, cmd *cobra.Command, modelPath string, graphs []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f := rootOpts.formatter(cmd)
	m, err := metadata.LoadFile(modelPath)
	if err != nil {
		return f.Error(ExitFailure, "invalid model", err)
	}
	logger := rootOpts.logger(cmd.ErrOrStderr())
	plans := make([]GraphPlan, len(graphs))
	g, ctx := errgroup.WithContext(ctx)
	for i, path := range graphs {
		g.Go(func() error {
			p, err := planGraph(ctx, m, path, opts.sessionOptions(logger))
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			plans[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return f.Error(ExitFailure, "plan failed", err)
	}
	var b strings.Builder
	for _, p := range plans {
		if len(graphs) > 1 {
			fmt.Fprintf(&b, "# %s\n", p.Graph)
		}
		if p.Commands == 0 {
			b.WriteString("no changes\n")
			continue
		}
		b.WriteString(p.text)
	}
	return f.Success(plans, b.String())
}

// planGraph plans one graph file in its own session. Sessions share only
// the model, so graphs are planned concurrently.
func planGraph(ctx context.Context, m *metadata.Model, path string, opts []session.Option) (GraphPlan, error) {
	graph, err := LoadGraph(path)
	if err != nil {
		return GraphPlan{}, err
	}
	s := session.New(m, memstore.New(), opts...)
	if _, err := graph.Apply(s); err != nil {
		return GraphPlan{}, err
	}
	plan, err := s.Plan(ctx)
	if err != nil {
		return GraphPlan{}, err
	}
	gp := GraphPlan{Graph: path, Commands: len(plan.Commands), text: plan.String()}
	for _, batch := range plan.Batches {
		cmds := make([]string, len(batch))
		for i, c := range batch {
			cmds[i] = c.String()
		}
		gp.Batches = append(gp.Batches, cmds)
	}
	return gp, nil
}
