package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/syssam/tether/dialect/sql"
	"github.com/syssam/tether/metadata"
	"github.com/syssam/tether/privacy"
	"github.com/syssam/tether/session"
	"github.com/syssam/tether/store"
	"github.com/syssam/tether/store/sqlstore"
)

// SaveOptions holds the flags of the save command.
type SaveOptions struct {
	PlanOptions
	Driver        string
	DSN           string
	Schema        string
	SlowThreshold time.Duration
	Metrics       bool
	Deny          []string
}

// SaveResult is the outcome of a save.
type SaveResult struct {
	Saved    int               `json:"saved"`
	Entities map[string]string `json:"entities"`
	Stats    string            `json:"stats"`
}

// NewSaveCommand creates the save command.
func NewSaveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SaveOptions{}
	cmd := &cobra.Command{
		Use:   "save <model.yaml> <graph.yaml>",
		Short: "Save a graph file to a database",
		Long: `Track a graph file and save its changes in one transaction. Tables
and columns use the snake_case names of the model, with plural table names.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSave(cmd.Context(), rootOpts, opts, cmd, args[0], args[1])
		},
	}
	cmd.Flags().StringVar(&opts.Driver, "driver", "sqlite", "database/sql driver (sqlite|postgres|pgx|mysql)")
	cmd.Flags().StringVar(&opts.DSN, "dsn", "file:tether.db?_pragma=foreign_keys(1)", "data source name")
	cmd.Flags().StringVar(&opts.Schema, "schema", "", "SQL file executed before the save")
	cmd.Flags().DurationVar(&opts.SlowThreshold, "slow", 100*time.Millisecond, "log statements slower than this")
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "print save metrics in the prometheus text format")
	cmd.Flags().StringSliceVar(&opts.Deny, "deny", nil, "reject saves containing these commands (insert|update|delete)")
	cmd.Flags().IntVar(&opts.MaxBatchSize, "max-batch-size", 0, "commands per batch (default 42)")
	cmd.Flags().BoolVar(&opts.DeleteOrphans, "delete-orphans", false, "delete severed required dependents instead of failing")
	return cmd
}

// policy returns the write policy of the --deny flag.
func (o *SaveOptions) policy() (privacy.Policy, error) {
	if len(o.Deny) == 0 {
		return nil, nil
	}
	kinds := make([]store.Kind, 0, len(o.Deny))
	for _, name := range o.Deny {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "insert":
			kinds = append(kinds, store.Insert)
		case "update":
			kinds = append(kinds, store.Update)
		case "delete":
			kinds = append(kinds, store.Delete)
		default:
			return nil, fmt.Errorf("unknown command kind %q", name)
		}
	}
	return privacy.Policy{privacy.DenyKindRule(kinds...)}, nil
}

func runSave(ctx context.Context, rootOpts *RootOptions, opts *SaveOptions, cmd *cobra.Command, modelPath, graphPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f := rootOpts.formatter(cmd)
	logger := rootOpts.logger(cmd.ErrOrStderr())
	m, err := metadata.LoadFile(modelPath)
	if err != nil {
		return f.Error(ExitFailure, "invalid model", err)
	}
	graph, err := LoadGraph(graphPath)
	if err != nil {
		return f.Error(ExitCommandError, "invalid graph", err)
	}
	policy, err := opts.policy()
	if err != nil {
		return f.Error(ExitCommandError, "invalid --deny", err)
	}
	drv, err := sql.Open(opts.Driver, opts.DSN)
	if err != nil {
		return f.Error(ExitCommandError, "open database", err)
	}
	defer drv.Close()
	if opts.Schema != "" {
		if err := execFile(ctx, drv, opts.Schema); err != nil {
			return f.Error(ExitCommandError, "apply schema", err)
		}
	}
	stats := sql.NewStatsDriver(drv,
		sql.WithSlowThreshold(opts.SlowThreshold),
		sql.WithStatsLogger(logger),
		sql.WithDebug(),
	)
	reg := prometheus.NewRegistry()
	sopts := append(opts.sessionOptions(logger),
		session.WithMetrics(session.NewMetrics(reg)),
		session.WithPolicy(policy),
	)
	s := session.New(m, sqlstore.New(stats, sqlstore.WithLogger(logger)), sopts...)
	bags, err := graph.Apply(s)
	if err != nil {
		return f.Error(ExitFailure, "invalid graph", err)
	}
	n, err := s.SaveChanges(ctx)
	if err != nil {
		return f.Error(ExitFailure, "save failed", err)
	}
	res := SaveResult{Saved: n, Entities: make(map[string]string, len(bags)), Stats: stats.QueryStats().Stats().String()}
	refs := make([]string, 0, len(bags))
	for ref, bag := range bags {
		if _, tracked := s.Entry(bag); !tracked {
			continue
		}
		res.Entities[ref] = bag.String()
		refs = append(refs, ref)
	}
	slices.Sort(refs)
	var b strings.Builder
	fmt.Fprintf(&b, "✓ saved %d entities\n", n)
	for _, ref := range refs {
		fmt.Fprintf(&b, "  %s: %s\n", ref, res.Entities[ref])
	}
	f.VerboseLog("%s", res.Stats)
	if err := f.Success(res, b.String()); err != nil {
		return err
	}
	if opts.Metrics {
		return writeMetrics(f.ErrWriter, reg)
	}
	return nil
}

func execFile(ctx context.Context, drv *sql.Driver, path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = drv.DB().ExecContext(ctx, string(buf))
	return err
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
