package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/syssam/tether/metadata"
)

// ModelSummary describes a loaded model.
type ModelSummary struct {
	Entities      []EntitySummary `json:"entities"`
	Relationships []string        `json:"relationships"`
}

// EntitySummary describes one entity type.
type EntitySummary struct {
	Name       string   `json:"name"`
	Base       string   `json:"base,omitempty"`
	Key        []string `json:"key,omitempty"`
	Properties []string `json:"properties"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <model.yaml>",
		Short: "Validate an entity model",
		Long: `Load a YAML entity model and report its entity types and
relationships. Fails when the model is inconsistent.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts.formatter(cmd), args[0])
		},
	}
}

func runValidate(f *OutputFormatter, path string) error {
	m, err := metadata.LoadFile(path)
	if err != nil {
		return f.Error(ExitFailure, "invalid model", err)
	}
	summary := summarize(m)
	f.VerboseLog("loaded %d entity types from %s", len(summary.Entities), path)
	var b strings.Builder
	fmt.Fprintf(&b, "✓ %s: %d entity types, %d relationships\n", path, len(summary.Entities), len(summary.Relationships))
	for _, e := range summary.Entities {
		fmt.Fprintf(&b, "  %s", e.Name)
		if e.Base != "" {
			fmt.Fprintf(&b, " : %s", e.Base)
		}
		if len(e.Key) > 0 {
			fmt.Fprintf(&b, " key(%s)", strings.Join(e.Key, ", "))
		}
		b.WriteByte('\n')
	}
	for _, r := range summary.Relationships {
		fmt.Fprintf(&b, "  %s\n", r)
	}
	return f.Success(summary, b.String())
}

func summarize(m *metadata.Model) ModelSummary {
	var s ModelSummary
	for _, t := range m.EntityTypes() {
		e := EntitySummary{Name: t.Name}
		if base := t.BaseType(); base != nil {
			e.Base = base.Name
		}
		if pk := t.PrimaryKey(); pk != nil {
			for _, p := range pk.Properties {
				e.Key = append(e.Key, p.Name)
			}
		}
		for _, p := range t.Properties() {
			e.Properties = append(e.Properties, p.Name+" "+p.Type.String())
		}
		s.Entities = append(s.Entities, e)
		for _, fk := range t.ForeignKeys() {
			if fk.DeclaringType != t {
				continue
			}
			kind := "optional"
			if fk.Required {
				kind = "required"
			}
			s.Relationships = append(s.Relationships, fmt.Sprintf("%s %s on delete %s", fk, kind, fk.DeleteBehavior))
		}
	}
	return s
}
