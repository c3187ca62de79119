// Package privacy provides write policies that decide, command by command,
// whether a planned save may reach the store.
package privacy

import (
	"context"
	"errors"
	"fmt"

	"github.com/syssam/tether/commit"
	"github.com/syssam/tether/store"
)

// Policy decision sentinel errors. Rules return them, possibly wrapped, to
// steer the evaluation:
//
//	if errors.Is(err, privacy.Deny) { ... }
var (
	// Allow terminates the evaluation and permits the command.
	Allow = errors.New("tether/privacy: allow rule")

	// Deny terminates the evaluation and rejects the command.
	Deny = errors.New("tether/privacy: deny rule")

	// Skip abstains and lets the next rule decide.
	Skip = errors.New("tether/privacy: skip rule")
)

// Allowf returns a formatted wrapped Allow decision.
func Allowf(format string, a ...any) error {
	return fmt.Errorf(format+": %w", append(a, Allow)...)
}

// Denyf returns a formatted wrapped Deny decision.
func Denyf(format string, a ...any) error {
	return fmt.Errorf(format+": %w", append(a, Deny)...)
}

// Skipf returns a formatted wrapped Skip decision.
func Skipf(format string, a ...any) error {
	return fmt.Errorf(format+": %w", append(a, Skip)...)
}

type (
	// Rule decides whether a planned command may be written.
	Rule interface {
		EvalCommand(context.Context, *commit.Command) error
	}

	// RuleFunc is an adapter that allows the use of ordinary functions
	// as rules.
	RuleFunc func(context.Context, *commit.Command) error

	// Policy is an ordered list of rules. The first rule returning a
	// decision other than Skip wins. A policy whose rules all skip
	// permits the command.
	Policy []Rule
)

// EvalCommand returns f(ctx, c).
func (f RuleFunc) EvalCommand(ctx context.Context, c *commit.Command) error {
	return f(ctx, c)
}

// EvalCommand evaluates the rules of the policy against c. It returns nil
// when c is permitted.
func (p Policy) EvalCommand(ctx context.Context, c *commit.Command) error {
	if decision, ok := DecisionFromContext(ctx); ok {
		return decision
	}
	for _, rule := range p {
		switch decision := rule.EvalCommand(ctx, c); {
		case decision == nil || errors.Is(decision, Skip):
		case errors.Is(decision, Allow):
			return nil
		default:
			return decision
		}
	}
	return nil
}

// EvalPlan evaluates the policy against every command of the plan and
// returns the first rejection, annotated with the rejected command.
func (p Policy) EvalPlan(ctx context.Context, plan *commit.Plan) error {
	for _, c := range plan.Commands {
		if err := p.EvalCommand(ctx, c); err != nil {
			return fmt.Errorf("%s: %w", c, err)
		}
	}
	return nil
}

// AlwaysAllowRule returns a rule that always returns an Allow decision.
func AlwaysAllowRule() Rule {
	return fixedDecision{Allow}
}

// AlwaysDenyRule returns a rule that always returns a Deny decision.
func AlwaysDenyRule() Rule {
	return fixedDecision{Deny}
}

// ContextRule creates a rule from a function that only looks at the
// context. Returning nil is the same as returning Skip.
func ContextRule(eval func(context.Context) error) Rule {
	return RuleFunc(func(ctx context.Context, _ *commit.Command) error {
		return eval(ctx)
	})
}

// OnKind returns a rule that evaluates rule only for commands of the
// given kinds and skips the others.
func OnKind(rule Rule, kinds ...store.Kind) Rule {
	return RuleFunc(func(ctx context.Context, c *commit.Command) error {
		for _, k := range kinds {
			if c.Kind == k {
				return rule.EvalCommand(ctx, c)
			}
		}
		return Skip
	})
}

// DenyKindRule returns a rule denying commands of the given kinds.
func DenyKindRule(kinds ...store.Kind) Rule {
	rule := RuleFunc(func(_ context.Context, c *commit.Command) error {
		return Denyf("tether/privacy: %s is not allowed", c.Kind)
	})
	return OnKind(rule, kinds...)
}

// OnTypes returns a rule that evaluates rule only for commands writing an
// entity of one of the named types, or of a type derived from one.
func OnTypes(rule Rule, names ...string) Rule {
	return RuleFunc(func(ctx context.Context, c *commit.Command) error {
		for t := c.Entry.EntityType(); t != nil; t = t.BaseType() {
			for _, name := range names {
				if t.Name == name {
					return rule.EvalCommand(ctx, c)
				}
			}
		}
		return Skip
	})
}

type decisionCtxKey struct{}

// DecisionContext creates a context carrying a decision that overrides
// every policy evaluated under it. Skip and nil leave parent unchanged.
func DecisionContext(parent context.Context, decision error) context.Context {
	if decision == nil || errors.Is(decision, Skip) {
		return parent
	}
	return context.WithValue(parent, decisionCtxKey{}, decision)
}

// DecisionFromContext retrieves the decision stored by DecisionContext.
// An Allow decision is reported as nil.
func DecisionFromContext(ctx context.Context) (error, bool) {
	decision, ok := ctx.Value(decisionCtxKey{}).(error)
	if ok && errors.Is(decision, Allow) {
		decision = nil
	}
	return decision, ok
}

type fixedDecision struct {
	decision error
}

func (f fixedDecision) EvalCommand(context.Context, *commit.Command) error {
	return f.decision
}
