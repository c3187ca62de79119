package privacy_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/tether/commit"
	"github.com/syssam/tether/internal/testmodel"
	"github.com/syssam/tether/privacy"
	"github.com/syssam/tether/store"
	"github.com/syssam/tether/tracking"
)

// plan returns a plan updating Blog{1} and inserting a Dog.
func plan(t *testing.T) *commit.Plan {
	t.Helper()
	sm := tracking.NewStateManager(testmodel.Model())
	blog := &testmodel.Blog{ID: 1, Name: "b"}
	_, err := sm.Attach(blog)
	require.NoError(t, err)
	blog.Name = "renamed"
	_, err = sm.Add(&testmodel.Dog{Animal: testmodel.Animal{Name: "rex"}, Breed: "collie"})
	require.NoError(t, err)
	require.NoError(t, sm.DetectChanges())
	p, err := commit.NewResolver().Resolve(sm)
	require.NoError(t, err)
	require.Len(t, p.Commands, 2)
	return p
}

func command(t *testing.T, p *commit.Plan, kind store.Kind) *commit.Command {
	t.Helper()
	for _, c := range p.Commands {
		if c.Kind == kind {
			return c
		}
	}
	t.Fatalf("no %s command", kind)
	return nil
}

func TestDecisionErrors(t *testing.T) {
	t.Parallel()
	assert.ErrorIs(t, privacy.Allowf("ok %d", 1), privacy.Allow)
	assert.ErrorIs(t, privacy.Denyf("no %s", "way"), privacy.Deny)
	assert.ErrorIs(t, privacy.Skipf("later"), privacy.Skip)
	assert.EqualError(t, privacy.Denyf("no %s", "way"), "no way: tether/privacy: deny rule")
}

func TestPolicy_EvalCommand(t *testing.T) {
	t.Parallel()
	p := plan(t)
	update := command(t, p, store.Update)
	ctx := context.Background()

	tests := []struct {
		name   string
		policy privacy.Policy
		want   error
	}{
		{name: "Empty", policy: nil},
		{name: "AllSkip", policy: privacy.Policy{privacy.ContextRule(func(context.Context) error { return nil })}},
		{name: "Deny", policy: privacy.Policy{privacy.AlwaysDenyRule()}, want: privacy.Deny},
		{name: "AllowFirst", policy: privacy.Policy{privacy.AlwaysAllowRule(), privacy.AlwaysDenyRule()}},
		{name: "DenyFirst", policy: privacy.Policy{privacy.AlwaysDenyRule(), privacy.AlwaysAllowRule()}, want: privacy.Deny},
		{
			name: "CustomError",
			policy: privacy.Policy{privacy.RuleFunc(func(context.Context, *commit.Command) error {
				return errors.New("boom")
			})},
			want: errors.New("boom"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.policy.EvalCommand(ctx, update)
			switch {
			case tt.want == nil:
				assert.NoError(t, err)
			case errors.Is(tt.want, privacy.Deny):
				assert.ErrorIs(t, err, privacy.Deny)
			default:
				assert.EqualError(t, err, tt.want.Error())
			}
		})
	}
}

func TestOnKind(t *testing.T) {
	t.Parallel()
	p := plan(t)
	ctx := context.Background()
	rule := privacy.DenyKindRule(store.Insert, store.Delete)

	err := rule.EvalCommand(ctx, command(t, p, store.Insert))
	assert.ErrorIs(t, err, privacy.Deny)
	assert.Contains(t, err.Error(), "insert is not allowed")
	assert.ErrorIs(t, rule.EvalCommand(ctx, command(t, p, store.Update)), privacy.Skip)
}

func TestOnTypes(t *testing.T) {
	t.Parallel()
	p := plan(t)
	ctx := context.Background()
	rule := privacy.OnTypes(privacy.AlwaysDenyRule(), "Animal")

	assert.ErrorIs(t, rule.EvalCommand(ctx, command(t, p, store.Insert)), privacy.Deny, "a Dog is an Animal")
	assert.ErrorIs(t, rule.EvalCommand(ctx, command(t, p, store.Update)), privacy.Skip)
}

func TestEvalPlan(t *testing.T) {
	t.Parallel()
	p := plan(t)
	ctx := context.Background()

	policy := privacy.Policy{privacy.OnTypes(privacy.AlwaysDenyRule(), "Dog")}
	err := policy.EvalPlan(ctx, p)
	require.ErrorIs(t, err, privacy.Deny)
	assert.Contains(t, err.Error(), "insert Dog{-1}")

	policy = privacy.Policy{privacy.OnTypes(privacy.AlwaysDenyRule(), "Cat")}
	assert.NoError(t, policy.EvalPlan(ctx, p))
}

func TestDecisionContext(t *testing.T) {
	t.Parallel()
	p := plan(t)
	update := command(t, p, store.Update)
	deny := privacy.Policy{privacy.AlwaysDenyRule()}

	ctx := privacy.DecisionContext(context.Background(), privacy.Allow)
	assert.NoError(t, deny.EvalCommand(ctx, update), "an allow decision overrides the rules")

	ctx = privacy.DecisionContext(context.Background(), privacy.Skip)
	_, ok := privacy.DecisionFromContext(ctx)
	assert.False(t, ok)

	ctx = privacy.DecisionContext(context.Background(), privacy.Denyf("read only"))
	err := privacy.Policy{privacy.AlwaysAllowRule()}.EvalCommand(ctx, update)
	assert.ErrorIs(t, err, privacy.Deny)
}
