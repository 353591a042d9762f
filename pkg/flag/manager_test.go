package flag_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoptal/flagkit/pkg/events"
	"github.com/zoptal/flagkit/pkg/flag"
	"github.com/zoptal/flagkit/pkg/storage"
	"github.com/zoptal/flagkit/pkg/targeting"
)

// newManager returns a manager with background sync disabled so tests
// drive refreshes explicitly.
func newManager(t *testing.T, store *storage.Memory, opts ...flag.Option) *flag.Manager {
	t.Helper()
	opts = append([]flag.Option{flag.WithSyncInterval(-1)}, opts...)
	mgr, err := flag.NewManager(store, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

func boolFlag(key string, status flag.Status, rollout int) *flag.Flag {
	return &flag.Flag{
		Key:    key,
		Status: status,
		Variants: []flag.Variant{
			{Key: "on", Value: true, Weight: 1},
			{Key: "off", Value: false, Weight: 1},
		},
		DefaultVariant:    "off",
		RolloutPercentage: rollout,
	}
}

func TestEvaluateFlagNotFound(t *testing.T) {
	t.Parallel()

	mgr := newManager(t, storage.NewMemory())

	res := mgr.Evaluate(context.Background(), "missing", flag.Context{UserID: "u1"})
	assert.Equal(t, flag.ReasonFlagNotFound, res.Reason)
	assert.Equal(t, "missing", res.FlagKey)
	assert.Nil(t, res.Value)
	assert.NotEmpty(t, res.EvaluationID)

	assert.False(t, mgr.GetBool(context.Background(), "missing", flag.Context{UserID: "u1"}, false))
	assert.True(t, mgr.GetBool(context.Background(), "missing", flag.Context{UserID: "u1"}, true))
}

func TestEvaluateFlagDisabled(t *testing.T) {
	t.Parallel()

	mgr := newManager(t, storage.NewMemory())
	require.NoError(t, mgr.CreateFlag(context.Background(), boolFlag("dark-mode", flag.StatusDraft, 100)))

	res := mgr.Evaluate(context.Background(), "dark-mode", flag.Context{UserID: "u1"})
	assert.Equal(t, flag.ReasonFlagDisabled, res.Reason)
	assert.Equal(t, "off", res.Variant)
	assert.Equal(t, false, res.Value)
}

func TestEvaluateRulePrecedence(t *testing.T) {
	t.Parallel()

	mgr := newManager(t, storage.NewMemory())

	// Even with a 100% rollout, a matching enabled rule at priority 1 wins.
	f := boolFlag("new-checkout", flag.StatusActive, 100)
	f.Rules = []flag.Rule{
		{
			ID: "r-force-on", Priority: 1, Enabled: true,
			Condition: targeting.Condition{Attribute: "plan", Operator: targeting.OpEquals, Value: "pro"},
			Variant:   "on",
		},
	}
	require.NoError(t, mgr.CreateFlag(context.Background(), f))

	res := mgr.Evaluate(context.Background(), "new-checkout", flag.Context{
		UserID:     "u1",
		Attributes: map[string]any{"plan": "pro"},
	})
	assert.Equal(t, flag.ReasonRuleMatch, res.Reason)
	assert.Equal(t, "on", res.Variant)
	assert.Equal(t, "r-force-on", res.RuleID)
}

func TestEvaluateRuleOrdering(t *testing.T) {
	t.Parallel()

	mgr := newManager(t, storage.NewMemory())

	f := boolFlag("ordering", flag.StatusActive, 0)
	match := targeting.Condition{Attribute: "plan", Operator: targeting.OpEquals, Value: "pro"}
	f.Rules = []flag.Rule{
		{ID: "r-later", Priority: 5, Enabled: true, Condition: match, Variant: "off"},
		{ID: "r-first", Priority: 1, Enabled: true, Condition: match, Variant: "on"},
		{ID: "r-disabled", Priority: 0, Enabled: false, Condition: match, Variant: "off"},
	}
	require.NoError(t, mgr.CreateFlag(context.Background(), f))

	res := mgr.Evaluate(context.Background(), "ordering", flag.Context{
		UserID:     "u1",
		Attributes: map[string]any{"plan": "pro"},
	})

	// Disabled rules are skipped and the lowest priority number wins.
	assert.Equal(t, flag.ReasonRuleMatch, res.Reason)
	assert.Equal(t, "r-first", res.RuleID)
	assert.Equal(t, "on", res.Variant)
}

func TestEvaluateRolloutBoundaries(t *testing.T) {
	t.Parallel()

	t.Run("ZeroIncludesNobody", func(t *testing.T) {
		t.Parallel()
		mgr := newManager(t, storage.NewMemory())
		require.NoError(t, mgr.CreateFlag(context.Background(), boolFlag("zero", flag.StatusActive, 0)))

		for i := range 500 {
			res := mgr.Evaluate(context.Background(), "zero", flag.Context{UserID: fmt.Sprintf("u%d", i)})
			require.Equal(t, flag.ReasonDefault, res.Reason)
			require.Equal(t, "off", res.Variant)
		}
	})

	t.Run("HundredIncludesEverybody", func(t *testing.T) {
		t.Parallel()
		mgr := newManager(t, storage.NewMemory())
		require.NoError(t, mgr.CreateFlag(context.Background(), boolFlag("hundred", flag.StatusActive, 100)))

		for i := range 500 {
			res := mgr.Evaluate(context.Background(), "hundred", flag.Context{UserID: fmt.Sprintf("u%d", i)})
			require.Equal(t, flag.ReasonRollout, res.Reason)
		}
	})
}

func TestEvaluateDeterministicPerUser(t *testing.T) {
	t.Parallel()

	mgr := newManager(t, storage.NewMemory())
	require.NoError(t, mgr.CreateFlag(context.Background(), boolFlag("sticky", flag.StatusActive, 50)))

	for i := range 50 {
		ec := flag.Context{UserID: fmt.Sprintf("u%d", i)}
		first := mgr.Evaluate(context.Background(), "sticky", ec)
		for range 5 {
			res := mgr.Evaluate(context.Background(), "sticky", ec)
			require.Equal(t, first.Variant, res.Variant)
			require.Equal(t, first.Reason, res.Reason)
		}
	}
}

func TestEvaluateAnonymousFallsBackToSession(t *testing.T) {
	t.Parallel()

	mgr := newManager(t, storage.NewMemory())
	require.NoError(t, mgr.CreateFlag(context.Background(), boolFlag("anon", flag.StatusActive, 50)))

	withSession := mgr.Evaluate(context.Background(), "anon", flag.Context{SessionID: "s-123"})
	repeat := mgr.Evaluate(context.Background(), "anon", flag.Context{SessionID: "s-123"})
	assert.Equal(t, withSession.Variant, repeat.Variant)

	// Fully anonymous traffic shares one bucket and stays deterministic.
	a := mgr.Evaluate(context.Background(), "anon", flag.Context{})
	b := mgr.Evaluate(context.Background(), "anon", flag.Context{})
	assert.Equal(t, a.Variant, b.Variant)
}

func TestEvaluateBadRuleDegradesToError(t *testing.T) {
	t.Parallel()

	mgr := newManager(t, storage.NewMemory())

	f := boolFlag("broken", flag.StatusActive, 100)
	f.Rules = []flag.Rule{
		{
			ID: "r-bad", Priority: 1, Enabled: true,
			Condition: targeting.Condition{Attribute: "email", Operator: targeting.OpRegex, Value: "[unclosed"},
			Variant:   "on",
		},
	}
	require.NoError(t, mgr.CreateFlag(context.Background(), f))

	res := mgr.Evaluate(context.Background(), "broken", flag.Context{
		UserID:     "u1",
		Attributes: map[string]any{"email": "a@b.com"},
	})
	assert.Equal(t, flag.ReasonError, res.Reason)
	assert.Equal(t, "off", res.Variant)
	assert.Equal(t, false, res.Value)
}

func TestEvaluationLogIsAppended(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	mgr := newManager(t, store)
	require.NoError(t, mgr.CreateFlag(context.Background(), boolFlag("audited", flag.StatusActive, 100)))

	res := mgr.Evaluate(context.Background(), "audited", flag.Context{UserID: "u1"})

	// The log write is asynchronous and must not block the evaluation.
	require.Eventually(t, func() bool {
		for _, e := range store.Evaluations() {
			if e.ID == res.EvaluationID && e.FlagKey == "audited" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTypedGetters(t *testing.T) {
	t.Parallel()

	mgr := newManager(t, storage.NewMemory())

	f := &flag.Flag{
		Key:    "pricing-banner",
		Status: flag.StatusActive,
		Variants: []flag.Variant{
			{Key: "config", Value: map[string]any{"cta": "Buy now", "discount": 20}, Weight: 1},
		},
		DefaultVariant:    "config",
		RolloutPercentage: 0,
	}
	require.NoError(t, mgr.CreateFlag(context.Background(), f))

	ec := flag.Context{UserID: "u1"}
	ctx := context.Background()

	got := mgr.GetJSON(ctx, "pricing-banner", ec, nil)
	require.NotNil(t, got)
	assert.Equal(t, "Buy now", got["cta"])

	// Type mismatches fall back to the caller default.
	assert.Equal(t, "fallback", mgr.GetString(ctx, "pricing-banner", ec, "fallback"))
	assert.Equal(t, 1.5, mgr.GetNumber(ctx, "pricing-banner", ec, 1.5))
	assert.True(t, mgr.GetBool(ctx, "pricing-banner", ec, true))
}

func TestEvaluateAll(t *testing.T) {
	t.Parallel()

	mgr := newManager(t, storage.NewMemory())
	require.NoError(t, mgr.CreateFlag(context.Background(), boolFlag("a", flag.StatusActive, 100)))
	require.NoError(t, mgr.CreateFlag(context.Background(), boolFlag("b", flag.StatusDraft, 0)))

	out := mgr.EvaluateAll(context.Background(), []string{"a", "b", "c"}, flag.Context{UserID: "u1"})
	require.Len(t, out, 3)
	assert.Equal(t, flag.ReasonRollout, out["a"].Reason)
	assert.Equal(t, flag.ReasonFlagDisabled, out["b"].Reason)
	assert.Equal(t, flag.ReasonFlagNotFound, out["c"].Reason)
}

func TestCreateFlagValidation(t *testing.T) {
	t.Parallel()

	mgr := newManager(t, storage.NewMemory())
	ctx := context.Background()

	t.Run("MissingDefaultVariant", func(t *testing.T) {
		f := boolFlag("bad-default", flag.StatusDraft, 0)
		f.DefaultVariant = "nope"
		require.ErrorIs(t, mgr.CreateFlag(ctx, f), flag.ErrInvalidFlag)
	})

	t.Run("RuleTargetsUnknownVariant", func(t *testing.T) {
		f := boolFlag("bad-rule", flag.StatusDraft, 0)
		f.Rules = []flag.Rule{{ID: "r1", Enabled: true, Variant: "ghost",
			Condition: targeting.Condition{Attribute: "x", Operator: targeting.OpIsNotNull}}}
		require.ErrorIs(t, mgr.CreateFlag(ctx, f), flag.ErrInvalidFlag)
	})

	t.Run("RolloutOutOfRange", func(t *testing.T) {
		f := boolFlag("bad-rollout", flag.StatusDraft, 101)
		require.ErrorIs(t, mgr.CreateFlag(ctx, f), flag.ErrInvalidFlag)
	})

	t.Run("DuplicateKey", func(t *testing.T) {
		require.NoError(t, mgr.CreateFlag(ctx, boolFlag("dup", flag.StatusDraft, 0)))
		require.ErrorIs(t, mgr.CreateFlag(ctx, boolFlag("dup", flag.StatusDraft, 0)), flag.ErrFlagExists)
	})

	t.Run("NilFlag", func(t *testing.T) {
		require.ErrorIs(t, mgr.CreateFlag(ctx, nil), flag.ErrInvalidFlag)
	})
}

func TestUpdateFlagTransitions(t *testing.T) {
	t.Parallel()

	mgr := newManager(t, storage.NewMemory())
	ctx := context.Background()

	require.NoError(t, mgr.CreateFlag(ctx, boolFlag("lifecycle", flag.StatusDraft, 0)))

	// draft -> inactive is not allowed.
	f := boolFlag("lifecycle", flag.StatusInactive, 0)
	require.ErrorIs(t, mgr.UpdateFlag(ctx, f), flag.ErrInvalidTransition)

	// draft -> active -> inactive -> active is.
	require.NoError(t, mgr.UpdateFlag(ctx, boolFlag("lifecycle", flag.StatusActive, 0)))
	require.NoError(t, mgr.UpdateFlag(ctx, boolFlag("lifecycle", flag.StatusInactive, 0)))
	require.NoError(t, mgr.UpdateFlag(ctx, boolFlag("lifecycle", flag.StatusActive, 0)))

	// Archived is terminal.
	require.NoError(t, mgr.UpdateFlag(ctx, boolFlag("lifecycle", flag.StatusArchived, 0)))
	require.ErrorIs(t, mgr.UpdateFlag(ctx, boolFlag("lifecycle", flag.StatusActive, 0)), flag.ErrInvalidTransition)

	t.Run("UnknownFlag", func(t *testing.T) {
		require.ErrorIs(t, mgr.UpdateFlag(ctx, boolFlag("ghost", flag.StatusActive, 0)), flag.ErrFlagNotFound)
	})
}

func TestDeleteFlag(t *testing.T) {
	t.Parallel()

	mgr := newManager(t, storage.NewMemory())
	ctx := context.Background()

	require.NoError(t, mgr.CreateFlag(ctx, boolFlag("short-lived", flag.StatusDraft, 0)))
	require.NoError(t, mgr.DeleteFlag(ctx, "short-lived"))
	require.ErrorIs(t, mgr.DeleteFlag(ctx, "short-lived"), flag.ErrFlagNotFound)

	res := mgr.Evaluate(ctx, "short-lived", flag.Context{UserID: "u1"})
	assert.Equal(t, flag.ReasonFlagNotFound, res.Reason)
}

func TestSyncPicksUpStoreWrites(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	mgr := newManager(t, store, flag.WithEnvironment("production"))

	genBefore := mgr.Generation()

	// Another process writes a flag directly to storage.
	require.NoError(t, store.SaveFlag(context.Background(), flag.Flag{
		ID:  "f-ext",
		Key: "external",
		Variants: []flag.Variant{
			{Key: "on", Value: true, Weight: 1},
		},
		DefaultVariant: "on",
		Status:         flag.StatusActive,
		Environment:    "production",
		UpdatedAt:      time.Now().UTC(),
	}))

	require.NoError(t, mgr.Sync(context.Background()))
	assert.Greater(t, mgr.Generation(), genBefore)

	got, err := mgr.GetFlag("external")
	require.NoError(t, err)
	assert.Equal(t, "external", got.Key)

	// Unchanged storage: sync is a cheap no-op.
	gen := mgr.Generation()
	require.NoError(t, mgr.Sync(context.Background()))
	assert.Equal(t, gen, mgr.Generation())
}

func TestManagementEmitsEvents(t *testing.T) {
	t.Parallel()

	em := events.NewEmitter(16)
	defer em.Close()
	sub := em.Subscribe(context.Background())

	mgr := newManager(t, storage.NewMemory(), flag.WithEmitter(em))
	require.NoError(t, mgr.CreateFlag(context.Background(), boolFlag("observed", flag.StatusDraft, 0)))

	select {
	case ev := <-sub:
		assert.Equal(t, events.FlagCreated, ev.Name)
	case <-time.After(time.Second):
		t.Fatal("flagCreated event was not emitted")
	}
}

func TestManagerClosedRejectsWrites(t *testing.T) {
	t.Parallel()

	mgr := newManager(t, storage.NewMemory())
	require.NoError(t, mgr.Close())

	require.ErrorIs(t, mgr.CreateFlag(context.Background(), boolFlag("late", flag.StatusDraft, 0)), flag.ErrManagerClosed)
	require.ErrorIs(t, mgr.Sync(context.Background()), flag.ErrManagerClosed)
}
