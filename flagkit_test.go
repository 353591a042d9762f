package flagkit_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoptal/flagkit"
	"github.com/zoptal/flagkit/pkg/abtest"
	"github.com/zoptal/flagkit/pkg/events"
	"github.com/zoptal/flagkit/pkg/flag"
	"github.com/zoptal/flagkit/pkg/storage"
)

// newSystem wires a System on an in-memory provider with background jobs
// disabled.
func newSystem(t *testing.T) *flagkit.System {
	t.Helper()
	sys, err := flagkit.New(flagkit.Config{
		Environment:      "production",
		FlagSyncInterval: -1,
		ResultsInterval:  -1,
		EventBuffer:      64,
	}, storage.NewMemory())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sys.Close() })
	return sys
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := flagkit.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, 30*time.Second, cfg.FlagSyncInterval)
	assert.Equal(t, 5*time.Minute, cfg.ResultsInterval)
	assert.Equal(t, 64, cfg.EventBuffer)
}

func TestNewRequiresProvider(t *testing.T) {
	t.Parallel()

	_, err := flagkit.New(flagkit.Config{}, nil)
	require.Error(t, err)
}

func TestRolloutEndToEnd(t *testing.T) {
	t.Parallel()

	sys := newSystem(t)
	ctx := context.Background()

	require.NoError(t, sys.Flags().CreateFlag(ctx, &flag.Flag{
		Key:    "new-checkout",
		Status: flag.StatusActive,
		Variants: []flag.Variant{
			{Key: "on", Value: true, Weight: 1},
			{Key: "off", Value: false, Weight: 1},
		},
		DefaultVariant:    "off",
		RolloutPercentage: 50,
	}))

	// The same user always sees the same variant.
	first := sys.EvaluateFlag(ctx, "new-checkout", flag.Context{UserID: "u1"})
	second := sys.EvaluateFlag(ctx, "new-checkout", flag.Context{UserID: "u1"})
	assert.Equal(t, first.Variant, second.Variant)
	assert.Equal(t, first.Value, second.Value)

	// Across many users the rollout holds close to its percentage.
	on := 0
	for i := range 10_000 {
		if sys.GetBool(ctx, "new-checkout", flag.Context{UserID: fmt.Sprintf("user-%d", i)}, false) {
			on++
		}
	}
	assert.InDelta(t, 5000, on, 400)
}

func TestExperimentEndToEnd(t *testing.T) {
	t.Parallel()

	sys := newSystem(t)
	ctx := context.Background()

	require.NoError(t, sys.Tests().CreateTest(ctx, &abtest.Test{
		Key:    "pricing-page",
		Status: abtest.StatusRunning,
		Variants: []abtest.Variant{
			{Key: "control", Weight: 1, IsControl: true},
			{Key: "annual-first", Weight: 1},
		},
		Allocation: abtest.Allocation{TrafficPercent: 100},
	}))

	a, err := sys.AssignVariant(ctx, "pricing-page", "u1", nil, "")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Contains(t, []string{"control", "annual-first"}, a.Variant)

	require.NoError(t, sys.TrackConversion(ctx, abtest.Conversion{
		TestKey: "pricing-page",
		UserID:  "u1",
		Event:   "upgrade",
	}))

	// Nothing calculated yet.
	r, err := sys.GetTestResults(ctx, "pricing-page")
	require.NoError(t, err)
	assert.Nil(t, r)

	sys.Tests().Recalculate(ctx)

	r, err = sys.GetTestResults(ctx, "pricing-page")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, abtest.ResultRunning, r.Status)
}

func TestEventsSurfaceOnSharedBus(t *testing.T) {
	t.Parallel()

	sys := newSystem(t)
	ctx := context.Background()
	sub := sys.Events(ctx)

	require.NoError(t, sys.Flags().CreateFlag(ctx, &flag.Flag{
		Key:            "observed",
		Variants:       []flag.Variant{{Key: "on", Value: true, Weight: 1}},
		DefaultVariant: "on",
	}))

	select {
	case ev := <-sub:
		assert.Equal(t, events.FlagCreated, ev.Name)
	case <-time.After(time.Second):
		t.Fatal("flagCreated event did not reach the shared bus")
	}
}

func TestHealthcheckAndClose(t *testing.T) {
	t.Parallel()

	sys, err := flagkit.New(flagkit.Config{
		Environment:      "production",
		FlagSyncInterval: -1,
		ResultsInterval:  -1,
		EventBuffer:      8,
	}, storage.NewMemory())
	require.NoError(t, err)

	require.NoError(t, sys.Healthcheck(context.Background()))
	require.NoError(t, sys.Close())

	res := sys.EvaluateFlag(context.Background(), "anything", flag.Context{UserID: "u1"})
	assert.Equal(t, flag.ReasonFlagNotFound, res.Reason)
}
