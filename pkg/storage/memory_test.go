package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoptal/flagkit/pkg/abtest"
	"github.com/zoptal/flagkit/pkg/flag"
	"github.com/zoptal/flagkit/pkg/storage"
)

func TestMemoryFlags(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	ctx := context.Background()

	f := flag.Flag{
		ID:          "f1",
		Key:         "new-checkout",
		Environment: "production",
		Status:      flag.StatusActive,
		Variants: []flag.Variant{
			{Key: "on", Value: true, Weight: 1},
		},
		DefaultVariant: "on",
	}

	before, err := store.GetLastModifiedTime(ctx, "production")
	require.NoError(t, err)
	assert.True(t, before.IsZero())

	require.NoError(t, store.SaveFlag(ctx, f))

	after, err := store.GetLastModifiedTime(ctx, "production")
	require.NoError(t, err)
	assert.False(t, after.IsZero())

	t.Run("EnvironmentIsolation", func(t *testing.T) {
		flags, err := store.GetAllFlags(ctx, "staging")
		require.NoError(t, err)
		assert.Empty(t, flags)

		flags, err = store.GetAllFlags(ctx, "production")
		require.NoError(t, err)
		require.Len(t, flags, 1)
		assert.Equal(t, "new-checkout", flags[0].Key)
	})

	t.Run("ReturnsCopies", func(t *testing.T) {
		flags, err := store.GetAllFlags(ctx, "production")
		require.NoError(t, err)
		flags[0].Variants[0].Key = "mutated"

		again, err := store.GetAllFlags(ctx, "production")
		require.NoError(t, err)
		assert.Equal(t, "on", again[0].Variants[0].Key)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.DeleteFlag(ctx, "production", "new-checkout"))
		require.ErrorIs(t, store.DeleteFlag(ctx, "production", "new-checkout"), flag.ErrFlagNotFound)

		flags, err := store.GetAllFlags(ctx, "production")
		require.NoError(t, err)
		assert.Empty(t, flags)
	})
}

func TestMemoryEvaluationLog(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	ctx := context.Background()

	require.NoError(t, store.LogEvaluation(ctx, flag.Evaluation{ID: "e1", FlagKey: "a"}))
	require.NoError(t, store.LogEvaluation(ctx, flag.Evaluation{ID: "e2", FlagKey: "b"}))

	evals := store.Evaluations()
	require.Len(t, evals, 2)
	assert.Equal(t, "e1", evals[0].ID)
}

func TestMemoryParticipationFirstWriteWins(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	ctx := context.Background()

	first := abtest.Participation{TestID: "t1", UserID: "u1", Variant: "control"}
	require.NoError(t, store.RecordParticipation(ctx, first))

	// A second write for the same (test, user) pair is ignored.
	require.NoError(t, store.RecordParticipation(ctx, abtest.Participation{
		TestID: "t1", UserID: "u1", Variant: "treatment",
	}))

	got, err := store.GetParticipation(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "control", got.Variant)

	t.Run("NotFound", func(t *testing.T) {
		_, err := store.GetParticipation(ctx, "t1", "stranger")
		require.ErrorIs(t, err, abtest.ErrParticipationNotFound)

		_, err = store.GetParticipation(ctx, "unknown", "u1")
		require.ErrorIs(t, err, abtest.ErrParticipationNotFound)
	})

	t.Run("ListPerTest", func(t *testing.T) {
		require.NoError(t, store.RecordParticipation(ctx, abtest.Participation{
			TestID: "t1", UserID: "u2", Variant: "treatment",
		}))

		ps, err := store.GetParticipations(ctx, "t1")
		require.NoError(t, err)
		assert.Len(t, ps, 2)
	})
}

func TestMemoryConversionsAppendOnly(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	ctx := context.Background()

	for range 3 {
		require.NoError(t, store.RecordConversion(ctx, abtest.Conversion{
			TestID: "t1", UserID: "u1", Variant: "control", Event: "signup",
		}))
	}

	convs, err := store.GetConversions(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, convs, 3)

	convs, err = store.GetConversions(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestMemoryResultMonotonic(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.SaveResult(ctx, abtest.Result{
		TestID: "t1", Status: abtest.ResultSignificant, CalculatedAt: now,
	}))

	// A stale result never replaces a newer one.
	require.NoError(t, store.SaveResult(ctx, abtest.Result{
		TestID: "t1", Status: abtest.ResultRunning, CalculatedAt: now.Add(-time.Minute),
	}))

	got, err := store.GetResult(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, abtest.ResultSignificant, got.Status)

	// A newer one does.
	require.NoError(t, store.SaveResult(ctx, abtest.Result{
		TestID: "t1", Status: abtest.ResultNotSignificant, CalculatedAt: now.Add(time.Minute),
	}))
	got, err = store.GetResult(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, abtest.ResultNotSignificant, got.Status)

	t.Run("NotFound", func(t *testing.T) {
		_, err := store.GetResult(ctx, "missing")
		require.ErrorIs(t, err, abtest.ErrResultNotFound)
	})
}

func TestMemoryProviderContract(t *testing.T) {
	t.Parallel()

	var _ storage.Provider = (*storage.Memory)(nil)

	store := storage.NewMemory()
	require.NoError(t, store.Healthcheck(context.Background()))
	require.NoError(t, store.Close())
}
