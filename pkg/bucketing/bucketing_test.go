package bucketing_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoptal/flagkit/pkg/bucketing"
)

func TestBucketDeterministic(t *testing.T) {
	t.Parallel()

	// Same (key, seed) pair always lands in the same bucket; there is no
	// call-time randomness to flap on.
	for i := range 100 {
		key := fmt.Sprintf("user-%d", i)
		first := bucketing.Bucket(key, "checkout")
		for range 10 {
			assert.Equal(t, first, bucketing.Bucket(key, "checkout"))
		}
	}
}

func TestBucketRange(t *testing.T) {
	t.Parallel()

	for i := range 10_000 {
		b := bucketing.Bucket(fmt.Sprintf("user-%d", i), "seed")
		require.GreaterOrEqual(t, b, 0)
		require.Less(t, b, 100)
	}
}

func TestBucketSeedIndependence(t *testing.T) {
	t.Parallel()

	// Different seeds must shuffle users differently, otherwise the traffic
	// gate and variant selection would be correlated.
	same := 0
	for i := range 1000 {
		key := fmt.Sprintf("user-%d", i)
		if bucketing.Bucket(key, "test-a") == bucketing.Bucket(key, "test-a_variant") {
			same++
		}
	}
	// Expect roughly 1% collisions by chance; anything near 100% means the
	// seed is being ignored.
	assert.Less(t, same, 100)
}

func TestBucketDistribution(t *testing.T) {
	t.Parallel()

	included := 0
	for i := range 10_000 {
		if bucketing.Bucket(fmt.Sprintf("user-%d", i), "rollout") < 50 {
			included++
		}
	}
	// Within a few percentage points of 50%.
	assert.InDelta(t, 5000, included, 300)
}

func TestWeightedChoice(t *testing.T) {
	t.Parallel()

	t.Run("Deterministic", func(t *testing.T) {
		t.Parallel()
		weights := []int{1, 1, 2}
		first, err := bucketing.WeightedChoice("user-1", "seed", weights)
		require.NoError(t, err)
		for range 10 {
			idx, err := bucketing.WeightedChoice("user-1", "seed", weights)
			require.NoError(t, err)
			assert.Equal(t, first, idx)
		}
	})

	t.Run("RespectsWeights", func(t *testing.T) {
		t.Parallel()
		counts := make([]int, 2)
		for i := range 10_000 {
			idx, err := bucketing.WeightedChoice(fmt.Sprintf("user-%d", i), "seed", []int{3, 1})
			require.NoError(t, err)
			counts[idx]++
		}
		// 3:1 split, within tolerance.
		assert.InDelta(t, 7500, counts[0], 400)
		assert.InDelta(t, 2500, counts[1], 400)
	})

	t.Run("SkipsNonPositiveWeights", func(t *testing.T) {
		t.Parallel()
		for i := range 1000 {
			idx, err := bucketing.WeightedChoice(fmt.Sprintf("user-%d", i), "seed", []int{0, 5, -1})
			require.NoError(t, err)
			assert.Equal(t, 1, idx)
		}
	})

	t.Run("NoCandidates", func(t *testing.T) {
		t.Parallel()
		_, err := bucketing.WeightedChoice("user-1", "seed", nil)
		require.ErrorIs(t, err, bucketing.ErrNoCandidates)

		_, err = bucketing.WeightedChoice("user-1", "seed", []int{0, 0})
		require.ErrorIs(t, err, bucketing.ErrNoCandidates)
	})
}

func TestChoiceAt(t *testing.T) {
	t.Parallel()

	t.Run("BandsCoverFullRange", func(t *testing.T) {
		t.Parallel()
		// Equal weights split the 0-99 range down the middle.
		for b := range 100 {
			idx, err := bucketing.ChoiceAt(b, []int{1, 1})
			require.NoError(t, err)
			if b < 50 {
				assert.Equal(t, 0, idx, "bucket %d", b)
			} else {
				assert.Equal(t, 1, idx, "bucket %d", b)
			}
		}
	})

	t.Run("MonotonicInBucket", func(t *testing.T) {
		t.Parallel()
		// Bands are contiguous: the selected index never decreases as the
		// bucket grows, so widening a gate only ever adds users to later
		// bands and never moves a user between variants.
		prev := 0
		for b := range 100 {
			idx, err := bucketing.ChoiceAt(b, []int{1, 1, 2})
			require.NoError(t, err)
			require.GreaterOrEqual(t, idx, prev)
			prev = idx
		}
	})

	t.Run("WeightProportions", func(t *testing.T) {
		t.Parallel()
		counts := make([]int, 2)
		for b := range 100 {
			idx, err := bucketing.ChoiceAt(b, []int{3, 1})
			require.NoError(t, err)
			counts[idx]++
		}
		assert.Equal(t, 75, counts[0])
		assert.Equal(t, 25, counts[1])
	})

	t.Run("NoCandidates", func(t *testing.T) {
		t.Parallel()
		_, err := bucketing.ChoiceAt(10, []int{0})
		require.ErrorIs(t, err, bucketing.ErrNoCandidates)
	})
}
