package bucketing

import (
	"errors"
	"hash/fnv"
)

// ErrNoCandidates indicates WeightedChoice was called with an empty or
// zero-weight candidate list.
var ErrNoCandidates = errors.New("bucketing: no candidates to choose from")

// Bucket hashes a stable key and seed into a bucket in [0,99].
//
// Same (key, seed) always yields the same bucket. Callers gate traffic with
// `Bucket(id, seed) < percentage`, which includes exactly the configured
// share of a uniformly distributed population: percentage 0 includes no one,
// 100 includes everyone.
func Bucket(key, seed string) int {
	return int(sum32(key, seed) % 100)
}

// WeightedChoice deterministically selects an index from a list of relative
// weights. Weights need not sum to 100; non-positive weights contribute
// nothing. Returns ErrNoCandidates when no candidate has positive weight.
func WeightedChoice(key, seed string, weights []int) (int, error) {
	total := 0
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	if total <= 0 {
		return 0, ErrNoCandidates
	}

	point := int(sum32(key, seed) % uint32(total))
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		point -= w
		if point < 0 {
			return i, nil
		}
	}

	// Unreachable: point < total by construction.
	return len(weights) - 1, nil
}

// ChoiceAt maps an already-computed bucket onto cumulative weight bands laid
// over the full [0,99] range. It lets a rollout gate and the variant
// selection share a single hash: at 100% rollout the selection lands exactly
// on the weight proportions, and narrowing the gate truncates the bands from
// the top rather than reshuffling users between variants.
func ChoiceAt(bucket int, weights []int) (int, error) {
	total := 0
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	if total <= 0 {
		return 0, ErrNoCandidates
	}

	point := bucket * total / 100
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		point -= w
		if point < 0 {
			return i, nil
		}
	}
	return len(weights) - 1, nil
}

func sum32(key, seed string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	h.Write([]byte{':'})
	h.Write([]byte(seed))
	return h.Sum32()
}
