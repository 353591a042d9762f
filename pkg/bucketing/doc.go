// Package bucketing provides the deterministic hashing primitives behind
// traffic allocation and weighted variant selection.
//
// Bucket maps a stable (key, seed) pair into [0,99] using FNV-1a, so the same
// user always lands in the same bucket across evaluations and process
// restarts. This makes inclusion/exclusion decisions sticky without storing
// any state.
//
// WeightedChoice maps the same kind of pair onto the cumulative relative
// weight ranges of a candidate list. Traffic gating and variant selection
// should use distinct seeds so the two decisions are uncorrelated:
//
//	if bucketing.Bucket(userID, testKey) < trafficPercent {
//		idx, _ := bucketing.WeightedChoice(userID, testKey+"_variant", weights)
//		// ...
//	}
package bucketing
