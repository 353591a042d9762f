// Package abtest implements A/B test definitions, sticky variant
// assignment, conversion tracking, and periodic statistical result
// calculation.
//
// # Assignment
//
// AssignVariant walks a fixed pipeline: active-window check, sticky lookup
// (process cache, then the durable store), audience targeting with exclude
// rules taking precedence over include rules, a deterministic
// traffic-allocation gate, and finally hash-weighted variant selection. The
// gate and the selection use distinct hash seeds so the two decisions are
// uncorrelated. A nil assignment means the caller should treat the user as
// "not in test".
//
// Once a participation record exists, the user keeps that variant for the
// life of the record, even if weights, targeting, or allocation change.
//
// # Results
//
// A background job recomputes results for running tests on a fixed cadence.
// Each treatment variant is compared against the control with a
// two-proportion z-test at the test's configured confidence level
// (default 95%). The significant comparison with the highest confidence
// names the winner; with no winner, a test below its minimum sample size
// stays RUNNING and one at or above it becomes NOT_SIGNIFICANT. Calculation
// failures keep the previously stored result and retry next cycle.
//
// # Usage
//
//	mgr, err := abtest.NewManager(store, abtest.WithEnvironment("production"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer mgr.Close()
//
//	a, err := mgr.AssignVariant(ctx, "checkout-cta", userID, attrs, sessionID)
//	if err != nil || a == nil {
//		// user is not in the test
//	}
//
//	_ = mgr.TrackConversion(ctx, abtest.Conversion{
//		TestKey: "checkout-cta",
//		UserID:  userID,
//		Event:   "purchase",
//	})
package abtest
