// Package flagkit is an embeddable feature-flag evaluation and A/B-testing
// engine.
//
// A System bundles two managers behind one storage provider: the flag
// manager resolves feature flags to variant values through rule matching,
// percentage rollout, and defaults; the test manager handles sticky variant
// assignment, conversion tracking, and periodic statistical significance
// calculation. Both keep definitions in atomically swapped in-memory
// snapshots refreshed by background sync, so the evaluation path never
// waits on storage.
//
// # Usage
//
//	cfg, err := flagkit.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	sys, err := flagkit.New(cfg, storage.NewMemory())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sys.Close()
//
//	res := sys.EvaluateFlag(ctx, "new-checkout", flag.Context{UserID: userID})
//	if sys.GetBool(ctx, "new-checkout", fctx, false) {
//		// new checkout path
//	}
//
//	a, _ := sys.AssignVariant(ctx, "checkout-cta", userID, attrs, sessionID)
//	if a != nil {
//		_ = sys.TrackConversion(ctx, abtest.Conversion{
//			TestKey: "checkout-cta", UserID: userID, Event: "purchase",
//		})
//	}
//
// # Failure behavior
//
// Evaluation never surfaces errors to callers: unknown flags, disabled
// flags, and internal failures all degrade to a safe default value plus a
// machine-readable reason. Storage writes on the hot path (evaluation log,
// participation records) favor availability: the in-memory effect is kept
// and returned even when persistence fails, and the failure is logged.
//
// Storage backends implement storage.Provider; pkg/storage ships an
// in-memory provider, with MongoDB and Redis providers in subpackages.
package flagkit
