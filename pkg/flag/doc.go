// Package flag implements feature flag definitions, deterministic
// evaluation, and a managed definition cache with periodic storage sync.
//
// Evaluation resolves a flag to a single variant through a fixed precedence:
// targeting rules (ascending priority), then the percentage rollout gate,
// then the default variant. Both the rollout gate and the rollout variant
// choice are hash-deterministic per user, so a user re-evaluating the same
// flag always receives the same variant.
//
// # Usage
//
//	store := storage.NewMemory()
//	mgr, err := flag.NewManager(store,
//		flag.WithEnvironment("production"),
//		flag.WithSyncInterval(30*time.Second),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer mgr.Close()
//
//	res := mgr.Evaluate(ctx, "new-checkout", flag.Context{
//		UserID:     "u1",
//		Attributes: map[string]any{"plan": "pro"},
//	})
//	if res.Reason == flag.ReasonRuleMatch {
//		// forced by a targeting rule
//	}
//
//	enabled := mgr.GetBool(ctx, "new-checkout", fctx, false)
//
// # Failure behavior
//
// Evaluate never returns an error and never panics the caller: unknown keys
// yield FLAG_NOT_FOUND, disabled flags yield FLAG_DISABLED with the default
// variant, and internal failures yield ERROR with a nil value. Every
// evaluation is appended to the audit log asynchronously; a storage outage
// there is logged and otherwise ignored.
//
// Management calls (CreateFlag, UpdateFlag, DeleteFlag) do return errors and
// enforce the definition invariants: variants must be non-empty with unique
// keys, the default variant and every rule target must exist, the rollout
// percentage stays within [0,100], and status changes follow
// draft -> active -> inactive/archived.
package flag
