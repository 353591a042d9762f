// Package events provides the lifecycle event bus for the flag and
// experiment managers.
//
// Emitted event names are a stable contract for external consumers such as
// analytics pipelines: flagCreated, flagUpdated, flagDeleted, flagsSynced,
// testCreated, testUpdated, testStarted, testStopped, variantAssigned,
// conversionTracked, resultsCalculated.
//
// Delivery is best-effort: Emit never blocks, and subscribers that fall
// behind have messages dropped rather than stalling the evaluation path.
//
//	sub := emitter.Subscribe(ctx)
//	for ev := range sub {
//		switch ev.Name {
//		case events.VariantAssigned:
//			// forward to analytics
//		}
//	}
package events
