// Package mongostore provides the MongoDB-backed storage provider for the
// flag and experiment engine.
//
// Configuration is environment-driven with retry-on-connect defaults that
// handle transient Atlas failures without manual tuning. One collection per
// record family: flags, tests, participations, conversions, evaluations,
// results. Definition saves are idempotent upserts; participations use a
// set-on-insert upsert so the first assignment wins, which is what keeps
// assignments sticky across processes.
//
//	var cfg mongostore.Config
//	// populate via env: MONGODB_URL, FLAGKIT_MONGODB_DATABASE, ...
//	store, err := mongostore.New(ctx, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
package mongostore
