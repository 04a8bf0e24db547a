// Package stores persists deployment history in SQLite.
//
// A SQLiteStore keeps one row per run, one row per sequence node of that
// run, the load balancer calls made while it ran, and the most recent facts
// collected from each server. The schema is managed with golang-migrate from
// embedded migrations and the pure Go modernc.org/sqlite driver, so no cgo
// toolchain is required.
//
// Recorder adapts a Store to engine.RunRecorder: it writes pending rows when
// a run starts, updates each node as it finishes and stores the final tree
// with a JSON summary when the run completes. CachingFactProvider wraps any
// engine.FactProvider and reuses stored facts until they expire.
//
//	store, err := stores.Open(ctx, stores.Config{Path: "seqdeploy.db"})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	eng := engine.New(engine.Options{
//		Recorder: stores.NewRecorder(store, manifest.Name, logger),
//		Facts:    stores.NewCachingFactProvider(store, sshFacts, 0, logger),
//	})
package stores
