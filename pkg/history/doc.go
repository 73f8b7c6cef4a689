/*
Package history provides BoltDB-backed persistence for the backup run
ledger.

Every service-pipeline run appends one HistoryRecord to a single
append-only bucket, keyed by an auto-incrementing sequence so entries
stay ordered without needing a separate index. status() reads this
ledger to report recent outcomes per service alongside the archive
directory listing.

	store, err := history.Open(dataDir)
	...
	store.Record(types.HistoryRecord{
		Service:     "wordpress",
		ArchiveName: "wordpress_20260731_020000.tar.gz",
		StartedAt:   start,
		FinishedAt:  time.Now(),
		Success:     true,
		BytesWritten: written,
	})

	recent, err := store.ForService("wordpress")
*/
package history
