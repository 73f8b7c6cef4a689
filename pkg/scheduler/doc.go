/*
Package scheduler implements the Scheduler (C13): periodic, unattended
invocation of backup waves and retention sweeps.

	sched := scheduler.New(mgr, scheduler.Config{
		BackupInterval:    6 * time.Hour,
		RetentionInterval: 24 * time.Hour,
		RunInitialBackup:  true,
	})
	sched.Run(ctx) // blocks until SIGINT/SIGTERM or ctx cancellation

Run starts two independent tickers: one for backup waves, one for
retention sweeps. A retention sweep always runs once immediately on
startup, ahead of the first ticked cycle, so a freshly started daemon
doesn't wait a full interval before reclaiming disk space. Stop (or
ctx cancellation, or a received SIGINT/SIGTERM) ends the loop after
any in-flight cycle completes.
*/
package scheduler
