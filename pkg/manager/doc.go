/*
Package manager implements the Backup Manager (C12): the top-level
orchestration that turns "run a backup" into a wave of per-service
pipeline runs.

Run discovers services via pkg/discovery, resolves each one's effective
configuration via pkg/config, drops self and excluded services, sorts
by priority, and dispatches into a worker pool sized by the adaptive
backpressure formula (scaled down under high memory pressure). Each
worker acquires the service's lock via pkg/lock, runs pkg/pipeline,
and releases the lock on every exit path regardless of outcome. Every
run is appended to pkg/history, and a pkg/retention sweep runs once
the wave completes.

Status reports the archive inventory on disk grouped by service,
alongside the currently active lock set, for the CLI's status command.
*/
package manager
