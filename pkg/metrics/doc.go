/*
Package metrics provides Prometheus metrics collection and exposition for
vaultkeeper.

Metrics are package-level variables registered at init() time and updated
directly by the components that own the event being measured: the Backup
Manager records wave and per-service outcomes, archive sizes, and lock
contention it meets when acquiring a service lock; the Retention Engine
records sweep duration and deletion counts. The catalog below lists every
registered metric; pipeline_stage_duration_seconds,
stale_locks_replaced_total and the registry metrics are registered but no
component updates them (pkg/lock and pkg/registry record no metrics).

# Metrics Catalog

Backup Manager:

	vaultkeeper_backup_waves_total{outcome}
	vaultkeeper_service_backups_total{service,outcome}
	vaultkeeper_service_backup_duration_seconds{service}
	vaultkeeper_pipeline_stage_duration_seconds{stage}
	vaultkeeper_archive_bytes_written{service}

Lock Manager:

	vaultkeeper_lock_contention_total{service}
	vaultkeeper_stale_locks_replaced_total

Retention Engine:

	vaultkeeper_retention_sweep_duration_seconds
	vaultkeeper_retention_deleted_total

Registry Adapter:

	vaultkeeper_registry_requests_total{outcome}
	vaultkeeper_registry_cache_hits_total

# Usage

	timer := metrics.NewTimer()
	result := engine.Run(ctx, svc, backupName)
	timer.ObserveDurationVec(metrics.ServiceBackupDuration, svc.Name)

metrics.Handler() returns the Prometheus HTTP handler for these metrics.
The vaultkeeper CLI does not start an HTTP server, so nothing serves it
unless an embedding program mounts it.
*/
package metrics
