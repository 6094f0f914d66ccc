package scheduler

// Names of the global periodic jobs
const (
	JobAlertCycle         = "alert-cycle"
	JobPresenceRefresh    = "presence-refresh"
	JobClientReaper       = "client-reaper"
	JobSystemAlertCleanup = "system-alert-cleanup"
	JobHostMetrics        = "host-metrics"
)
