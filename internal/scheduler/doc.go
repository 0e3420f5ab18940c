// Package scheduler owns the named periodic tasks of a tab.
//
// Schedules of one second or more run on robfig/cron ("@every 1m", "*/5 * * * *");
// sub-second intervals such as the visibility tick run on a ticker goroutine
// because cron's resolution is one second. A task that is still running when its
// next trigger fires is skipped, never queued.
package scheduler
