// Package scheduler decides when jobs run: cron expressions, fixed
// intervals and named one-shot timers. It never runs a job itself; every
// trigger is handed to the task engine, which owns workers, timeouts and
// retries.
package scheduler
